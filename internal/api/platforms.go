package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/oauth"
	"github.com/relaypost/relaypost/internal/platform"
)

// buildPlatforms constructs a publisher and an OAuth client for every enabled
// platform. Publisher implementations must already be registered via blank
// imports of their packages.
func buildPlatforms(cfg *config.Config, client *http.Client) (*platform.Adapter, map[platform.Kind]oauth.Client, error) {
	retry := platform.DefaultRetryPolicy()
	if cfg.Publishing.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.Publishing.RetryMaxAttempts
	}
	if cfg.Publishing.RetryBaseDelay > 0 {
		retry.BaseDelay = cfg.Publishing.RetryBaseDelay
	}

	var publishers []platform.Publisher
	clients := make(map[platform.Kind]oauth.Client)

	for _, kind := range platform.AllKinds() {
		pc, _ := cfg.Platforms.ByName(kind.String())
		if !pc.Enabled {
			continue
		}

		pub, err := platform.BuildPublisher(&platform.Settings{
			Kind:         kind,
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			APIBaseURL:   pc.APIBaseURL,
			HTTPClient:   client,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build %s publisher: %w", kind, err)
		}
		publishers = append(publishers, pub)

		redirect := pc.RedirectURL
		if redirect == "" {
			redirect = callbackURL(cfg.Server.GetPublicURL(), kind)
		}
		clients[kind] = oauth.Client{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  redirect,
		}
	}

	return platform.NewAdapter(retry, publishers...), clients, nil
}

func callbackURL(publicURL string, kind platform.Kind) string {
	return strings.TrimRight(publicURL, "/") + "/api/v1/connections/" + kind.String() + "/callback"
}
