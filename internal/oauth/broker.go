// Package oauth brokers authorization-code flows between an owner and a
// platform, and owns the lifecycle of the resulting Connection: single-use
// state, PKCE where the platform requires it, long-lived token upgrades,
// refresh, and soft revocation.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/relaypost/relaypost/internal/crypto"
	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/platform"
)

// DefaultStateTTL bounds how long an authorization redirect stays valid.
const DefaultStateTTL = 10 * time.Minute

// StateStore persists pending authorization states.
type StateStore interface {
	Create(ctx context.Context, s *models.OAuthState) error
	Consume(ctx context.Context, nonce, platform string, ownerID uuid.UUID) (*models.OAuthState, error)
}

// ConnectionStore persists connections.
type ConnectionStore interface {
	Upsert(ctx context.Context, c *models.Connection) error
	Get(ctx context.Context, ownerID uuid.UUID, platform string) (*models.Connection, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Connection, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, refreshToken *string, expiresAt *time.Time, now time.Time) error
	MarkInactive(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error
	Deactivate(ctx context.Context, ownerID uuid.UUID, platform string, now time.Time) (bool, error)
}

// Client is one platform's registered OAuth application.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// AuthURL and TokenURL override the catalog endpoints.
	AuthURL  string
	TokenURL string
}

// Options configures a Broker.
type Options struct {
	StateTTL time.Duration
	// RefreshMargin is how close to expiry a token must be before
	// AccessToken refreshes it.
	RefreshMargin time.Duration
	HTTPClient    *http.Client
	Rand          io.Reader
}

// Broker runs authorization flows and hands out usable access tokens.
type Broker struct {
	states  StateStore
	conns   ConnectionStore
	vault   *crypto.Vault
	adapter *platform.Adapter
	clients map[platform.Kind]Client
	opts    Options
	// refreshes collapses concurrent refreshes of one connection so a
	// rotating refresh token is spent once.
	refreshes singleflight.Group
}

// NewBroker creates a broker. Platforms without a Client entry cannot be
// connected.
func NewBroker(states StateStore, conns ConnectionStore, vault *crypto.Vault, adapter *platform.Adapter, clients map[platform.Kind]Client, opts Options) *Broker {
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = platform.NewHTTPClient(30 * time.Second)
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Broker{
		states:  states,
		conns:   conns,
		vault:   vault,
		adapter: adapter,
		clients: clients,
		opts:    opts,
	}
}

func (b *Broker) config(kind platform.Kind) (*oauth2.Config, platform.Spec, error) {
	spec, err := platform.Lookup(kind)
	if err != nil {
		return nil, spec, err
	}
	c, ok := b.clients[kind]
	if !ok || c.ClientID == "" {
		return nil, spec, fmt.Errorf("%w: %s", platform.ErrPlatformUnavailable, kind)
	}
	endpoint := oauth2.Endpoint{AuthURL: spec.AuthURL, TokenURL: spec.TokenURL, AuthStyle: spec.AuthStyle}
	if c.AuthURL != "" {
		endpoint.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		endpoint.TokenURL = c.TokenURL
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       spec.OAuthScopes(),
	}, spec, nil
}

func (b *Broker) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, b.opts.HTTPClient)
}

func (b *Broker) newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(b.opts.Rand, buf); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BeginAuthorization records a pending state and returns the platform's
// authorization URL.
func (b *Broker) BeginAuthorization(ctx context.Context, ownerID uuid.UUID, kind platform.Kind, now time.Time) (string, error) {
	cfg, spec, err := b.config(kind)
	if err != nil {
		return "", err
	}
	nonce, err := b.newNonce()
	if err != nil {
		return "", err
	}

	state := &models.OAuthState{
		StateNonce: nonce,
		OwnerID:    ownerID,
		Platform:   kind.String(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(b.opts.StateTTL),
	}
	var opts []oauth2.AuthCodeOption
	if spec.UsePKCE {
		verifier := oauth2.GenerateVerifier()
		state.PKCEVerifier = &verifier
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	if err := b.states.Create(ctx, state); err != nil {
		return "", fmt.Errorf("oauth: save state: %w", err)
	}
	return cfg.AuthCodeURL(nonce, opts...), nil
}

// CompleteAuthorization consumes the state, exchanges the code, resolves the
// account profile and upserts the connection. Nothing is written unless both
// the token and the profile were obtained.
func (b *Broker) CompleteAuthorization(ctx context.Context, ownerID uuid.UUID, kind platform.Kind, code, state string, now time.Time) (*models.Connection, error) {
	st, err := b.states.Consume(ctx, state, kind.String(), ownerID)
	if err != nil {
		return nil, fmt.Errorf("oauth: load state: %w", err)
	}
	if st == nil {
		return nil, ErrStateMismatch
	}
	if now.After(st.ExpiresAt) {
		return nil, ErrStateExpired
	}

	cfg, _, err := b.config(kind)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, &TokenExchangeError{Platform: kind, Op: "code exchange", Reason: "missing authorization code"}
	}

	var opts []oauth2.AuthCodeOption
	if st.PKCEVerifier != nil {
		opts = append(opts, oauth2.VerifierOption(*st.PKCEVerifier))
	}
	tok, err := cfg.Exchange(b.httpContext(ctx), code, opts...)
	if err != nil {
		return nil, exchangeError(kind, "code exchange", err)
	}
	token := platform.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokenExpiry(tok, now),
	}

	pub, err := b.adapter.Publisher(kind)
	if err != nil {
		return nil, err
	}
	if ex, ok := pub.(platform.TokenExchanger); ok {
		long, err := ex.ExchangeLongLived(ctx, token.AccessToken)
		if err != nil {
			return nil, exchangeError(kind, "long-lived exchange", err)
		}
		token.AccessToken = long.AccessToken
		token.ExpiresAt = long.ExpiresAt
		if long.RefreshToken != "" {
			token.RefreshToken = long.RefreshToken
		}
	}

	profile, err := pub.FetchProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("oauth: fetch %s profile: %w", kind, err)
	}
	if profile.AccessToken != "" {
		// Derived page tokens do not expire and cannot be refreshed.
		token = platform.Token{AccessToken: profile.AccessToken}
	}

	conn := &models.Connection{
		OwnerID:           ownerID,
		Platform:          kind.String(),
		ExpiresAt:         token.ExpiresAt,
		PlatformAccountID: profile.AccountID,
		Username:          profile.Username,
		DisplayName:       profile.DisplayName,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if profile.AvatarURL != "" {
		conn.AvatarURL = &profile.AvatarURL
	}
	if conn.AccessToken, err = b.vault.SealString(token.AccessToken); err != nil {
		return nil, err
	}
	if token.RefreshToken != "" {
		sealed, err := b.vault.SealString(token.RefreshToken)
		if err != nil {
			return nil, err
		}
		conn.RefreshToken = &sealed
	}

	if err := b.conns.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("oauth: save connection: %w", err)
	}
	return conn, nil
}

// Refresh obtains a new access token for conn and stores it. A connection
// whose refresh is rejected as expired is marked inactive. Concurrent calls
// for the same connection share one refresh, and a caller holding a token
// that was already replaced adopts the stored one instead of refreshing.
func (b *Broker) Refresh(ctx context.Context, conn *models.Connection, now time.Time) (*models.Connection, error) {
	v, err, _ := b.refreshes.Do(conn.ID.String(), func() (interface{}, error) {
		return b.refresh(context.WithoutCancel(ctx), *conn, now)
	})
	if got, ok := v.(*models.Connection); ok && got != nil {
		conn.AccessToken = got.AccessToken
		conn.RefreshToken = got.RefreshToken
		conn.ExpiresAt = got.ExpiresAt
		conn.Active = got.Active
		conn.LastError = got.LastError
		conn.UpdatedAt = got.UpdatedAt
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// refresh works on its own copy of the connection and returns it even on
// failure so every waiter sees the same state.
func (b *Broker) refresh(ctx context.Context, conn models.Connection, now time.Time) (*models.Connection, error) {
	if stored, err := b.conns.Get(ctx, conn.OwnerID, conn.Platform); err == nil &&
		stored != nil && stored.ID == conn.ID && stored.Active && stored.AccessToken != conn.AccessToken {
		// Refreshed after conn was loaded.
		return stored, nil
	}

	kind := platform.Kind(conn.Platform)
	current, err := b.openToken(&conn)
	if err != nil {
		return &conn, err
	}

	pub, err := b.adapter.Publisher(kind)
	if err != nil {
		return &conn, err
	}

	var fresh *platform.Token
	switch r := pub.(type) {
	case platform.TokenRefresher:
		fresh, err = r.RefreshToken(ctx, *current)
		if err != nil {
			err = exchangeError(kind, "refresh", err)
		}
	default:
		if current.RefreshToken == "" {
			return &conn, fmt.Errorf("%w: %s", platform.ErrRefreshUnsupported, kind)
		}
		fresh, err = b.refreshGrant(ctx, kind, current.RefreshToken, now)
	}
	if err != nil {
		if errors.Is(err, platform.ErrAuthExpired) {
			if markErr := b.conns.MarkInactive(ctx, conn.ID, err.Error(), now); markErr != nil {
				return &conn, fmt.Errorf("oauth: mark connection inactive: %w", markErr)
			}
			conn.Active = false
			msg := err.Error()
			conn.LastError = &msg
		}
		return &conn, err
	}

	sealedAccess, err := b.vault.SealString(fresh.AccessToken)
	if err != nil {
		return &conn, err
	}
	var sealedRefresh *string
	if fresh.RefreshToken != "" && fresh.RefreshToken != current.RefreshToken {
		s, err := b.vault.SealString(fresh.RefreshToken)
		if err != nil {
			return &conn, err
		}
		sealedRefresh = &s
	}
	if err := b.conns.UpdateTokens(ctx, conn.ID, sealedAccess, sealedRefresh, fresh.ExpiresAt, now); err != nil {
		return &conn, fmt.Errorf("oauth: save refreshed token: %w", err)
	}

	conn.AccessToken = sealedAccess
	if sealedRefresh != nil {
		conn.RefreshToken = sealedRefresh
	}
	conn.ExpiresAt = fresh.ExpiresAt
	conn.LastError = nil
	conn.UpdatedAt = now
	return &conn, nil
}

func (b *Broker) refreshGrant(ctx context.Context, kind platform.Kind, refreshToken string, now time.Time) (*platform.Token, error) {
	cfg, _, err := b.config(kind)
	if err != nil {
		return nil, err
	}
	// An empty access token forces the token source to refresh.
	tok, err := cfg.TokenSource(b.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, exchangeError(kind, "refresh", err)
	}
	return &platform.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokenExpiry(tok, now),
	}, nil
}

// AccessToken returns a usable plaintext access token for conn, refreshing
// it first when it expires within the refresh margin. A failed refresh falls
// back to the current token while it is still valid.
func (b *Broker) AccessToken(ctx context.Context, conn *models.Connection, now time.Time) (string, error) {
	if conn.ExpiresAt != nil && conn.ExpiresAt.Before(now.Add(b.opts.RefreshMargin)) {
		if _, err := b.Refresh(ctx, conn, now); err != nil {
			if errors.Is(err, platform.ErrAuthExpired) || conn.Expired(now) {
				return "", err
			}
		}
	}
	return b.vault.OpenString(conn.AccessToken)
}

// Revoke soft-disables the owner's connection.
func (b *Broker) Revoke(ctx context.Context, ownerID uuid.UUID, kind platform.Kind, now time.Time) error {
	ok, err := b.conns.Deactivate(ctx, ownerID, kind.String(), now)
	if err != nil {
		return fmt.Errorf("oauth: revoke: %w", err)
	}
	if !ok {
		return ErrNotConnected
	}
	return nil
}

// ListConnections returns the owner's connections. Token fields are never
// serialized.
func (b *Broker) ListConnections(ctx context.Context, ownerID uuid.UUID) ([]*models.Connection, error) {
	return b.conns.ListByOwner(ctx, ownerID)
}

// Connection returns the owner's active connection for a platform.
func (b *Broker) Connection(ctx context.Context, ownerID uuid.UUID, kind platform.Kind) (*models.Connection, error) {
	conn, err := b.conns.Get(ctx, ownerID, kind.String())
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.Active {
		return nil, ErrNotConnected
	}
	return conn, nil
}

func (b *Broker) openToken(conn *models.Connection) (*platform.Token, error) {
	access, err := b.vault.OpenString(conn.AccessToken)
	if err != nil {
		return nil, err
	}
	t := &platform.Token{AccessToken: access, ExpiresAt: conn.ExpiresAt}
	if conn.RefreshToken != nil {
		if t.RefreshToken, err = b.vault.OpenString(*conn.RefreshToken); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func tokenExpiry(tok *oauth2.Token, now time.Time) *time.Time {
	if tok.ExpiresIn > 0 {
		return platform.ExpiryFromSeconds(now, tok.ExpiresIn)
	}
	if !tok.Expiry.IsZero() {
		t := tok.Expiry.UTC()
		return &t
	}
	return nil
}

// CompletionURL is where the browser goes after a callback: the app URL with
// ?connected={platform} on success or ?error={message} on failure.
func CompletionURL(appURL string, kind platform.Kind, err error) string {
	q := url.Values{}
	if err == nil {
		q.Set("connected", kind.String())
	} else {
		q.Set("error", UserMessage(kind, err))
	}
	sep := "?"
	if u, perr := url.Parse(appURL); perr == nil && u.RawQuery != "" {
		sep = "&"
	}
	return appURL + sep + q.Encode()
}

// UserMessage renders err for display to the owner.
func UserMessage(kind platform.Kind, err error) string {
	var tee *TokenExchangeError
	switch {
	case errors.Is(err, ErrStateMismatch):
		return "authorization state is invalid or was already used"
	case errors.Is(err, ErrStateExpired):
		return "authorization took too long, please try again"
	case errors.As(err, &tee):
		return tee.Error()
	case errors.Is(err, platform.ErrPlatformUnavailable):
		return fmt.Sprintf("%s is not configured", kind)
	default:
		return fmt.Sprintf("failed to connect %s", kind)
	}
}
