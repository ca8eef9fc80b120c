package platform

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/oauth2"
)

// Spec is one row of the platform lookup table.
type Spec struct {
	Kind     Kind
	AuthURL  string
	TokenURL string
	Scopes   []string
	// ScopeDelimiter joins Scopes for platforms that do not accept the
	// space-separated form oauth2 produces.
	ScopeDelimiter string
	AuthStyle      oauth2.AuthStyle
	UsePKCE        bool
	CharLimit      int
	MaxMedia       int
	RequiresMedia  bool
}

// Catalog is the per-platform configuration table.
var Catalog = map[Kind]Spec{
	Twitter: {
		Kind:      Twitter,
		AuthURL:   "https://twitter.com/i/oauth2/authorize",
		TokenURL:  "https://api.x.com/2/oauth2/token",
		Scopes:    []string{"tweet.read", "tweet.write", "users.read", "media.write", "offline.access"},
		AuthStyle: oauth2.AuthStyleInHeader,
		UsePKCE:   true,
		CharLimit: 280,
		MaxMedia:  4,
	},
	Threads: {
		Kind:           Threads,
		AuthURL:        "https://threads.net/oauth/authorize",
		TokenURL:       "https://graph.threads.net/oauth/access_token",
		Scopes:         []string{"threads_basic", "threads_content_publish"},
		ScopeDelimiter: ",",
		AuthStyle:      oauth2.AuthStyleInParams,
		CharLimit:      500,
		MaxMedia:       20,
	},
	Facebook: {
		Kind:           Facebook,
		AuthURL:        "https://www.facebook.com/v19.0/dialog/oauth",
		TokenURL:       "https://graph.facebook.com/v19.0/oauth/access_token",
		Scopes:         []string{"pages_show_list", "pages_read_engagement", "pages_manage_posts", "public_profile"},
		ScopeDelimiter: ",",
		AuthStyle:      oauth2.AuthStyleInParams,
		CharLimit:      63206,
		MaxMedia:       10,
	},
	Instagram: {
		Kind:           Instagram,
		AuthURL:        "https://www.instagram.com/oauth/authorize",
		TokenURL:       "https://api.instagram.com/oauth/access_token",
		Scopes:         []string{"instagram_business_basic", "instagram_business_content_publish"},
		ScopeDelimiter: ",",
		AuthStyle:      oauth2.AuthStyleInParams,
		CharLimit:      2200,
		MaxMedia:       10,
		RequiresMedia:  true,
	},
}

// Lookup returns the catalog entry for a platform.
func Lookup(k Kind) (Spec, error) {
	s, ok := Catalog[k]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, k)
	}
	return s, nil
}

// OAuthScopes returns the scope list in the shape the platform's
// authorization endpoint expects.
func (s Spec) OAuthScopes() []string {
	if s.ScopeDelimiter == "" || len(s.Scopes) == 0 {
		return s.Scopes
	}
	joined := s.Scopes[0]
	for _, sc := range s.Scopes[1:] {
		joined += s.ScopeDelimiter + sc
	}
	return []string{joined}
}

// ValidateContent rejects content the platform would refuse, before any
// network round trip.
func (s Spec) ValidateContent(c Content) error {
	if c.Text == "" && len(c.MediaURLs) == 0 {
		return ErrEmptyContent
	}
	if n := utf8.RuneCountInString(c.Text); s.CharLimit > 0 && n > s.CharLimit {
		return fmt.Errorf("%w: %d > %d on %s", ErrTextTooLong, n, s.CharLimit, s.Kind)
	}
	if s.RequiresMedia && len(c.MediaURLs) == 0 {
		return fmt.Errorf("%w (%s)", ErrMediaRequired, s.Kind)
	}
	if s.MaxMedia > 0 && len(c.MediaURLs) > s.MaxMedia {
		return fmt.Errorf("%w: %d > %d on %s", ErrTooManyMedia, len(c.MediaURLs), s.MaxMedia, s.Kind)
	}
	return nil
}
