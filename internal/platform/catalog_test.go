package platform

import (
	"errors"
	"strings"
	"testing"
)

func TestCatalogCoversEveryPlatform(t *testing.T) {
	for _, k := range AllKinds() {
		s, err := Lookup(k)
		if err != nil {
			t.Fatalf("Lookup(%s) error: %v", k, err)
		}
		if s.AuthURL == "" || s.TokenURL == "" || len(s.Scopes) == 0 || s.CharLimit == 0 {
			t.Errorf("Catalog[%s] incomplete: %+v", k, s)
		}
	}
	if _, err := Lookup("myspace"); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("Lookup(myspace) error = %v, want ErrUnknownPlatform", err)
	}
}

func TestOnlyTwitterUsesPKCE(t *testing.T) {
	for k, s := range Catalog {
		if s.UsePKCE != (k == Twitter) {
			t.Errorf("Catalog[%s].UsePKCE = %v", k, s.UsePKCE)
		}
	}
}

func TestOAuthScopes(t *testing.T) {
	tw := Catalog[Twitter].OAuthScopes()
	if len(tw) != len(Catalog[Twitter].Scopes) {
		t.Errorf("twitter scopes = %v, want space-separated list passed through", tw)
	}
	th := Catalog[Threads].OAuthScopes()
	if len(th) != 1 || th[0] != "threads_basic,threads_content_publish" {
		t.Errorf("threads scopes = %v, want single comma-joined scope", th)
	}
}

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		content Content
		wantErr error
	}{
		{"twitter at limit", Twitter, Content{Text: strings.Repeat("a", 280)}, nil},
		{"twitter over limit", Twitter, Content{Text: strings.Repeat("a", 281)}, ErrTextTooLong},
		{"limit counts runes not bytes", Twitter, Content{Text: strings.Repeat("é", 280)}, nil},
		{"followup does not count", Twitter, Content{Text: "hi", FollowupComment: strings.Repeat("x", 1000)}, nil},
		{"threads over limit", Threads, Content{Text: strings.Repeat("a", 501)}, ErrTextTooLong},
		{"instagram needs media", Instagram, Content{Text: "caption"}, ErrMediaRequired},
		{"instagram with media", Instagram, Content{Text: "caption", MediaURLs: []string{"https://cdn/x.jpg"}}, nil},
		{"twitter too many media", Twitter, Content{Text: "x", MediaURLs: []string{"a", "b", "c", "d", "e"}}, ErrTooManyMedia},
		{"empty", Facebook, Content{}, ErrEmptyContent},
		{"media only", Facebook, Content{MediaURLs: []string{"https://cdn/x.jpg"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Catalog[tt.kind].ValidateContent(tt.content)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateContent() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateContent() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, ErrPermanentRejection) {
				t.Errorf("ValidateContent() error = %v, want a permanent rejection", err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("instagram"); err != nil || k != Instagram {
		t.Errorf("ParseKind(instagram) = %q, %v", k, err)
	}
	if _, err := ParseKind("Instagram"); !errors.Is(err, ErrUnknownPlatform) {
		t.Errorf("ParseKind(Instagram) error = %v, want ErrUnknownPlatform", err)
	}
}
