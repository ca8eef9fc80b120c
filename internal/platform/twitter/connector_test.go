package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaypost/relaypost/internal/platform"
)

func newTestConnector(t *testing.T, handler http.HandlerFunc) (*Connector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(&platform.Settings{
		Kind:       platform.Twitter,
		APIBaseURL: srv.URL,
		HTTPClient: srv.Client(),
	})
	return c, srv
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		problemType string
		code        int
		detail      string
		want        error
	}{
		{"v1 rate limit code", 200, "", 88, "", platform.ErrRateLimited},
		{"usage capped problem", 429, "https://api.twitter.com/2/problems/usage-capped", 0, "", platform.ErrRateLimited},
		{"invalid token code", 200, "", 89, "", platform.ErrAuthExpired},
		{"over capacity", 200, "", 130, "", platform.ErrTransientFailure},
		{"duplicate", 403, "about:blank", 0, "You are not allowed to create a Tweet with duplicate content.", platform.ErrPermanentRejection},
		{"bare 401", 401, "", 0, "", platform.ErrAuthExpired},
		{"bare 503", 503, "", 0, "", platform.ErrTransientFailure},
		{"bare 400", 400, "", 0, "", platform.ErrPermanentRejection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.status, tt.problemType, tt.code, tt.detail); got != tt.want {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// PublishPost
// ---------------------------------------------------------------------------

func TestPublishPostTextOnly(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer user-token" {
			t.Errorf("Authorization = %q", got)
		}
		var body tweetRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Text != "hello world" || body.Media != nil || body.Reply != nil {
			t.Errorf("body = %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1445880548472328192","text":"hello world"}}`))
	})

	id, err := c.PublishPost(context.Background(), "user-token", "", platform.Content{Text: "hello world"})
	if err != nil {
		t.Fatalf("PublishPost() error: %v", err)
	}
	if id != "1445880548472328192" {
		t.Errorf("id = %q", id)
	}
}

func TestPublishPostUploadsMediaBeforeTweet(t *testing.T) {
	var order []string
	c, srv := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		order = append(order, r.URL.Path)
		switch r.URL.Path {
		case "/cdn/cat.png":
			w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
		case "/2/media/upload":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Fatalf("ParseMultipartForm: %v", err)
			}
			if r.FormValue("media_category") != "tweet_image" {
				t.Errorf("media_category = %q", r.FormValue("media_category"))
			}
			f, hdr, err := r.FormFile("media")
			if err != nil {
				t.Fatalf("FormFile: %v", err)
			}
			data, _ := io.ReadAll(f)
			if hdr.Filename != "cat.png" || len(data) == 0 {
				t.Errorf("upload = %s (%d bytes)", hdr.Filename, len(data))
			}
			w.Write([]byte(`{"data":{"id":"7100","media_key":"3_7100"}}`))
		case "/2/tweets":
			var body tweetRequest
			json.NewDecoder(r.Body).Decode(&body)
			if body.Media == nil || len(body.Media.MediaIDs) != 1 || body.Media.MediaIDs[0] != "7100" {
				t.Errorf("media = %+v", body.Media)
			}
			w.Write([]byte(`{"data":{"id":"42"}}`))
		}
	})

	id, err := c.PublishPost(context.Background(), "tok", "", platform.Content{Text: "cat", MediaURLs: []string{srv.URL + "/cdn/cat.png"}})
	if err != nil {
		t.Fatalf("PublishPost() error: %v", err)
	}
	if id != "42" {
		t.Errorf("id = %q", id)
	}
	if len(order) != 3 || order[2] != "/2/tweets" {
		t.Errorf("order = %v", order)
	}
}

func TestPublishPostErrorsOn200(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Over capacity","code":130}]}`))
	})
	_, err := c.PublishPost(context.Background(), "tok", "", platform.Content{Text: "x"})
	if !errors.Is(err, platform.ErrTransientFailure) {
		t.Errorf("PublishPost() error = %v, want ErrTransientFailure", err)
	}
}

func TestPublishPostDuplicateIsPermanent(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"You are not allowed to create a Tweet with duplicate content.","type":"about:blank","title":"Forbidden","status":403}`))
	})
	_, err := c.PublishPost(context.Background(), "tok", "", platform.Content{Text: "again"})
	if !errors.Is(err, platform.ErrPermanentRejection) {
		t.Errorf("PublishPost() error = %v, want ErrPermanentRejection", err)
	}
}

func TestPublishPostUnauthorized(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"title":"Unauthorized","type":"about:blank","status":401,"detail":"Unauthorized"}`))
	})
	_, err := c.PublishPost(context.Background(), "tok", "", platform.Content{Text: "x"})
	if !errors.Is(err, platform.ErrAuthExpired) {
		t.Errorf("PublishPost() error = %v, want ErrAuthExpired", err)
	}
}

func TestPublishPostRejectsVideo(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := c.PublishPost(context.Background(), "tok", "", platform.Content{MediaURLs: []string{"https://cdn/clip.mp4"}})
	if !errors.Is(err, platform.ErrPermanentRejection) {
		t.Errorf("PublishPost() error = %v, want ErrPermanentRejection", err)
	}
}

// ---------------------------------------------------------------------------
// Followup / profile
// ---------------------------------------------------------------------------

func TestPublishFollowupReplies(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		var body tweetRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Reply == nil || body.Reply.InReplyToTweetID != "42" || body.Text != "source" {
			t.Errorf("body = %+v", body)
		}
		w.Write([]byte(`{"data":{"id":"43"}}`))
	})
	id, err := c.PublishFollowup(context.Background(), "tok", "", "42", "source")
	if err != nil || id != "43" {
		t.Errorf("PublishFollowup() = %q, %v", id, err)
	}
}

func TestFetchProfile(t *testing.T) {
	c, _ := newTestConnector(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/users/me" || r.URL.Query().Get("user.fields") != "profile_image_url" {
			t.Errorf("request = %s", r.URL)
		}
		w.Write([]byte(`{"data":{"id":"2244994945","name":"Relay","username":"relaypost","profile_image_url":"https://pbs/x.jpg"}}`))
	})
	p, err := c.FetchProfile(context.Background(), "tok")
	if err != nil {
		t.Fatalf("FetchProfile() error: %v", err)
	}
	if p.AccountID != "2244994945" || p.Username != "relaypost" || p.DisplayName != "Relay" || p.AvatarURL != "https://pbs/x.jpg" {
		t.Errorf("profile = %+v", p)
	}
}

func TestMediaFilename(t *testing.T) {
	if got := mediaFilename("https://cdn.example/a/b/photo.jpg?sig=1"); got != "photo.jpg" {
		t.Errorf("mediaFilename() = %q", got)
	}
	if got := mediaFilename("https://cdn.example/"); got != "media" {
		t.Errorf("mediaFilename() = %q, want media", got)
	}
}
