package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/internal/tokenserver"
	"github.com/MrWong99/voiceorder/pkg/credential"
)

func stubMinter() tokenserver.Minter {
	return tokenserver.MinterFunc(func(context.Context, tokenserver.MintRequest) (tokenserver.Minted, error) {
		return tokenserver.Minted{Value: "ek_live", ExpiresAt: time.Now().Add(time.Minute)}, nil
	})
}

func tokenServerConfig() *config.Config {
	return &config.Config{
		TokenServer: config.TokenServerConfig{
			APITokens: []string{"caller-token"},
			Restaurants: []config.RestaurantConfig{
				{ID: "luigis", Name: "Luigi's", Menu: "Espresso 2.50"},
			},
		},
	}
}

func newTokenServer(t *testing.T, cfg *config.Config, lvl *slog.LevelVar) (*TokenServer, *httptest.Server) {
	t.Helper()
	ts, err := NewTokenServer(cfg, stubMinter(), lvl, tokenserver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("NewTokenServer: %v", err)
	}
	srv := httptest.NewServer(ts.Handler())
	t.Cleanup(srv.Close)
	return ts, srv
}

func TestTokenServer_BearerFetch(t *testing.T) {
	t.Parallel()

	_, srv := newTokenServer(t, tokenServerConfig(), nil)
	v := config.VoiceConfig{
		CredentialURL: srv.URL + tokenserver.CredentialsPath,
		RestaurantID:  "luigis",
		Auth:          &config.AuthConfig{Token: "caller-token"},
	}
	grant, err := NewFetcher(context.Background(), v).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if grant.Credential.Token != "ek_live" || grant.Context.RestaurantName != "Luigi's" {
		t.Errorf("grant = %+v", grant)
	}

	v.Auth = nil
	if _, err := NewFetcher(context.Background(), v).Fetch(context.Background()); !errors.Is(err, credential.ErrAuth) {
		t.Errorf("unauthenticated fetch err = %v, want ErrAuth", err)
	}
}

func TestTokenServer_OAuthFetch(t *testing.T) {
	t.Parallel()

	var tokenRequests atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, "bad grant", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"caller-token","token_type":"bearer","expires_in":3600}`))
	}))
	t.Cleanup(idp.Close)

	_, srv := newTokenServer(t, tokenServerConfig(), nil)
	v := config.VoiceConfig{
		CredentialURL: srv.URL + tokenserver.CredentialsPath,
		RestaurantID:  "luigis",
		Auth: &config.AuthConfig{OAuth: &config.OAuthConfig{
			ClientID:     "kiosk",
			ClientSecret: "s3cret",
			TokenURL:     idp.URL,
			Scopes:       []string{"credentials:mint"},
		}},
	}
	f := NewFetcher(context.Background(), v)
	for range 2 {
		if _, err := f.Fetch(context.Background()); err != nil {
			t.Fatalf("Fetch: %v", err)
		}
	}
	if n := tokenRequests.Load(); n != 1 {
		t.Errorf("token requests = %d, want 1 (token reused until expiry)", n)
	}
}

func TestNewFetcher_FallbackURLs(t *testing.T) {
	t.Parallel()

	var primaryHits atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		primaryHits.Add(1)
		http.Error(w, "maintenance", http.StatusInternalServerError)
	}))
	t.Cleanup(down.Close)
	_, srv := newTokenServer(t, tokenServerConfig(), nil)

	v := config.VoiceConfig{
		CredentialURL:          down.URL,
		FallbackCredentialURLs: []string{srv.URL + tokenserver.CredentialsPath},
		RestaurantID:           "luigis",
		Auth:                   &config.AuthConfig{Token: "caller-token"},
	}
	f := NewFetcher(context.Background(), v)
	for range 7 {
		grant, err := f.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if grant.Credential.Token != "ek_live" {
			t.Errorf("token = %q", grant.Credential.Token)
		}
	}
	// The primary breaker opens after five network failures.
	if n := primaryHits.Load(); n != 5 {
		t.Errorf("primary hits = %d, want 5", n)
	}

	v.FallbackCredentialURLs = []string{down.URL}
	_, err := NewFetcher(context.Background(), v).Fetch(context.Background())
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, credential.ErrNetwork) {
		t.Errorf("all down: err = %v", err)
	}
}

func TestTokenServer_ApplyConfig(t *testing.T) {
	t.Parallel()

	lvl := new(slog.LevelVar)
	old := tokenServerConfig()
	ts, srv := newTokenServer(t, old, lvl)

	next := tokenServerConfig()
	next.Server.LogLevel = config.LogError
	next.TokenServer.Restaurants = append(next.TokenServer.Restaurants,
		config.RestaurantConfig{ID: "marios", Name: "Mario's", Menu: "Pizza 9.00"})
	ts.ApplyConfig(old, next, config.Diff(old, next))

	if lvl.Level() != slog.LevelError {
		t.Errorf("level = %v, want error", lvl.Level())
	}
	v := config.VoiceConfig{
		CredentialURL: srv.URL + tokenserver.CredentialsPath,
		RestaurantID:  "marios",
		Auth:          &config.AuthConfig{Token: "caller-token"},
	}
	grant, err := NewFetcher(context.Background(), v).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch after reload: %v", err)
	}
	if grant.Context.RestaurantName != "Mario's" {
		t.Errorf("restaurant = %q", grant.Context.RestaurantName)
	}
}

func TestTokenServer_Routes(t *testing.T) {
	t.Parallel()

	ts, _ := newTokenServer(t, tokenServerConfig(), nil)
	h := ts.Handler()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := get(t, h, path); rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}

func TestNewTokenServer_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenServer(&config.Config{}, stubMinter(), nil); err == nil ||
		!strings.Contains(err.Error(), "restaurants") {
		t.Errorf("no restaurants: err = %v", err)
	}
}

func TestServeListener_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- serve(ctx, "test", "127.0.0.1:0", nil, http.NotFoundHandler())
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	t.Parallel()

	err := serve(context.Background(), "test", "256.0.0.1:99999", nil, http.NotFoundHandler())
	if err == nil || !strings.Contains(err.Error(), "listen") {
		t.Errorf("err = %v, want listen error", err)
	}
}
