package tokenserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/internal/tokenserver"
)

func TestNewOpenAIMinter_RequiresKey(t *testing.T) {
	t.Parallel()
	if _, err := tokenserver.NewOpenAIMinter(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestOpenAIMinter_Mint(t *testing.T) {
	t.Parallel()
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sess_1","object":"realtime.session","client_secret":{"value":"ek_abc","expires_at":1777636860}}`))
	}))
	t.Cleanup(srv.Close)

	m, err := tokenserver.NewOpenAIMinter("sk-test", tokenserver.WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := m.Mint(context.Background(), tokenserver.MintRequest{Voice: "verse"})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if got.Value != "ek_abc" || !got.ExpiresAt.Equal(time.Unix(1777636860, 0)) {
		t.Errorf("minted = %+v", got)
	}
	if gotPath != "/v1/realtime/sessions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["model"] != tokenserver.DefaultModel || gotBody["voice"] != "verse" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestOpenAIMinter_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error"}}`},
		{"missing secret", http.StatusOK, `{"id":"sess_1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			m, err := tokenserver.NewOpenAIMinter("sk-test",
				tokenserver.WithBaseURL(srv.URL+"/v1/"),
				tokenserver.WithMaxRetries(0),
			)
			if err != nil {
				t.Fatal(err)
			}
			_, err = m.Mint(context.Background(), tokenserver.MintRequest{})
			if !errors.Is(err, tokenserver.ErrMint) {
				t.Errorf("err = %v, want ErrMint", err)
			}
		})
	}
}
