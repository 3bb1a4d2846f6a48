package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// maxResponseBytes caps how much of a credential response is read.
const maxResponseBytes = 1 << 20

// HTTPOption configures an [HTTPFetcher].
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithBearerToken authenticates every request with a static bearer token.
func WithBearerToken(token string) HTTPOption {
	return func(f *HTTPFetcher) {
		if token != "" {
			f.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		}
	}
}

// WithTokenSource authenticates every request with a token from ts, for
// example a client-credentials source.
func WithTokenSource(ts oauth2.TokenSource) HTTPOption {
	return func(f *HTTPFetcher) { f.tokens = ts }
}

// HTTPFetcher requests credentials from the backing credential service with
// a JSON POST carrying the restaurant identity.
type HTTPFetcher struct {
	url          string
	restaurantID string
	client       *http.Client
	tokens       oauth2.TokenSource
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher returns a fetcher posting to url on behalf of restaurantID.
func NewHTTPFetcher(url, restaurantID string, opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		url:          url,
		restaurantID: restaurantID,
		client:       &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

type credentialRequest struct {
	RestaurantID string `json:"restaurant_id"`
}

// Response is the credential service's JSON response body.
type Response struct {
	Credential string          `json:"credential"`
	ExpiresAt  int64           `json:"expires_at"`
	Context    ResponseContext `json:"context"`
}

// ResponseContext is the context payload of a [Response].
type ResponseContext struct {
	RestaurantID   string `json:"restaurant_id"`
	RestaurantName string `json:"restaurant_name"`
	Menu           string `json:"menu"`
}

// Fetch implements [Fetcher].
func (f *HTTPFetcher) Fetch(ctx context.Context) (Grant, error) {
	body, err := json.Marshal(credentialRequest{RestaurantID: f.restaurantID})
	if err != nil {
		return Grant{}, fmt.Errorf("credential: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: build request: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restaurant-ID", f.restaurantID)

	if f.tokens != nil {
		tok, err := f.tokens.Token()
		if err != nil {
			return Grant{}, fmt.Errorf("%w: caller token: %v", ErrAuth, err)
		}
		tok.SetAuthHeader(req)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Grant{}, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Grant{}, fmt.Errorf("%w: credential service returned %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Grant{}, fmt.Errorf("%w: credential service returned %d", ErrNetwork, resp.StatusCode)
	}

	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Grant{}, fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	if r.Credential == "" || r.ExpiresAt == 0 {
		return Grant{}, fmt.Errorf("%w: response missing credential or expiry", ErrAuth)
	}

	return Grant{
		Credential: Credential{Token: r.Credential, ExpiresAt: time.Unix(r.ExpiresAt, 0)},
		Context: Context{
			RestaurantID:   r.Context.RestaurantID,
			RestaurantName: r.Context.RestaurantName,
			Menu:           r.Context.Menu,
		},
	}, nil
}
