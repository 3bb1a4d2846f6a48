// Package tokenserver implements the credential service: it authenticates
// kiosk callers, mints short-lived realtime keys upstream and returns them
// together with the restaurant context the client needs to configure its
// session.
package tokenserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults applied to minted sessions when the config leaves them empty.
const (
	DefaultModel = "gpt-4o-realtime-preview"
	DefaultVoice = "alloy"
)

// ErrMint wraps every upstream minting failure.
var ErrMint = errors.New("tokenserver: mint failed")

// MintRequest describes the session an ephemeral key is minted for.
type MintRequest struct {
	Model string
	Voice string
}

// Minted is an ephemeral realtime key.
type Minted struct {
	Value     string
	ExpiresAt time.Time
}

// Minter mints ephemeral realtime keys.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (Minted, error)
}

// MinterFunc adapts a function to [Minter].
type MinterFunc func(ctx context.Context, req MintRequest) (Minted, error)

// Mint calls f.
func (f MinterFunc) Mint(ctx context.Context, req MintRequest) (Minted, error) { return f(ctx, req) }

var _ Minter = (*OpenAIMinter)(nil)

// OpenAIMinter mints keys through the OpenAI realtime sessions endpoint.
type OpenAIMinter struct {
	client oai.Client
}

// minterConfig holds optional configuration for the minter.
type minterConfig struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
}

// MinterOption is a functional option for [OpenAIMinter].
type MinterOption func(*minterConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) MinterOption {
	return func(c *minterConfig) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) MinterOption {
	return func(c *minterConfig) { c.timeout = d }
}

// WithMaxRetries sets how often the SDK retries a failed request itself.
// The default is 1.
func WithMaxRetries(n int) MinterOption {
	return func(c *minterConfig) { c.maxRetries = n }
}

// NewOpenAIMinter returns a minter authenticating with apiKey.
func NewOpenAIMinter(apiKey string, opts ...MinterOption) (*OpenAIMinter, error) {
	if apiKey == "" {
		return nil, errors.New("tokenserver: openai api key must not be empty")
	}
	cfg := &minterConfig{timeout: 10 * time.Second, maxRetries: 1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &OpenAIMinter{client: oai.NewClient(reqOpts...)}, nil
}

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type sessionResponse struct {
	ID           string `json:"id"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint implements [Minter].
func (m *OpenAIMinter) Mint(ctx context.Context, req MintRequest) (Minted, error) {
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.Voice == "" {
		req.Voice = DefaultVoice
	}

	var res sessionResponse
	err := m.client.Post(ctx, "realtime/sessions", sessionRequest{Model: req.Model, Voice: req.Voice}, &res)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return Minted{}, fmt.Errorf("%w: openai returned %d: %v", ErrMint, apiErr.StatusCode, err)
		}
		return Minted{}, fmt.Errorf("%w: %v", ErrMint, err)
	}
	if res.ClientSecret.Value == "" || res.ClientSecret.ExpiresAt == 0 {
		return Minted{}, fmt.Errorf("%w: response missing client secret", ErrMint)
	}
	return Minted{
		Value:     res.ClientSecret.Value,
		ExpiresAt: time.Unix(res.ClientSecret.ExpiresAt, 0),
	}, nil
}
