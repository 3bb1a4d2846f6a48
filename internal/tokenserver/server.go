package tokenserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/health"
	"github.com/MrWong99/voiceorder/internal/observe"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/clock"
	"github.com/MrWong99/voiceorder/pkg/credential"
)

// CredentialsPath is the route credentials are minted on.
const CredentialsPath = "/v1/realtime/credentials"

// maxRequestBytes caps the request body.
const maxRequestBytes = 4 << 10

// breakerResetTimeout is how long minting stays suspended after repeated
// upstream failures.
const breakerResetTimeout = 30 * time.Second

// Sentinel errors mapped to HTTP status codes by the handler.
var (
	ErrUnauthorized      = errors.New("tokenserver: unauthorized")
	ErrUnknownRestaurant = errors.New("tokenserver: unknown restaurant")
	ErrBadRequest        = errors.New("tokenserver: bad request")
)

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records mints and HTTP requests on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBreaker replaces the default circuit breaker guarding the minter.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithClock sets the clock used for the default breaker.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clk = c }
}

// Server is the credential service HTTP handler. Restaurants and caller
// tokens can be swapped at runtime with [Server.Reload].
type Server struct {
	minter  Minter
	metrics *observe.Metrics
	breaker *resilience.CircuitBreaker
	clk     clock.Clock

	mu          sync.RWMutex
	model       string
	voice       string
	tokens      [][]byte
	restaurants map[string]config.RestaurantConfig
}

// New returns a server minting with m for the tenants in cfg.
func New(cfg config.TokenServerConfig, m Minter, opts ...Option) *Server {
	s := &Server{minter: m, clk: clock.Real{}}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:         "openai-mint",
			ResetTimeout: breakerResetTimeout,
			Clock:        s.clk,
			Counts: func(err error) bool {
				return errors.Is(err, ErrMint)
			},
		})
	}
	s.Reload(cfg)
	return s
}

// Reload replaces restaurants, caller tokens, model and voice.
func (s *Server) Reload(cfg config.TokenServerConfig) {
	restaurants := make(map[string]config.RestaurantConfig, len(cfg.Restaurants))
	for _, r := range cfg.Restaurants {
		restaurants[r.ID] = r
	}
	tokens := make([][]byte, 0, len(cfg.APITokens))
	for _, t := range cfg.APITokens {
		tokens = append(tokens, []byte(t))
	}

	s.mu.Lock()
	s.model = cfg.Model
	s.voice = cfg.Voice
	s.tokens = tokens
	s.restaurants = restaurants
	s.mu.Unlock()

	slog.Info("tokenserver: configuration applied",
		"restaurants", len(restaurants),
		"caller_auth", len(tokens) > 0,
	)
}

// Handler returns the service routes (credentials, health and any extra
// routes registered on mux by the caller) wrapped in the observe middleware.
func (s *Server) Handler(mux *http.ServeMux) http.Handler {
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("POST "+CredentialsPath, s.handleCredentials)
	health.New([]health.Checker{
		health.Func("minter", s.checkMinter),
	}).Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// checkMinter fails while the minting breaker is open.
func (s *Server) checkMinter(context.Context) error {
	if st := s.breaker.State(); st == resilience.BreakerOpen {
		return fmt.Errorf("circuit breaker %s", st)
	}
	return nil
}

type credentialRequest struct {
	RestaurantID string `json:"restaurant_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	resp, restaurantID, err := s.issue(r)
	if err != nil {
		status := statusFor(err)
		outcome := "error"
		switch status {
		case http.StatusUnauthorized:
			outcome = "unauthorized"
		case http.StatusNotFound:
			outcome = "unknown_restaurant"
		case http.StatusServiceUnavailable:
			outcome = "circuit_open"
			w.Header().Set("Retry-After", retryAfter(breakerResetTimeout))
		}
		s.metrics.RecordCredentialMint(ctx, restaurantID, outcome)
		if status >= 500 {
			log.Error("tokenserver: credential request failed", "restaurant_id", restaurantID, "err", err)
		} else {
			log.Warn("tokenserver: credential request rejected", "restaurant_id", restaurantID, "status", status, "err", err)
		}
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}

	s.metrics.RecordCredentialMint(ctx, restaurantID, "ok")
	log.Info("tokenserver: credential minted",
		"restaurant_id", restaurantID,
		"expires_in", time.Until(time.Unix(resp.ExpiresAt, 0)).Round(time.Second),
	)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// issue authenticates r, resolves the restaurant and mints a key. It also
// returns the restaurant ID once known, for logging.
func (s *Server) issue(r *http.Request) (credential.Response, string, error) {
	s.mu.RLock()
	tokens, model, voice := s.tokens, s.model, s.voice
	s.mu.RUnlock()

	if !authorized(r, tokens) {
		return credential.Response{}, "", ErrUnauthorized
	}

	id, err := restaurantID(r)
	if err != nil {
		return credential.Response{}, "", err
	}

	s.mu.RLock()
	rest, ok := s.restaurants[id]
	s.mu.RUnlock()
	if !ok {
		return credential.Response{}, id, fmt.Errorf("%w: %q", ErrUnknownRestaurant, id)
	}

	menu := rest.Menu
	if rest.MenuFile != "" {
		data, err := os.ReadFile(rest.MenuFile)
		if err != nil {
			return credential.Response{}, id, fmt.Errorf("tokenserver: read menu for %q: %w", id, err)
		}
		menu = string(data)
	}

	var minted Minted
	err = s.breaker.Execute(r.Context(), func(ctx context.Context) error {
		var err error
		minted, err = s.minter.Mint(ctx, MintRequest{Model: model, Voice: voice})
		return err
	})
	if err != nil {
		return credential.Response{}, id, err
	}

	return credential.Response{
		Credential: minted.Value,
		ExpiresAt:  minted.ExpiresAt.Unix(),
		Context: credential.ResponseContext{
			RestaurantID:   rest.ID,
			RestaurantName: rest.Name,
			Menu:           menu,
		},
	}, id, nil
}

// authorized reports whether r carries one of tokens. An empty token list
// disables caller auth.
func authorized(r *http.Request, tokens [][]byte) bool {
	if len(tokens) == 0 {
		return true
	}
	scheme, got, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || got == "" {
		return false
	}
	match := 0
	for _, t := range tokens {
		match |= subtle.ConstantTimeCompare([]byte(got), t)
	}
	return match == 1
}

// restaurantID reads the restaurant from the JSON body, falling back to the
// X-Restaurant-ID header.
func restaurantID(r *http.Request) (string, error) {
	var req credentialRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrBadRequest, err)
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return "", fmt.Errorf("%w: decode body: %v", ErrBadRequest, err)
		}
	}
	id := req.RestaurantID
	if id == "" {
		id = r.Header.Get("X-Restaurant-ID")
	}
	if id == "" {
		return "", fmt.Errorf("%w: restaurant_id is required", ErrBadRequest)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownRestaurant):
		return http.StatusNotFound
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrMint):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// retryAfter formats d for a Retry-After header.
func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(d.Round(time.Second) / time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("tokenserver: encode response", "err", err)
	}
}
