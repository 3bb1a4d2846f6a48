// Package credential manages the short-lived access credential used to open
// a realtime voice connection, and builds the session configuration sent
// once that connection is open.
//
// A [Manager] fetches credentials through a [Fetcher], keeps the most recent
// one, and re-fetches it in the background shortly before it expires. A failed
// background refresh is reported through a callback but never touches an
// already-open connection: the refreshed credential is only needed for the
// next connection attempt.
package credential

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuth is returned when the credential service rejects the caller or
	// returns an unusable credential.
	ErrAuth = errors.New("credential: authentication failed")

	// ErrNetwork is returned when the credential service cannot be reached
	// or answers with a non-success status other than an auth rejection.
	ErrNetwork = errors.New("credential: network error")

	// ErrNoCredential is returned when an operation needs a valid credential
	// and none is held.
	ErrNoCredential = errors.New("credential: no valid credential")

	// ErrConfigTooLarge is returned by [Manager.BuildSessionConfig] when the
	// encoded configuration exceeds the configured ceiling.
	ErrConfigTooLarge = errors.New("credential: session config too large")
)

// Credential is an opaque bearer token with an absolute expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether c holds a token that has not expired at t.
func (c Credential) ValidAt(t time.Time) bool {
	return c.Token != "" && t.Before(c.ExpiresAt)
}

// Context is the dynamic context returned alongside a credential. It feeds
// the session configuration.
type Context struct {
	RestaurantID   string
	RestaurantName string
	Menu           string
}

// Grant is the result of a single credential fetch.
type Grant struct {
	Credential Credential
	Context    Context
}

// Fetcher obtains a new credential from the backing service.
type Fetcher interface {
	// Fetch requests a fresh credential. Implementations wrap failures with
	// [ErrAuth] or [ErrNetwork].
	Fetch(ctx context.Context) (Grant, error)
}

// FetcherFunc adapts a function to the [Fetcher] interface.
type FetcherFunc func(ctx context.Context) (Grant, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (Grant, error) { return f(ctx) }
