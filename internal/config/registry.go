package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voiceorder/internal/journal"
	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TransportFactory builds a media transport capturing from src.
type TransportFactory func(cfg TransportConfig, src audio.Source) (transport.Transport, error)

// JournalFactory opens a journal store.
type JournalFactory func(ctx context.Context, cfg JournalConfig) (journal.Store, error)

// Registry maps names to constructors for transports and journal stores. It
// is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
	journals   map[JournalDriver]JournalFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]TransportFactory),
		journals:   make(map[JournalDriver]JournalFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterJournal registers a journal store factory for driver.
func (r *Registry) RegisterJournal(driver JournalDriver, factory JournalFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journals[driver] = factory
}

// CreateTransport instantiates the transport registered under cfg.Name,
// defaulting to "webrtc". Returns [ErrProviderNotRegistered] if no factory
// has been registered for that name.
func (r *Registry) CreateTransport(cfg TransportConfig, src audio.Source) (transport.Transport, error) {
	name := cfg.Name
	if name == "" {
		name = "webrtc"
	}
	r.mu.RLock()
	factory, ok := r.transports[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg, src)
}

// CreateJournal opens the store registered for cfg.Driver.
func (r *Registry) CreateJournal(ctx context.Context, cfg JournalConfig) (journal.Store, error) {
	r.mu.RLock()
	factory, ok := r.journals[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: journal/%q", ErrProviderNotRegistered, cfg.Driver)
	}
	return factory(ctx, cfg)
}

// TransportNames returns the registered transport names, sorted.
func (r *Registry) TransportNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
