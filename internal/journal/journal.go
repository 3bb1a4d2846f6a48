// Package journal persists an audit trail of voice ordering sessions.
//
// A [Recorder] consumes orchestrator events and appends one [Record] per
// meaningful step (state changes, final transcripts, completed responses,
// detected orders and errors) to a [Store]. Stores exist for PostgreSQL
// (package postgres), SQLite (package sqlite) and memory ([MemoryStore]).
//
// Writes never block a session: the recorder reads from a bus subscription
// and a failing store only costs journal entries.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned by [Record.Validate] and by stores asked to
// append a record without a session or kind.
var ErrInvalidRecord = errors.New("journal: invalid record")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("journal: store closed")

// Kind classifies a journal record.
type Kind string

const (
	KindTransition Kind = "transition"
	KindTranscript Kind = "transcript"
	KindResponse   Kind = "response"
	KindOrder      Kind = "order"
	KindError      Kind = "error"
)

// IsValid reports whether k is a recognised record kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindTransition, KindTranscript, KindResponse, KindOrder, KindError:
		return true
	}
	return false
}

// Record is a single journal entry.
type Record struct {
	// ID is assigned by the store on append and is zero before.
	ID        int64
	SessionID string
	Kind      Kind
	At        time.Time

	// Summary is a short human-readable line, e.g. "IDLE -> RECORDING".
	Summary string

	// Payload carries kind-specific structured data as JSON. May be nil.
	Payload json.RawMessage
}

// Validate checks the fields every store requires.
func (r Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidRecord)
	}
	if !r.Kind.IsValid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidRecord, r.Kind)
	}
	return nil
}

// Store is the persistence contract shared by all journal backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores rec and ignores rec.ID.
	Append(ctx context.Context, rec Record) error

	// Recent returns up to limit of the newest records of a session, oldest
	// first. A limit <= 0 returns every record.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)

	// Close releases the store's resources.
	Close() error
}
