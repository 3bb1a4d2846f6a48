package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voiceorder/internal/orchestrator"
)

// DefaultWriteTimeout bounds a single store append.
const DefaultWriteTimeout = 5 * time.Second

// Recorder turns orchestrator events into journal records.
type Recorder struct {
	store   Store
	timeout time.Duration

	written  atomic.Int64
	failures atomic.Int64

	// response accumulates assistant text until the response completes.
	// Only the Run goroutine touches it.
	response strings.Builder
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithWriteTimeout sets the per-append timeout. Non-positive values are
// ignored.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder returns a [Recorder] writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, timeout: DefaultWriteTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run journals events until the channel is closed or ctx is cancelled. Store
// failures are logged and counted, never returned.
func (r *Recorder) Run(ctx context.Context, events <-chan orchestrator.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := r.record(ev)
			if !ok {
				continue
			}
			r.write(ctx, rec)
		}
	}
}

// Written returns the number of records appended successfully.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Failures returns the number of failed appends.
func (r *Recorder) Failures() int64 { return r.failures.Load() }

func (r *Recorder) write(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		r.failures.Add(1)
		slog.Warn("journal: append failed", "kind", string(rec.Kind), "session_id", rec.SessionID, "err", err)
		return
	}
	r.written.Add(1)
}

type transitionPayload struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger"`
}

type transcriptPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type responsePayload struct {
	ResponseID string `json:"response_id,omitempty"`
	Text       string `json:"text"`
}

type errorPayload struct {
	Kind        string `json:"kind"`
	Recoverable bool   `json:"recoverable"`
	Action      string `json:"action"`
	Cause       string `json:"cause,omitempty"`
	Refresh     bool   `json:"credential_refresh,omitempty"`
}

// record maps ev to a journal record. Events that are not journaled, or
// that carry no session, report false.
func (r *Recorder) record(ev orchestrator.Event) (Record, bool) {
	rec := Record{SessionID: ev.SessionID, At: ev.At}
	var payload any

	switch ev.Kind {
	case orchestrator.EventStateChanged:
		rec.Kind = KindTransition
		rec.Summary = fmt.Sprintf("%s -> %s", ev.From, ev.To)
		payload = transitionPayload{From: ev.From.String(), To: ev.To.String(), Trigger: ev.Trigger.String()}

	case orchestrator.EventTranscript:
		if !ev.IsFinal {
			return Record{}, false
		}
		rec.Kind = KindTranscript
		rec.Summary = ev.Text
		payload = transcriptPayload{Text: ev.Text, Confidence: ev.Confidence}

	case orchestrator.EventRecordingStarted:
		r.response.Reset()
		return Record{}, false

	case orchestrator.EventResponseText:
		r.response.WriteString(ev.Text)
		return Record{}, false

	case orchestrator.EventResponseComplete:
		text := r.response.String()
		r.response.Reset()
		rec.Kind = KindResponse
		rec.Summary = text
		payload = responsePayload{ResponseID: ev.ResponseID, Text: text}

	case orchestrator.EventOrderDetected, orchestrator.EventOrderConfirmed:
		if ev.Order == nil {
			return Record{}, false
		}
		rec.Kind = KindOrder
		rec.Summary = fmt.Sprintf("%d item(s)", len(ev.Order.Items))
		if ev.Order.Confirmed {
			rec.Summary = fmt.Sprintf("confirmed, %d item(s)", len(ev.Order.Items))
		}
		payload = ev.Order

	case orchestrator.EventError, orchestrator.EventCredentialRefreshFailed:
		if ev.Err == nil {
			return Record{}, false
		}
		rec.Kind = KindError
		rec.Summary = ev.Err.Message
		p := errorPayload{
			Kind:        ev.Err.Kind.String(),
			Recoverable: ev.Err.Recoverable,
			Action:      string(ev.Err.Action),
			Refresh:     ev.Kind == orchestrator.EventCredentialRefreshFailed,
		}
		if ev.Err.Err != nil {
			p.Cause = ev.Err.Err.Error()
		}
		payload = p

	default:
		return Record{}, false
	}

	if rec.SessionID == "" {
		return Record{}, false
	}
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("journal: encode payload", "kind", string(rec.Kind), "err", err)
	} else {
		rec.Payload = b
	}
	return rec, true
}
