// Package fsm implements the voice session state machine: the single
// authority over connection and turn-taking state.
//
// A [Machine] is not safe for concurrent use. It is owned by one event loop;
// timer callbacks are handed back to that loop through the scheduler
// configured with [WithScheduler], and a timeout that fires after its state
// was left is ignored.
package fsm

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voiceorder/pkg/clock"
)

// ErrGuard is returned when an event is not legal in the current state.
var ErrGuard = errors.New("fsm: event not allowed in current state")

// DefaultHistorySize is the number of transitions kept by History.
const DefaultHistorySize = 50

// Default per-state deadlines.
const (
	DefaultConnectTimeout            = 15 * time.Second
	DefaultSessionCreatedTimeout     = 10 * time.Second
	DefaultSessionReadyTimeout       = 3 * time.Second
	DefaultRecordingTimeout          = 45 * time.Second
	DefaultAwaitingTranscriptTimeout = 15 * time.Second
	DefaultAwaitingResponseTimeout   = 30 * time.Second
)

// Timeouts sets the per-state deadlines. Zero fields take the defaults,
// negative fields disable the deadline for that state.
type Timeouts struct {
	Connect            time.Duration
	SessionCreated     time.Duration
	SessionReady       time.Duration
	Recording          time.Duration
	AwaitingTranscript time.Duration
	AwaitingResponse   time.Duration
}

func (t Timeouts) forState(s State) time.Duration {
	pick := func(v, def time.Duration) time.Duration {
		switch {
		case v < 0:
			return 0
		case v == 0:
			return def
		default:
			return v
		}
	}
	switch s {
	case Connecting:
		return pick(t.Connect, DefaultConnectTimeout)
	case AwaitingSessionCreated:
		return pick(t.SessionCreated, DefaultSessionCreatedTimeout)
	case AwaitingSessionReady:
		return pick(t.SessionReady, DefaultSessionReadyTimeout)
	case Recording:
		return pick(t.Recording, DefaultRecordingTimeout)
	case AwaitingTranscript:
		return pick(t.AwaitingTranscript, DefaultAwaitingTranscriptTimeout)
	case AwaitingResponse:
		return pick(t.AwaitingResponse, DefaultAwaitingResponseTimeout)
	default:
		return 0
	}
}

// Transition is one entry of the transition history.
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Machine].
type Option func(*Machine)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clk = c }
}

// WithTimeouts sets the per-state deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(m *Machine) { m.timeouts = t }
}

// WithHistorySize bounds the transition history.
func WithHistorySize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithScheduler sets the function that runs timer callbacks on the owning
// event loop. By default callbacks run on the timer goroutine, which is only
// safe with a synchronous clock such as [clock.Fake].
func WithScheduler(post func(func())) Option {
	return func(m *Machine) { m.post = post }
}

// OnTransition registers a callback invoked after every transition.
func OnTransition(fn func(from, to State, ev Event)) Option {
	return func(m *Machine) { m.onTransition = fn }
}

// OnTimeout registers a callback invoked when a state deadline fires, before
// the resulting TIMEOUT_OCCURRED transition.
func OnTimeout(fn func(State)) Option {
	return func(m *Machine) { m.onTimeout = fn }
}

// ── Machine ────────────────────────────────────────────────────────────────────

// Machine is the session state machine. Create with [New].
type Machine struct {
	clk          clock.Clock
	timeouts     Timeouts
	historySize  int
	post         func(func())
	onTransition func(from, to State, ev Event)
	onTimeout    func(State)

	state      State
	history    []Transition
	responseID string

	timer    clock.Timer
	deadline time.Time
	gen      uint64 // bumped on every state entry; stale timers compare it
}

// New returns a machine in DISCONNECTED.
func New(opts ...Option) *Machine {
	m := &Machine{
		clk:         clock.Real{},
		historySize: DefaultHistorySize,
		post:        func(f func()) { f() },
		state:       Disconnected,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// ResponseID returns the id recorded by the last RESPONSE_STARTED of the
// current turn.
func (m *Machine) ResponseID() string { return m.responseID }

// Deadline returns the armed deadline of the current state.
func (m *Machine) Deadline() (time.Time, bool) {
	if m.timer == nil {
		return time.Time{}, false
	}
	return m.deadline, true
}

// History returns a copy of the recent transitions, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanStartRecording reports whether RECORDING_STARTED is legal and, when it
// is not, why.
func (m *Machine) CanStartRecording() (bool, Reason) {
	switch m.state {
	case Idle:
		return true, ReasonNone
	case Disconnected:
		return false, ReasonDisconnected
	case Connecting, AwaitingSessionCreated, AwaitingSessionReady:
		return false, ReasonNotReady
	case Error, Timeout:
		return false, ReasonFailed
	default:
		return false, ReasonBusy
	}
}

// CanStopRecording reports whether RECORDING_STOPPED is legal.
func (m *Machine) CanStopRecording() bool { return m.state == Recording }

// Fire applies ev. An illegal event leaves the state unchanged, logs a
// warning and returns an error wrapping [ErrGuard].
func (m *Machine) Fire(ev Event) error {
	switch ev {
	case TranscriptReceived:
		return m.TranscriptReceived(true)
	case ResponseStarted:
		return m.ResponseStarted("")
	}
	to, ok := m.next(ev)
	if !ok {
		return m.reject(ev)
	}
	m.enter(to, ev)
	return nil
}

// TranscriptReceived applies TRANSCRIPT_RECEIVED. The turn moves on to
// AWAITING_RESPONSE when a response was requested and to IDLE otherwise.
func (m *Machine) TranscriptReceived(responseRequested bool) error {
	if m.state != AwaitingTranscript {
		return m.reject(TranscriptReceived)
	}
	to := Idle
	if responseRequested {
		to = AwaitingResponse
	}
	m.enter(to, TranscriptReceived)
	return nil
}

// ResponseStarted applies the re-entrant RESPONSE_STARTED and records id.
func (m *Machine) ResponseStarted(id string) error {
	if m.state != AwaitingResponse {
		return m.reject(ResponseStarted)
	}
	if id != "" {
		m.responseID = id
	}
	m.enter(AwaitingResponse, ResponseStarted)
	return nil
}

// ForceError moves any active state to ERROR.
func (m *Machine) ForceError() error { return m.Fire(ErrorOccurred) }

// Reset returns to DISCONNECTED from any state and cancels the pending
// deadline. Resetting while already DISCONNECTED records nothing.
func (m *Machine) Reset() {
	if m.state == Disconnected {
		m.disarm()
		return
	}
	m.enter(Disconnected, Reset)
}

// Stop cancels the pending deadline without changing state.
func (m *Machine) Stop() { m.disarm() }

func (m *Machine) next(ev Event) (State, bool) {
	switch ev {
	case Reset:
		return Disconnected, true
	case ErrorOccurred:
		if m.state.Active() {
			return Error, true
		}
		return m.state, false
	}
	to, ok := table[m.state][ev]
	return to, ok
}

func (m *Machine) reject(ev Event) error {
	slog.Warn("fsm: event ignored", "state", m.state.String(), "event", ev.String())
	return fmt.Errorf("%w: %s in %s", ErrGuard, ev, m.state)
}

func (m *Machine) enter(to State, ev Event) {
	from := m.state
	m.disarm()
	m.state = to
	m.gen++
	if to == Idle || to == Disconnected || to == Error || to == Timeout {
		m.responseID = ""
	}
	m.record(Transition{From: from, To: to, Event: ev, At: m.clk.Now()})
	m.arm(to)

	slog.Debug("fsm: transition", "from", from.String(), "to", to.String(), "event", ev.String())
	if m.onTransition != nil {
		m.onTransition(from, to, ev)
	}
}

func (m *Machine) record(t Transition) {
	if len(m.history) >= m.historySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, t)
}

func (m *Machine) arm(s State) {
	d := m.timeouts.forState(s)
	if d <= 0 {
		return
	}
	gen := m.gen
	m.deadline = m.clk.Now().Add(d)
	m.timer = m.clk.AfterFunc(d, func() {
		m.post(func() { m.expire(s, gen) })
	})
}

func (m *Machine) disarm() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.deadline = time.Time{}
}

// expire handles a deadline armed in state s at generation gen.
func (m *Machine) expire(s State, gen uint64) {
	if m.state != s || m.gen != gen {
		return
	}
	m.timer = nil
	m.deadline = time.Time{}
	slog.Info("fsm: state deadline reached", "state", s.String())
	if m.onTimeout != nil {
		m.onTimeout(s)
	}
	// The timeout callback may already have moved the machine on.
	if m.state != s || m.gen != gen {
		return
	}
	if to, ok := m.next(TimeoutOccurred); ok {
		m.enter(to, TimeoutOccurred)
	}
}
