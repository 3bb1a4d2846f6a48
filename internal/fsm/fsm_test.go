package fsm_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/pkg/clock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type recorded struct {
	from, to fsm.State
	ev       fsm.Event
}

type harness struct {
	m        *fsm.Machine
	clk      *clock.Fake
	trans    []recorded
	timeouts []fsm.State
}

func newHarness(t *testing.T, opts ...fsm.Option) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(time.Unix(0, 0))}
	base := []fsm.Option{
		fsm.WithClock(h.clk),
		fsm.OnTransition(func(from, to fsm.State, ev fsm.Event) {
			h.trans = append(h.trans, recorded{from, to, ev})
		}),
		fsm.OnTimeout(func(s fsm.State) { h.timeouts = append(h.timeouts, s) }),
	}
	h.m = fsm.New(append(base, opts...)...)
	return h
}

func (h *harness) fire(t *testing.T, evs ...fsm.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := h.m.Fire(ev); err != nil {
			t.Fatalf("Fire(%s) in %s: %v", ev, h.m.State(), err)
		}
	}
}

// toIdle drives a fresh machine to IDLE.
func (h *harness) toIdle(t *testing.T) {
	t.Helper()
	h.fire(t, fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated, fsm.SessionReady)
}

// ── transition table ──────────────────────────────────────────────────────────

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []fsm.Event
		ev    fsm.Event
		want  fsm.State
	}{
		{"connect", nil, fsm.ConnectRequested, fsm.Connecting},
		{"established", []fsm.Event{fsm.ConnectRequested}, fsm.ConnectionEstablished, fsm.AwaitingSessionCreated},
		{"session created", []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished}, fsm.SessionCreated, fsm.AwaitingSessionReady},
		{"session ready", []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated}, fsm.SessionReady, fsm.Idle},
		{"ready timeout", []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated}, fsm.TimeoutOccurred, fsm.Idle},
		{"connect timeout", []fsm.Event{fsm.ConnectRequested}, fsm.TimeoutOccurred, fsm.Timeout},
		{"error while connecting", []fsm.Event{fsm.ConnectRequested}, fsm.ErrorOccurred, fsm.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.fire(t, tt.setup...)
			if err := h.m.Fire(tt.ev); err != nil {
				t.Fatalf("Fire: %v", err)
			}
			if got := h.m.State(); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTurnPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.toIdle(t)
	h.fire(t, fsm.RecordingStarted, fsm.RecordingStopped, fsm.AudioCommitted)
	if err := h.m.TranscriptReceived(true); err != nil {
		t.Fatalf("TranscriptReceived: %v", err)
	}
	if err := h.m.ResponseStarted("resp_1"); err != nil {
		t.Fatalf("ResponseStarted: %v", err)
	}
	if h.m.State() != fsm.AwaitingResponse || h.m.ResponseID() != "resp_1" {
		t.Fatalf("state = %s id = %q", h.m.State(), h.m.ResponseID())
	}
	h.fire(t, fsm.ResponseComplete)
	if h.m.State() != fsm.Idle {
		t.Errorf("state = %s, want IDLE", h.m.State())
	}
	if h.m.ResponseID() != "" {
		t.Error("response id kept after turn")
	}
}

func TestTranscriptWithoutResponseReturnsToIdle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.toIdle(t)
	h.fire(t, fsm.RecordingStarted, fsm.RecordingStopped, fsm.AudioCommitted)
	if err := h.m.TranscriptReceived(false); err != nil {
		t.Fatalf("TranscriptReceived: %v", err)
	}
	if h.m.State() != fsm.Idle {
		t.Errorf("state = %s, want IDLE", h.m.State())
	}
}

func TestOrderingScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fire(t, fsm.ConnectRequested, fsm.ConnectionEstablished)
	h.trans = nil

	h.fire(t, fsm.SessionCreated)
	h.clk.Advance(fsm.DefaultSessionReadyTimeout)
	h.fire(t, fsm.RecordingStarted, fsm.RecordingStopped, fsm.AudioCommitted)
	if err := h.m.TranscriptReceived(true); err != nil {
		t.Fatalf("TranscriptReceived: %v", err)
	}

	var path []fsm.State
	path = append(path, h.trans[0].from)
	for _, r := range h.trans {
		path = append(path, r.to)
	}
	want := []fsm.State{
		fsm.AwaitingSessionCreated,
		fsm.AwaitingSessionReady,
		fsm.Idle,
		fsm.Recording,
		fsm.CommittingAudio,
		fsm.AwaitingTranscript,
		fsm.AwaitingResponse,
	}
	if !reflect.DeepEqual(path, want) {
		t.Errorf("path = %v, want %v", path, want)
	}
}

// ── guards ────────────────────────────────────────────────────────────────────

func TestGuardsAreNoOps(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.m.Fire(fsm.RecordingStarted); !errors.Is(err, fsm.ErrGuard) {
		t.Errorf("RecordingStarted in DISCONNECTED = %v, want ErrGuard", err)
	}
	h.toIdle(t)
	if err := h.m.Fire(fsm.RecordingStopped); !errors.Is(err, fsm.ErrGuard) {
		t.Errorf("RecordingStopped in IDLE = %v, want ErrGuard", err)
	}
	h.fire(t, fsm.RecordingStarted)
	if err := h.m.Fire(fsm.RecordingStarted); !errors.Is(err, fsm.ErrGuard) {
		t.Errorf("second RecordingStarted = %v, want ErrGuard", err)
	}
	if h.m.State() != fsm.Recording {
		t.Errorf("state = %s after rejected events", h.m.State())
	}
	if err := h.m.Fire(fsm.ErrorOccurred); err != nil {
		t.Fatalf("ErrorOccurred: %v", err)
	}
	if err := h.m.Fire(fsm.ErrorOccurred); !errors.Is(err, fsm.ErrGuard) {
		t.Errorf("ErrorOccurred in ERROR = %v, want ErrGuard", err)
	}
	if err := h.m.Fire(fsm.ConnectRequested); !errors.Is(err, fsm.ErrGuard) {
		t.Errorf("ConnectRequested in ERROR = %v, want ErrGuard", err)
	}
}

func TestCanStartRecordingReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []fsm.Event
		ok    bool
		want  fsm.Reason
	}{
		{"disconnected", nil, false, fsm.ReasonDisconnected},
		{"connecting", []fsm.Event{fsm.ConnectRequested}, false, fsm.ReasonNotReady},
		{"awaiting ready", []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated}, false, fsm.ReasonNotReady},
		{"idle", []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated, fsm.SessionReady}, true, fsm.ReasonNone},
		{"recording", []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated, fsm.SessionReady, fsm.RecordingStarted}, false, fsm.ReasonBusy},
		{"error", []fsm.Event{fsm.ConnectRequested, fsm.ErrorOccurred}, false, fsm.ReasonFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.fire(t, tt.setup...)
			ok, reason := h.m.CanStartRecording()
			if ok != tt.ok || reason != tt.want {
				t.Errorf("CanStartRecording = %v, %s; want %v, %s", ok, reason, tt.ok, tt.want)
			}
		})
	}
}

// ── timeouts ──────────────────────────────────────────────────────────────────

func TestRecordingTimeoutFiresOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fsm.WithTimeouts(fsm.Timeouts{Recording: 45 * time.Second}))
	h.toIdle(t)
	h.fire(t, fsm.RecordingStarted)

	if d, ok := h.m.Deadline(); !ok || !d.Equal(h.clk.Now().Add(45*time.Second)) {
		t.Fatalf("Deadline = %v, %v", d, ok)
	}
	h.clk.Advance(45 * time.Second)
	if h.m.State() != fsm.Idle {
		t.Fatalf("state = %s, want IDLE", h.m.State())
	}
	if !reflect.DeepEqual(h.timeouts, []fsm.State{fsm.Recording}) {
		t.Errorf("timeouts = %v", h.timeouts)
	}
	if err := h.m.Fire(fsm.RecordingStopped); !errors.Is(err, fsm.ErrGuard) {
		t.Errorf("late RecordingStopped = %v, want ErrGuard", err)
	}
	h.clk.Advance(time.Minute)
	if len(h.timeouts) != 1 {
		t.Errorf("timeouts = %d, want 1", len(h.timeouts))
	}
}

func TestStaleTimeoutIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.toIdle(t)
	h.fire(t, fsm.RecordingStarted)
	h.clk.Advance(10 * time.Second)
	h.fire(t, fsm.RecordingStopped)
	h.clk.Advance(fsm.DefaultRecordingTimeout)
	if len(h.timeouts) != 0 {
		t.Errorf("timeout fired for a state already left: %v", h.timeouts)
	}
}

func TestTimeoutCallbackMayMoveOn(t *testing.T) {
	t.Parallel()

	var m *fsm.Machine
	clk := clock.NewFake(time.Unix(0, 0))
	m = fsm.New(fsm.WithClock(clk), fsm.OnTimeout(func(s fsm.State) {
		if s == fsm.Recording {
			_ = m.Fire(fsm.ErrorOccurred)
		}
	}))
	for _, ev := range []fsm.Event{fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated, fsm.SessionReady, fsm.RecordingStarted} {
		_ = m.Fire(ev)
	}
	clk.Advance(fsm.DefaultRecordingTimeout)
	if m.State() != fsm.Error {
		t.Errorf("state = %s, want ERROR", m.State())
	}
}

func TestDisabledTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fsm.WithTimeouts(fsm.Timeouts{SessionReady: -1}))
	h.fire(t, fsm.ConnectRequested, fsm.ConnectionEstablished, fsm.SessionCreated)
	if _, ok := h.m.Deadline(); ok {
		t.Error("deadline armed for disabled timeout")
	}
	h.clk.Advance(time.Hour)
	if h.m.State() != fsm.AwaitingSessionReady {
		t.Errorf("state = %s", h.m.State())
	}
}

func TestResetCancelsTimers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.toIdle(t)
	h.fire(t, fsm.RecordingStarted)
	h.m.Reset()
	h.m.Reset()
	if h.m.State() != fsm.Disconnected {
		t.Fatalf("state = %s", h.m.State())
	}
	if h.clk.Pending() != 0 {
		t.Errorf("pending timers = %d after Reset", h.clk.Pending())
	}
	last := h.trans[len(h.trans)-1]
	if last.ev != fsm.Reset || last.from != fsm.Recording {
		t.Errorf("last transition = %+v", last)
	}
}

func TestSchedulerReceivesTimerCallbacks(t *testing.T) {
	t.Parallel()

	var queued []func()
	clk := clock.NewFake(time.Unix(0, 0))
	m := fsm.New(fsm.WithClock(clk), fsm.WithScheduler(func(f func()) { queued = append(queued, f) }))
	_ = m.Fire(fsm.ConnectRequested)
	clk.Advance(fsm.DefaultConnectTimeout)
	if m.State() != fsm.Connecting {
		t.Fatalf("timer ran outside the scheduler")
	}
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
	queued[0]()
	if m.State() != fsm.Timeout {
		t.Errorf("state = %s, want TIMEOUT", m.State())
	}
}

// ── history ───────────────────────────────────────────────────────────────────

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fsm.WithHistorySize(3))
	h.toIdle(t)
	hist := h.m.History()
	if len(hist) != 3 {
		t.Fatalf("history = %d, want 3", len(hist))
	}
	if hist[0].Event != fsm.ConnectionEstablished || hist[2].To != fsm.Idle {
		t.Errorf("history = %+v", hist)
	}
}

func TestStringers(t *testing.T) {
	t.Parallel()

	if fsm.AwaitingSessionCreated.String() != "AWAITING_SESSION_CREATED" {
		t.Error("state name")
	}
	if fsm.TimeoutOccurred.String() != "TIMEOUT_OCCURRED" {
		t.Error("event name")
	}
	if fsm.State(99).String() != "UNKNOWN" || fsm.Event(-1).String() != "UNKNOWN" {
		t.Error("unknown names")
	}
	if fsm.ReasonNotReady.String() != "not-ready" {
		t.Error("reason name")
	}
}
