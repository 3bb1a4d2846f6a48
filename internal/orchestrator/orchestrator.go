// Package orchestrator drives one voice ordering session. It is the only
// component that talks to both the media transport and the session state
// machine.
//
// All session state is owned by a single event loop. Public methods, transport
// events, protocol events and timer callbacks are posted to that loop and run
// one at a time in arrival order, so the state machine is never observed
// half-way through a transition. Blocking work (credential fetch, transport
// connect) runs on the caller's goroutine and re-enters the loop to apply its
// result.
//
// UI-facing notifications are published on a typed bus; see [Orchestrator.Events].
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/observe"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/audio/playback"
	"github.com/MrWong99/voiceorder/pkg/clock"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/eventbus"
	"github.com/MrWong99/voiceorder/pkg/protocol"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

var (
	// ErrClosed is returned by every method after [Orchestrator.Close].
	ErrClosed = errors.New("orchestrator: closed")

	// ErrSessionNotReady is returned by StartRecording while the connection
	// is still being set up.
	ErrSessionNotReady = errors.New("orchestrator: session not ready")

	// ErrCancelled is returned by Connect when Disconnect ran before the
	// connection attempt finished.
	ErrCancelled = errors.New("orchestrator: connect cancelled")
)

// Credentials is the credential source used by the orchestrator. It is
// satisfied by [*credential.Manager].
type Credentials interface {
	IsValid() bool
	Current() (credential.Credential, bool)
	FetchCredential(ctx context.Context) (credential.Credential, error)
	BuildSessionConfig() (protocol.SessionConfig, error)
	Invalidate()
}

var _ Credentials = (*credential.Manager)(nil)

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for state deadlines and reconnect
// backoff.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = c }
}

// WithTimeouts sets the per-state deadlines.
func WithTimeouts(t fsm.Timeouts) Option {
	return func(o *Orchestrator) { o.timeouts = t }
}

// WithHistorySize bounds the transition history kept by the state machine.
func WithHistorySize(n int) Option {
	return func(o *Orchestrator) { o.historySize = n }
}

// WithRetryPolicy sets the automatic reconnect budget.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(o *Orchestrator) { o.retry = p }
}

// WithoutAutoReconnect disables automatic reconnects after transport
// failures. Errors are still reported.
func WithoutAutoReconnect() Option {
	return func(o *Orchestrator) { o.autoReconnect = false }
}

// WithPlayback routes assistant audio into q. The caller owns q. By default
// the orchestrator creates and closes its own queue.
func WithPlayback(q *playback.Queue) Option {
	return func(o *Orchestrator) { o.playback = q }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator coordinates one session. Create with [New]; all exported
// methods are safe for concurrent use.
type Orchestrator struct {
	creds         Credentials
	tr            transport.Transport
	translator    *protocol.Translator
	machine       *fsm.Machine
	playback      *playback.Queue
	ownsPlayback  bool
	bus           *eventbus.Bus[Event]
	clk           clock.Clock
	metrics       *observe.Metrics
	retry         resilience.RetryPolicy
	autoReconnect bool
	timeouts      fsm.Timeouts
	historySize   int
	loop          *loop
	closeOnce     sync.Once

	// Everything below is owned by the loop.

	sessionID string
	// seq is bumped by Disconnect. In-flight connects and reconnect timers
	// compare it before applying their result.
	seq            uint64
	connecting     bool
	retrying       bool
	transportOpen  bool
	micOn          bool
	live           bool
	readyEmitted   bool
	mode           protocol.TurnDetectionMode
	connState      transport.ConnectionState
	attempts       int
	reconnectTimer clock.Timer
	lastErr        *resilience.Error
	turnStart      time.Time
	commitAt       time.Time
	responded      bool
	// abandoned holds ids of responses whose turn timed out; their late
	// events must not reach a later turn. orphans counts requested
	// responses that timed out before the server announced an id.
	abandoned map[string]bool
	orphans   int
}

// New returns an orchestrator using creds for credentials and session
// configuration and tr as the media transport. It registers itself as the
// transport's event handler.
func New(creds Credentials, tr transport.Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		creds:         creds,
		tr:            tr,
		bus:           eventbus.New[Event](),
		clk:           clock.Real{},
		autoReconnect: true,
		connState:     transport.StateNew,
		abandoned:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.playback == nil {
		o.playback = playback.New()
		o.ownsPlayback = true
	}
	o.loop = newLoop()
	o.translator = protocol.NewTranslator(o.handleProtocol)

	fsmOpts := []fsm.Option{
		fsm.WithClock(o.clk),
		fsm.WithTimeouts(o.timeouts),
		fsm.WithScheduler(func(f func()) { o.loop.post(f) }),
		fsm.OnTransition(o.onTransition),
		fsm.OnTimeout(o.onTimeout),
	}
	if o.historySize > 0 {
		fsmOpts = append(fsmOpts, fsm.WithHistorySize(o.historySize))
	}
	o.machine = fsm.New(fsmOpts...)

	tr.OnEvent(func(ev transport.Event) {
		o.loop.post(func() { o.handleTransport(ev) })
	})
	return o
}

// Events subscribes to UI events. Slow subscribers miss events rather than
// stall the session; cancel the subscription when done.
func (o *Orchestrator) Events(name string, buffer int) *eventbus.Subscription[Event] {
	return o.bus.Subscribe(name, buffer)
}

// Playback returns the queue assistant audio is routed to.
func (o *Orchestrator) Playback() *playback.Queue { return o.playback }

// ── Commands ──────────────────────────────────────────────────────────────────

// Connect fetches a credential when none is valid, opens the transport and
// starts session setup. It is a no-op while a connection is being set up or
// is open. A session in ERROR or TIMEOUT is reset first. Connect returns once
// the transport is open; session-ready is reported on the event bus.
func (o *Orchestrator) Connect(ctx context.Context) error {
	return o.connect(ctx, false, 0)
}

// connect runs one connection attempt. A retry only proceeds when no
// Disconnect ran since it was scheduled at sequence expect.
func (o *Orchestrator) connect(ctx context.Context, retry bool, expect uint64) error {
	var (
		seq     uint64
		proceed bool
	)
	if err := o.loop.do(func() {
		if retry && expect != o.seq {
			return
		}
		st := o.machine.State()
		if o.connecting || st.Active() {
			slog.Debug("orchestrator: connect ignored", "state", st.String(), "connecting", o.connecting)
			return
		}
		if st == fsm.Error || st == fsm.Timeout {
			o.machine.Reset()
		}
		if !retry {
			o.stopReconnect()
			o.attempts = 0
		}
		o.seq++
		seq = o.seq
		o.connecting = true
		o.retrying = retry
		o.readyEmitted = false
		o.lastErr = nil
		o.sessionID = uuid.NewString()
		proceed = true
	}); err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	if !o.creds.IsValid() {
		start := time.Now()
		_, err := o.creds.FetchCredential(ctx)
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordCredentialFetch(ctx, time.Since(start).Seconds(), status)
		if err != nil {
			e := resilience.Classify(err)
			_ = o.loop.do(func() {
				if seq != o.seq {
					return
				}
				o.connecting = false
				o.fail(e, retry)
			})
			return fmt.Errorf("orchestrator: connect: %w", e)
		}
	}

	var (
		cred  credential.Credential
		abort error
	)
	if err := o.loop.do(func() {
		if seq != o.seq {
			abort = ErrCancelled
			return
		}
		c, ok := o.creds.Current()
		if !ok {
			o.connecting = false
			e := resilience.New(resilience.KindAuthentication, credential.ErrNoCredential)
			o.fail(e, retry)
			abort = fmt.Errorf("orchestrator: connect: %w", e)
			return
		}
		cred = c
		_ = o.machine.Fire(fsm.ConnectRequested)
		o.transportOpen = true
	}); err != nil {
		return err
	}
	if abort != nil {
		return abort
	}

	if err := o.tr.Connect(ctx, cred); err != nil {
		e := resilience.Classify(err)
		_ = o.loop.do(func() {
			if seq != o.seq {
				return
			}
			o.connecting = false
			// A state deadline or transport event may have failed the
			// attempt already.
			if o.machine.State() == fsm.Connecting {
				o.fail(e, retry)
			}
		})
		return fmt.Errorf("orchestrator: connect: %w", e)
	}

	_ = o.loop.do(func() {
		if seq != o.seq {
			// Disconnect ran while the transport was opening.
			if err := o.tr.Disconnect(); err != nil {
				slog.Debug("orchestrator: disconnect after cancelled connect", "err", err)
			}
			abort = ErrCancelled
			return
		}
		o.connecting = false
	})
	return abort
}

// StartRecording opens a turn. It is rejected unless the session is IDLE;
// while the session is still being set up it also publishes
// session-not-ready and returns [ErrSessionNotReady].
func (o *Orchestrator) StartRecording() error {
	var err error
	if derr := o.loop.do(func() { err = o.startRecording() }); derr != nil {
		return derr
	}
	return err
}

func (o *Orchestrator) startRecording() error {
	ok, reason := o.machine.CanStartRecording()
	if !ok {
		if reason == fsm.ReasonNotReady {
			o.emit(Event{Kind: EventSessionNotReady})
			return ErrSessionNotReady
		}
		slog.Warn("orchestrator: start recording rejected", "state", o.machine.State().String(), "reason", reason.String())
		return fmt.Errorf("orchestrator: start recording: %w (%s)", fsm.ErrGuard, reason)
	}

	if n := o.playback.Clear(); n > 0 {
		slog.Debug("orchestrator: dropped stale playback", "frames", n)
	}
	if err := o.translator.SendEvent(protocol.ClearInputBuffer()); err != nil {
		slog.Warn("orchestrator: clear input buffer failed", "err", err)
	}
	if err := o.tr.EnableMicrophone(); err != nil {
		e := resilience.Classify(err)
		o.report(e)
		return fmt.Errorf("orchestrator: start recording: %w", e)
	}
	o.micOn = true
	_ = o.machine.Fire(fsm.RecordingStarted)
	o.turnStart = o.clk.Now()
	o.responded = false
	o.emit(Event{Kind: EventRecordingStarted})
	return nil
}

// StopRecording ends the recording phase of the current turn and commits the
// captured audio. Outside RECORDING it is a no-op.
func (o *Orchestrator) StopRecording() error {
	var err error
	if derr := o.loop.do(func() { err = o.stopRecording(false) }); derr != nil {
		return derr
	}
	return err
}

// stopRecording disables the microphone before any network traffic. An
// automatic stop driven by server voice activity skips the commit because
// the server commits the buffer itself.
func (o *Orchestrator) stopRecording(auto bool) error {
	if !o.machine.CanStopRecording() {
		slog.Warn("orchestrator: stop recording ignored", "state", o.machine.State().String(), "reason", "not recording")
		return nil
	}
	o.disableMic()
	_ = o.machine.Fire(fsm.RecordingStopped)
	o.emit(Event{Kind: EventRecordingStopped})

	if !auto {
		if err := o.translator.SendEvent(protocol.CommitInputBuffer()); err != nil {
			e := resilience.Classify(err)
			o.fail(e, true)
			return fmt.Errorf("orchestrator: stop recording: %w", e)
		}
	}
	// The commit is not acknowledged; the transcript confirms it.
	_ = o.machine.Fire(fsm.AudioCommitted)
	o.commitAt = o.clk.Now()
	return nil
}

// Disconnect tears the session down from any state: it cancels an in-flight
// connect and any scheduled reconnect, closes the transport, drops the
// credential and its refresh timer, and resets the state machine. It is
// idempotent.
func (o *Orchestrator) Disconnect() error {
	if err := o.loop.do(o.disconnect); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (o *Orchestrator) disconnect() {
	o.seq++
	o.connecting = false
	o.retrying = false
	o.stopReconnect()
	o.attempts = 0
	o.disableMic()
	o.closeTransport()
	o.creds.Invalidate()
	o.machine.Reset()
	o.mode = ""
}

// NotifyRefreshed records a successful background credential refresh. Wire
// it to [credential.WithOnRefreshed].
func (o *Orchestrator) NotifyRefreshed(credential.Credential) {
	o.metrics.RecordCredentialRefresh(context.Background(), "ok")
}

// NotifyRefreshFailed publishes credential-refresh-failed. The open
// connection, if any, is left alone. Wire it to
// [credential.WithOnRefreshFailed].
func (o *Orchestrator) NotifyRefreshFailed(err error) {
	o.metrics.RecordCredentialRefresh(context.Background(), "error")
	e := resilience.Classify(err)
	o.loop.post(func() {
		o.emit(Event{Kind: EventCredentialRefreshFailed, Err: e})
	})
}

// Snapshot returns the current session view.
func (o *Orchestrator) Snapshot() Snapshot {
	var s Snapshot
	if err := o.loop.do(func() {
		s = Snapshot{
			SessionID:       o.sessionID,
			State:           o.machine.State(),
			Connection:      o.connState,
			CredentialValid: o.creds.IsValid(),
			Mode:            o.mode,
			ResponseID:      o.machine.ResponseID(),
			Transitions:     len(o.machine.History()),
			Reconnects:      o.attempts,
			LastError:       o.lastErr,
		}
		if d, ok := o.machine.Deadline(); ok {
			s.Deadline = d
		}
	}); err != nil {
		return Snapshot{State: fsm.Disconnected, Connection: transport.StateClosed}
	}
	return s
}

// State returns the current state machine state.
func (o *Orchestrator) State() fsm.State { return o.Snapshot().State }

// History returns the recent state transitions, oldest first.
func (o *Orchestrator) History() []fsm.Transition {
	var h []fsm.Transition
	_ = o.loop.do(func() { h = o.machine.History() })
	return h
}

// Flush waits until every event posted so far, and everything those events
// posted in turn, has been handled.
func (o *Orchestrator) Flush() {
	for {
		if err := o.loop.do(func() {}); err != nil {
			return
		}
		if o.loop.pending() == 0 {
			return
		}
	}
}

// Close disconnects, stops the event loop and closes the event bus. The
// transport itself is not closed.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		_ = o.loop.do(func() {
			o.disconnect()
			o.machine.Stop()
		})
		o.loop.close()
		o.bus.Close()
		if o.ownsPlayback {
			_ = o.playback.Close()
		}
	})
	return nil
}

// ── Transport events ──────────────────────────────────────────────────────────

func (o *Orchestrator) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.ConnectionStateChanged:
		if ev.State == o.connState {
			return
		}
		o.connState = ev.State
		o.emit(Event{Kind: EventConnectionChanged, Connection: ev.State})

	case transport.DataChannelReady:
		if !o.transportOpen {
			return
		}
		o.translator.Attach(o.tr)
		if o.machine.State() == fsm.Connecting {
			_ = o.machine.Fire(fsm.ConnectionEstablished)
		}

	case transport.RawMessage:
		if !o.transportOpen {
			return
		}
		if err := o.translator.HandleRawMessage(ev.Payload); err != nil {
			slog.Warn("orchestrator: dropped malformed message", "err", err)
		}

	case transport.RemoteAudio:
		o.enqueueAudio(ev.Audio)

	case transport.NetworkLoss:
		o.transportFailed(resilience.Errorf(resilience.KindNetwork, "transport: network lost: %s", ev.Reason))

	case transport.ReconnectNeeded:
		o.transportFailed(resilience.Errorf(resilience.KindTransportFailed, "transport: connection failed: %s", ev.Reason))

	case transport.Disconnection:
		o.transportFailed(resilience.Errorf(resilience.KindTransportFailed, "transport: remote closed the connection: %s", ev.Reason))

	case transport.ConnectionTimeout:
		o.transportFailed(resilience.Errorf(resilience.KindSessionTimeout, "transport: connection not established after %s", ev.Duration))

	case transport.Error:
		err := ev.Err
		if err == nil {
			err = errors.New("transport: unspecified error")
		}
		o.transportFailed(resilience.Classify(err))
	}
}

// transportFailed handles a failure of the open connection. Failures after
// the session already failed or was torn down are ignored, so each broken
// connection yields exactly one error event.
func (o *Orchestrator) transportFailed(e *resilience.Error) {
	if !o.transportOpen || !o.machine.State().Active() {
		slog.Debug("orchestrator: ignoring failure of inactive session", "kind", e.Kind.String(), "err", e.Err)
		return
	}
	o.fail(e, true)
}

// ── Protocol events ───────────────────────────────────────────────────────────

func (o *Orchestrator) handleProtocol(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventSessionCreated:
		o.configureSession()

	case protocol.EventSessionUpdated:
		if o.machine.State() == fsm.AwaitingSessionReady {
			_ = o.machine.Fire(fsm.SessionReady)
		}

	case protocol.EventTranscript:
		o.emit(Event{Kind: EventTranscript, Text: ev.Text, IsFinal: ev.IsFinal, Confidence: ev.Confidence})

	case protocol.EventTranscriptFinalized:
		o.transcriptFinalized(ev.Text)

	case protocol.EventSpeechStarted:
		if n := o.playback.Clear(); n > 0 {
			slog.Debug("orchestrator: playback interrupted by speech", "frames", n)
		}

	case protocol.EventSpeechStopped:
		if o.mode == protocol.TurnDetectionServerVAD && o.machine.State() == fsm.Recording {
			_ = o.stopRecording(true)
		}

	case protocol.EventResponseStarted:
		if o.abandoned[ev.ResponseID] {
			return
		}
		if o.orphans > 0 {
			// Responses start in request order, so this one answers a
			// request of an abandoned turn.
			o.orphans--
			if ev.ResponseID != "" {
				o.abandoned[ev.ResponseID] = true
			}
			slog.Debug("orchestrator: ignoring response of an abandoned turn", "response_id", ev.ResponseID)
			return
		}
		if o.machine.State() != fsm.AwaitingResponse {
			return
		}
		if !o.currentResponse(ev.ResponseID) {
			slog.Debug("orchestrator: ignoring unexpected response", "response_id", ev.ResponseID, "current", o.machine.ResponseID())
			return
		}
		if !o.responded && !o.commitAt.IsZero() {
			o.metrics.ResponseLatency.Record(context.Background(), o.clk.Now().Sub(o.commitAt).Seconds())
		}
		o.responded = true
		_ = o.machine.ResponseStarted(ev.ResponseID)

	case protocol.EventResponseText:
		if o.abandoned[ev.ResponseID] {
			return
		}
		o.emit(Event{Kind: EventResponseText, Text: ev.Text, ResponseID: ev.ResponseID})

	case protocol.EventResponseAudio:
		if o.abandoned[ev.ResponseID] {
			return
		}
		o.enqueueAudio(audio.AudioFrame{
			Data:       ev.Audio,
			SampleRate: audio.FormatRealtime.SampleRate,
			Channels:   audio.FormatRealtime.Channels,
		})

	case protocol.EventResponseComplete:
		if o.abandoned[ev.ResponseID] {
			delete(o.abandoned, ev.ResponseID)
			slog.Debug("orchestrator: abandoned response completed", "response_id", ev.ResponseID)
			return
		}
		if o.machine.State() != fsm.AwaitingResponse {
			slog.Debug("orchestrator: response complete outside a turn", "state", o.machine.State().String())
			return
		}
		if !o.currentResponse(ev.ResponseID) {
			slog.Debug("orchestrator: ignoring completion of another response", "response_id", ev.ResponseID, "current", o.machine.ResponseID())
			return
		}
		_ = o.machine.Fire(fsm.ResponseComplete)
		o.emit(Event{Kind: EventResponseComplete, ResponseID: ev.ResponseID})
		o.metrics.RecordTurn(context.Background(), "completed", o.clk.Now().Sub(o.turnStart).Seconds())

	case protocol.EventOrderDetected, protocol.EventOrderConfirmation:
		o.orderCall(ev)

	case protocol.EventRateLimitError:
		o.transportFailed(resilience.New(resilience.KindRateLimited, serverCause(ev)).WithRetryAfter(ev.RetryAfter))

	case protocol.EventSessionExpired:
		// The next attempt must not reuse the expired credential.
		o.creds.Invalidate()
		o.transportFailed(resilience.New(resilience.KindTokenExpired, serverCause(ev)))

	case protocol.EventError:
		o.transportFailed(resilience.Classify(serverCause(ev)))
	}
}

// configureSession answers session-created with the session configuration.
// An oversized configuration is never sent.
func (o *Orchestrator) configureSession() {
	if o.machine.State() != fsm.AwaitingSessionCreated {
		slog.Debug("orchestrator: unexpected session created", "state", o.machine.State().String())
		return
	}
	cfg, err := o.creds.BuildSessionConfig()
	if err != nil {
		o.fail(resilience.Classify(err), true)
		return
	}
	if err := o.translator.SendEvent(protocol.UpdateSession(cfg)); err != nil {
		o.fail(resilience.Classify(err), true)
		return
	}
	o.mode = cfg.Mode()
	clear(o.abandoned)
	o.orphans = 0
	_ = o.machine.Fire(fsm.SessionCreated)
}

// transcriptFinalized requests exactly one response for the turn whose
// transcript just became final. The final text itself arrives as a separate
// transcript event. A blank transcript ends the turn without a request.
func (o *Orchestrator) transcriptFinalized(text string) {
	if o.machine.State() != fsm.AwaitingTranscript {
		slog.Debug("orchestrator: final transcript outside a turn", "state", o.machine.State().String())
		return
	}
	if strings.TrimSpace(text) == "" {
		slog.Info("orchestrator: empty transcript, no response requested")
		_ = o.machine.TranscriptReceived(false)
		o.metrics.RecordTurn(context.Background(), "empty", o.clk.Now().Sub(o.turnStart).Seconds())
		return
	}
	if err := o.translator.SendEvent(protocol.RequestResponse()); err != nil {
		o.fail(resilience.Classify(err), true)
		return
	}
	_ = o.machine.TranscriptReceived(true)
}

type toolAck struct {
	Status    string `json:"status"`
	Items     int    `json:"items"`
	Confirmed bool   `json:"confirmed"`
}

// orderCall publishes an order tool call and acknowledges it. The
// acknowledgement never requests a response.
func (o *Orchestrator) orderCall(ev protocol.Event) {
	kind, tool := EventOrderDetected, protocol.ToolAddToOrder
	if ev.Kind == protocol.EventOrderConfirmation {
		kind, tool = EventOrderConfirmed, protocol.ToolConfirmOrder
	}
	order := ev.Order
	if order == nil {
		order = &protocol.Order{}
	}
	o.emit(Event{Kind: kind, Order: order, Confidence: order.Confidence, ResponseID: ev.ResponseID})
	if ev.CallID == "" {
		return
	}

	status := "ok"
	out, err := json.Marshal(toolAck{Status: "recorded", Items: len(order.Items), Confirmed: order.Confirmed})
	if err == nil {
		err = o.translator.SendEvent(protocol.ToolResult(ev.CallID, string(out)))
	}
	if err != nil {
		status = "error"
		slog.Warn("orchestrator: tool result not sent", "tool", tool, "call_id", ev.CallID, "err", err)
	}
	o.metrics.RecordToolCall(context.Background(), tool, status)
}

func serverCause(ev protocol.Event) error {
	if ev.Err == nil {
		return fmt.Errorf("protocol: %s without details", ev.Kind)
	}
	return ev.Err
}

// ── State machine callbacks ───────────────────────────────────────────────────

func (o *Orchestrator) onTransition(from, to fsm.State, ev fsm.Event) {
	o.metrics.RecordTransition(context.Background(), from.String(), to.String(), ev.String())
	o.emit(Event{Kind: EventStateChanged, From: from, To: to, Trigger: ev})

	if live := isLive(to); live != o.live {
		o.live = live
		delta := int64(1)
		if !live {
			delta = -1
		}
		o.metrics.ActiveSessions.Add(context.Background(), delta)
	}

	if from == fsm.AwaitingSessionReady && to == fsm.Idle && !o.readyEmitted {
		o.readyEmitted = true
		o.attempts = 0
		o.emit(Event{Kind: EventSessionReady})
	}
}

// onTimeout runs when a state deadline fires, before the state machine
// applies TIMEOUT_OCCURRED.
func (o *Orchestrator) onTimeout(s fsm.State) {
	ctx := context.Background()
	switch s {
	case fsm.Recording:
		o.disableMic()
		o.emit(Event{Kind: EventRecordingTimeout})
		o.metrics.RecordingTimeouts.Add(ctx, 1)
		o.metrics.RecordTurn(ctx, "recording-timeout", 0)

	case fsm.Connecting, fsm.AwaitingSessionCreated:
		e := resilience.Errorf(resilience.KindSessionTimeout, "orchestrator: no session after %s", s)
		o.report(e)
		o.closeTransport()
		if o.retrying {
			o.scheduleReconnect(e)
		}

	case fsm.AwaitingTranscript, fsm.AwaitingResponse:
		if s == fsm.AwaitingResponse {
			if id := o.machine.ResponseID(); id != "" {
				o.abandoned[id] = true
			} else {
				o.orphans++
			}
		}
		o.report(resilience.Errorf(resilience.KindSessionTimeout, "orchestrator: no server answer in %s", s))
		o.metrics.RecordTurn(ctx, "timeout", 0)
	}
}

// currentResponse reports whether id may belong to the response of the
// current turn. Events without an id are attributed to it.
func (o *Orchestrator) currentResponse(id string) bool {
	cur := o.machine.ResponseID()
	return id == "" || cur == "" || id == cur
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// fail reports e, stops capture, forces ERROR and closes the transport. When
// retry is set, a reconnect is scheduled if the policy allows one.
func (o *Orchestrator) fail(e *resilience.Error, retry bool) {
	o.disableMic()
	o.report(e)
	if o.machine.State().Active() {
		_ = o.machine.ForceError()
	}
	o.closeTransport()
	if retry {
		o.scheduleReconnect(e)
	}
}

// report publishes a classified error.
func (o *Orchestrator) report(e *resilience.Error) {
	o.lastErr = e
	slog.Warn("orchestrator: session error",
		"kind", e.Kind.String(),
		"recoverable", e.Recoverable,
		"action", string(e.Action),
		"err", e.Err,
	)
	o.metrics.RecordSessionError(context.Background(), e.Kind.String())
	o.emit(Event{Kind: EventError, Err: e})
}

func (o *Orchestrator) disableMic() {
	if !o.micOn {
		return
	}
	o.micOn = false
	if err := o.tr.DisableMicrophone(); err != nil {
		slog.Warn("orchestrator: disable microphone failed", "err", err)
	}
}

func (o *Orchestrator) closeTransport() {
	if !o.transportOpen {
		return
	}
	o.transportOpen = false
	o.translator.Detach()
	o.playback.Clear()
	if err := o.tr.Disconnect(); err != nil {
		slog.Warn("orchestrator: transport disconnect failed", "err", err)
	}
}

func (o *Orchestrator) scheduleReconnect(e *resilience.Error) {
	if !o.autoReconnect {
		return
	}
	d, ok := o.retry.Next(e, o.attempts+1)
	if !ok {
		slog.Info("orchestrator: not reconnecting", "kind", e.Kind.String(), "attempts", o.attempts)
		return
	}
	o.attempts++
	o.stopReconnect()
	seq := o.seq
	attempt := o.attempts
	slog.Info("orchestrator: reconnect scheduled", "attempt", attempt, "delay", d, "kind", e.Kind.String())
	o.reconnectTimer = o.clk.AfterFunc(d, func() {
		o.loop.post(func() { o.reconnect(seq, attempt) })
	})
}

func (o *Orchestrator) reconnect(seq uint64, attempt int) {
	if seq != o.seq {
		return
	}
	o.reconnectTimer = nil
	go func() {
		status := "ok"
		if err := o.connect(context.Background(), true, seq); err != nil {
			status = "error"
			slog.Warn("orchestrator: reconnect failed", "attempt", attempt, "err", err)
		}
		o.metrics.RecordReconnect(context.Background(), status)
	}()
}

func (o *Orchestrator) stopReconnect() {
	if o.reconnectTimer != nil {
		o.reconnectTimer.Stop()
		o.reconnectTimer = nil
	}
}

func (o *Orchestrator) enqueueAudio(f audio.AudioFrame) {
	if err := o.playback.Enqueue(f); err != nil && !errors.Is(err, playback.ErrClosed) {
		slog.Debug("orchestrator: playback enqueue failed", "err", err)
	}
}

func (o *Orchestrator) emit(ev Event) {
	ev.SessionID = o.sessionID
	ev.At = o.clk.Now()
	slog.Debug("orchestrator: event", "kind", ev.Kind.String(), "session_id", ev.SessionID)
	o.bus.Publish(ev)
}

// isLive reports whether s belongs to an open session.
func isLive(s fsm.State) bool {
	return s >= fsm.AwaitingSessionCreated && s <= fsm.AwaitingResponse
}
