// Package websocket implements [transport.Transport] over a single WebSocket
// connection to the realtime endpoint. Protocol messages travel as text
// frames; microphone audio is sent as base64 PCM16 in
// input_audio_buffer.append messages.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	defaultModel       = "gpt-4o-realtime-preview"
	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultDialTimeout = 10 * time.Second
	readLimit          = 1 << 22
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Transport].
type Option func(*Transport)

// WithModel sets the realtime model query parameter.
func WithModel(model string) Option {
	return func(t *Transport) {
		if model != "" {
			t.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Used by tests to point at a
// local server.
func WithBaseURL(u string) Option {
	return func(t *Transport) {
		if u != "" {
			t.baseURL = u
		}
	}
}

// WithSource sets the microphone capture source.
func WithSource(src audio.Source) Option {
	return func(t *Transport) { t.source = src }
}

// WithDialTimeout bounds the WebSocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport is a WebSocket realtime transport. Create with [New].
type Transport struct {
	model       string
	baseURL     string
	source      audio.Source
	dialTimeout time.Duration

	events *transport.Dispatcher

	mu     sync.Mutex
	conn   *websocket.Conn
	gate   *audio.Gate
	cancel context.CancelFunc
	gen    uint64
}

// New returns a disconnected transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		dialTimeout: defaultDialTimeout,
		events:      transport.NewDispatcher(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnEvent implements [transport.Transport].
func (t *Transport) OnEvent(h transport.Handler) { t.events.SetHandler(h) }

// Connect implements [transport.Transport]. The handshake completes before
// Connect returns; DataChannelReady is emitted immediately afterwards.
func (t *Transport) Connect(ctx context.Context, cred credential.Credential) error {
	if cred.Token == "" {
		return fmt.Errorf("websocket: connect: %w", credential.ErrNoCredential)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.events.Reset()
	t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateConnecting})

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return fmt.Errorf("websocket: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("model", t.model)
	u.RawQuery = q.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, t.dialTimeout)
	defer cancelDial()
	start := time.Now()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred.Token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			t.events.Emit(transport.Event{Kind: transport.ConnectionTimeout, Duration: time.Since(start)})
		}
		t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateFailed})
		return fmt.Errorf("websocket: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if t.gen != gen {
		// Disconnect raced the handshake.
		t.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "disconnected")
		return transport.ErrClosed
	}
	t.conn = conn
	t.cancel = cancel
	if t.source != nil {
		t.gate = audio.NewGate(t.source, audio.FormatRealtime, t.appendAudio)
	}
	t.mu.Unlock()

	t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateConnected})
	t.events.Emit(transport.Event{Kind: transport.DataChannelReady})

	go t.readLoop(sessCtx, conn, gen)
	return nil
}

// readLoop forwards inbound text frames until the connection closes.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || !t.current(gen) {
				return
			}
			status := websocket.CloseStatus(err)
			slog.Warn("websocket: read failed", "err", err, "status", int(status))
			t.teardown(gen)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				t.events.Emit(transport.Event{Kind: transport.Disconnection, Reason: err.Error()})
			} else {
				t.events.Emit(transport.Event{Kind: transport.NetworkLoss, Reason: err.Error()})
			}
			t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateDisconnected})
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		t.events.Emit(transport.Event{Kind: transport.RawMessage, Payload: data})
	}
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.conn != nil
}

// Send implements [transport.Transport].
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// appendAudio is the microphone gate sink.
func (t *Transport) appendAudio(f audio.AudioFrame) error {
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(f.Data),
	})
	if err != nil {
		return fmt.Errorf("websocket: marshal audio: %w", err)
	}
	return t.Send(data)
}

// EnableMicrophone implements [transport.Transport].
func (t *Transport) EnableMicrophone() error {
	t.mu.Lock()
	gate, conn := t.gate, t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrClosed
	}
	if gate == nil {
		return fmt.Errorf("websocket: %w: no capture source configured", transport.ErrMicrophone)
	}
	if err := gate.Start(context.Background()); err != nil {
		return fmt.Errorf("websocket: %w: %v", transport.ErrMicrophone, err)
	}
	gate.Enable()
	return nil
}

// DisableMicrophone implements [transport.Transport].
func (t *Transport) DisableMicrophone() error {
	t.mu.Lock()
	gate := t.gate
	t.mu.Unlock()
	if gate != nil {
		gate.Disable()
	}
	return nil
}

// teardown releases connection resources for gen without emitting events.
func (t *Transport) teardown(gen uint64) bool {
	t.mu.Lock()
	if gen != 0 && t.gen != gen {
		t.mu.Unlock()
		return false
	}
	t.gen++
	conn, gate, cancel := t.conn, t.gate, t.cancel
	t.conn, t.gate, t.cancel = nil, nil, nil
	t.mu.Unlock()

	if gate != nil {
		gate.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return conn != nil
}

// Disconnect implements [transport.Transport].
func (t *Transport) Disconnect() error {
	if t.teardown(0) {
		t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateClosed})
	}
	t.events.Reset()
	return nil
}

// Close disconnects and stops event delivery. The transport cannot be used
// afterwards.
func (t *Transport) Close() error {
	err := t.Disconnect()
	t.events.Close()
	return err
}
