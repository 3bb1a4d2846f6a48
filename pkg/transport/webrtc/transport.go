// Package webrtc implements [transport.Transport] over a WebRTC peer
// connection. Protocol messages travel on the "oai-events" data channel,
// microphone audio on an Opus track, and assistant audio arrives on the
// remote track and is emitted as RemoteAudio events.
package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	defaultBaseURL        = "https://api.openai.com/v1/realtime"
	defaultModel          = "gpt-4o-realtime-preview"
	defaultConnectTimeout = 15 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Transport].
type Option func(*Transport)

// WithBaseURL overrides the SDP exchange endpoint.
func WithBaseURL(u string) Option {
	return func(t *Transport) {
		if u != "" {
			t.baseURL = u
		}
	}
}

// WithModel sets the realtime model query parameter.
func WithModel(model string) Option {
	return func(t *Transport) {
		if model != "" {
			t.model = model
		}
	}
}

// WithSource sets the microphone capture source.
func WithSource(src audio.Source) Option {
	return func(t *Transport) { t.source = src }
}

// WithHTTPClient replaces the client used for the SDP exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithConnectTimeout bounds the time from Connect to an open data channel.
func WithConnectTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.connectTimeout = d
		}
	}
}

// WithPeerFactory replaces the pion peer, mainly for tests.
func WithPeerFactory(f PeerFactory) Option {
	return func(t *Transport) { t.newPeer = f }
}

// WithICEServers sets STUN/TURN URLs for the default pion peer.
func WithICEServers(urls ...string) Option {
	return func(t *Transport) { t.newPeer = NewPionPeer(urls) }
}

// ── Transport ─────────────────────────────────────────────────────────────────

// Transport is a WebRTC realtime transport. Create with [New].
type Transport struct {
	baseURL        string
	model          string
	source         audio.Source
	client         *http.Client
	connectTimeout time.Duration
	newPeer        PeerFactory

	events *transport.Dispatcher

	mu      sync.Mutex
	peer    Peer
	open    bool
	gate    *audio.Gate
	enc     *opusEncoder
	timer   *time.Timer
	gen     uint64
	closing bool
}

// New returns a disconnected transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		baseURL:        defaultBaseURL,
		model:          defaultModel,
		client:         &http.Client{Timeout: 30 * time.Second},
		connectTimeout: defaultConnectTimeout,
		newPeer:        NewPionPeer(nil),
		events:         transport.NewDispatcher(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OnEvent implements [transport.Transport].
func (t *Transport) OnEvent(h transport.Handler) { t.events.SetHandler(h) }

// Connect implements [transport.Transport]. It performs the SDP exchange and
// returns; DataChannelReady follows when the data channel opens, or
// ConnectionTimeout when it does not open in time.
func (t *Transport) Connect(ctx context.Context, cred credential.Credential) error {
	if cred.Token == "" {
		return fmt.Errorf("webrtc: connect: %w", credential.ErrNoCredential)
	}

	t.mu.Lock()
	if t.peer != nil {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	t.closing = false
	t.mu.Unlock()

	t.events.Reset()
	t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateConnecting})

	dec, err := newOpusDecoder()
	if err != nil {
		return err
	}
	peer, err := t.newPeer(PeerHandlers{
		OnOpen:    func() { t.handleOpen(gen) },
		OnMessage: func(p []byte) { t.handleMessage(gen, p) },
		OnState:   func(s transport.ConnectionState) { t.handleState(gen, s) },
		OnAudio:   func(pkt []byte) { t.handleAudio(gen, dec, pkt) },
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		_ = peer.Close()
		return transport.ErrClosed
	}
	t.peer = peer
	start := time.Now()
	t.timer = time.AfterFunc(t.connectTimeout, func() { t.handleConnectTimeout(gen, start) })
	t.mu.Unlock()

	offer, err := peer.CreateOffer(ctx)
	if err == nil {
		var answer string
		answer, err = exchangeSDP(ctx, t.client, t.baseURL, t.model, cred.Token, offer)
		if err == nil {
			err = peer.AcceptAnswer(answer)
		}
	}
	if err != nil {
		t.teardown(gen)
		t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateFailed})
		return err
	}
	return nil
}

func (t *Transport) handleOpen(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.peer == nil {
		t.mu.Unlock()
		return
	}
	t.open = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.source != nil && t.gate == nil {
		enc, err := newOpusEncoder()
		if err != nil {
			slog.Warn("webrtc: opus encoder unavailable", "err", err)
		} else {
			t.enc = enc
			t.gate = audio.NewGate(t.source, audio.FormatOpus, t.writeMic)
		}
	}
	t.mu.Unlock()
	t.events.Emit(transport.Event{Kind: transport.DataChannelReady})
}

func (t *Transport) handleMessage(gen uint64, payload []byte) {
	if !t.isCurrent(gen) {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.events.Emit(transport.Event{Kind: transport.RawMessage, Payload: cp})
}

func (t *Transport) handleState(gen uint64, s transport.ConnectionState) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	closing := t.closing
	t.mu.Unlock()

	t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: s})
	if closing {
		return
	}
	switch s {
	case transport.StateDisconnected:
		t.events.Emit(transport.Event{Kind: transport.NetworkLoss, Reason: "ice connection lost"})
	case transport.StateFailed:
		t.teardown(gen)
		t.events.Emit(transport.Event{Kind: transport.ReconnectNeeded, Reason: "peer connection failed"})
	case transport.StateClosed:
		t.teardown(gen)
		t.events.Emit(transport.Event{Kind: transport.Disconnection, Reason: "peer connection closed"})
	}
}

func (t *Transport) handleAudio(gen uint64, dec *opusDecoder, pkt []byte) {
	if !t.isCurrent(gen) {
		return
	}
	f, err := dec.decode(pkt)
	if err != nil {
		slog.Debug("webrtc: dropping undecodable packet", "err", err)
		return
	}
	t.events.Emit(transport.Event{Kind: transport.RemoteAudio, Audio: f})
}

func (t *Transport) handleConnectTimeout(gen uint64, start time.Time) {
	t.mu.Lock()
	if t.gen != gen || t.open || t.peer == nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.events.Emit(transport.Event{Kind: transport.ConnectionTimeout, Duration: time.Since(start)})
}

func (t *Transport) isCurrent(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.peer != nil
}

// writeMic is the microphone gate sink.
func (t *Transport) writeMic(f audio.AudioFrame) error {
	t.mu.Lock()
	peer, enc := t.peer, t.enc
	t.mu.Unlock()
	if peer == nil || enc == nil {
		return transport.ErrClosed
	}
	pkts, err := enc.encode(f)
	for _, p := range pkts {
		if werr := peer.WriteAudio(p, opusFrameDuration); werr != nil {
			return fmt.Errorf("webrtc: write audio: %w", werr)
		}
	}
	return err
}

// Send implements [transport.Transport].
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	peer, open := t.peer, t.open
	t.mu.Unlock()
	if peer == nil || !open {
		return transport.ErrClosed
	}
	if err := peer.SendText(string(payload)); err != nil {
		return fmt.Errorf("webrtc: send: %w", err)
	}
	return nil
}

// EnableMicrophone implements [transport.Transport].
func (t *Transport) EnableMicrophone() error {
	t.mu.Lock()
	gate, peer := t.gate, t.peer
	t.mu.Unlock()
	if peer == nil {
		return transport.ErrClosed
	}
	if gate == nil {
		return fmt.Errorf("webrtc: %w: no capture source configured", transport.ErrMicrophone)
	}
	if err := gate.Start(context.Background()); err != nil {
		return fmt.Errorf("webrtc: %w: %v", transport.ErrMicrophone, err)
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

// teardown releases the peer of gen (or the current one when gen is 0).
func (t *Transport) teardown(gen uint64) bool {
	t.mu.Lock()
	if gen != 0 && t.gen != gen {
		t.mu.Unlock()
		return false
	}
	t.closing = true
	peer, gate, timer := t.peer, t.gate, t.timer
	t.peer, t.gate, t.timer, t.enc = nil, nil, nil, nil
	t.open = false
	t.gen++
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if gate != nil {
		gate.Stop()
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			slog.Debug("webrtc: close peer", "err", err)
		}
	}
	return peer != nil
}

// Disconnect implements [transport.Transport].
func (t *Transport) Disconnect() error {
	if t.teardown(0) {
		t.events.Emit(transport.Event{Kind: transport.ConnectionStateChanged, State: transport.StateClosed})
	}
	t.events.Reset()
	return nil
}

// Close disconnects and stops event delivery.
func (t *Transport) Close() error {
	err := t.Disconnect()
	t.events.Close()
	return err
}
