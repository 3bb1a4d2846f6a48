// Package mock provides an in-memory [transport.Transport] for unit tests.
//
// The mock records every method call, in order, so tests can assert on call
// sequences such as "microphone disabled before commit". Inbound traffic is
// simulated with [Transport.Emit] and the helpers built on it.
//
//	tr := &mock.Transport{}
//	tr.OnEvent(handler)
//	_ = tr.Connect(ctx, cred)
//	tr.Ready()
//	tr.Message(`{"type":"session.created"}`)
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Call names recorded in [Transport.Calls].
const (
	CallConnect    = "connect"
	CallDisconnect = "disconnect"
	CallMicOn      = "mic-on"
	CallMicOff     = "mic-off"
	CallSend       = "send"
)

// Transport is a mock implementation of [transport.Transport].
// Set the exported *Err fields before use; inspect the recorded fields after.
type Transport struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect.
	ConnectErr error
	// SendErr is returned by Send.
	SendErr error
	// MicErr is returned by EnableMicrophone.
	MicErr error

	// Credentials records the credential passed to every Connect call.
	Credentials []credential.Credential
	// Sent records every payload passed to a successful Send.
	Sent [][]byte
	// Calls records method invocations in order. Send calls are recorded as
	// "send:<message type>".
	Calls []string

	handler   transport.Handler
	micOn     bool
	connected bool
}

// Connect implements [transport.Transport].
func (t *Transport) Connect(_ context.Context, cred credential.Credential) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, CallConnect)
	t.Credentials = append(t.Credentials, cred)
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

// Disconnect implements [transport.Transport].
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, CallDisconnect)
	t.connected = false
	t.micOn = false
	return nil
}

// EnableMicrophone implements [transport.Transport].
func (t *Transport) EnableMicrophone() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, CallMicOn)
	if t.MicErr != nil {
		return t.MicErr
	}
	t.micOn = true
	return nil
}

// DisableMicrophone implements [transport.Transport].
func (t *Transport) DisableMicrophone() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, CallMicOff)
	t.micOn = false
	return nil
}

// Send implements [transport.Transport].
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, CallSend+":"+messageType(payload))
	if t.SendErr != nil {
		return t.SendErr
	}
	if !t.connected {
		return transport.ErrClosed
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	t.Sent = append(t.Sent, cp)
	return nil
}

// OnEvent implements [transport.Transport].
func (t *Transport) OnEvent(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// ── Inspection ────────────────────────────────────────────────────────────────

// MicEnabled reports whether the microphone is currently enabled.
func (t *Transport) MicEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.micOn
}

// SentTypes returns the "type" field of every sent message, in order.
func (t *Transport) SentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Sent))
	for i, p := range t.Sent {
		out[i] = messageType(p)
	}
	return out
}

// CountSent returns how many sent messages have the given type.
func (t *Transport) CountSent(typ string) int {
	n := 0
	for _, s := range t.SentTypes() {
		if s == typ {
			n++
		}
	}
	return n
}

// CallLog returns a copy of Calls.
func (t *Transport) CallLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Calls))
	copy(out, t.Calls)
	return out
}

// ── Simulation ────────────────────────────────────────────────────────────────

// Emit delivers e to the registered handler synchronously.
func (t *Transport) Emit(e transport.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(e)
	}
}

// Ready emits DataChannelReady.
func (t *Transport) Ready() { t.Emit(transport.Event{Kind: transport.DataChannelReady}) }

// Message emits a RawMessage carrying payload.
func (t *Transport) Message(payload string) {
	t.Emit(transport.Event{Kind: transport.RawMessage, Payload: []byte(payload)})
}

// LoseNetwork emits NetworkLoss with reason.
func (t *Transport) LoseNetwork(reason string) {
	t.Emit(transport.Event{Kind: transport.NetworkLoss, Reason: reason})
}

func messageType(payload []byte) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.Type
}
