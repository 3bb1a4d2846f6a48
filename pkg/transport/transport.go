// Package transport defines the media transport contract used by the
// orchestrator: a bidirectional channel carrying microphone audio up,
// assistant audio down, and JSON protocol messages both ways.
//
// Implementations deliver every inbound protocol message as a [RawMessage]
// event, exactly once and in arrival order, and never before
// [DataChannelReady]. Events are delivered through a [Dispatcher] so that
// handlers never run on network goroutines.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/credential"
)

// ErrClosed is returned by operations on a transport that is not connected.
var ErrClosed = errors.New("transport: closed")

// ErrMicrophone is wrapped by errors caused by the local capture device.
var ErrMicrophone = errors.New("transport: microphone unavailable")

// ConnectionState is the lifecycle state of the underlying connection.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// EventKind identifies a transport event.
type EventKind int

const (
	ConnectionStateChanged EventKind = iota + 1
	DataChannelReady
	RawMessage
	ReconnectNeeded
	Disconnection
	NetworkLoss
	Error
	ConnectionTimeout
	RemoteAudio
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case ConnectionStateChanged:
		return "connection-state-changed"
	case DataChannelReady:
		return "data-channel-ready"
	case RawMessage:
		return "raw-message"
	case ReconnectNeeded:
		return "reconnect-needed"
	case Disconnection:
		return "disconnection"
	case NetworkLoss:
		return "network-loss"
	case Error:
		return "error"
	case ConnectionTimeout:
		return "connection-timeout"
	case RemoteAudio:
		return "remote-audio"
	default:
		return "unknown"
	}
}

// Event is emitted by a [Transport]. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// State is set for ConnectionStateChanged.
	State ConnectionState

	// Payload is the raw protocol message for RawMessage.
	Payload []byte

	// Reason describes NetworkLoss and Disconnection.
	Reason string

	// Err is set for Error.
	Err error

	// Duration is the elapsed wait for ConnectionTimeout.
	Duration time.Duration

	// Audio is decoded assistant audio for RemoteAudio.
	Audio audio.AudioFrame
}

// Handler receives transport events.
type Handler func(Event)

// Transport is a realtime media connection to the voice service.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect opens the connection authorised by cred. It returns once the
	// connection attempt is underway or has failed; readiness is signalled
	// with a DataChannelReady event.
	Connect(ctx context.Context, cred credential.Credential) error

	// Disconnect tears the connection down and releases the microphone. It
	// is idempotent.
	Disconnect() error

	// EnableMicrophone starts forwarding captured audio.
	EnableMicrophone() error

	// DisableMicrophone stops forwarding captured audio. It takes effect
	// immediately and never performs network I/O.
	DisableMicrophone() error

	// Send transmits one protocol message. It fails with [ErrClosed] when
	// no data channel is open.
	Send(payload []byte) error

	// OnEvent registers the event handler, replacing any previous one.
	OnEvent(h Handler)
}
