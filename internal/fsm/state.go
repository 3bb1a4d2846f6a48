package fsm

// State is a voice session state.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingSessionCreated
	AwaitingSessionReady
	Idle
	Recording
	CommittingAudio
	AwaitingTranscript
	AwaitingResponse
	Error
	Timeout
)

var stateNames = [...]string{
	Disconnected:           "DISCONNECTED",
	Connecting:             "CONNECTING",
	AwaitingSessionCreated: "AWAITING_SESSION_CREATED",
	AwaitingSessionReady:   "AWAITING_SESSION_READY",
	Idle:                   "IDLE",
	Recording:              "RECORDING",
	CommittingAudio:        "COMMITTING_AUDIO",
	AwaitingTranscript:     "AWAITING_TRANSCRIPT",
	AwaitingResponse:       "AWAITING_RESPONSE",
	Error:                  "ERROR",
	Timeout:                "TIMEOUT",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Active reports whether s is part of a live connection: anything between
// a connect request and a failure.
func (s State) Active() bool {
	return s >= Connecting && s <= AwaitingResponse
}

// Connected reports whether the session is established and usable for turns.
func (s State) Connected() bool {
	return s >= Idle && s <= AwaitingResponse
}

// InTurn reports whether a turn is in flight.
func (s State) InTurn() bool {
	return s >= Recording && s <= AwaitingResponse
}

// Event is a named input to the state machine.
type Event int

const (
	ConnectRequested Event = iota
	ConnectionEstablished
	SessionCreated
	SessionReady
	RecordingStarted
	RecordingStopped
	AudioCommitted
	TranscriptReceived
	ResponseStarted
	ResponseComplete
	ErrorOccurred
	TimeoutOccurred
	// Reset is the external reset to DISCONNECTED, legal from any state.
	Reset
)

var eventNames = [...]string{
	ConnectRequested:      "CONNECT_REQUESTED",
	ConnectionEstablished: "CONNECTION_ESTABLISHED",
	SessionCreated:        "SESSION_CREATED",
	SessionReady:          "SESSION_READY",
	RecordingStarted:      "RECORDING_STARTED",
	RecordingStopped:      "RECORDING_STOPPED",
	AudioCommitted:        "AUDIO_COMMITTED",
	TranscriptReceived:    "TRANSCRIPT_RECEIVED",
	ResponseStarted:       "RESPONSE_STARTED",
	ResponseComplete:      "RESPONSE_COMPLETE",
	ErrorOccurred:         "ERROR_OCCURRED",
	TimeoutOccurred:       "TIMEOUT_OCCURRED",
	Reset:                 "RESET",
}

// String returns the upper-case event name.
func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "UNKNOWN"
	}
	return eventNames[e]
}

// Reason explains why recording cannot start.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonNotReady means the connection is still being set up.
	ReasonNotReady
	// ReasonBusy means a turn is already in flight.
	ReasonBusy
	// ReasonDisconnected means there is no connection.
	ReasonDisconnected
	// ReasonFailed means the session is in ERROR or TIMEOUT.
	ReasonFailed
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotReady:
		return "not-ready"
	case ReasonBusy:
		return "busy"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// table holds the unconditional transitions. TRANSCRIPT_RECEIVED, the
// ERROR_OCCURRED wildcard and RESET are resolved in code.
var table = map[State]map[Event]State{
	Disconnected: {
		ConnectRequested: Connecting,
	},
	Connecting: {
		ConnectionEstablished: AwaitingSessionCreated,
		TimeoutOccurred:       Timeout,
	},
	AwaitingSessionCreated: {
		SessionCreated:  AwaitingSessionReady,
		TimeoutOccurred: Timeout,
	},
	AwaitingSessionReady: {
		SessionReady:    Idle,
		TimeoutOccurred: Idle,
	},
	Idle: {
		RecordingStarted: Recording,
	},
	Recording: {
		RecordingStopped: CommittingAudio,
		TimeoutOccurred:  Idle,
	},
	CommittingAudio: {
		AudioCommitted: AwaitingTranscript,
	},
	AwaitingTranscript: {
		TimeoutOccurred: Idle,
	},
	AwaitingResponse: {
		ResponseStarted:  AwaitingResponse,
		ResponseComplete: Idle,
		TimeoutOccurred:  Idle,
	},
}
