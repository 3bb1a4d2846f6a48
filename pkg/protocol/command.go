package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CommandKind enumerates the outbound protocol commands.
type CommandKind int

const (
	// CommandUpdateSession pushes a [SessionConfig] to the remote service.
	CommandUpdateSession CommandKind = iota + 1

	// CommandClearInputBuffer discards any buffered, uncommitted input audio.
	CommandClearInputBuffer

	// CommandCommitInputBuffer closes the current user turn's audio.
	CommandCommitInputBuffer

	// CommandRequestResponse asks the model to generate a response.
	CommandRequestResponse

	// CommandToolResult returns the output of a function call to the model.
	CommandToolResult
)

// String returns the wire type of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandUpdateSession:
		return "session.update"
	case CommandClearInputBuffer:
		return "input_audio_buffer.clear"
	case CommandCommitInputBuffer:
		return "input_audio_buffer.commit"
	case CommandRequestResponse:
		return "response.create"
	case CommandToolResult:
		return "conversation.item.create"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a single outbound protocol message.
type Command struct {
	Kind CommandKind

	// Session is set for CommandUpdateSession.
	Session SessionConfig

	// CallID and Output are set for CommandToolResult.
	CallID string
	Output string
}

// UpdateSession returns a command that applies cfg to the remote session.
func UpdateSession(cfg SessionConfig) Command {
	return Command{Kind: CommandUpdateSession, Session: cfg}
}

// ClearInputBuffer returns a command discarding stale input audio.
func ClearInputBuffer() Command { return Command{Kind: CommandClearInputBuffer} }

// CommitInputBuffer returns a command closing the current input turn.
func CommitInputBuffer() Command { return Command{Kind: CommandCommitInputBuffer} }

// RequestResponse returns a command requesting a model response.
func RequestResponse() Command { return Command{Kind: CommandRequestResponse} }

// ToolResult returns a command delivering a function call's output.
func ToolResult(callID, output string) Command {
	return Command{Kind: CommandToolResult, CallID: callID, Output: output}
}

// ── Wire encoding ─────────────────────────────────────────────────────────────

type envelope struct {
	Type    string         `json:"type"`
	EventID string         `json:"event_id"`
	Session *SessionConfig `json:"session,omitempty"`
	Item    *toolOutput    `json:"item,omitempty"`
}

type toolOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// Encode serialises c into the JSON message sent over the data channel.
// Every encoded command carries a fresh client event ID.
func (c Command) Encode() ([]byte, error) {
	env := envelope{
		Type:    c.Kind.String(),
		EventID: "evt_" + uuid.NewString(),
	}
	switch c.Kind {
	case CommandUpdateSession:
		s := c.Session
		env.Session = &s
	case CommandClearInputBuffer, CommandCommitInputBuffer, CommandRequestResponse:
	case CommandToolResult:
		if c.CallID == "" {
			return nil, fmt.Errorf("protocol: encode %s: empty call id", c.Kind)
		}
		env.Item = &toolOutput{Type: "function_call_output", CallID: c.CallID, Output: c.Output}
	default:
		return nil, fmt.Errorf("protocol: encode: unknown command kind %d", int(c.Kind))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", c.Kind, err)
	}
	return data, nil
}
