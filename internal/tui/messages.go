package tui

import "github.com/MrWong99/voiceorder/internal/orchestrator"

// EventMsg carries one orchestrator bus event into the model.
type EventMsg struct {
	Event orchestrator.Event
}

// EventsClosedMsg reports that the event subscription ended.
type EventsClosedMsg struct{}

// CommandErrMsg reports a rejected command.
type CommandErrMsg struct {
	Op  string
	Err error
}

// ClearNoticeMsg clears a transient notice.
type ClearNoticeMsg struct {
	seq int
}
