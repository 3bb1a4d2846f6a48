// Package tui is the terminal push-to-talk client: a bubbletea model that
// drives a voice ordering session and renders its transcript, the assistant's
// replies and the detected order.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/orchestrator"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/protocol"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

// maxLines bounds the conversation kept for display.
const maxLines = 200

// noticeTTL is how long a rejected-command notice stays on screen.
const noticeTTL = 4 * time.Second

// Controller is the session surface the model drives. It is satisfied by
// [*orchestrator.Orchestrator].
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect() error
	StartRecording() error
	StopRecording() error
}

var _ Controller = (*orchestrator.Orchestrator)(nil)

// Speaker labels a conversation line.
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerAssistant
)

// Line is one finished conversation line.
type Line struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Model is the root bubbletea model.
type Model struct {
	ctx        context.Context
	ctrl       Controller
	events     <-chan orchestrator.Event
	restaurant string

	state      fsm.State
	connection transport.ConnectionState
	mode       protocol.TurnDetectionMode

	lines    []Line
	reply    strings.Builder
	order    *protocol.Order
	lastErr  *resilience.Error
	notice   string
	noticeID int

	width  int
	height int
}

// New returns a model driving ctrl and rendering events. restaurant is shown
// in the header.
func New(ctx context.Context, ctrl Controller, events <-chan orchestrator.Event, restaurant string) *Model {
	return &Model{
		ctx:        ctx,
		ctrl:       ctrl,
		events:     events,
		restaurant: restaurant,
		state:      fsm.Disconnected,
		connection: transport.StateNew,
	}
}

// Run shows the UI until the user quits or ctx is cancelled.
func Run(ctx context.Context, m *Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init starts listening for session events.
func (m *Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// waitForEvent blocks until the next bus event.
func waitForEvent(events <-chan orchestrator.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return EventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// run executes a controller command off the UI goroutine.
func run(op string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return CommandErrMsg{Op: op, Err: err}
		}
		return nil
	}
}

func clearNoticeCmd(seq int) tea.Cmd {
	return tea.Tick(noticeTTL, func(time.Time) tea.Msg {
		return ClearNoticeMsg{seq: seq}
	})
}

// Update processes messages and returns the updated model and any commands.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case EventMsg:
		m.handleEvent(msg.Event)
		return m, waitForEvent(m.events)

	case EventsClosedMsg:
		return m, tea.Quit

	case CommandErrMsg:
		m.noticeID++
		m.notice = noticeFor(msg.Op, msg.Err)
		return m, clearNoticeCmd(m.noticeID)

	case ClearNoticeMsg:
		if msg.seq == m.noticeID {
			m.notice = ""
		}
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		return tea.Sequence(run("disconnect", m.ctrl.Disconnect), tea.Quit)

	case KeyConnect:
		if m.state.Active() {
			return nil
		}
		m.lastErr = nil
		return run("connect", func() error { return m.ctrl.Connect(m.ctx) })

	case KeyDisconnect:
		return run("disconnect", m.ctrl.Disconnect)

	case KeyTalk:
		if m.state == fsm.Recording {
			return run("stop", m.ctrl.StopRecording)
		}
		return run("talk", m.ctrl.StartRecording)

	case KeyClearOrder:
		m.order = nil
	}
	return nil
}

func (m *Model) handleEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventStateChanged:
		m.state = ev.To

	case orchestrator.EventConnectionChanged:
		m.connection = ev.Connection

	case orchestrator.EventSessionReady:
		m.lastErr = nil

	case orchestrator.EventRecordingStarted:
		m.reply.Reset()

	case orchestrator.EventTranscript:
		if ev.IsFinal && strings.TrimSpace(ev.Text) != "" {
			m.appendLine(SpeakerUser, ev.Text, ev.At)
		}

	case orchestrator.EventResponseText:
		m.reply.WriteString(ev.Text)

	case orchestrator.EventResponseComplete:
		if text := strings.TrimSpace(m.reply.String()); text != "" {
			m.appendLine(SpeakerAssistant, text, ev.At)
		}
		m.reply.Reset()

	case orchestrator.EventOrderDetected, orchestrator.EventOrderConfirmed:
		m.order = ev.Order

	case orchestrator.EventError, orchestrator.EventCredentialRefreshFailed:
		m.lastErr = ev.Err
	}
}

func (m *Model) appendLine(s Speaker, text string, at time.Time) {
	m.lines = append(m.lines, Line{Speaker: s, Text: text, At: at})
	if over := len(m.lines) - maxLines; over > 0 {
		m.lines = append(m.lines[:0], m.lines[over:]...)
	}
}

func noticeFor(op string, err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotReady):
		return "Session is not ready yet."
	case errors.Is(err, orchestrator.ErrCancelled):
		return "Connection cancelled."
	case errors.Is(err, orchestrator.ErrClosed):
		return "Session closed."
	}
	var re *resilience.Error
	if errors.As(err, &re) {
		return re.Message
	}
	return fmt.Sprintf("%s failed: %v", op, err)
}

// ── Rendering ─────────────────────────────────────────────────────────────────

// View renders the screen.
func (m *Model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}
	inner := max(width-4, 20)

	sections := []string{
		m.renderHeader(width),
		panelStyle.Width(inner).Render(m.renderConversation(inner)),
	}
	if m.order != nil {
		sections = append(sections, panelStyle.Width(inner).Render(m.renderOrder()))
	}
	if bar := m.renderErrorBar(); bar != "" {
		sections = append(sections, bar)
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderHeader(width int) string {
	dot := idleDotStyle.Render("●")
	switch {
	case m.state == fsm.Recording:
		dot = recordingDotStyle.Render("●")
	case m.state.Connected():
		dot = connectedDotStyle.Render("●")
	}
	title := titleStyle.Render("voiceorder")
	if m.restaurant != "" {
		title += statusStyle.Render(" · " + m.restaurant)
	}
	status := statusStyle.Render(fmt.Sprintf("%s  %s  link:%s", dot, m.state, m.connection))
	gap := max(width-lipgloss.Width(title)-lipgloss.Width(status), 1)
	return title + strings.Repeat(" ", gap) + status
}

func (m *Model) renderConversation(width int) string {
	var b strings.Builder
	b.WriteString(panelTitleStyle.Render("Conversation"))
	b.WriteByte('\n')

	visible := m.lines
	if limit := m.conversationRows(); limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	for _, l := range visible {
		label, style := "You", userStyle
		if l.Speaker == SpeakerAssistant {
			label, style = "Assistant", assistantStyle
		}
		b.WriteString(style.Width(width).Render(label + ": " + l.Text))
		b.WriteByte('\n')
	}
	if pending := m.reply.String(); pending != "" {
		b.WriteString(partialStyle.Width(width).Render("Assistant: " + pending))
		b.WriteByte('\n')
	}
	if len(m.lines) == 0 && m.reply.Len() == 0 {
		b.WriteString(statusStyle.Render(m.hint()))
	}
	return strings.TrimRight(b.String(), "\n")
}

// conversationRows is the number of lines that fit, or 0 when the height
// is unknown.
func (m *Model) conversationRows() int {
	if m.height <= 0 {
		return 0
	}
	reserved := 6
	if m.order != nil {
		reserved += 4 + len(m.order.Items)
	}
	return max(m.height-reserved, 3)
}

func (m *Model) hint() string {
	switch {
	case !m.state.Active():
		return "Press c to connect."
	case !m.state.Connected():
		return "Connecting..."
	case m.mode == protocol.TurnDetectionServerVAD:
		return "Just speak, or hold space to talk."
	default:
		return "Press space to talk, space again to send."
	}
}

func (m *Model) renderOrder() string {
	var b strings.Builder
	title := "Order"
	if m.order.Confirmed {
		title += " (confirmed)"
	}
	b.WriteString(panelTitleStyle.Render(title))
	for _, it := range m.order.Items {
		line := fmt.Sprintf("%d × %s", it.Quantity, it.Name)
		if len(it.Modifiers) > 0 {
			line += " (" + strings.Join(it.Modifiers, ", ") + ")"
		}
		if it.Notes != "" {
			line += " - " + it.Notes
		}
		b.WriteString("\n" + orderStyle.Render(line))
	}
	return b.String()
}

func (m *Model) renderErrorBar() string {
	switch {
	case m.notice != "":
		return errorStyle.Render(m.notice)
	case m.lastErr != nil:
		return errorStyle.Render(fmt.Sprintf("%s: %s [%s]", m.lastErr.Kind, m.lastErr.Message, m.lastErr.Action))
	}
	return ""
}

func (m *Model) renderFooter() string {
	talk := "space talk"
	if m.state == fsm.Recording {
		talk = "space send"
	}
	return footerStyle.Render(strings.Join([]string{"c connect", "d disconnect", talk, "x clear order", "q quit"}, " · "))
}

// SetMode sets the turn detection mode shown in hints.
func (m *Model) SetMode(mode protocol.TurnDetectionMode) { m.mode = mode }
