// Package connect is the interactive terminal client behind "relay connect".
package connect

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/relay/internal/tui"
	"github.com/amurg-ai/relay/pkg/protocol"
)

const maxLines = 1000

// SendFunc writes one text frame to the gateway.
type SendFunc func(data []byte) error

// IncomingMsg carries a text frame received from the gateway.
type IncomingMsg struct {
	Text string
}

// ClosedMsg reports that the connection ended.
type ClosedMsg struct {
	Code   int
	Reason string
	Err    error
}

type sendErrMsg struct {
	err error
}

// Model is the root client TUI model.
type Model struct {
	url      string
	send     SendFunc
	connID   string
	closed   *ClosedMsg
	input    textinput.Model
	viewport viewport.Model
	lines    []string
	width    int
	height   int
	now      func() time.Time
}

// NewModel creates a client model for the gateway at url.
func NewModel(url string, send SendFunc) Model {
	ti := textinput.New()
	ti.Placeholder = "message, or @<conn-id> message"
	ti.Prompt = "› "
	ti.CharLimit = 4096
	ti.Focus()

	return Model{
		url:      url,
		send:     send,
		input:    ti,
		viewport: viewport.New(80, 10),
		now:      time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 6
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-8, 3)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "esc"))):
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
			return m.submit()
		case key.Matches(msg, key.NewBinding(key.WithKeys("pgup", "pgdown"))):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case IncomingMsg:
		if m.connID == "" {
			if id, ok := protocol.ParseAnnouncement(msg.Text); ok {
				m.connID = id
				m.appendLine(tui.Success.Render("connected as " + id))
				return m, nil
			}
		}
		m.appendLine(tui.Incoming.Render(msg.Text))
		return m, nil

	case ClosedMsg:
		m.closed = &msg
		m.appendLine(tui.ErrorStyle.Render(closeLine(msg)))
		return m, nil

	case sendErrMsg:
		m.appendLine(tui.ErrorStyle.Render("send failed: " + msg.err.Error()))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	m.input.Reset()

	env, ok := ParseInput(line)
	if !ok {
		return m, nil
	}
	if m.closed != nil {
		m.appendLine(tui.WarningStyle.Render("not connected"))
		return m, nil
	}
	data, err := protocol.Encode(env)
	if err != nil {
		m.appendLine(tui.ErrorStyle.Render(err.Error()))
		return m, nil
	}

	prefix := tui.Outgoing.Render("you")
	if env.To != "" {
		prefix += " " + tui.Directed.Render("→ "+env.To)
	}
	m.appendLine(prefix + " " + env.Message)

	send := m.send
	return m, func() tea.Msg {
		if err := send(data); err != nil {
			return sendErrMsg{err: err}
		}
		return nil
	}
}

func (m *Model) appendLine(s string) {
	m.lines = append(m.lines, tui.Dimmed.Render(m.now().Format("15:04:05"))+"  "+s)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	connected := m.connID != "" && m.closed == nil
	header := tui.Title.Render("Relay") + "  " + tui.Description.Render(m.url) + "  " +
		tui.StatusDot(connected) + " " + tui.StatusText(connected)
	if m.connID != "" {
		header += "\n" + tui.Dimmed.Render("id: ") + m.connID
	}

	width := m.width - 2
	if width < 20 {
		width = 78
	}
	body := tui.Border.Width(width).Render(m.viewport.View())
	help := tui.Help.Render("enter send · @<id> text directs · pgup/pgdown scroll · esc quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.input.View(), help)
}

// ConnID returns the id the gateway announced, if any.
func (m Model) ConnID() string { return m.connID }

func closeLine(msg ClosedMsg) string {
	switch {
	case msg.Code != 0 && msg.Reason != "":
		return fmt.Sprintf("connection closed (%d): %s", msg.Code, msg.Reason)
	case msg.Code != 0:
		return fmt.Sprintf("connection closed (%d)", msg.Code)
	case msg.Err != nil:
		return "connection lost: " + msg.Err.Error()
	default:
		return "connection closed"
	}
}
