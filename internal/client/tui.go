package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"
)

// TUI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	urlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	connIDStyle = lipgloss.NewStyle().
			Bold(true).
			Width(18)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	durationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(8).
			Align(lipgloss.Right)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(10)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Padding(0, 1)
)

// TUIModel is the Bubbletea model for the tunnl connection dashboard.
type TUIModel struct {
	client   *Client
	conns    []ConnLog
	viewport viewport.Model
	ready    bool
	width    int
	height   int
	quitting bool
	showQR   bool
	flash    string
	maxConns int
}

// NewTUIModel creates a new TUI model for the given client.
func NewTUIModel(client *Client) TUIModel {
	return TUIModel{
		client:   client,
		conns:    make([]ConnLog, 0),
		maxConns: 100,
	}
}

// connMsg is sent when a tunneled connection finishes.
type connMsg ConnLog

// tickMsg is sent periodically to update stats.
type tickMsg time.Time

// Init initializes the TUI model.
func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		tea.EnterAltScreen,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles TUI events.
func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if err := clipboard.WriteAll(m.client.Entrypoint()); err != nil {
				m.flash = "clipboard unavailable"
			} else {
				m.flash = "entrypoint copied"
			}
		case "Q":
			m.showQR = !m.showQR
			m.updateViewport()
		case "x":
			m.conns = make([]ConnLog, 0)
			m.updateViewport()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 6
		footerHeight := 2
		verticalMargins := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMargins)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMargins
		}
		m.updateViewport()

	case connMsg:
		m.conns = append(m.conns, ConnLog(msg))
		if len(m.conns) > m.maxConns {
			m.conns = m.conns[1:]
		}
		m.updateViewport()
		m.viewport.GotoBottom()

	case tickMsg:
		m.flash = ""
		cmds = append(cmds, tickCmd())
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// updateViewport updates the viewport content.
func (m *TUIModel) updateViewport() {
	if !m.ready {
		return
	}

	if m.showQR {
		var qr strings.Builder
		qrterminal.GenerateWithConfig(m.client.Entrypoint(), qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     &qr,
			HalfBlocks: true,
			QuietZone:  1,
		})
		m.viewport.SetContent(qr.String())
		return
	}

	var content strings.Builder
	if len(m.conns) == 0 {
		content.WriteString("\n  Waiting for connections...\n")
	} else {
		for _, c := range m.conns {
			result := okStyle.Render("done")
			if c.Err != nil {
				result = errStyle.Render("error")
			}
			line := fmt.Sprintf("%s  %s  %s  %s  %s\n",
				timestampStyle.Render(c.StartedAt.Format("15:04:05")),
				connIDStyle.Render(c.ConnID),
				result,
				durationStyle.Render(formatDuration(c.Duration)),
				statusBarStyle.Render(formatBytes(c.BytesOut)),
			)
			content.WriteString(line)
		}
	}
	m.viewport.SetContent(content.String())
}

// View renders the TUI.
func (m TUIModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Initializing..."
	}

	title := titleStyle.Render("tunnl Tunnel Active")
	url := urlStyle.Render(m.client.Entrypoint())

	conns, _, bytesOut, connectedAt := m.client.Stats()
	uptime := time.Since(connectedAt).Round(time.Second)
	stats := statusBarStyle.Render(fmt.Sprintf(
		"Connections: %d | Sent: %s | Uptime: %s",
		conns, formatBytes(bytesOut), uptime,
	))
	if m.flash != "" {
		stats += statusBarStyle.Render("  | " + m.flash)
	}

	header := fmt.Sprintf("%s\n%s\n%s\n", title, url, stats)
	help := helpStyle.Render("q: quit | c: copy entrypoint | Q: QR code | x: clear")

	return fmt.Sprintf("%s\n%s\n%s", header, m.viewport.View(), help)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// formatBytes renders a byte count with a unit suffix.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// RunTUI starts the dashboard for the client.
func RunTUI(client *Client) error {
	model := NewTUIModel(client)
	p := tea.NewProgram(model, tea.WithAltScreen())

	client.OnConnection = func(c ConnLog) {
		p.Send(connMsg(c))
	}

	_, err := p.Run()
	return err
}
