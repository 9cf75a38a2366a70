// ABOUTME: Bubbletea model for the daemon monitor TUI.
// ABOUTME: Renders devices, streams, and counters from status updates.
package ui

import (
	"fmt"

	"github.com/auricle-audio/auricle-go/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

const innerWidth = 66

// Model is the TUI state: the last status update plus connection bookkeeping.
type Model struct {
	connected  bool
	serverName string
	errText    string

	status     protocol.StatusUpdate
	haveStatus bool

	showDetail bool

	width  int
	height int
}

// NewModel creates an empty monitor model.
func NewModel() Model {
	return Model{}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	s := m.renderHeader()
	s += m.renderDevices()
	s += m.renderStreams()
	s += m.renderCounters()
	s += m.renderHelp()
	return s
}

func (m Model) renderHeader() string {
	status := "Connecting..."
	switch {
	case m.errText != "":
		status = truncate("Error: "+m.errText, innerWidth)
	case m.connected && m.serverName != "":
		status = fmt.Sprintf("Connected to %s", m.serverName)
	case m.connected:
		status = "Connected"
	case m.haveStatus:
		status = "Disconnected"
	}

	return "┌─ Auricle " + rule(innerWidth-9) + "┐\n" + row(status)
}

func (m Model) renderDevices() string {
	s := divider("Devices")
	if !m.haveStatus || len(m.status.Devices) == 0 {
		return s + row("(no devices)")
	}
	for _, d := range m.status.Devices {
		dir := "out"
		if d.IsInput {
			dir = "in"
		}
		mark := " "
		if !d.Plugged {
			mark = "!"
		}
		line := fmt.Sprintf("%s%-12s %-3s %-16s %-9s %+7.1fppm  links:%d",
			mark, truncate(d.Name, 12), dir, formatName(d.Format), d.State, d.RatePPM, d.Links)
		if d.Underflows > 0 {
			line += fmt.Sprintf("  uf:%d", d.Underflows)
		}
		s += row(line)
	}
	return s
}

func (m Model) renderStreams() string {
	s := divider("Streams")
	if !m.haveStatus || len(m.status.Streams) == 0 {
		return s + row("(no streams)")
	}
	for _, st := range m.status.Streams {
		device := st.Device
		if device == "" {
			device = "-"
		}
		gain := fmt.Sprintf("%+5.1fdB", st.GainDb)
		if st.Muted {
			gain = " muted"
		}
		line := fmt.Sprintf("%-16s %-7s %-13s %-9s %-10s %s  depth:%d",
			truncate(fmt.Sprintf("%s/%d", st.Client, st.StreamID), 16),
			st.Kind, st.Usage, st.State, truncate(device, 10), gain, st.Depth)
		s += row(line)
	}
	return s
}

func (m Model) renderCounters() string {
	c := m.status.Counters
	s := divider("Counters")
	s += row(fmt.Sprintf("underflows:%d  overflows:%d  jobs:%d  frames:%s  packets:%d",
		c.Underflows, c.Overflows, c.MixJobs, compact(c.FramesMixed), c.PacketsCompleted))
	if m.showDetail {
		s += row(fmt.Sprintf("sessions:%d/%d  devices:%d/%d",
			c.SessionsStarted, c.SessionsStopped, c.DevicesAdded, c.DevicesRemoved))
	}
	return s
}

func (m Model) renderHelp() string {
	return row("q:Quit  d:Detail") + "└" + rule(innerWidth+2) + "┘\n"
}

// handleKey handles keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "d":
		m.showDetail = !m.showDetail
	}

	return m, nil
}

// applyStatus updates model from a status message.
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.Err != "" {
		m.errText = msg.Err
	}
	if msg.Update != nil {
		m.status = *msg.Update
		m.haveStatus = true
		if msg.Update.ServerName != "" {
			m.serverName = msg.Update.ServerName
		}
	}
}

// StatusMsg updates TUI state.
type StatusMsg struct {
	Connected *bool
	Err       string
	Update    *protocol.StatusUpdate
}

// Utility functions

func row(text string) string {
	return fmt.Sprintf("│ %-*s │\n", innerWidth, truncate(text, innerWidth))
}

func divider(label string) string {
	return "├─ " + label + " " + rule(innerWidth-len(label)-2) + "┤\n"
}

func rule(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += "─"
	}
	return s
}

func formatName(f protocol.FormatSpec) string {
	if f.Rate == 0 {
		return "-"
	}
	return fmt.Sprintf("%s %dch %d", f.SampleFormat, f.Channels, f.Rate)
}

func compact(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fG", float64(n)/1_000_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.0fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
