// ABOUTME: TUI initialization and control.
// ABOUTME: Wraps the bubbletea program for the daemon monitor.
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// NewProgram builds the monitor program. The caller feeds it StatusMsg
// values and runs it.
func NewProgram() *tea.Program {
	return tea.NewProgram(NewModel(), tea.WithAltScreen())
}
