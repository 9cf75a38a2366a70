// ABOUTME: Tests for the monitor TUI model.
// ABOUTME: Covers status application, rendering, and key handling.
package ui

import (
	"strings"
	"testing"

	"github.com/auricle-audio/auricle-go/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

func TestNewModel(t *testing.T) {
	model := NewModel()

	if model.connected {
		t.Error("expected connected to be false initially")
	}
	if model.haveStatus {
		t.Error("expected no status initially")
	}
	if model.showDetail {
		t.Error("expected showDetail to be false initially")
	}
}

func TestStatusMsgConnected(t *testing.T) {
	model := NewModel()

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected})

	if !model.connected {
		t.Error("expected connected to be true after status update")
	}

	disconnected := false
	model.applyStatus(StatusMsg{Connected: &disconnected})

	if model.connected {
		t.Error("expected connected to be false after disconnect")
	}
}

func TestStatusMsgUpdate(t *testing.T) {
	model := NewModel()

	model.applyStatus(StatusMsg{Update: &protocol.StatusUpdate{
		ServerName: "test-daemon",
		Devices: []protocol.DeviceStatus{{
			Name:    "spk",
			State:   "running",
			Plugged: true,
			Format:  protocol.FormatSpec{SampleFormat: "s16", Channels: 2, Rate: 48000},
			Links:   1,
		}},
		Counters: protocol.Counters{MixJobs: 42},
	}})

	if !model.haveStatus {
		t.Error("expected haveStatus after update")
	}
	if model.serverName != "test-daemon" {
		t.Errorf("expected serverName test-daemon, got %q", model.serverName)
	}
	if model.status.Counters.MixJobs != 42 {
		t.Errorf("expected 42 mix jobs, got %d", model.status.Counters.MixJobs)
	}
}

func TestViewShowsDevicesAndStreams(t *testing.T) {
	model := NewModel()

	connected := true
	model.applyStatus(StatusMsg{Connected: &connected})
	model.applyStatus(StatusMsg{Update: &protocol.StatusUpdate{
		ServerName: "kitchen-auricle",
		Devices: []protocol.DeviceStatus{
			{Name: "spk", State: "running", Plugged: true,
				Format: protocol.FormatSpec{SampleFormat: "s16", Channels: 2, Rate: 48000}, Links: 1},
			{Name: "hdmi", State: "running", Plugged: false,
				Format: protocol.FormatSpec{SampleFormat: "s16", Channels: 2, Rate: 48000}},
		},
		Streams: []protocol.StreamStatus{
			{Client: "play", StreamID: 1, Kind: "render", Usage: "media",
				State: "playing", Device: "spk", GainDb: -6, Depth: 3},
		},
	}})

	view := model.View()

	for _, want := range []string{
		"Connected to kitchen-auricle",
		"spk",
		"s16 2ch 48000",
		"!hdmi",
		"play/1",
		"playing",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestViewEmptySections(t *testing.T) {
	view := NewModel().View()

	if !strings.Contains(view, "(no devices)") {
		t.Error("expected device placeholder")
	}
	if !strings.Contains(view, "(no streams)") {
		t.Error("expected stream placeholder")
	}
	if !strings.Contains(view, "Connecting...") {
		t.Error("expected connecting banner")
	}
}

func TestQuitKey(t *testing.T) {
	model := NewModel()

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
}

func TestDetailToggle(t *testing.T) {
	model := NewModel()

	next, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'d'}})
	m := next.(Model)
	if !m.showDetail {
		t.Error("expected detail after d")
	}

	view := m.View()
	if !strings.Contains(view, "sessions:") {
		t.Error("expected detail row in view")
	}
}

func TestTruncateFunction(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"this is longer than allowed", 10, "this is..."},
		{"", 10, ""},
		{"abcd", 4, "abcd"},
		{"abcde", 4, "a..."},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, expected %q",
				tt.input, tt.maxLen, result, tt.expected)
		}
	}
}

func TestCompactFunction(t *testing.T) {
	tests := []struct {
		n        int64
		expected string
	}{
		{999, "999"},
		{9999, "9999"},
		{48000, "48k"},
		{1_500_000, "1.5M"},
		{2_000_000_000, "2.0G"},
	}

	for _, tt := range tests {
		if got := compact(tt.n); got != tt.expected {
			t.Errorf("compact(%d) = %q, expected %q", tt.n, got, tt.expected)
		}
	}
}
