// ABOUTME: Tests for mDNS discovery manager.
// ABOUTME: Covers construction, entry parsing, and device dedup.
package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
)

func TestNewManager(t *testing.T) {
	m := NewManager(Config{Name: "test-daemon", Port: 8770})
	defer m.Stop()

	if m.config.Name != "test-daemon" {
		t.Errorf("expected name test-daemon, got %s", m.config.Name)
	}
	if m.config.Port != 8770 {
		t.Errorf("expected port 8770, got %d", m.config.Port)
	}
	if m.devices == nil {
		t.Error("devices channel not initialized")
	}
}

func TestInstanceName(t *testing.T) {
	tests := []struct {
		full string
		want string
	}{
		{"kitchen._auricle-dev._tcp.local.", "kitchen"},
		{"living\\ room._auricle-dev._tcp.local.", "living room"},
		{"bare-name", "bare-name"},
	}

	for _, tt := range tests {
		if got := instanceName(tt.full); got != tt.want {
			t.Errorf("instanceName(%q) = %q, want %q", tt.full, got, tt.want)
		}
	}
}

func TestHandleEntryDedups(t *testing.T) {
	m := NewManager(Config{Name: "test", Port: 8770})
	defer m.Stop()

	entry := &mdns.ServiceEntry{
		Name:   "speaker._auricle-dev._tcp.local.",
		AddrV4: net.ParseIP("192.168.1.50"),
		Port:   9000,
	}

	m.handleEntry(entry)
	m.handleEntry(entry)

	select {
	case dev := <-m.Devices():
		if dev.Name != "speaker" {
			t.Errorf("expected name speaker, got %s", dev.Name)
		}
		if dev.Addr() != "192.168.1.50:9000" {
			t.Errorf("expected addr 192.168.1.50:9000, got %s", dev.Addr())
		}
	default:
		t.Fatal("expected a discovered device")
	}

	select {
	case dev := <-m.Devices():
		t.Errorf("duplicate entry surfaced twice: %v", dev)
	default:
	}

	m.Forget("192.168.1.50:9000")
	m.handleEntry(entry)

	select {
	case <-m.Devices():
	default:
		t.Error("expected device to surface again after Forget")
	}
}

func TestHandleEntrySkipsAddressless(t *testing.T) {
	m := NewManager(Config{Name: "test", Port: 8770})
	defer m.Stop()

	m.handleEntry(&mdns.ServiceEntry{Name: "ghost._auricle-dev._tcp.local.", Port: 9000})

	select {
	case dev := <-m.Devices():
		t.Errorf("addressless entry surfaced: %v", dev)
	default:
	}
}
