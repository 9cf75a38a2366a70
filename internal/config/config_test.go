// ABOUTME: Tests for YAML config loading and validation.
// ABOUTME: Parses documents from strings; no files needed except Load.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/audio"
)

const sampleYAML = `
listen_port: 9000
mdns: false
devices:
  - name: main
    backend: synthetic
    format:
      sample_format: s16
      rate: 44100
      channels: 2
    usages: [media, background]
    low_water_ms: 10
    high_water_ms: 25
    gain_db: -3
    pipeline: [soft_limit]
    volume_curve:
      - {volume: 0, gain_db: -160}
      - {volume: 1, gain_db: 0}
  - name: mic
    backend: synthetic
    input: true
    usages: [foreground]
`

func TestParseResolvesDevices(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenPort != 9000 {
		t.Errorf("port = %d, want 9000", cfg.ListenPort)
	}
	if cfg.MDNS {
		t.Error("mdns not disabled")
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(cfg.Devices))
	}

	main := cfg.Devices[0]
	if main.Format.SampleFormat != audio.SampleFormatSigned16 || main.Format.FramesPerSecond != 44100 {
		t.Errorf("format = %v", main.Format)
	}
	if len(main.Usages) != 2 || main.Usages[0] != audio.UsageMedia {
		t.Errorf("usages = %v", main.Usages)
	}
	if main.LowWater != 10*time.Millisecond || main.HighWater != 25*time.Millisecond {
		t.Errorf("water marks = %v/%v", main.LowWater, main.HighWater)
	}
	if main.Curve == nil {
		t.Error("curve not resolved")
	}
	effects, err := main.Effects()
	if err != nil || len(effects) != 1 {
		t.Errorf("effects = %v, %v", effects, err)
	}

	mic := cfg.Devices[1]
	if !mic.Input {
		t.Error("mic not an input")
	}
	if mic.Format.SampleFormat != audio.SampleFormatFloat32 {
		t.Errorf("default format = %v", mic.Format)
	}
	if mic.Curve != nil {
		t.Error("absent curve should stay nil")
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown backend", "devices:\n  - {name: x, backend: alsa}", "unknown backend"},
		{"missing backend", "devices:\n  - {name: x}", "missing backend"},
		{"missing name", "devices:\n  - {backend: synthetic}", "missing name"},
		{"wav without path", "devices:\n  - {name: x, backend: wav}", "needs a path"},
		{"net without address", "devices:\n  - {name: x, backend: net}", "needs an address"},
		{"bad usage", "devices:\n  - {name: x, backend: synthetic, usages: [loud]}", "usage"},
		{"bad sample format", "devices:\n  - name: x\n    backend: synthetic\n    format: {sample_format: dsd}", "sample format"},
		{"half water marks", "devices:\n  - {name: x, backend: synthetic, low_water_ms: 10}", "together"},
		{"inverted water marks", "devices:\n  - {name: x, backend: synthetic, low_water_ms: 20, high_water_ms: 10}", "exceed"},
		{"gain out of range", "devices:\n  - {name: x, backend: synthetic, gain_db: 99}", "out of range"},
		{"bad effect", "devices:\n  - {name: x, backend: synthetic, pipeline: [reverb]}", "effect"},
		{"duplicate names", "devices:\n  - {name: x, backend: synthetic}\n  - {name: x, backend: synthetic}", "duplicate"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			if err == nil {
				t.Fatal("no error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Errorf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestParseRejectsNonMonotonicCurve(t *testing.T) {
	doc := `
devices:
  - name: x
    backend: synthetic
    volume_curve:
      - {volume: 0, gain_db: 0}
      - {volume: 1, gain_db: -20}
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("decreasing curve accepted")
	}
}

func TestLoadEmptyPathIsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.ListenPort, DefaultPort)
	}
	if !cfg.MDNS {
		t.Error("default config disables mdns")
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Backend != "speaker" {
		t.Errorf("default devices = %v", cfg.Devices)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auricle.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Devices) != 2 {
		t.Errorf("devices = %d", len(cfg.Devices))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file did not error")
	}
}
