// ABOUTME: YAML configuration for the daemon: devices, curves, routing.
// ABOUTME: Loaded once at startup; everything handed to the core is immutable.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the control gateway port when the file and flags are silent.
const DefaultPort = 8770

// Config is the resolved daemon configuration.
type Config struct {
	ListenPort int
	MDNS       bool
	Devices    []DeviceProfile
}

// DeviceProfile is the immutable per-device configuration the core reads.
// Zero water marks mean the device defaults; a nil curve means the default
// volume curve.
type DeviceProfile struct {
	Name              string
	Backend           string
	Input             bool
	Path              string
	Address           string
	Format            audio.Format
	Usages            []audio.Usage
	LowWater          time.Duration
	HighWater         time.Duration
	GainDb            float64
	Muted             bool
	IndependentVolume bool
	Pipeline          []string
	Curve             *audio.VolumeCurve
}

// Effects builds a fresh effect chain from the profile's pipeline names.
func (p *DeviceProfile) Effects() ([]mix.Effect, error) {
	if len(p.Pipeline) == 0 {
		return nil, nil
	}
	effects := make([]mix.Effect, 0, len(p.Pipeline))
	for _, name := range p.Pipeline {
		e, err := mix.NewEffect(name)
		if err != nil {
			return nil, err
		}
		effects = append(effects, e)
	}
	return effects, nil
}

type rawFile struct {
	ListenPort int         `yaml:"listen_port"`
	MDNS       *bool       `yaml:"mdns"`
	Devices    []rawDevice `yaml:"devices"`
}

type rawDevice struct {
	Name              string       `yaml:"name"`
	Backend           string       `yaml:"backend"`
	Input             bool         `yaml:"input"`
	Path              string       `yaml:"path"`
	Address           string       `yaml:"address"`
	Format            rawFormat    `yaml:"format"`
	Usages            []string     `yaml:"usages"`
	LowWaterMs        int          `yaml:"low_water_ms"`
	HighWaterMs       int          `yaml:"high_water_ms"`
	GainDb            float64      `yaml:"gain_db"`
	Muted             bool         `yaml:"muted"`
	IndependentVolume bool         `yaml:"independent_volume"`
	Pipeline          []string     `yaml:"pipeline"`
	VolumeCurve       []rawCurvePt `yaml:"volume_curve"`
}

type rawFormat struct {
	SampleFormat string `yaml:"sample_format"`
	Channels     int    `yaml:"channels"`
	Rate         int    `yaml:"rate"`
}

type rawCurvePt struct {
	Volume float64 `yaml:"volume"`
	GainDb float64 `yaml:"gain_db"`
}

// Default is the configuration used when no file is given: the local speaker
// accepting every render usage.
func Default() *Config {
	return &Config{
		ListenPort: DefaultPort,
		MDNS:       true,
		Devices: []DeviceProfile{{
			Name:    "speaker",
			Backend: "speaker",
			Format:  audio.Format{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000},
		}},
	}
}

// Load reads and resolves a YAML config file. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse resolves raw YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var raw rawFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{
		ListenPort: raw.ListenPort,
		MDNS:       true,
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultPort
	}
	if raw.MDNS != nil {
		cfg.MDNS = *raw.MDNS
	}

	seen := make(map[string]bool, len(raw.Devices))
	for i := range raw.Devices {
		p, err := resolveDevice(&raw.Devices[i])
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", raw.Devices[i].Name, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate device name %q", p.Name)
		}
		seen[p.Name] = true
		cfg.Devices = append(cfg.Devices, p)
	}
	return cfg, nil
}

func resolveDevice(raw *rawDevice) (DeviceProfile, error) {
	p := DeviceProfile{
		Name:              raw.Name,
		Backend:           raw.Backend,
		Input:             raw.Input,
		Path:              raw.Path,
		Address:           raw.Address,
		GainDb:            raw.GainDb,
		Muted:             raw.Muted,
		IndependentVolume: raw.IndependentVolume,
		Pipeline:          raw.Pipeline,
		LowWater:          time.Duration(raw.LowWaterMs) * time.Millisecond,
		HighWater:         time.Duration(raw.HighWaterMs) * time.Millisecond,
	}
	if p.Name == "" {
		return p, fmt.Errorf("missing name")
	}

	switch p.Backend {
	case "synthetic", "speaker":
	case "wav":
		if p.Path == "" {
			return p, fmt.Errorf("wav backend needs a path")
		}
	case "net":
		if p.Address == "" {
			return p, fmt.Errorf("net backend needs an address")
		}
	case "":
		return p, fmt.Errorf("missing backend")
	default:
		return p, fmt.Errorf("unknown backend %q", p.Backend)
	}

	var err error
	if p.Format, err = resolveFormat(raw.Format); err != nil {
		return p, err
	}

	for _, s := range raw.Usages {
		u, err := audio.ParseUsage(s)
		if err != nil {
			return p, err
		}
		p.Usages = append(p.Usages, u)
	}

	if (p.LowWater != 0) != (p.HighWater != 0) {
		return p, fmt.Errorf("low_water_ms and high_water_ms must be set together")
	}
	if p.LowWater != 0 && p.HighWater <= p.LowWater {
		return p, fmt.Errorf("high_water_ms must exceed low_water_ms")
	}

	if db := audio.ClampGainDb(p.GainDb); db != p.GainDb {
		return p, fmt.Errorf("gain_db %v out of range", p.GainDb)
	}

	// Resolve the pipeline once so a bad effect name fails at startup, not
	// at device add.
	if _, err := p.Effects(); err != nil {
		return p, err
	}

	if len(raw.VolumeCurve) > 0 {
		pts := make([]audio.CurvePoint, len(raw.VolumeCurve))
		for i, c := range raw.VolumeCurve {
			pts[i] = audio.CurvePoint{Level: c.Volume, GainDb: c.GainDb}
		}
		if p.Curve, err = audio.NewVolumeCurve(pts); err != nil {
			return p, err
		}
	}
	return p, nil
}

func resolveFormat(raw rawFormat) (audio.Format, error) {
	f := audio.Format{
		SampleFormat:    audio.SampleFormatFloat32,
		Channels:        2,
		FramesPerSecond: 48000,
	}
	if raw.SampleFormat != "" {
		sf, err := parseSampleFormat(raw.SampleFormat)
		if err != nil {
			return f, err
		}
		f.SampleFormat = sf
	}
	if raw.Channels != 0 {
		f.Channels = raw.Channels
	}
	if raw.Rate != 0 {
		f.FramesPerSecond = raw.Rate
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

func parseSampleFormat(s string) (audio.SampleFormat, error) {
	switch s {
	case "u8", "unsigned8":
		return audio.SampleFormatUnsigned8, nil
	case "s16", "signed16":
		return audio.SampleFormatSigned16, nil
	case "s24", "signed24":
		return audio.SampleFormatSigned24In32, nil
	case "f32", "float32":
		return audio.SampleFormatFloat32, nil
	}
	return 0, fmt.Errorf("unknown sample format %q", s)
}
