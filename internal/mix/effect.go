// ABOUTME: Opaque effect stages applied to mixed windows.
// ABOUTME: Effects transform frames in place and may declare added latency.
package mix

import (
	"fmt"
	"math"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// Effect is one processing stage in a device pipeline. Implementations run
// on the mix domain and must not block.
type Effect interface {
	Name() string
	// Process transforms one mix window in place.
	Process(data []float32, frames int, format audio.Format)
	// Latency reports frames of delay the effect introduces, counted into
	// stream lead times.
	Latency() int64
}

// EffectStage runs an ordered effect chain over another readable's windows.
type EffectStage struct {
	src     stream.Readable
	effects []Effect
}

// NewEffectStage wraps src. An empty chain is legal and passes through.
func NewEffectStage(src stream.Readable, effects []Effect) *EffectStage {
	return &EffectStage{src: src, effects: effects}
}

// Format implements stream.Readable.
func (s *EffectStage) Format() audio.Format {
	return s.src.Format()
}

// Timeline implements stream.Readable.
func (s *EffectStage) Timeline() timeline.Snapshot {
	return s.src.Timeline()
}

// ReadLock implements stream.Readable, processing whatever the source
// produced. Silence stays silence without running the chain.
func (s *EffectStage) ReadLock(from, frames int64) *stream.Buffer {
	b := s.src.ReadLock(from, frames)
	if b == nil {
		return nil
	}
	for _, e := range s.effects {
		e.Process(b.Data, int(b.Frames), s.src.Format())
	}
	return b
}

// Trim implements stream.Readable.
func (s *EffectStage) Trim(frame int64) {
	s.src.Trim(frame)
}

// Latency sums the chain's declared delay.
func (s *EffectStage) Latency() int64 {
	var total int64
	for _, e := range s.effects {
		total += e.Latency()
	}
	return total
}

// NewEffect builds a builtin effect by name, as referenced from device
// pipeline configuration.
func NewEffect(name string) (Effect, error) {
	switch name {
	case "soft_limit":
		return SoftLimiter{}, nil
	case "passthrough":
		return Passthrough{}, nil
	default:
		return nil, fmt.Errorf("mix: unknown effect %q", name)
	}
}

// SoftLimiter bends peaks above its knee back under full scale.
type SoftLimiter struct{}

const limiterKnee = 0.95

func (SoftLimiter) Name() string { return "soft_limit" }

func (SoftLimiter) Latency() int64 { return 0 }

func (SoftLimiter) Process(data []float32, frames int, format audio.Format) {
	for i := range data {
		x := float64(data[i])
		switch {
		case x > limiterKnee:
			data[i] = float32(limiterKnee + (1-limiterKnee)*math.Tanh((x-limiterKnee)/(1-limiterKnee)))
		case x < -limiterKnee:
			data[i] = float32(-limiterKnee - (1-limiterKnee)*math.Tanh((-x-limiterKnee)/(1-limiterKnee)))
		}
	}
}

// Passthrough leaves windows untouched; it exists so pipelines can be
// configured and tested end to end without changing the audio.
type Passthrough struct{}

func (Passthrough) Name() string { return "passthrough" }

func (Passthrough) Latency() int64 { return 0 }

func (Passthrough) Process(data []float32, frames int, format audio.Format) {}
