// ABOUTME: Per-stream gain control folding volume, stream, adjustment, and device stages.
// ABOUTME: Ramps are linear in amplitude scale; a new command supersedes an active ramp.
package mix

import (
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// Gain folds the ordered gain stages of one stream: the volume curve, the
// stream gain (the one ramps act on), a usage adjustment, and the device
// gain. The folded value clamps into [MutedGainDb, MaxGainDb] and is
// re-evaluated once per mix pass.
type Gain struct {
	mu    sync.Mutex
	curve *audio.VolumeCurve
	fps   int

	volume   float64
	streamDb float64
	adjustDb float64
	deviceDb float64
	muted    bool

	// Ramp over the stream stage's amplitude scale. The ramp anchors to
	// the first mix pass that evaluates it.
	rampActive bool
	rampAnchor int64
	rampFrames int64
	rampFrom   float32
	rampTo     float32
}

// NewGain builds a unity gain control. The frame rate converts ramp
// durations into destination frames.
func NewGain(curve *audio.VolumeCurve, framesPerSecond int) *Gain {
	if curve == nil {
		curve = audio.DefaultVolumeCurve(audio.DefaultCurveMinGainDb)
	}
	return &Gain{curve: curve, fps: framesPerSecond, volume: 1}
}

// SetCurve swaps the volume curve, re-mapping the volume stage. A nil curve
// restores the default. Devices with their own curve apply it on link add.
func (g *Gain) SetCurve(curve *audio.VolumeCurve) {
	if curve == nil {
		curve = audio.DefaultVolumeCurve(audio.DefaultCurveMinGainDb)
	}
	g.mu.Lock()
	g.curve = curve
	g.mu.Unlock()
}

// SetVolume moves the volume stage through the curve.
func (g *Gain) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	g.mu.Lock()
	g.volume = volume
	g.mu.Unlock()
}

// SetGainDb sets the stream stage instantly, superseding any ramp.
func (g *Gain) SetGainDb(db float64) {
	g.mu.Lock()
	g.streamDb = db
	g.rampActive = false
	g.mu.Unlock()
}

// SetGainWithRamp slides the stream stage to endDb over the duration,
// linearly in amplitude. It supersedes any ramp already in flight.
func (g *Gain) SetGainWithRamp(endDb float64, d time.Duration) {
	frames := timelineFrames(g.fps, d)
	g.mu.Lock()
	if frames <= 0 {
		g.streamDb = endDb
		g.rampActive = false
		g.mu.Unlock()
		return
	}
	g.rampFrom = g.currentStreamScaleLocked()
	g.rampTo = audio.ScaleFromDb(endDb)
	g.rampActive = true
	g.rampAnchor = -1
	g.rampFrames = frames
	g.streamDb = endDb
	g.mu.Unlock()
}

// SetMute silences the stream without disturbing the staged gains.
func (g *Gain) SetMute(muted bool) {
	g.mu.Lock()
	g.muted = muted
	g.mu.Unlock()
}

// SetGainAdjustmentDb sets the usage adjustment stage.
func (g *Gain) SetGainAdjustmentDb(db float64) {
	g.mu.Lock()
	g.adjustDb = db
	g.mu.Unlock()
}

// SetDeviceGainDb sets the device stage.
func (g *Gain) SetDeviceGainDb(db float64) {
	g.mu.Lock()
	g.deviceDb = db
	g.mu.Unlock()
}

// GainDb reports the folded end-state gain, clamped.
func (g *Gain) GainDb() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return audio.ClampGainDb(g.curve.DbFromVolume(g.volume) + g.streamDb + g.adjustDb + g.deviceDb)
}

// IsSilent reports whether the stream contributes nothing to a mix.
func (g *Gain) IsSilent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.muted {
		return true
	}
	if g.rampActive {
		return false
	}
	return g.curve.DbFromVolume(g.volume)+g.streamDb+g.adjustDb+g.deviceDb <= audio.MutedGainDb
}

// ScaleForFrames evaluates the gain for the mix pass covering
// [frame, frame+count). With no ramp in flight it returns a constant scale
// and ramp=false. During a ramp it fills out[0:count] per frame and returns
// ramp=true; out must hold count entries.
func (g *Gain) ScaleForFrames(frame, count int64, out []float32) (scale float32, ramp bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.muted {
		return 0, false
	}
	other := g.otherScaleLocked()
	if !g.rampActive {
		return clampScale(other * audio.ScaleFromDb(g.streamDb)), false
	}

	if g.rampAnchor < 0 {
		g.rampAnchor = frame
	}
	span := float32(g.rampFrames)
	for i := int64(0); i < count; i++ {
		t := float32(frame+i-g.rampAnchor) / span
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		out[i] = clampScale(other * (g.rampFrom + t*(g.rampTo-g.rampFrom)))
	}
	if frame+count >= g.rampAnchor+g.rampFrames {
		g.rampActive = false
	}
	return 0, true
}

// currentStreamScaleLocked reports the stream stage's scale right now, which
// mid-ramp is wherever the last evaluated pass left it.
func (g *Gain) currentStreamScaleLocked() float32 {
	if !g.rampActive {
		return audio.ScaleFromDb(g.streamDb)
	}
	// Superseding an unanchored or just-started ramp restarts from its
	// origin; precise mid-ramp position is re-evaluated by the next pass.
	return g.rampFrom
}

// otherScaleLocked folds every stage except the stream one.
func (g *Gain) otherScaleLocked() float32 {
	return audio.ScaleFromDb(g.curve.DbFromVolume(g.volume) + g.adjustDb + g.deviceDb)
}

func clampScale(s float32) float32 {
	max := audio.ScaleFromDb(audio.MaxGainDb)
	if s > max {
		return max
	}
	return s
}

func timelineFrames(fps int, d time.Duration) int64 {
	return timeline.FramesPerSecond(fps).Scale(int64(d))
}
