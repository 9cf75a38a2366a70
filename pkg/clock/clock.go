// ABOUTME: Reference clocks backed by the host monotonic clock.
// ABOUTME: Adjustable clocks accept bounded ppm tuning that preserves continuity.
package clock

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

const (
	// DomainMonotonic is the clock domain of the host monotonic clock.
	// Devices in this domain never need rate recovery.
	DomainMonotonic uint32 = 0
	// DomainExternal marks a hardware clock with no known relationship to
	// any other clock in the system.
	DomainExternal uint32 = 0xFFFFFFFF

	// MaxRatePPM bounds how far a clock may be tuned from nominal.
	MaxRatePPM = 1000.0
)

// ErrNotAdjustable is returned when tuning a clock that does not allow it.
var ErrNotAdjustable = errors.New("clock: not rate-adjustable")

// NowFunc supplies monotonic time in nanoseconds. Tests inject their own.
type NowFunc func() int64

var processStart = time.Now()

// SystemMonotonic reports nanoseconds of monotonic time since process start.
func SystemMonotonic() int64 {
	return int64(time.Since(processStart))
}

// Clock maps the host monotonic timeline onto a reference timeline. A clock
// starts 1:1 against monotonic time; adjustable clocks can then be tuned in
// parts per million without ever stepping the reference time.
type Clock struct {
	mu         sync.RWMutex
	domain     uint32
	adjustable bool
	now        NowFunc
	ppm        float64
	fn         timeline.Function
	generation uint64
}

// NewMonotonic returns a fixed 1:1 clock in the monotonic domain.
func NewMonotonic(now NowFunc) *Clock {
	return newClock(DomainMonotonic, false, now)
}

// NewAdjustable returns a tunable clock for a hardware clock domain.
func NewAdjustable(domain uint32, now NowFunc) *Clock {
	return newClock(domain, true, now)
}

func newClock(domain uint32, adjustable bool, now NowFunc) *Clock {
	if now == nil {
		now = SystemMonotonic
	}
	return &Clock{
		domain:     domain,
		adjustable: adjustable,
		now:        now,
		fn:         timeline.NewFunction(0, 0, timeline.NewRate(1, 1)),
		generation: 1,
	}
}

// Domain reports the hardware clock domain this clock belongs to.
func (c *Clock) Domain() uint32 {
	return c.domain
}

// Adjustable reports whether SetRateAdjustmentPPM is allowed.
func (c *Clock) Adjustable() bool {
	return c.adjustable
}

// Now returns the current reference time in nanoseconds.
func (c *Clock) Now() int64 {
	c.mu.RLock()
	fn := c.fn
	c.mu.RUnlock()
	return fn.Apply(c.now())
}

// ReferenceFromMonotonic converts a monotonic timestamp to reference time.
func (c *Clock) ReferenceFromMonotonic(mono int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fn.Apply(mono)
}

// MonotonicFromReference converts a reference timestamp to monotonic time.
func (c *Clock) MonotonicFromReference(ref int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fn.ApplyInverse(ref)
}

// Snapshot returns the monotonic-to-reference map with its generation.
func (c *Clock) Snapshot() timeline.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return timeline.Snapshot{Function: c.fn, Generation: c.generation}
}

// RateAdjustmentPPM reports the current tuning in parts per million.
func (c *Clock) RateAdjustmentPPM() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ppm
}

// SetRateAdjustmentPPM retunes the clock. The new rate takes effect from the
// current instant; reference time before it is unchanged, so Now never jumps.
// Values beyond MaxRatePPM are clamped.
func (c *Clock) SetRateAdjustmentPPM(ppm float64) error {
	if !c.adjustable {
		return ErrNotAdjustable
	}
	if ppm > MaxRatePPM {
		ppm = MaxRatePPM
	} else if ppm < -MaxRatePPM {
		ppm = -MaxRatePPM
	}
	mono := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	ref := c.fn.Apply(mono)
	// 1 ppm is 1000 reference nanoseconds per 1e9 monotonic nanoseconds.
	delta := int64(math.Round(ppm * 1000))
	c.fn = timeline.NewFunction(ref, mono, timeline.NewRate(uint32(1e9+delta), 1e9))
	c.ppm = ppm
	c.generation++
	return nil
}
