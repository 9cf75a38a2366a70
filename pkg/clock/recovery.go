// ABOUTME: Recovers a hardware clock domain's true rate from driver position reports.
// ABOUTME: A single-pole filter nudges the device clock toward the observed byte rate.
package clock

import "sync"

// recoveryGain controls how far each position report moves the clock toward
// the observed rate. Matches the smoothing used for network peer clocks.
const recoveryGain = 0.1

// Recovery tunes an adjustable clock so it tracks the rate implied by a
// driver's position notifications. The first notification only establishes a
// baseline; each later one measures the cumulative byte rate against nominal
// and filters the clock's ppm toward it.
type Recovery struct {
	mu             sync.Mutex
	clock          *Clock
	bytesPerSecond int64

	primed     bool
	firstMono  int64
	firstBytes int64
	lastMono   int64
	lastBytes  int64
}

// NewRecovery wires rate recovery onto a clock. The clock must be adjustable;
// recovery is never created for monotonic-domain devices.
func NewRecovery(c *Clock, bytesPerSecond int64) *Recovery {
	if !c.Adjustable() {
		panic("clock: recovery requires an adjustable clock")
	}
	if bytesPerSecond <= 0 {
		panic("clock: recovery requires a positive nominal byte rate")
	}
	return &Recovery{clock: c, bytesPerSecond: bytesPerSecond}
}

// AddPositionSample feeds one driver notification: the monotonic time at
// which the running byte position was captured. Samples that do not advance
// time or position are ignored.
func (r *Recovery) AddPositionSample(monoTime, totalBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed {
		r.primed = true
		r.firstMono = monoTime
		r.firstBytes = totalBytes
		r.lastMono = monoTime
		r.lastBytes = totalBytes
		return
	}
	if monoTime <= r.lastMono || totalBytes < r.lastBytes {
		return
	}
	r.lastMono = monoTime
	r.lastBytes = totalBytes

	elapsed := float64(monoTime - r.firstMono)
	moved := float64(totalBytes - r.firstBytes)
	expected := float64(r.bytesPerSecond) * elapsed / 1e9
	if expected <= 0 {
		return
	}
	target := (moved/expected - 1) * 1e6
	if target > MaxRatePPM {
		target = MaxRatePPM
	} else if target < -MaxRatePPM {
		target = -MaxRatePPM
	}

	current := r.clock.RateAdjustmentPPM()
	next := current + recoveryGain*(target-current)
	// Clamping already happened on the target, so the filtered step cannot
	// overshoot the bound. Errors are impossible here: the clock was
	// checked for adjustability at construction.
	_ = r.clock.SetRateAdjustmentPPM(next)
}

// Reset discards the baseline, for example across a stop/start cycle where
// the driver restarts its position counter.
func (r *Recovery) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primed = false
}
