// ABOUTME: Fire-and-forget counters and rate-limited warning logs.
// ABOUTME: Every call is non-blocking and safe on a nil collector.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/clock"
)

// Metrics collects counters from the audio core. All methods accept a nil
// receiver so callers never have to guard the collector being absent.
type Metrics struct {
	underflows       atomic.Int64
	overflows        atomic.Int64
	mixJobs          atomic.Int64
	framesMixed      atomic.Int64
	packetsCompleted atomic.Int64
	sessionsStarted  atomic.Int64
	sessionsStopped  atomic.Int64
	devicesAdded     atomic.Int64
	devicesRemoved   atomic.Int64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Underflows       int64
	Overflows        int64
	MixJobs          int64
	FramesMixed      int64
	PacketsCompleted int64
	SessionsStarted  int64
	SessionsStopped  int64
	DevicesAdded     int64
	DevicesRemoved   int64
}

func (m *Metrics) AddUnderflow() {
	if m != nil {
		m.underflows.Add(1)
	}
}

func (m *Metrics) AddOverflow() {
	if m != nil {
		m.overflows.Add(1)
	}
}

func (m *Metrics) AddMixJob(frames int64) {
	if m != nil {
		m.mixJobs.Add(1)
		m.framesMixed.Add(frames)
	}
}

func (m *Metrics) AddPacketCompleted() {
	if m != nil {
		m.packetsCompleted.Add(1)
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Add(1)
	}
}

func (m *Metrics) SessionStopped() {
	if m != nil {
		m.sessionsStopped.Add(1)
	}
}

func (m *Metrics) DeviceAdded() {
	if m != nil {
		m.devicesAdded.Add(1)
	}
}

func (m *Metrics) DeviceRemoved() {
	if m != nil {
		m.devicesRemoved.Add(1)
	}
}

// Read returns a copy of the counters. A nil collector reads as zero.
func (m *Metrics) Read() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Underflows:       m.underflows.Load(),
		Overflows:        m.overflows.Load(),
		MixJobs:          m.mixJobs.Load(),
		FramesMixed:      m.framesMixed.Load(),
		PacketsCompleted: m.packetsCompleted.Load(),
		SessionsStarted:  m.sessionsStarted.Load(),
		SessionsStopped:  m.sessionsStopped.Load(),
		DevicesAdded:     m.devicesAdded.Load(),
		DevicesRemoved:   m.devicesRemoved.Load(),
	}
}

// Limiter is a token bucket for log lines. A burst is allowed up front, then
// one line per interval; everything in between is counted as suppressed.
type Limiter struct {
	mu         sync.Mutex
	interval   time.Duration
	burst      int64
	tokens     int64
	last       int64
	suppressed int64
	now        clock.NowFunc
}

// NewLimiter builds a limiter allowing burst lines immediately and one more
// per interval after that.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		interval: interval,
		burst:    int64(burst),
		tokens:   int64(burst),
		now:      clock.SystemMonotonic,
	}
}

// SetNowFunc replaces the monotonic source, for tests.
func (l *Limiter) SetNowFunc(now clock.NowFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.last = now()
}

// Allow reports whether the caller may log now, and how many calls were
// suppressed since the last allowed one.
func (l *Limiter) Allow() (ok bool, suppressed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.last == 0 {
		l.last = now
	}
	if l.interval > 0 {
		refill := (now - l.last) / int64(l.interval)
		if refill > 0 {
			l.tokens += refill
			if l.tokens > l.burst {
				l.tokens = l.burst
			}
			l.last += refill * int64(l.interval)
		}
	} else {
		l.tokens = l.burst
	}

	if l.tokens > 0 {
		l.tokens--
		suppressed = l.suppressed
		l.suppressed = 0
		return true, suppressed
	}
	l.suppressed++
	return false, 0
}
