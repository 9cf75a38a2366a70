// ABOUTME: Input device running the inverse capture loop.
// ABOUTME: Wakes on safe-read advances and feeds linked capture pipelines.
package device

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/domain"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/internal/packet"
	"github.com/auricle-audio/auricle-go/internal/telemetry"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// DefaultCapturePeriod is how often an input device sweeps new frames out of
// its ring.
const DefaultCapturePeriod = 10 * time.Millisecond

// Input owns one capture device. Each wake it computes the safe-read span
// and pushes newly arrived frames through every capture link.
type Input struct {
	name        string
	adapter     *Adapter
	dom         *domain.Domain
	metrics     *telemetry.Metrics
	overflowLog *telemetry.Limiter
	source      *ringSource

	mu        sync.Mutex
	links     map[*CaptureLink]struct{}
	period    time.Duration
	running   bool
	wakeTimer *domain.Timer
}

// NewInput builds the capture loop for a Configured adapter.
func NewInput(name string, adapter *Adapter, metrics *telemetry.Metrics) *Input {
	in := &Input{
		name:        name,
		adapter:     adapter,
		dom:         domain.New("input:" + name),
		metrics:     metrics,
		overflowLog: telemetry.NewLimiter(time.Second, 2),
		links:       make(map[*CaptureLink]struct{}),
		period:      DefaultCapturePeriod,
	}
	in.source = &ringSource{in: in}
	return in
}

func (in *Input) Name() string { return in.name }

func (in *Input) Adapter() *Adapter { return in.adapter }

func (in *Input) Domain() *domain.Domain { return in.dom }

// Source exposes the device ring as a readable stream, clipped to the
// safe-read window.
func (in *Input) Source() stream.Readable { return in.source }

// PresentationDelay reports how long after the external sound a captured
// frame becomes readable.
func (in *Input) PresentationDelay() time.Duration {
	f := in.adapter.Format()
	return f.DurationForFrames(in.adapter.FIFOFrames()) + in.adapter.ExternalDelay()
}

// Start starts the transport and arms the sweep loop.
func (in *Input) Start(ctx context.Context) error {
	if err := in.adapter.Start(ctx); err != nil {
		return err
	}
	in.mu.Lock()
	in.running = true
	in.mu.Unlock()
	in.dom.Post(in.wake)
	return nil
}

// Stop disarms the loop and halts the transport.
func (in *Input) Stop(ctx context.Context) error {
	in.mu.Lock()
	in.running = false
	t := in.wakeTimer
	in.wakeTimer = nil
	in.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	return in.adapter.Stop(ctx)
}

// Shutdown tears the device down. Idempotent.
func (in *Input) Shutdown() {
	in.mu.Lock()
	in.running = false
	t := in.wakeTimer
	in.wakeTimer = nil
	in.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	in.dom.Quiesce()
	in.adapter.Cleanup()
}

// CaptureLink carries frames from this device into one capturer's queue,
// resampling from the device format to the capturer format on the way.
type CaptureLink struct {
	queue   *packet.CaptureQueue
	stage   *mix.MixStage
	mixIn   *mix.Input
	started bool
	next    int64
}

// AddLink wires a capturer to this device. capTimeline maps monotonic time
// to capturer frames and may become invertible only once the capturer runs.
func (in *Input) AddLink(q *packet.CaptureQueue, capFormat audio.Format,
	capTimeline func() timeline.Snapshot, g *mix.Gain, sampler mix.SamplerType) *CaptureLink {
	l := &CaptureLink{queue: q}
	l.stage = mix.NewMixStage(capFormat, capTimeline)
	l.mixIn = l.stage.AddInput(in.source, g, sampler)

	in.mu.Lock()
	in.links[l] = struct{}{}
	in.mu.Unlock()
	return l
}

// RemoveLink detaches a capturer. The removal is posted to the sweep domain
// and awaited, so no Deliver can follow it.
func (in *Input) RemoveLink(l *CaptureLink) {
	remove := func() {
		in.mu.Lock()
		delete(in.links, l)
		in.mu.Unlock()
		l.stage.RemoveInput(l.mixIn)
	}
	if !in.dom.PostAndWait(remove) {
		remove()
	}
}

// LinkCount reports the number of attached capturers.
func (in *Input) LinkCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.links)
}

// wake runs one sweep on the device domain.
func (in *Input) wake() {
	in.mu.Lock()
	running := in.running
	period := in.period
	in.mu.Unlock()
	if !running {
		return
	}

	refNow := in.adapter.ReferenceClock().Now()
	in.Sweep(refNow)

	in.mu.Lock()
	if in.running {
		in.wakeTimer = in.dom.PostDelayed(period, in.wake)
	}
	in.mu.Unlock()
}

// Sweep delivers every frame that became safe to read by the given device
// reference time into all links. Exported so tests can drive it directly.
func (in *Input) Sweep(refNow int64) {
	safeRead := in.adapter.SafeReadFrame(refNow)
	if safeRead <= 0 {
		return
	}
	devSnap := in.adapter.PresentationTimeline()
	if !devSnap.Function.Invertible() {
		return
	}

	in.mu.Lock()
	links := make([]*CaptureLink, 0, len(in.links))
	for l := range in.links {
		links = append(links, l)
	}
	in.mu.Unlock()

	monoSafe := devSnap.Function.ApplyInverse(safeRead)
	oldestDev := safeRead - in.adapter.Ring().Frames() + in.adapter.Format().FramesForDuration(in.period)
	for _, l := range links {
		in.sweepLink(l, devSnap, monoSafe, oldestDev)
	}
}

func (in *Input) sweepLink(l *CaptureLink, devSnap timeline.Snapshot, monoSafe, oldestDev int64) {
	capSnap := l.stage.Timeline()
	if !capSnap.Function.Invertible() {
		// Capturer timeline not running yet.
		return
	}
	// Two frames shy of the boundary keeps the linear sampler's lookahead
	// inside the safe window.
	target := capSnap.Function.Apply(monoSafe) - 2
	if !l.started {
		// Anchor at the current safe-read point: capture begins now.
		l.started = true
		l.next = target
		return
	}
	if target <= l.next {
		return
	}

	// Frames older than the ring window are gone; count and skip.
	monoOldest := devSnap.Function.ApplyInverse(oldestDev)
	if minDst := capSnap.Function.Apply(monoOldest); l.next < minDst {
		lost := minDst - l.next
		in.metrics.AddOverflow()
		if ok, suppressed := in.overflowLog.Allow(); ok {
			log.Printf("Warning: input %s overflow: %d capture frames lost (%d suppressed)",
				in.name, lost, suppressed)
		}
		l.next = minDst
	}

	for l.next < target {
		b := l.stage.ReadLock(l.next, target-l.next)
		if b == nil {
			break
		}
		refTime := capSnap.Function.ApplyInverse(b.Start)
		l.queue.Deliver(b.Start, refTime, b.Data)
		l.next = b.End()
		b.Unlock()
	}
}

// ringSource adapts the capture ring to the stream contract. Reads are
// clipped to the currently safe window; Trim is a no-op because the hardware
// reclaims ring space on its own.
type ringSource struct {
	in *Input
}

func (s *ringSource) Format() audio.Format { return s.in.adapter.Format() }

func (s *ringSource) Timeline() timeline.Snapshot { return s.in.adapter.PresentationTimeline() }

func (s *ringSource) ReadLock(from, frames int64) *stream.Buffer {
	a := s.in.adapter
	refNow := a.ReferenceClock().Now()
	safeRead := a.SafeReadFrame(refNow)
	minAvail := safeRead - a.Ring().Frames() + a.Format().FramesForDuration(s.in.period)

	lo, hi := from, from+frames
	if lo < minAvail {
		lo = minAvail
	}
	if hi > safeRead {
		hi = safeRead
	}
	if hi <= lo {
		return nil
	}
	data := make([]float32, (hi-lo)*int64(a.Format().Channels))
	a.Ring().ReadInto(lo, hi-lo, data)
	return stream.NewBuffer(lo, hi-lo, data, nil)
}

func (s *ringSource) Trim(int64) {}
