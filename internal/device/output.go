// ABOUTME: Output device running the periodic mix scheduler.
// ABOUTME: Low/high-water flow control decides each job span; never blocks.
package device

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/domain"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/internal/telemetry"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
)

const (
	// DefaultLowWater is the minimum unread audio the ring should hold;
	// DefaultHighWater is the fill target. Each wake mixes up to the high
	// water mark and sleeps for the difference.
	DefaultLowWater  = 20 * time.Millisecond
	DefaultHighWater = 30 * time.Millisecond
)

// MixJob is one span of ring frames to produce between StartMixJob and
// FinishMixJob.
type MixJob struct {
	Start  int64
	Length int64
	// Silent means fill the span with silence without reading the pipeline.
	Silent bool
	// Discontinuity marks that the span starts past where the previous job
	// ended, following an underflow skip.
	Discontinuity bool
}

// End reports the frame one past the span.
func (j *MixJob) End() int64 { return j.Start + j.Length }

// Output owns one render device: its adapter, its mix domain, and the
// pipeline feeding the ring. All ring writes happen on the mix domain.
type Output struct {
	name         string
	adapter      *Adapter
	dom          *domain.Domain
	metrics      *telemetry.Metrics
	underflowLog *telemetry.Limiter

	mu              sync.Mutex
	stage           *mix.MixStage
	pipeline        stream.Readable
	linkGains       map[*mix.Input]*mix.Gain
	deviceGainDb    float64
	deviceMuted     bool
	lowWater        time.Duration
	highWater       time.Duration
	lowWaterFrames  int64
	highWaterFrames int64
	running         bool
	haveNext        bool
	nextWrite       int64
	jobOpen         bool
	underflows      int64
	wakeTimer       *domain.Timer
}

// NewOutput builds the scheduler for a Configured adapter.
func NewOutput(name string, adapter *Adapter, metrics *telemetry.Metrics) *Output {
	o := &Output{
		name:         name,
		adapter:      adapter,
		dom:          domain.New("output:" + name),
		metrics:      metrics,
		underflowLog: telemetry.NewLimiter(time.Second, 2),
		linkGains:    make(map[*mix.Input]*mix.Gain),
		lowWater:     DefaultLowWater,
		highWater:    DefaultHighWater,
	}
	o.stage = mix.NewMixStage(adapter.Format(), adapter.PresentationTimeline)
	o.pipeline = o.stage
	o.recomputeWaterFramesLocked()
	return o
}

func (o *Output) Name() string { return o.name }

func (o *Output) Adapter() *Adapter { return o.adapter }

func (o *Output) Domain() *domain.Domain { return o.dom }

// SetWaterMarks replaces the flow-control levels. Call before Start.
func (o *Output) SetWaterMarks(low, high time.Duration) {
	if low <= 0 || high <= low {
		log.Printf("Warning: output %s: ignoring water marks low=%v high=%v", o.name, low, high)
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lowWater, o.highWater = low, high
	o.recomputeWaterFramesLocked()
}

func (o *Output) recomputeWaterFramesLocked() {
	f := o.adapter.Format()
	o.lowWaterFrames = f.FramesForDuration(o.lowWater)
	o.highWaterFrames = f.FramesForDuration(o.highWater)
}

// Start starts the transport and arms the mix loop.
func (o *Output) Start(ctx context.Context) error {
	if err := o.adapter.Start(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.running = true
	o.haveNext = false
	o.mu.Unlock()
	o.dom.Post(o.wake)
	return nil
}

// Stop disarms the loop and halts the transport.
func (o *Output) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.running = false
	t := o.wakeTimer
	o.wakeTimer = nil
	o.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	return o.adapter.Stop(ctx)
}

// Shutdown tears the device down: loop, domain, then adapter. Idempotent.
func (o *Output) Shutdown() {
	o.mu.Lock()
	o.running = false
	t := o.wakeTimer
	o.wakeTimer = nil
	o.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
	o.dom.Quiesce()
	o.adapter.Cleanup()
}

// wake runs one scheduler pass on the mix domain.
func (o *Output) wake() {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}

	refNow := o.adapter.ReferenceClock().Now()
	job, wakeAt := o.StartMixJob(refNow)
	if job != nil {
		if job.Silent {
			o.WriteMixOutput(job.Start, job.Length, nil)
		} else {
			o.mixSpan(job)
		}
		o.FinishMixJob(job)
	}
	o.trimPipeline()
	o.rearm(wakeAt)
}

// StartMixJob decides what the pass should produce at the given device
// reference time. It returns nil for a trim-only pass; a non-zero second
// result is an explicit monotonic wake time that overrides the usual period.
func (o *Output) StartMixJob(refNow int64) (*MixJob, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.jobOpen {
		panic("device: StartMixJob while a job is open")
	}

	safeWrite := o.adapter.SafeWriteFrame(refNow)
	if !o.haveNext {
		// First pass after start: begin at the first safe write position.
		o.haveNext = true
		o.nextWrite = safeWrite
	}

	discont := false
	if o.nextWrite < safeWrite {
		missed := safeWrite - o.nextWrite
		o.underflows++
		o.metrics.AddUnderflow()
		if ok, suppressed := o.underflowLog.Allow(); ok {
			log.Printf("Warning: output %s underflow: %d frames behind the safe write position (%d suppressed)",
				o.name, missed, suppressed)
		}
		o.nextWrite = safeWrite + o.lowWaterFrames
		discont = true
	}

	target := o.adapter.SafeWriteFrame(refNow + int64(o.highWater))
	if target <= o.nextWrite {
		// Woken early relative to the safe write position: repost for the
		// time the fill target reaches the pending write position.
		wakeRef := o.adapter.RefTimeForSafeWrite(o.nextWrite) - int64(o.highWater)
		if wakeRef <= refNow {
			wakeRef = refNow + int64(time.Millisecond)
		}
		return nil, o.adapter.ReferenceClock().MonotonicFromReference(wakeRef)
	}
	// Never write more than a ring past the hardware pointer.
	if maxTarget := safeWrite - o.adapter.FIFOFrames() + o.adapter.Ring().Frames(); target > maxTarget {
		target = maxTarget
	}

	o.jobOpen = true
	return &MixJob{
		Start:         o.nextWrite,
		Length:        target - o.nextWrite,
		Silent:        o.deviceMuted || o.stage.InputCount() == 0,
		Discontinuity: discont,
	}, 0
}

// mixSpan pulls pipeline leases across the job span, silence-filling gaps.
func (o *Output) mixSpan(job *MixJob) {
	o.mu.Lock()
	p := o.pipeline
	o.mu.Unlock()

	covered, end := job.Start, job.End()
	for covered < end {
		b := p.ReadLock(covered, end-covered)
		if b == nil {
			o.WriteMixOutput(covered, end-covered, nil)
			return
		}
		if b.Start > covered {
			o.WriteMixOutput(covered, b.Start-covered, nil)
		}
		o.WriteMixOutput(b.Start, b.Frames, b.Data)
		covered = b.End()
		b.Unlock()
	}
}

// WriteMixOutput encodes one sub-range into the ring; nil data is silence.
func (o *Output) WriteMixOutput(start, frames int64, data []float32) {
	ring := o.adapter.Ring()
	f := ring.Format()
	ch := int64(f.Channels)
	for off := int64(0); off < frames; {
		wb := ring.WriteLock(start+off, frames-off)
		if data == nil {
			audio.FillSilence(f.SampleFormat, wb.Bytes)
		} else {
			audio.EncodeFromFloat32(f.SampleFormat, data[off*ch:(off+wb.Frames)*ch], wb.Bytes)
		}
		off += wb.Frames
		wb.Unlock()
	}
}

// FinishMixJob closes the job and advances the write position. Exactly one
// call per non-nil StartMixJob result.
func (o *Output) FinishMixJob(job *MixJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.jobOpen {
		panic("device: FinishMixJob without an open job")
	}
	o.jobOpen = false
	o.nextWrite = job.End()
	o.metrics.AddMixJob(job.Length)
}

// trimPipeline releases everything the device has consumed so far. This is
// what keeps packet completions flowing even for silent passes.
func (o *Output) trimPipeline() {
	o.mu.Lock()
	p, have, next := o.pipeline, o.haveNext, o.nextWrite
	o.mu.Unlock()
	if have {
		p.Trim(next)
	}
}

func (o *Output) rearm(wakeAtMono int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	if wakeAtMono > 0 {
		o.wakeTimer = o.dom.PostAt(wakeAtMono, o.wake)
	} else {
		o.wakeTimer = o.dom.PostDelayed(o.highWater-o.lowWater, o.wake)
	}
}

// AddSource links a render stream into the device mix. The device software
// gain is folded into the link gain.
func (o *Output) AddSource(src stream.Readable, g *mix.Gain, sampler mix.SamplerType) *mix.Input {
	o.mu.Lock()
	defer o.mu.Unlock()
	g.SetDeviceGainDb(o.deviceGainDb)
	in := o.stage.AddInput(src, g, sampler)
	o.linkGains[in] = g
	return in
}

// RemoveSource unlinks a stream. The removal is posted to the mix domain and
// awaited, so no ReadLock can land on the source afterwards.
func (o *Output) RemoveSource(in *mix.Input) {
	o.mu.Lock()
	delete(o.linkGains, in)
	o.mu.Unlock()
	if !o.dom.PostAndWait(func() { o.stage.RemoveInput(in) }) {
		o.stage.RemoveInput(in)
	}
}

// SourceCount reports the number of linked streams.
func (o *Output) SourceCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage.InputCount()
}

// SetDeviceGain applies the device software gain and mute. Muting keeps the
// schedule running with silent jobs, so upstream consumption continues.
func (o *Output) SetDeviceGain(db float64, muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deviceGainDb = audio.ClampGainDb(db)
	o.deviceMuted = muted
	for _, g := range o.linkGains {
		g.SetDeviceGainDb(o.deviceGainDb)
	}
}

// DeviceGain reports the device software gain and mute.
func (o *Output) DeviceGain() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deviceGainDb, o.deviceMuted
}

// UpdatePipeline swaps the effect chain between the mix stage and the ring.
// The swap runs on the mix domain so no pass sees a half-built pipeline.
func (o *Output) UpdatePipeline(effects []mix.Effect) {
	swap := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if len(effects) == 0 {
			o.pipeline = o.stage
		} else {
			o.pipeline = mix.NewEffectStage(o.stage, effects)
		}
	}
	if !o.dom.PostAndWait(swap) {
		swap()
	}
}

// MinLeadTime reports how far ahead of presentation a renderer must submit
// for this device: the fill target plus FIFO and external latency.
func (o *Output) MinLeadTime() time.Duration {
	o.mu.Lock()
	high := o.highWater
	o.mu.Unlock()
	f := o.adapter.Format()
	return high + f.DurationForFrames(o.adapter.FIFOFrames()) + o.adapter.ExternalDelay()
}

// Underflows reports how many times the scheduler fell behind.
func (o *Output) Underflows() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.underflows
}
