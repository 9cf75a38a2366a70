// ABOUTME: One capture stream: receptacle queue, gain, capture-frame timeline.
// ABOUTME: Implements the route graph's capture client and every capture operation.
package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/internal/packet"
	"github.com/auricle-audio/auricle-go/internal/route"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// Capturer is one client capture stream. The route graph links a device
// input to its receptacle queue; filled receptacles come back through the
// event sink with their bytes.
type Capturer struct {
	svc    *Service
	name   string
	usage  audio.Usage
	events CaptureEvents
	store  *packet.PayloadStore

	mu         sync.Mutex
	format     audio.Format
	haveFormat bool
	queue      *packet.CaptureQueue
	gain       *mix.Gain
	buffers    int
	fn         timeline.Function
	generation uint64
	muted      bool
	in         *device.Input
	delay      time.Duration
	id         route.NodeID
	closed     bool
}

func newCapturer(svc *Service, name string, usage audio.Usage, events CaptureEvents) *Capturer {
	if events == nil {
		events = nopCaptureEvents{}
	}
	return &Capturer{
		svc:    svc,
		name:   name,
		usage:  usage,
		events: events,
		store:  packet.NewPayloadStore(),
		// Frame zero does not advance until the first device link.
		fn:         timeline.NewFunction(0, 0, timeline.Rate{SubjectDelta: 0, ReferenceDelta: 1}),
		generation: 1,
	}
}

// Name implements route.CaptureClient.
func (c *Capturer) Name() string { return c.name }

// Usage implements route.CaptureClient.
func (c *Capturer) Usage() audio.Usage { return c.usage }

// Routable implements route.CaptureClient.
func (c *Capturer) Routable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haveFormat && c.buffers > 0 && !c.closed
}

// Queue implements route.CaptureClient.
func (c *Capturer) Queue() *packet.CaptureQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Format implements route.CaptureClient.
func (c *Capturer) Format() audio.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.format
}

// LinkGain implements route.CaptureClient.
func (c *Capturer) LinkGain() *mix.Gain {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

// TimelineSnapshot implements route.CaptureClient: the map from monotonic
// time to capture frames. It becomes invertible on the first device link and
// then advances at the capture rate regardless of device switches.
func (c *Capturer) TimelineSnapshot() timeline.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return timeline.Snapshot{Function: c.fn, Generation: c.generation}
}

// OnLinkAdded implements route.CaptureClient.
func (c *Capturer) OnLinkAdded(in *device.Input) {
	if in == nil {
		c.mu.Lock()
		c.in = nil
		c.delay = 0
		c.mu.Unlock()
		return
	}
	delay := in.PresentationDelay()
	c.mu.Lock()
	c.in = in
	c.delay = delay
	if !c.fn.Invertible() {
		c.fn = timeline.NewFunction(0, c.svc.now(), c.format.Rate())
		c.generation++
	}
	c.mu.Unlock()
}

// SetFormat fixes the capture format and builds the receptacle queue.
func (c *Capturer) SetFormat(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.haveFormat {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s already negotiated", ErrFormatSet, c.format)
	}
	c.format = f
	c.haveFormat = true
	c.queue = packet.NewCaptureQueue(f, c.store, c.produced)
	c.gain = mix.NewGain(nil, f.FramesPerSecond)
	if c.muted {
		c.gain.SetMute(true)
	}
	c.mu.Unlock()
	c.svc.graph.Reevaluate()
	return nil
}

// produced runs on the device sweep domain for every finished receptacle.
func (c *Capturer) produced(p packet.CapturePacket) {
	if p.Cancelled {
		c.events.OnPacketProduced(p, nil)
		return
	}
	src, err := c.store.Acquire(p.BufferID, p.Offset, p.Size)
	if err != nil {
		log.Printf("Warning: capture packet for %s lost, buffer %d gone: %v", c.name, p.BufferID, err)
		return
	}
	data := make([]byte, len(src))
	copy(data, src)
	c.store.Release(p.BufferID)
	c.events.OnPacketProduced(p, data)
}

// AddPayloadBuffer registers a shared payload region under the given id.
func (c *Capturer) AddPayloadBuffer(id uint32, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	if err := c.store.Add(id, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.buffers++
	c.mu.Unlock()
	c.svc.graph.Reevaluate()
	return nil
}

// RemovePayloadBuffer drops a payload region once no receptacle pins it.
func (c *Capturer) RemovePayloadBuffer(id uint32) error {
	if err := c.store.Remove(id); err != nil {
		return err
	}
	c.mu.Lock()
	c.buffers--
	c.mu.Unlock()
	c.svc.graph.Reevaluate()
	return nil
}

// CaptureAt submits one receptacle to be filled with the next captured
// frames. Receptacles fill oldest first.
func (c *Capturer) CaptureAt(bufferID uint32, offsetFrames, frames int64) error {
	q, err := c.captureQueue()
	if err != nil {
		return err
	}
	return q.PushSync(bufferID, offsetFrames, frames, nil)
}

// StartAsync switches the stream to continuous capture over the given
// buffer. It fails while synchronous receptacles are outstanding.
func (c *Capturer) StartAsync(bufferID uint32, framesPerPacket int64) error {
	q, err := c.captureQueue()
	if err != nil {
		return err
	}
	return q.StartAsync(bufferID, framesPerPacket)
}

// StopAsync ends continuous capture, delivering any partial segment.
func (c *Capturer) StopAsync() error {
	q, err := c.captureQueue()
	if err != nil {
		return err
	}
	return q.StopAsync()
}

// ReleaseAsync returns a delivered segment to the fill rotation.
func (c *Capturer) ReleaseAsync(offset int64) error {
	q, err := c.captureQueue()
	if err != nil {
		return err
	}
	return q.ReleaseAsync(offset)
}

// Discard cancels outstanding synchronous receptacles.
func (c *Capturer) Discard() error {
	q, err := c.captureQueue()
	if err != nil {
		return err
	}
	return q.Discard()
}

func (c *Capturer) captureQueue() (*packet.CaptureQueue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.queue == nil {
		return nil, ErrNoFormat
	}
	return c.queue, nil
}

// SetGain sets the stream gain stage applied while filling receptacles.
func (c *Capturer) SetGain(db float64) error {
	if err := checkGainDb(db); err != nil {
		return err
	}
	g, muted, err := c.gainStage()
	if err != nil {
		return err
	}
	g.SetGainDb(db)
	c.events.OnGainChanged(db, muted)
	return nil
}

// SetGainWithRamp glides the capture gain to endDb over d.
func (c *Capturer) SetGainWithRamp(endDb float64, d time.Duration) error {
	if err := checkGainDb(endDb); err != nil {
		return err
	}
	g, muted, err := c.gainStage()
	if err != nil {
		return err
	}
	g.SetGainWithRamp(endDb, d)
	c.events.OnGainChanged(endDb, muted)
	return nil
}

// SetMute toggles the capture mute stage.
func (c *Capturer) SetMute(muted bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.muted = muted
	g := c.gain
	c.mu.Unlock()
	if g != nil {
		g.SetMute(muted)
		c.events.OnGainChanged(g.GainDb(), muted)
	}
	return nil
}

// SetVolume positions the capture gain on the volume curve.
func (c *Capturer) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return fmt.Errorf("service: volume %g outside [0,1]", volume)
	}
	g, muted, err := c.gainStage()
	if err != nil {
		return err
	}
	g.SetVolume(volume)
	c.events.OnGainChanged(g.GainDb(), muted)
	return nil
}

func (c *Capturer) gainStage() (*mix.Gain, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	if c.gain == nil {
		return nil, false, ErrNoFormat
	}
	return c.gain, c.muted, nil
}

// PresentationDelay reports how far behind live the linked device delivers.
func (c *Capturer) PresentationDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Close unlinks the stream and cancels outstanding receptacles. The graph
// removal synchronizes with the sweep domain, so no delivery follows it.
func (c *Capturer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	q := c.queue
	c.mu.Unlock()

	c.svc.dropCapturer(c)
	if q != nil {
		if q.Mode() == packet.ModeAsync {
			if err := q.StopAsync(); err != nil {
				log.Printf("Warning: stopping async capture for %s: %v", c.name, err)
			}
		}
		if err := q.Discard(); err != nil {
			log.Printf("Warning: discarding capture packets for %s: %v", c.name, err)
		}
	}
}

// Status summarizes the stream for status reporting.
func (c *Capturer) Status() StreamStatus {
	c.mu.Lock()
	st := StreamStatus{
		Name:  c.name,
		Kind:  "capture",
		Usage: string(c.usage),
		State: "idle",
	}
	if c.haveFormat {
		st.Format = c.format
		st.State = "configured"
		st.GainDb = c.gain.GainDb()
		st.Muted = c.muted
	}
	st.LeadTime = c.delay
	if c.in != nil {
		st.Device = c.in.Name()
	}
	q := c.queue
	c.mu.Unlock()
	if q != nil {
		st.Depth = q.Depth()
		switch q.Mode() {
		case packet.ModeSync:
			st.State = "capturing"
		case packet.ModeAsync:
			st.State = "streaming"
		}
	}
	return st
}
