// ABOUTME: One render stream: payload store, packet queue, gain, media timeline.
// ABOUTME: Implements the route graph's render client and every render operation.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/internal/packet"
	"github.com/auricle-audio/auricle-go/internal/route"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

var (
	// ErrClosed is returned for operations on a stream or service that was
	// shut down.
	ErrClosed = errors.New("service: closed")
	// ErrNoFormat is returned for operations that need a negotiated format.
	ErrNoFormat = errors.New("service: stream format not set")
	// ErrFormatSet rejects renegotiating a stream's format.
	ErrFormatSet = errors.New("service: stream format already set")
)

// Renderer is one client playback stream. Packets land in its queue, the
// route graph links the queue into a device mix, and the media timeline maps
// reference time to media frames while playing.
//
// Operations arrive serialized from the owning client's connection; the mix
// domains call in concurrently through the queue and the timeline snapshot.
type Renderer struct {
	svc    *Service
	name   string
	usage  audio.Usage
	events RenderEvents
	store  *packet.PayloadStore

	mu         sync.Mutex
	format     audio.Format
	haveFormat bool
	queue      *packet.Queue
	gain       *mix.Gain
	buffers    int
	fn         timeline.Function
	generation uint64
	playing    bool
	muted      bool
	leadTime   time.Duration
	out        *device.Output
	id         route.NodeID
	closed     bool
}

func newRenderer(svc *Service, name string, usage audio.Usage, events RenderEvents) *Renderer {
	if events == nil {
		events = nopRenderEvents{}
	}
	return &Renderer{
		svc:    svc,
		name:   name,
		usage:  usage,
		events: events,
		store:  packet.NewPayloadStore(),
		// Paused at frame zero until the first Play.
		fn:         timeline.NewFunction(0, 0, timeline.Rate{SubjectDelta: 0, ReferenceDelta: 1}),
		generation: 1,
	}
}

// Name implements route.RenderClient.
func (r *Renderer) Name() string { return r.name }

// Usage implements route.RenderClient.
func (r *Renderer) Usage() audio.Usage { return r.usage }

// Routable implements route.RenderClient: a stream joins a mix once its
// format is set and at least one payload buffer is attached.
func (r *Renderer) Routable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haveFormat && r.buffers > 0 && !r.closed
}

// Source implements route.RenderClient.
func (r *Renderer) Source() stream.Readable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue == nil {
		return nil
	}
	return r.queue
}

// LinkGain implements route.RenderClient.
func (r *Renderer) LinkGain() *mix.Gain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gain
}

// OnLinkAdded implements route.RenderClient. Linking to a device adopts its
// volume curve and republishes the stream's minimum lead time.
func (r *Renderer) OnLinkAdded(out *device.Output) {
	if out == nil {
		r.mu.Lock()
		r.out = nil
		r.leadTime = 0
		r.mu.Unlock()
		return
	}
	lead := out.MinLeadTime()
	curve := r.svc.curveFor(out)
	r.mu.Lock()
	r.out = out
	r.leadTime = lead
	g := r.gain
	r.mu.Unlock()
	if g != nil {
		g.SetCurve(curve)
	}
	r.events.OnMinLeadTime(lead)
}

// TimelineSnapshot reports the reference-to-media map with its generation.
// The packet queue hands it to the mix pipeline on every read.
func (r *Renderer) TimelineSnapshot() timeline.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return timeline.Snapshot{Function: r.fn, Generation: r.generation}
}

// anchorFrame places the first untimed packet: the current playhead while
// playing, the paused position otherwise.
func (r *Renderer) anchorFrame() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return playheadAt(r.fn, r.svc.now())
	}
	return r.fn.SubjectTime
}

// playheadAt reports the presented media position at ref. Before the play
// anchor nothing has presented yet, so the playhead sits at the anchor.
func playheadAt(fn timeline.Function, ref int64) int64 {
	if ref < fn.ReferenceTime {
		return fn.SubjectTime
	}
	return fn.Apply(ref)
}

// SetFormat fixes the stream's PCM format and builds the packet queue. A
// stream's format is set exactly once; renegotiating is a protocol violation.
func (r *Renderer) SetFormat(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.haveFormat {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s already negotiated", ErrFormatSet, r.format)
	}
	r.format = f
	r.haveFormat = true
	r.queue = packet.NewQueue(f, r.store, r.TimelineSnapshot, r.anchorFrame)
	r.gain = mix.NewGain(nil, f.FramesPerSecond)
	if r.muted {
		r.gain.SetMute(true)
	}
	r.mu.Unlock()
	r.svc.graph.Reevaluate()
	return nil
}

// Format reports the negotiated format.
func (r *Renderer) Format() (audio.Format, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format, r.haveFormat
}

// AddPayloadBuffer registers a shared payload region under the given id.
func (r *Renderer) AddPayloadBuffer(id uint32, data []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()
	if err := r.store.Add(id, data); err != nil {
		return err
	}
	r.mu.Lock()
	r.buffers++
	r.mu.Unlock()
	r.svc.graph.Reevaluate()
	return nil
}

// RemovePayloadBuffer drops a payload region. It fails while packets still
// reference the buffer.
func (r *Renderer) RemovePayloadBuffer(id uint32) error {
	if err := r.store.Remove(id); err != nil {
		return err
	}
	r.mu.Lock()
	r.buffers--
	r.mu.Unlock()
	r.svc.graph.Reevaluate()
	return nil
}

// SendPacket queues payload bytes onto the media timeline. The sequence
// number comes back in the completion event when the bytes are consumed.
func (r *Renderer) SendPacket(sequence uint64, bufferID uint32, offset, size, pts int64, continuous bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.haveFormat {
		r.mu.Unlock()
		return ErrNoFormat
	}
	q := r.queue
	r.mu.Unlock()

	if continuous {
		pts = packet.PTSContinuous
	}
	return q.Push(packet.Packet{
		PTS:      pts,
		BufferID: bufferID,
		Offset:   offset,
		Size:     size,
		OnComplete: func() {
			r.packetDone(sequence)
		},
	})
}

// packetDone runs on whichever goroutine retires the packet.
func (r *Renderer) packetDone(sequence uint64) {
	r.events.OnPacketComplete(sequence)
	r.svc.metrics.AddPacketCompleted()
	r.mu.Lock()
	playing := r.playing
	q := r.queue
	r.mu.Unlock()
	if playing && q != nil && q.Depth() == 0 {
		r.events.OnStreamEnd()
	}
}

// schedulingSlack pads a daemon-picked start time so the first mix job after
// the request still lands before the deadline.
const schedulingSlack = 10 * time.Millisecond

// Play starts (or restarts) presentation: media frame mediaTime leaves the
// device at reference time refTime. Zero for either asks the daemon to pick;
// the daemon may start later than an explicit refTime that is already too
// close, never earlier. The actual pair is returned.
func (r *Renderer) Play(refTime, mediaTime int64) (int64, int64, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, 0, ErrClosed
	}
	if !r.haveFormat {
		r.mu.Unlock()
		return 0, 0, ErrNoFormat
	}
	q := r.queue
	lead := r.leadTime
	fn := r.fn
	playing := r.playing
	r.mu.Unlock()

	// Resolve the start pair outside the stream lock; the queue lock nests
	// the other way around.
	media := mediaTime
	if media == 0 {
		if pts, ok := q.FrontPTS(); ok {
			media = pts
		} else if playing {
			media = playheadAt(fn, r.svc.now())
		} else {
			media = fn.SubjectTime
		}
	}
	earliest := r.svc.now() + int64(lead+schedulingSlack)
	ref := refTime
	if ref < earliest {
		ref = earliest
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, 0, ErrClosed
	}
	r.fn = timeline.NewFunction(media, ref, r.format.Rate())
	r.generation++
	wasPlaying := r.playing
	r.playing = true
	r.mu.Unlock()
	if !wasPlaying {
		r.svc.metrics.SessionStarted()
	}
	return ref, media, nil
}

// Pause freezes presentation and reports where it stopped. Pausing a paused
// stream reports the frozen position again.
func (r *Renderer) Pause() (int64, int64, error) {
	ref := r.svc.now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, 0, ErrClosed
	}
	if !r.haveFormat {
		r.mu.Unlock()
		return 0, 0, ErrNoFormat
	}
	if !r.playing {
		media := r.fn.SubjectTime
		r.mu.Unlock()
		return ref, media, nil
	}
	media := playheadAt(r.fn, ref)
	r.fn = timeline.NewFunction(media, ref, timeline.Rate{SubjectDelta: 0, ReferenceDelta: 1})
	r.generation++
	r.playing = false
	r.mu.Unlock()
	r.svc.metrics.SessionStopped()
	return ref, media, nil
}

// DiscardAllPackets retires every queued packet unconsumed. The stream stays
// in its play state; the next untimed packet re-anchors at the playhead.
func (r *Renderer) DiscardAllPackets() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		return ErrNoFormat
	}
	q.DiscardAll()
	r.events.OnStreamEnd()
	return nil
}

// SetGain sets the stream gain stage. Out-of-range values are a protocol
// violation rather than being clamped.
func (r *Renderer) SetGain(db float64) error {
	if err := checkGainDb(db); err != nil {
		return err
	}
	g, muted, err := r.gainStage()
	if err != nil {
		return err
	}
	g.SetGainDb(db)
	r.events.OnGainChanged(db, muted)
	return nil
}

// SetGainWithRamp glides the stream gain to endDb over d.
func (r *Renderer) SetGainWithRamp(endDb float64, d time.Duration) error {
	if err := checkGainDb(endDb); err != nil {
		return err
	}
	g, muted, err := r.gainStage()
	if err != nil {
		return err
	}
	g.SetGainWithRamp(endDb, d)
	r.events.OnGainChanged(endDb, muted)
	return nil
}

// SetMute toggles the stream mute stage without touching the gain value.
func (r *Renderer) SetMute(muted bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.muted = muted
	g := r.gain
	r.mu.Unlock()
	if g != nil {
		g.SetMute(muted)
		r.events.OnGainChanged(g.GainDb(), muted)
	}
	return nil
}

// SetVolume positions the stream on its device's volume curve.
func (r *Renderer) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return fmt.Errorf("service: volume %g outside [0,1]", volume)
	}
	g, muted, err := r.gainStage()
	if err != nil {
		return err
	}
	g.SetVolume(volume)
	r.events.OnGainChanged(g.GainDb(), muted)
	return nil
}

func (r *Renderer) gainStage() (*mix.Gain, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	if r.gain == nil {
		return nil, false, ErrNoFormat
	}
	return r.gain, r.muted, nil
}

func checkGainDb(db float64) error {
	if db < audio.MutedGainDb || db > audio.MaxGainDb {
		return fmt.Errorf("service: gain %g dB outside [%g,%g]", db, audio.MutedGainDb, audio.MaxGainDb)
	}
	return nil
}

// Close unlinks the stream from the graph and retires pending packets. The
// graph removal synchronizes with the mix domain, so no read follows it.
func (r *Renderer) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	q := r.queue
	playing := r.playing
	r.playing = false
	r.mu.Unlock()

	r.svc.dropRenderer(r)
	if q != nil {
		q.DiscardAll()
	}
	if playing {
		r.svc.metrics.SessionStopped()
	}
}

// Status summarizes the stream for status reporting.
func (r *Renderer) Status() StreamStatus {
	r.mu.Lock()
	st := StreamStatus{
		Name:  r.name,
		Kind:  "render",
		Usage: string(r.usage),
		State: "idle",
	}
	if r.haveFormat {
		st.Format = r.format
		st.State = "configured"
		st.GainDb = r.gain.GainDb()
		st.Muted = r.muted
	}
	if r.playing {
		st.State = "playing"
	}
	st.LeadTime = r.leadTime
	if r.out != nil {
		st.Device = r.out.Name()
	}
	q := r.queue
	id := r.id
	r.mu.Unlock()
	if q != nil {
		st.Depth = q.Depth()
	}
	if _, throttled, linked := r.svc.graph.RendererRoute(id); linked && throttled {
		st.Device = "throttle"
	}
	return st
}
