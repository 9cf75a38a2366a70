// ABOUTME: Capture packet queue filling client receptacles from device frames.
// ABOUTME: Sync and async modes are mutually exclusive; discard completes exactly once.
package packet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/auricle-audio/auricle-go/pkg/audio"
)

var (
	// ErrWrongMode rejects an operation that is invalid in the queue's
	// current capture mode.
	ErrWrongMode = errors.New("packet: operation invalid in current capture mode")
	// ErrPendingPackets rejects switching to async capture while
	// synchronous receptacles are still outstanding.
	ErrPendingPackets = errors.New("packet: sync capture packets still pending")
)

// CaptureMode is the exclusive operating mode of a CaptureQueue.
type CaptureMode int

const (
	ModeIdle CaptureMode = iota
	ModeSync
	ModeAsync
)

func (m CaptureMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// CapturePacket reports one filled (or cancelled) receptacle back to the
// client.
type CapturePacket struct {
	BufferID uint32
	Offset   int64 // bytes into the payload buffer
	Size     int64 // bytes
	Frames   int64
	// Frame is the device frame number of the first captured frame.
	Frame int64
	// ReferenceTime is the capture time of the first frame on the device's
	// reference clock.
	ReferenceTime int64
	// Cancelled marks a receptacle discarded before any frame arrived.
	Cancelled bool
}

type receptacle struct {
	bufferID  uint32
	offset    int64
	frames    int64
	dest      []byte
	filled    int64
	started   bool
	completed bool
	frame     int64
	refTime   int64
	done      func(CapturePacket)
}

type segmentState int

const (
	segPending segmentState = iota
	segHeld
)

// CaptureQueue accepts device frames and fills client payload ranges.
// Synchronous mode fills client-submitted receptacles oldest first; async
// mode cycles queue-allocated fixed-size segments of one payload buffer.
type CaptureQueue struct {
	mu     sync.Mutex
	format audio.Format
	store  *PayloadStore

	mode       CaptureMode
	pending    []*receptacle
	onProduced func(CapturePacket)

	asyncBuffer uint32
	asyncFrames int64
	segments    map[int64]*asyncSegment // keyed by byte offset

	overflowFrames int64
}

type asyncSegment struct {
	dest  []byte
	state segmentState
}

// NewCaptureQueue builds an idle queue. onProduced receives async packets
// and sync packets that did not carry their own callback; it must not block.
func NewCaptureQueue(format audio.Format, store *PayloadStore, onProduced func(CapturePacket)) *CaptureQueue {
	return &CaptureQueue{format: format, store: store, onProduced: onProduced}
}

// Mode reports the current capture mode.
func (q *CaptureQueue) Mode() CaptureMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.mode
}

// Depth reports how many receptacles are waiting for frames.
func (q *CaptureQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// OverflowFrames reports frames dropped because async segments were full.
func (q *CaptureQueue) OverflowFrames() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflowFrames
}

// PushSync submits one client receptacle. The queue enters sync mode if it
// was idle; pushing during async capture is a protocol error.
func (q *CaptureQueue) PushSync(bufferID uint32, offsetFrames, frames int64, done func(CapturePacket)) error {
	bpf := int64(q.format.BytesPerFrame())
	if frames <= 0 {
		return fmt.Errorf("packet: capture receptacle of %d frames", frames)
	}
	dest, err := q.store.Acquire(bufferID, offsetFrames*bpf, frames*bpf)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.mode == ModeAsync {
		q.mu.Unlock()
		q.store.Release(bufferID)
		return fmt.Errorf("%w: CaptureAt during async capture", ErrWrongMode)
	}
	q.mode = ModeSync
	q.pending = append(q.pending, &receptacle{
		bufferID: bufferID,
		offset:   offsetFrames * bpf,
		frames:   frames,
		dest:     dest,
		done:     done,
	})
	q.mu.Unlock()
	return nil
}

// StartAsync carves the payload buffer into fixed-size segments and begins
// filling them back to back. It fails while sync receptacles are pending.
func (q *CaptureQueue) StartAsync(bufferID uint32, framesPerPacket int64) error {
	bpf := int64(q.format.BytesPerFrame())
	if framesPerPacket <= 0 {
		return fmt.Errorf("packet: async capture with %d frames per packet", framesPerPacket)
	}
	size, err := q.store.Size(bufferID)
	if err != nil {
		return err
	}
	segBytes := framesPerPacket * bpf
	count := size / segBytes
	if count == 0 {
		return fmt.Errorf("%w: buffer %d holds no %d-frame segment", ErrOutOfRange, bufferID, framesPerPacket)
	}

	q.mu.Lock()
	if q.mode == ModeAsync {
		q.mu.Unlock()
		return fmt.Errorf("%w: async capture already running", ErrWrongMode)
	}
	if q.mode == ModeSync && len(q.pending) > 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d outstanding", ErrPendingPackets, len(q.pending))
	}
	q.mu.Unlock()

	segments := make(map[int64]*asyncSegment, count)
	pending := make([]*receptacle, 0, count)
	for i := int64(0); i < count; i++ {
		off := i * segBytes
		dest, err := q.store.Acquire(bufferID, off, segBytes)
		if err != nil {
			for j := int64(0); j < i; j++ {
				q.store.Release(bufferID)
			}
			return err
		}
		segments[off] = &asyncSegment{dest: dest}
		pending = append(pending, &receptacle{
			bufferID: bufferID,
			offset:   off,
			frames:   framesPerPacket,
			dest:     dest,
		})
	}

	q.mu.Lock()
	// A PushSync may have landed while the segments were being acquired;
	// committing over it would orphan its receptacle. Re-verify.
	if q.mode == ModeAsync || len(q.pending) > 0 {
		mode, outstanding := q.mode, len(q.pending)
		q.mu.Unlock()
		for i := int64(0); i < count; i++ {
			q.store.Release(bufferID)
		}
		if mode == ModeAsync {
			return fmt.Errorf("%w: async capture already running", ErrWrongMode)
		}
		return fmt.Errorf("%w: %d outstanding", ErrPendingPackets, outstanding)
	}
	q.mode = ModeAsync
	q.asyncBuffer = bufferID
	q.asyncFrames = framesPerPacket
	q.segments = segments
	q.pending = pending
	q.mu.Unlock()
	return nil
}

// StopAsync ends async capture. A partially filled segment is padded with
// silence and delivered; untouched segments are quietly reclaimed.
func (q *CaptureQueue) StopAsync() error {
	q.mu.Lock()
	if q.mode != ModeAsync {
		q.mu.Unlock()
		return fmt.Errorf("%w: async capture not running", ErrWrongMode)
	}
	var produced []*receptacle
	for _, r := range q.pending {
		if r.started && !r.completed {
			q.padLocked(r)
			r.completed = true
			produced = append(produced, r)
		}
	}
	released := len(q.segments)
	bufferID := q.asyncBuffer
	q.pending = nil
	q.segments = nil
	q.mode = ModeIdle
	q.mu.Unlock()

	for i := 0; i < released; i++ {
		q.store.Release(bufferID)
	}
	q.deliverPackets(produced, false)
	return nil
}

// ReleaseAsync returns a client-held segment to the fill rotation.
func (q *CaptureQueue) ReleaseAsync(offset int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.mode != ModeAsync {
		return fmt.Errorf("%w: release outside async capture", ErrWrongMode)
	}
	seg, ok := q.segments[offset]
	if !ok || seg.state != segHeld {
		return fmt.Errorf("%w: segment at offset %d not held", ErrOutOfRange, offset)
	}
	seg.state = segPending
	q.pending = append(q.pending, &receptacle{
		bufferID: q.asyncBuffer,
		offset:   offset,
		frames:   q.asyncFrames,
		dest:     seg.dest,
	})
	return nil
}

// Deliver feeds captured frames into the queue. frame and refTime describe
// the first delivered frame on the device timeline and reference clock.
// It reports how many frames had no receptacle and were dropped.
func (q *CaptureQueue) Deliver(frame, refTime int64, data []float32) int64 {
	ch := q.format.Channels
	bpf := int64(q.format.BytesPerFrame())
	total := int64(len(data)) / int64(ch)

	q.mu.Lock()
	var produced []*receptacle
	pos := int64(0)
	for pos < total && len(q.pending) > 0 {
		r := q.pending[0]
		if !r.started {
			r.started = true
			r.frame = frame + pos
			r.refTime = refTime + int64(q.format.DurationForFrames(pos))
		}
		n := r.frames - r.filled
		if rem := total - pos; n > rem {
			n = rem
		}
		audio.EncodeFromFloat32(q.format.SampleFormat,
			data[pos*int64(ch):(pos+n)*int64(ch)],
			r.dest[r.filled*bpf:(r.filled+n)*bpf])
		r.filled += n
		pos += n
		if r.filled == r.frames {
			r.completed = true
			q.pending = q.pending[1:]
			if q.mode == ModeAsync {
				q.segments[r.offset].state = segHeld
			}
			produced = append(produced, r)
		}
	}
	dropped := total - pos
	if dropped > 0 && q.mode == ModeAsync {
		q.overflowFrames += dropped
	}
	releaseSync := q.mode == ModeSync
	q.mu.Unlock()

	if releaseSync {
		for _, r := range produced {
			q.store.Release(r.bufferID)
		}
	}
	q.deliverPackets(produced, false)
	return dropped
}

// Discard cancels synchronous capture: a started receptacle is padded with
// silence and delivered, untouched ones come back cancelled. Each completes
// exactly once. Discarding during async capture is a protocol error.
func (q *CaptureQueue) Discard() error {
	q.mu.Lock()
	if q.mode == ModeAsync {
		q.mu.Unlock()
		return fmt.Errorf("%w: discard during async capture", ErrWrongMode)
	}
	var produced, cancelled []*receptacle
	for _, r := range q.pending {
		if r.completed {
			continue
		}
		r.completed = true
		if r.started {
			q.padLocked(r)
			produced = append(produced, r)
		} else {
			cancelled = append(cancelled, r)
		}
	}
	q.pending = nil
	q.mu.Unlock()

	for _, r := range append(produced, cancelled...) {
		q.store.Release(r.bufferID)
	}
	q.deliverPackets(produced, false)
	q.deliverPackets(cancelled, true)
	return nil
}

// padLocked silence-fills the unwritten tail of a started receptacle.
func (q *CaptureQueue) padLocked(r *receptacle) {
	bpf := int64(q.format.BytesPerFrame())
	audio.FillSilence(q.format.SampleFormat, r.dest[r.filled*bpf:])
	r.filled = r.frames
}

// deliverPackets fires completions outside the queue lock.
func (q *CaptureQueue) deliverPackets(rs []*receptacle, cancelled bool) {
	for _, r := range rs {
		p := CapturePacket{
			BufferID:      r.bufferID,
			Offset:        r.offset,
			Size:          r.frames * int64(q.format.BytesPerFrame()),
			Frames:        r.frames,
			Frame:         r.frame,
			ReferenceTime: r.refTime,
			Cancelled:     cancelled,
		}
		if cancelled {
			p.Size = 0
			p.Frames = 0
		}
		if r.done != nil {
			r.done(p)
		} else if q.onProduced != nil {
			q.onProduced(p)
		}
	}
}
