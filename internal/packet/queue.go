// ABOUTME: Timestamped render packet queue implementing the readable stream contract.
// ABOUTME: Completion callbacks fire exactly once, on consumption or discard.
package packet

import (
	"fmt"
	"math"
	"sync"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// PTSContinuous asks the queue to place a packet immediately after the
// previous one. The first such packet with no history anchors to the
// caller-supplied anchor frame and flags a discontinuity.
const PTSContinuous = math.MinInt64

// Packet describes one client submission.
type Packet struct {
	// PTS is the starting frame on the media timeline, or PTSContinuous.
	PTS      int64
	BufferID uint32
	Offset   int64 // bytes into the payload buffer
	Size     int64 // bytes
	// OnComplete fires exactly once when the payload bytes return to the
	// client. It runs on whichever goroutine retires the packet and must
	// not block.
	OnComplete func()
}

type entry struct {
	pts      int64
	frames   int64
	data     []byte
	bufferID uint32
	done     func()
	retired  bool
}

func (e *entry) end() int64 { return e.pts + e.frames }

// Queue buffers render packets and serves them to the mix pipeline as a
// readable stream. The mix side calls ReadLock/Trim from its domain; the
// client side pushes packets from the control goroutine; a mutex arbitrates.
type Queue struct {
	mu       sync.Mutex
	format   audio.Format
	store    *PayloadStore
	snapshot func() timeline.Snapshot
	anchor   func() int64

	pending []*entry
	nextPTS int64
	havePTS bool
	discont bool

	scratch []float32
}

// NewQueue builds a queue for one render stream. snapshot supplies the
// reference-time-to-frame map; anchor supplies the frame used to place the
// first untimed packet.
func NewQueue(format audio.Format, store *PayloadStore, snapshot func() timeline.Snapshot, anchor func() int64) *Queue {
	if anchor == nil {
		anchor = func() int64 { return 0 }
	}
	return &Queue{format: format, store: store, snapshot: snapshot, anchor: anchor}
}

// Format implements stream.Readable.
func (q *Queue) Format() audio.Format {
	return q.format
}

// Timeline implements stream.Readable.
func (q *Queue) Timeline() timeline.Snapshot {
	return q.snapshot()
}

// Depth reports how many packets are queued.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// FrontPTS reports the media frame of the oldest queued packet.
func (q *Queue) FrontPTS() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0, false
	}
	return q.pending[0].pts, true
}

// Push appends a packet to the media timeline.
func (q *Queue) Push(p Packet) error {
	bpf := int64(q.format.BytesPerFrame())
	if p.Size <= 0 || p.Size%bpf != 0 {
		return fmt.Errorf("packet: size %d is not a positive frame multiple of %d", p.Size, bpf)
	}
	data, err := q.store.Acquire(p.BufferID, p.Offset, p.Size)
	if err != nil {
		return err
	}
	frames := p.Size / bpf

	q.mu.Lock()
	var pts int64
	switch {
	case p.PTS == PTSContinuous && q.havePTS:
		pts = q.nextPTS
	case p.PTS == PTSContinuous:
		pts = q.anchor()
		q.discont = true
	default:
		pts = p.PTS
		if q.havePTS && pts != q.nextPTS {
			q.discont = true
		}
	}
	q.pending = append(q.pending, &entry{
		pts:      pts,
		frames:   frames,
		data:     data,
		bufferID: p.BufferID,
		done:     p.OnComplete,
	})
	q.nextPTS = pts + frames
	q.havePTS = true
	q.mu.Unlock()
	return nil
}

// ReadLock implements stream.Readable. It serves the front packet clipped to
// the requested window, converting payload bytes into the mix domain. The
// returned data is valid until the next ReadLock.
func (q *Queue) ReadLock(from, frames int64) *stream.Buffer {
	q.mu.Lock()
	retired := q.retireBeforeLocked(from)

	var buf *stream.Buffer
	if len(q.pending) > 0 {
		e := q.pending[0]
		start := from
		if e.pts > start {
			start = e.pts
		}
		windowEnd := from + frames
		if start < windowEnd {
			end := e.end()
			if end > windowEnd {
				end = windowEnd
			}
			buf = q.leaseLocked(e, start, end)
		}
	}
	q.mu.Unlock()

	q.fire(retired)
	return buf
}

// leaseLocked decodes [start, end) of e into the scratch buffer.
func (q *Queue) leaseLocked(e *entry, start, end int64) *stream.Buffer {
	ch := q.format.Channels
	bpf := int64(q.format.BytesPerFrame())
	samples := int((end - start)) * ch
	if cap(q.scratch) < samples {
		q.scratch = make([]float32, samples)
	}
	data := q.scratch[:samples]

	byteOff := (start - e.pts) * bpf
	byteEnd := (end - e.pts) * bpf
	audio.DecodeToFloat32(q.format.SampleFormat, e.data[byteOff:byteEnd], data)

	b := stream.NewBuffer(start, end-start, data, nil)
	b.Discontinuity = q.discont
	q.discont = false
	return b
}

// Trim implements stream.Readable: packets wholly before frame are retired
// and their payload returns to the client.
func (q *Queue) Trim(frame int64) {
	q.mu.Lock()
	retired := q.retireBeforeLocked(frame)
	q.mu.Unlock()
	q.fire(retired)
}

// DiscardAll retires every queued packet without consuming it. The next
// untimed packet re-anchors and the stream is marked discontinuous.
func (q *Queue) DiscardAll() {
	q.mu.Lock()
	retired := q.pending
	q.pending = nil
	q.havePTS = false
	q.discont = true
	q.mu.Unlock()
	q.fire(retired)
}

func (q *Queue) retireBeforeLocked(frame int64) []*entry {
	var retired []*entry
	for len(q.pending) > 0 && q.pending[0].end() <= frame {
		retired = append(retired, q.pending[0])
		q.pending = q.pending[1:]
	}
	return retired
}

// fire runs completions outside the queue lock.
func (q *Queue) fire(retired []*entry) {
	for _, e := range retired {
		if e.retired {
			continue
		}
		e.retired = true
		q.store.Release(e.bufferID)
		if e.done != nil {
			e.done()
		}
	}
}
