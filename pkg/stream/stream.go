// ABOUTME: The stream-buffer contract between pipeline stages and devices.
// ABOUTME: Leases grant exclusive access to a frame range until unlocked.
package stream

import (
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// Buffer is a readable lease over [Start, Start+Frames) of a stream, carried
// as interleaved float32 samples. The holder owns Data exclusively until
// Unlock and must not hold the lease past the mix pass that acquired it.
type Buffer struct {
	Start  int64
	Frames int64
	Data   []float32
	// Discontinuity marks that the stream skipped relative to whatever
	// preceded this buffer.
	Discontinuity bool

	unlock func()
}

// NewBuffer builds a lease; unlock may be nil when release needs no work.
func NewBuffer(start, frames int64, data []float32, unlock func()) *Buffer {
	return &Buffer{Start: start, Frames: frames, Data: data, unlock: unlock}
}

// End reports the frame one past the lease.
func (b *Buffer) End() int64 {
	return b.Start + b.Frames
}

// Unlock releases the lease. Calling it again is a no-op, so teardown paths
// can unlock unconditionally.
func (b *Buffer) Unlock() {
	if b.unlock != nil {
		f := b.unlock
		b.unlock = nil
		f()
	}
}

// Readable produces mixable audio on a frame timeline.
type Readable interface {
	Format() audio.Format
	// Timeline maps reference-clock nanoseconds to frame numbers. The
	// generation changes whenever the map is republished discontinuously.
	Timeline() timeline.Snapshot
	// ReadLock leases data overlapping [from, from+frames). The result may
	// start after from and may be shorter than requested; it never starts
	// earlier. Nil means nothing is available in the window.
	ReadLock(from, frames int64) *Buffer
	// Trim releases everything before the given frame. Trimming at or
	// before an earlier trim point is a no-op.
	Trim(frame int64)
}

// WriteBuffer is a writable lease over encoded frames of a sink, usually a
// slice of a device ring buffer.
type WriteBuffer struct {
	Start  int64
	Frames int64
	Bytes  []byte

	unlock func()
}

// NewWriteBuffer builds a writable lease.
func NewWriteBuffer(start, frames int64, bytes []byte, unlock func()) *WriteBuffer {
	return &WriteBuffer{Start: start, Frames: frames, Bytes: bytes, unlock: unlock}
}

// End reports the frame one past the lease.
func (b *WriteBuffer) End() int64 {
	return b.Start + b.Frames
}

// Unlock releases the lease, idempotently.
func (b *WriteBuffer) Unlock() {
	if b.unlock != nil {
		f := b.unlock
		b.unlock = nil
		f()
	}
}

// Writable accepts encoded audio on a frame timeline.
type Writable interface {
	Format() audio.Format
	// WriteLock leases [start, start+frames) clipped to what is contiguous;
	// callers loop until the span is covered.
	WriteLock(start, frames int64) *WriteBuffer
}
