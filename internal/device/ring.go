// ABOUTME: The ring buffer shared between the mixer and an endpoint.
// ABOUTME: Leases wrap-clipped byte spans and decodes capture-side reads.
package device

import (
	"fmt"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
)

// Ring is the frame-addressed byte buffer a configured endpoint exposes.
// Frame numbers grow without bound; byte offsets wrap modulo the ring size.
// The position protocol is the only write/read coordination: software stays
// ahead of (output) or behind (input) the hardware pointer by construction.
type Ring struct {
	format audio.Format
	frames int64
	data   []byte
}

// NewRing allocates a ring holding the given number of frames.
func NewRing(format audio.Format, frames int64) (*Ring, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("ring format: %w", err)
	}
	if frames <= 0 {
		return nil, fmt.Errorf("ring size %d frames", frames)
	}
	return &Ring{
		format: format,
		frames: frames,
		data:   make([]byte, frames*int64(format.BytesPerFrame())),
	}, nil
}

func (r *Ring) Format() audio.Format { return r.format }

// Frames reports the ring capacity in frames.
func (r *Ring) Frames() int64 { return r.frames }

// SizeBytes reports the ring capacity in bytes.
func (r *Ring) SizeBytes() int64 { return int64(len(r.data)) }

// Bytes exposes the raw ring storage. Endpoints consume it directly.
func (r *Ring) Bytes() []byte { return r.data }

// WriteLock leases [start, start+frames) clipped at the wrap boundary, so a
// lease is always one contiguous byte span. Callers loop to cover a range
// that wraps. Asking for more than a full ring is clipped to one ring.
func (r *Ring) WriteLock(start, frames int64) *stream.WriteBuffer {
	if frames <= 0 {
		return nil
	}
	if frames > r.frames {
		frames = r.frames
	}
	idx := floorMod(start, r.frames)
	if remain := r.frames - idx; frames > remain {
		frames = remain
	}
	bpf := int64(r.format.BytesPerFrame())
	return stream.NewWriteBuffer(start, frames, r.data[idx*bpf:(idx+frames)*bpf], nil)
}

// ReadInto decodes [start, start+frames) of the ring into dst as interleaved
// float32, following the wrap. dst must hold frames*channels samples.
func (r *Ring) ReadInto(start, frames int64, dst []float32) {
	bpf := int64(r.format.BytesPerFrame())
	ch := int64(r.format.Channels)
	for frames > 0 {
		idx := floorMod(start, r.frames)
		chunk := frames
		if remain := r.frames - idx; chunk > remain {
			chunk = remain
		}
		audio.DecodeToFloat32(r.format.SampleFormat, r.data[idx*bpf:(idx+chunk)*bpf], dst[:chunk*ch])
		dst = dst[chunk*ch:]
		start += chunk
		frames -= chunk
	}
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
