// ABOUTME: PCM stream formats and frame arithmetic shared across the service.
// ABOUTME: Formats are value types; all frame/time conversion goes through here.
package audio

import (
	"fmt"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// SampleFormat identifies how one sample is encoded on the wire and in
// device ring buffers. Mixing always happens in float32 regardless.
type SampleFormat int

const (
	SampleFormatUnsigned8 SampleFormat = iota
	SampleFormatSigned16
	SampleFormatSigned24In32
	SampleFormatFloat32
)

// BytesPerSample reports the encoded width of one sample.
func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleFormatUnsigned8:
		return 1
	case SampleFormatSigned16:
		return 2
	case SampleFormatSigned24In32, SampleFormatFloat32:
		return 4
	default:
		return 0
	}
}

func (s SampleFormat) String() string {
	switch s {
	case SampleFormatUnsigned8:
		return "u8"
	case SampleFormatSigned16:
		return "s16"
	case SampleFormatSigned24In32:
		return "s24in32"
	case SampleFormatFloat32:
		return "f32"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Format describes an interleaved PCM stream.
type Format struct {
	SampleFormat    SampleFormat
	Channels        int
	FramesPerSecond int
}

// Validate reports whether the format is one the service can process.
func (f Format) Validate() error {
	if f.SampleFormat.BytesPerSample() == 0 {
		return fmt.Errorf("audio: unsupported sample format %v", f.SampleFormat)
	}
	if f.Channels < 1 || f.Channels > 8 {
		return fmt.Errorf("audio: channel count %d out of range [1,8]", f.Channels)
	}
	if f.FramesPerSecond < 1000 || f.FramesPerSecond > 192000 {
		return fmt.Errorf("audio: frame rate %d out of range [1000,192000]", f.FramesPerSecond)
	}
	return nil
}

// BytesPerFrame reports the encoded width of one frame.
func (f Format) BytesPerFrame() int {
	return f.SampleFormat.BytesPerSample() * f.Channels
}

// BytesPerSecond reports the nominal encoded byte rate.
func (f Format) BytesPerSecond() int64 {
	return int64(f.BytesPerFrame()) * int64(f.FramesPerSecond)
}

// Rate returns the frames-per-nanosecond rate of the stream.
func (f Format) Rate() timeline.Rate {
	return timeline.FramesPerSecond(f.FramesPerSecond)
}

// FramesForDuration converts a duration to whole frames, rounding down.
func (f Format) FramesForDuration(d time.Duration) int64 {
	return f.Rate().Scale(int64(d))
}

// DurationForFrames converts a frame count to the nominal duration.
func (f Format) DurationForFrames(frames int64) time.Duration {
	return time.Duration(f.Rate().Inverse().Scale(frames))
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz %dch %s", f.FramesPerSecond, f.Channels, f.SampleFormat)
}
