// ABOUTME: Tests for format validation, frame math, and sample conversion.
// ABOUTME: Conversion cases check known byte patterns, not exhaustive grids.
package audio

import (
	"testing"
	"time"
)

func TestFormatValidate(t *testing.T) {
	good := Format{SampleFormat: SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000}
	if err := good.Validate(); err != nil {
		t.Errorf("valid format rejected: %v", err)
	}
	bad := []Format{
		{SampleFormat: SampleFormat(99), Channels: 2, FramesPerSecond: 48000},
		{SampleFormat: SampleFormatSigned16, Channels: 0, FramesPerSecond: 48000},
		{SampleFormat: SampleFormatSigned16, Channels: 2, FramesPerSecond: 500},
	}
	for i, f := range bad {
		if err := f.Validate(); err == nil {
			t.Errorf("case %d: invalid format %v accepted", i, f)
		}
	}
}

func TestFormatFrameMath(t *testing.T) {
	f := Format{SampleFormat: SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000}
	if got := f.BytesPerFrame(); got != 4 {
		t.Errorf("BytesPerFrame = %d, want 4", got)
	}
	if got := f.FramesForDuration(5 * time.Millisecond); got != 240 {
		t.Errorf("FramesForDuration(5ms) = %d, want 240", got)
	}
	if got := f.DurationForFrames(240); got != 5*time.Millisecond {
		t.Errorf("DurationForFrames(240) = %v, want 5ms", got)
	}
}

func TestSigned16Conversion(t *testing.T) {
	src := []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80}
	dst := make([]float32, 3)
	if n := DecodeToFloat32(SampleFormatSigned16, src, dst); n != 3 {
		t.Fatalf("decoded %d samples, want 3", n)
	}
	if dst[0] != 0 {
		t.Errorf("zero sample decoded to %v", dst[0])
	}
	if dst[1] <= 0.999 || dst[1] > 1 {
		t.Errorf("max sample decoded to %v", dst[1])
	}
	if dst[2] != -1 {
		t.Errorf("min sample decoded to %v", dst[2])
	}

	back := make([]byte, 6)
	if n := EncodeFromFloat32(SampleFormatSigned16, dst, back); n != 3 {
		t.Fatalf("encoded %d samples, want 3", n)
	}
	for i := range src {
		if back[i] != src[i] {
			t.Fatalf("roundtrip byte %d: got %#x want %#x", i, back[i], src[i])
		}
	}
}

func TestEncodeClamps(t *testing.T) {
	dst := make([]byte, 4)
	EncodeFromFloat32(SampleFormatSigned16, []float32{2.0, -2.0}, dst)
	if dst[0] != 0xFF || dst[1] != 0x7F {
		t.Errorf("positive overdrive encoded to % x, want ff 7f", dst[:2])
	}
	if dst[2] != 0x00 || dst[3] != 0x80 {
		t.Errorf("negative overdrive encoded to % x, want 00 80", dst[2:])
	}
}

func TestFillSilence(t *testing.T) {
	u8 := make([]byte, 4)
	FillSilence(SampleFormatUnsigned8, u8)
	for _, b := range u8 {
		if b != 0x80 {
			t.Fatalf("unsigned-8 silence byte %#x, want 0x80", b)
		}
	}
	s16 := []byte{1, 2, 3, 4}
	FillSilence(SampleFormatSigned16, s16)
	for _, b := range s16 {
		if b != 0 {
			t.Fatalf("signed silence byte %#x, want 0", b)
		}
	}
}

func TestFracFrames(t *testing.T) {
	half := FracFromFloat(1.5)
	if half.Floor() != 1 || half.Ceiling() != 2 {
		t.Errorf("1.5 frames: floor %d ceiling %d", half.Floor(), half.Ceiling())
	}
	if got := FracFromFrames(3).Floor(); got != 3 {
		t.Errorf("whole frames roundtrip: %d", got)
	}
	neg := FracFromFloat(-0.25)
	if neg.Floor() != -1 || neg.Ceiling() != 0 {
		t.Errorf("-0.25 frames: floor %d ceiling %d", neg.Floor(), neg.Ceiling())
	}
}
