// ABOUTME: Tests for the rate-converting mixer.
// ABOUTME: Position stepping must be exact over long spans.
package mix

import (
	"testing"

	"github.com/auricle-audio/auricle-go/pkg/audio"
)

func monoFormat(fps int) audio.Format {
	return audio.Format{SampleFormat: audio.SampleFormatFloat32, Channels: 1, FramesPerSecond: fps}
}

func TestAdvanceIsExactOverOneSecond(t *testing.T) {
	// 44100 -> 48000 does not divide evenly; the modulo accumulator must
	// keep the position exact anyway.
	m := NewMixer(monoFormat(44100), monoFormat(48000), SamplerLinear)
	m.Advance(48000)
	if got, want := m.Position(), audio.FracFromFrames(44100); got != want {
		t.Errorf("after one second: position %v, want %v", got, want)
	}

	m.SetPosition(0)
	for i := 0; i < 48000; i++ {
		m.advanceOne()
	}
	if got, want := m.Position(), audio.FracFromFrames(44100); got != want {
		t.Errorf("stepping one frame at a time drifted to %v, want %v", got, want)
	}
}

func TestLinearInterpolationHalvesSteps(t *testing.T) {
	m := NewMixer(monoFormat(24000), monoFormat(48000), SamplerLinear)
	src := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	acc := make([]float32, 8)

	n := m.MixInto(acc, 0, 8, src, 0, nil, 1)
	if n != 8 {
		t.Fatalf("produced %d frames, want 8", n)
	}
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5}
	for i := range want {
		if acc[i] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, acc[i], want[i])
		}
	}
}

func TestHistoryCarriesAcrossBuffers(t *testing.T) {
	m := NewMixer(monoFormat(24000), monoFormat(48000), SamplerLinear)
	first := []float32{0, 1, 2, 3} // frames 0..3
	acc := make([]float32, 16)

	// Stops when frame 3.5 needs frame 4.
	n := m.MixInto(acc, 0, 16, first, 0, nil, 1)
	if n != 7 {
		t.Fatalf("first buffer produced %d frames, want 7", n)
	}

	second := []float32{4, 5} // frames 4..5
	n = m.MixInto(acc, 7, 16-7, second, 4, nil, 1)
	if n == 0 {
		t.Fatal("second buffer produced nothing")
	}
	// Frame 7 interpolates across the boundary: halfway from 3 to 4.
	if acc[7] != 3.5 {
		t.Errorf("boundary frame = %v, want 3.5", acc[7])
	}
}

func TestSourceStartingLaterLeavesSilence(t *testing.T) {
	m := NewMixer(monoFormat(48000), monoFormat(48000), SamplerPoint)
	acc := make([]float32, 8)
	src := []float32{9, 9, 9, 9}

	// Source frames begin at 4; the first 4 destination frames skip.
	n := m.MixInto(acc, 0, 8, src, 4, nil, 1)
	if n != 8 {
		t.Fatalf("produced %d frames, want 8", n)
	}
	for i := 0; i < 4; i++ {
		if acc[i] != 0 {
			t.Errorf("frame %d = %v, want silence", i, acc[i])
		}
	}
	for i := 4; i < 8; i++ {
		if acc[i] != 9 {
			t.Errorf("frame %d = %v, want 9", i, acc[i])
		}
	}
}

func TestChannelMapping(t *testing.T) {
	stereo := audio.Format{SampleFormat: audio.SampleFormatFloat32, Channels: 2, FramesPerSecond: 48000}

	// Mono fans out to both channels.
	up := NewMixer(monoFormat(48000), stereo, SamplerPoint)
	acc := make([]float32, 4)
	up.MixInto(acc, 0, 2, []float32{0.5, 0.25}, 0, nil, 1)
	want := []float32{0.5, 0.5, 0.25, 0.25}
	for i := range want {
		if acc[i] != want[i] {
			t.Errorf("upmix sample %d = %v, want %v", i, acc[i], want[i])
		}
	}

	// Stereo folds down to the average.
	down := NewMixer(stereo, monoFormat(48000), SamplerPoint)
	acc = make([]float32, 2)
	down.MixInto(acc, 0, 2, []float32{1, 0, 0.5, 0.25}, 0, nil, 1)
	if acc[0] != 0.5 || acc[1] != 0.375 {
		t.Errorf("downmix = %v, want [0.5 0.375]", acc)
	}
}

func TestAccumulationSums(t *testing.T) {
	m := NewMixer(monoFormat(48000), monoFormat(48000), SamplerPoint)
	acc := []float32{0.25, 0.25}
	m.MixInto(acc, 0, 2, []float32{0.5, 0.5}, 0, nil, 0.5)
	if acc[0] != 0.5 || acc[1] != 0.5 {
		t.Errorf("accumulated = %v, want [0.5 0.5]", acc)
	}
}
