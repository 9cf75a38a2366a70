// ABOUTME: Tests for decibel math and volume curve interpolation.
// ABOUTME: Exercises muting, clamping, and curve shape validation.
package audio

import (
	"math"
	"testing"
)

func TestScaleFromDb(t *testing.T) {
	if got := ScaleFromDb(UnityGainDb); got != 1 {
		t.Errorf("unity gain scale = %v, want 1", got)
	}
	if got := ScaleFromDb(MutedGainDb); got != 0 {
		t.Errorf("muted gain scale = %v, want exact 0", got)
	}
	if got := ScaleFromDb(-200); got != 0 {
		t.Errorf("below muted should be silence, got %v", got)
	}
	if got := ScaleFromDb(-20); math.Abs(float64(got)-0.1) > 1e-6 {
		t.Errorf("-20dB scale = %v, want 0.1", got)
	}
}

func TestDbFromScaleRoundtrip(t *testing.T) {
	for _, db := range []float64{-40, -6, 0, 12} {
		got := DbFromScale(float64(ScaleFromDb(db)))
		if math.Abs(got-db) > 1e-4 {
			t.Errorf("roundtrip %vdB -> %vdB", db, got)
		}
	}
	if got := DbFromScale(0); got != MutedGainDb {
		t.Errorf("zero scale = %vdB, want muted", got)
	}
}

func TestClampGainDb(t *testing.T) {
	if got := ClampGainDb(100); got != MaxGainDb {
		t.Errorf("clamp high = %v", got)
	}
	if got := ClampGainDb(-500); got != MutedGainDb {
		t.Errorf("clamp low = %v", got)
	}
	if got := ClampGainDb(-6); got != -6 {
		t.Errorf("in-range gain changed to %v", got)
	}
}

func TestVolumeCurveValidation(t *testing.T) {
	cases := []struct {
		name   string
		points []CurvePoint
	}{
		{"too few", []CurvePoint{{0, -60}}},
		{"bad span", []CurvePoint{{0.1, -60}, {1, 0}}},
		{"level not rising", []CurvePoint{{0, -60}, {0.5, -30}, {0.5, -20}, {1, 0}}},
		{"gain not rising", []CurvePoint{{0, -60}, {0.5, -10}, {1, -20}}},
	}
	for _, tc := range cases {
		if _, err := NewVolumeCurve(tc.points); err == nil {
			t.Errorf("%s: invalid curve accepted", tc.name)
		}
	}
}

func TestDefaultVolumeCurve(t *testing.T) {
	c := DefaultVolumeCurve(DefaultCurveMinGainDb)

	if got := c.DbFromVolume(0); got != MutedGainDb {
		t.Errorf("volume 0 = %vdB, want silence", got)
	}
	if got := c.DbFromVolume(1); got != UnityGainDb {
		t.Errorf("volume 1 = %vdB, want unity", got)
	}
	if got := c.DbFromVolume(0.5); math.Abs(got-(-30)) > 1e-9 {
		t.Errorf("volume 0.5 = %vdB, want -30", got)
	}

	// Inverse agrees on the interior.
	for _, v := range []float64{0.25, 0.5, 0.9} {
		if got := c.VolumeFromDb(c.DbFromVolume(v)); math.Abs(got-v) > 1e-9 {
			t.Errorf("inverse(%v) = %v", v, got)
		}
	}
	if got := c.VolumeFromDb(MutedGainDb); got != 0 {
		t.Errorf("muted maps to volume %v, want 0", got)
	}
}
