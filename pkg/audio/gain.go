// ABOUTME: Decibel and amplitude-scale arithmetic for the gain pipeline.
// ABOUTME: All gain folding clamps into [MutedGainDb, MaxGainDb].
package audio

import "math"

const (
	// UnityGainDb leaves samples untouched.
	UnityGainDb = 0.0
	// MutedGainDb and below produce exact silence.
	MutedGainDb = -160.0
	// MaxGainDb bounds amplification.
	MaxGainDb = 24.0
)

// ScaleFromDb converts decibels to an amplitude multiplier. Anything at or
// below MutedGainDb is exact zero.
func ScaleFromDb(db float64) float32 {
	if db <= MutedGainDb {
		return 0
	}
	return float32(math.Pow(10, db/20))
}

// DbFromScale converts an amplitude multiplier back to decibels.
func DbFromScale(scale float64) float64 {
	if scale <= 0 {
		return MutedGainDb
	}
	return 20 * math.Log10(scale)
}

// ClampGainDb folds a summed gain into the representable range.
func ClampGainDb(db float64) float64 {
	if db < MutedGainDb {
		return MutedGainDb
	}
	if db > MaxGainDb {
		return MaxGainDb
	}
	return db
}
