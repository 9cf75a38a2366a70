// ABOUTME: Fixed-point frame positions used by the samplers.
// ABOUTME: Thirteen fractional bits, matching the mixers' interpolation precision.
package audio

import "math"

// FracBits is the number of fractional bits in a FracFrames value.
const FracBits = 13

// FracOne is one whole frame in fixed point.
const FracOne FracFrames = 1 << FracBits

// FracFrames is a frame position with FracBits fractional bits. Arithmetic
// shift keeps Floor correct for negative positions.
type FracFrames int64

// FracFromFrames converts whole frames to fixed point.
func FracFromFrames(frames int64) FracFrames {
	return FracFrames(frames << FracBits)
}

// FracFromFloat converts a fractional frame count, rounding to nearest.
func FracFromFloat(frames float64) FracFrames {
	return FracFrames(math.Round(frames * float64(FracOne)))
}

// Floor reports the whole frame at or before the position.
func (f FracFrames) Floor() int64 {
	return int64(f >> FracBits)
}

// Ceiling reports the whole frame at or after the position.
func (f FracFrames) Ceiling() int64 {
	return int64((f + FracOne - 1) >> FracBits)
}

// Fraction reports the sub-frame part.
func (f FracFrames) Fraction() FracFrames {
	return f & (FracOne - 1)
}

// Float converts the position to floating-point frames.
func (f FracFrames) Float() float64 {
	return float64(f) / float64(FracOne)
}
