// ABOUTME: Affine functions mapping one monotonic time domain onto another.
// ABOUTME: Relates reference clocks, media frames, and ring-buffer positions.
package timeline

import (
	"fmt"
	"math"
	"math/bits"
)

// Rate is an exact rational rate: SubjectDelta subject units advance per
// ReferenceDelta reference units.
type Rate struct {
	SubjectDelta   uint32
	ReferenceDelta uint32
}

// NewRate reduces the fraction to lowest terms. ReferenceDelta must be
// non-zero.
func NewRate(subjectDelta, referenceDelta uint32) Rate {
	if referenceDelta == 0 {
		panic("timeline: rate with zero reference delta")
	}
	g := gcd(uint64(subjectDelta), uint64(referenceDelta))
	return Rate{
		SubjectDelta:   uint32(uint64(subjectDelta) / g),
		ReferenceDelta: uint32(uint64(referenceDelta) / g),
	}
}

// FramesPerSecond builds the frames-per-nanosecond rate for a sample rate.
func FramesPerSecond(fps int) Rate {
	return NewRate(uint32(fps), 1e9)
}

// Scale converts a reference delta to a subject delta, rounding toward
// negative infinity. Results outside the int64 range saturate.
func (r Rate) Scale(n int64) int64 {
	neg := n < 0
	un := uint64(n)
	if neg {
		un = uint64(-n)
	}
	hi, lo := bits.Mul64(un, uint64(r.SubjectDelta))
	div := uint64(r.ReferenceDelta)
	if hi >= div {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	q, rem := bits.Div64(hi, lo, div)
	if !neg {
		if q > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(q)
	}
	if rem != 0 {
		q++
	}
	if q > uint64(math.MaxInt64)+1 {
		return math.MinInt64
	}
	return -int64(q)
}

// Inverse swaps subject and reference. Panics on a zero rate.
func (r Rate) Inverse() Rate {
	if r.SubjectDelta == 0 {
		panic("timeline: inverse of zero rate")
	}
	return Rate{SubjectDelta: r.ReferenceDelta, ReferenceDelta: r.SubjectDelta}
}

// Product multiplies two rates, reducing to lowest terms. When the exact
// product does not fit, both terms are halved until it does.
func (r Rate) Product(other Rate) Rate {
	subj := uint64(r.SubjectDelta) * uint64(other.SubjectDelta)
	ref := uint64(r.ReferenceDelta) * uint64(other.ReferenceDelta)
	g := gcd(subj, ref)
	subj /= g
	ref /= g
	for subj > math.MaxUint32 || ref > math.MaxUint32 {
		subj >>= 1
		ref >>= 1
		if ref == 0 {
			ref = 1
		}
	}
	return Rate{SubjectDelta: uint32(subj), ReferenceDelta: uint32(ref)}
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// Function is an affine map from a reference timeline to a subject timeline:
// subject = SubjectTime + (reference - ReferenceTime) * Rate.
type Function struct {
	SubjectTime   int64
	ReferenceTime int64
	Rate          Rate
}

// NewFunction builds the map passing through the given correspondence point.
func NewFunction(subjectTime, referenceTime int64, rate Rate) Function {
	return Function{SubjectTime: subjectTime, ReferenceTime: referenceTime, Rate: rate}
}

// Apply maps a reference time to the corresponding subject time.
func (f Function) Apply(reference int64) int64 {
	return f.SubjectTime + f.Rate.Scale(reference-f.ReferenceTime)
}

// Invertible reports whether the function can be applied in reverse.
func (f Function) Invertible() bool {
	return f.Rate.SubjectDelta != 0
}

// ApplyInverse maps a subject time back to a reference time. Calling it on a
// non-invertible function is a programming error and panics.
func (f Function) ApplyInverse(subject int64) int64 {
	return f.Inverse().Apply(subject)
}

// Inverse returns the reverse map. Panics when not invertible.
func (f Function) Inverse() Function {
	if !f.Invertible() {
		panic("timeline: inverse of non-invertible function")
	}
	return Function{
		SubjectTime:   f.ReferenceTime,
		ReferenceTime: f.SubjectTime,
		Rate:          f.Rate.Inverse(),
	}
}

// Compose chains two functions: the result maps ab's reference domain through
// ab and then through bc, so Compose(bc, ab).Apply(x) == bc.Apply(ab.Apply(x)).
func Compose(bc, ab Function) Function {
	return Function{
		SubjectTime:   bc.Apply(ab.SubjectTime),
		ReferenceTime: ab.ReferenceTime,
		Rate:          bc.Rate.Product(ab.Rate),
	}
}

func (f Function) String() string {
	return fmt.Sprintf("subj %d + (ref - %d) * %d/%d",
		f.SubjectTime, f.ReferenceTime, f.Rate.SubjectDelta, f.Rate.ReferenceDelta)
}

// Snapshot pairs a function with a generation counter. Publishers bump the
// generation on every discontinuous change so readers can detect that cached
// derivations are stale.
type Snapshot struct {
	Function   Function
	Generation uint64
}
