// ABOUTME: Rate-converting sample mixer accumulating one source into a mix buffer.
// ABOUTME: Steps the source position with an exact rational rate, no drift.
package mix

import (
	"github.com/auricle-audio/auricle-go/pkg/audio"
)

// SamplerType selects the interpolation a Mixer uses.
type SamplerType int

const (
	// SamplerPoint takes the nearest preceding source frame.
	SamplerPoint SamplerType = iota
	// SamplerLinear interpolates between neighbouring source frames and
	// keeps one frame of history across buffer boundaries.
	SamplerLinear
)

const maxChannels = 8

// Mixer converts one source stream onto a destination timeline: rate
// conversion, channel mapping, gain, and accumulation into the mix buffer.
// The fractional source position advances by the exact rational ratio of the
// two frame rates, with a modulo accumulator carrying the remainder.
type Mixer struct {
	srcCh   int
	dstCh   int
	sampler SamplerType

	step    audio.FracFrames
	rateMod int64
	dstFPS  int64

	pos    audio.FracFrames
	posMod int64

	prev     [maxChannels]float32
	havePrev bool
}

// NewMixer builds a mixer from the source format onto the destination.
func NewMixer(srcFormat, dstFormat audio.Format, sampler SamplerType) *Mixer {
	num := int64(srcFormat.FramesPerSecond) << audio.FracBits
	den := int64(dstFormat.FramesPerSecond)
	return &Mixer{
		srcCh:   srcFormat.Channels,
		dstCh:   dstFormat.Channels,
		sampler: sampler,
		step:    audio.FracFrames(num / den),
		rateMod: num % den,
		dstFPS:  den,
	}
}

// Position reports the fractional source frame of the next destination frame.
func (m *Mixer) Position() audio.FracFrames {
	return m.pos
}

// SetPosition re-anchors the source position, dropping interpolation history.
func (m *Mixer) SetPosition(p audio.FracFrames) {
	m.pos = p
	m.posMod = 0
	m.ResetHistory()
}

// ResetHistory forgets the cross-buffer interpolation frame, for use when
// the source skipped.
func (m *Mixer) ResetHistory() {
	m.havePrev = false
}

// Advance moves the position by destination frames without producing
// anything, as when the source had no data for a span.
func (m *Mixer) Advance(dstFrames int64) {
	m.pos += m.step * audio.FracFrames(dstFrames)
	m.posMod += m.rateMod * dstFrames
	m.pos += audio.FracFrames(m.posMod / m.dstFPS)
	m.posMod %= m.dstFPS
	m.ResetHistory()
}

func (m *Mixer) advanceOne() {
	m.pos += m.step
	m.posMod += m.rateMod
	if m.posMod >= m.dstFPS {
		m.pos++
		m.posMod -= m.dstFPS
	}
}

// SourceSpan reports the source frames [first, end) needed to produce
// dstFrames from the current position, including interpolation width.
func (m *Mixer) SourceSpan(dstFrames int64) (first, end int64) {
	first = m.pos.Floor()
	if m.havePrev && first > 0 {
		// History substitutes for the frame before the buffer.
		first = m.pos.Ceiling() - 1
		if first < 0 {
			first = 0
		}
	}
	last := m.pos + m.step*audio.FracFrames(dstFrames-1) +
		audio.FracFrames((m.posMod+m.rateMod*(dstFrames-1))/m.dstFPS)
	end = last.Floor() + 1
	if m.sampler == SamplerLinear {
		end++
	}
	return first, end
}

// MixInto accumulates destination frames into acc, reading source samples
// from src whose first frame is srcStart. dstOffset is where in the window
// this call continues; gain comes from scales (per frame, indexed by window
// position) or constScale when scales is nil. Destination frames whose
// source data lies before src are skipped silently but still advance the
// position. Returns how many destination frames were stepped; fewer than
// dstFrames means the source ran out.
func (m *Mixer) MixInto(acc []float32, dstOffset, dstFrames int, src []float32, srcStart int64, scales []float32, constScale float32) int {
	srcFrames := len(src) / m.srcCh
	if srcFrames == 0 {
		return 0
	}
	srcStartFrac := audio.FracFromFrames(srcStart)

	for i := 0; i < dstFrames; i++ {
		rel := m.pos - srcStartFrac
		idx := int(rel.Floor())
		frac := rel.Fraction()

		var sample [maxChannels]float32
		ok := false
		switch m.sampler {
		case SamplerPoint:
			if idx >= srcFrames {
				return i
			}
			if idx >= 0 {
				sample = m.frameAt(src, idx)
				ok = true
			}
		case SamplerLinear:
			switch {
			case idx >= srcFrames || (idx == srcFrames-1 && frac != 0):
				// Needs a frame past this buffer.
				m.prev = m.frameAt(src, srcFrames-1)
				m.havePrev = true
				return i
			case idx >= 0 && frac == 0:
				sample = m.frameAt(src, idx)
				ok = true
			case idx >= 0:
				a := m.frameAt(src, idx)
				b := m.frameAt(src, idx+1)
				sample = lerpFrame(a, b, frac.Float(), m.dstCh)
				ok = true
			case idx == -1 && m.havePrev:
				b := m.frameAt(src, 0)
				sample = lerpFrame(m.prev, b, frac.Float(), m.dstCh)
				ok = true
			}
		}

		if ok {
			scale := constScale
			if scales != nil {
				scale = scales[dstOffset+i]
			}
			base := (dstOffset + i) * m.dstCh
			for c := 0; c < m.dstCh; c++ {
				acc[base+c] += sample[c] * scale
			}
		}
		m.advanceOne()
	}

	if srcFrames > 0 {
		m.prev = m.frameAt(src, srcFrames-1)
		m.havePrev = true
	}
	return dstFrames
}

// frameAt maps one source frame onto destination channels: identical counts
// pass through, mono fans out, many-to-one averages, and otherwise the
// leading channels map directly.
func (m *Mixer) frameAt(src []float32, idx int) [maxChannels]float32 {
	var out [maxChannels]float32
	base := idx * m.srcCh
	switch {
	case m.srcCh == m.dstCh:
		copy(out[:m.dstCh], src[base:base+m.srcCh])
	case m.srcCh == 1:
		for c := 0; c < m.dstCh; c++ {
			out[c] = src[base]
		}
	case m.dstCh == 1:
		var sum float32
		for c := 0; c < m.srcCh; c++ {
			sum += src[base+c]
		}
		out[0] = sum / float32(m.srcCh)
	default:
		n := m.srcCh
		if m.dstCh < n {
			n = m.dstCh
		}
		copy(out[:n], src[base:base+n])
	}
	return out
}

func lerpFrame(a, b [maxChannels]float32, t float64, ch int) [maxChannels]float32 {
	var out [maxChannels]float32
	ft := float32(t)
	for c := 0; c < ch; c++ {
		out[c] = a[c] + ft*(b[c]-a[c])
	}
	return out
}
