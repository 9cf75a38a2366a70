// ABOUTME: Mix stages combine source streams onto a destination frame timeline.
// ABOUTME: Inputs resync from timeline snapshots and accumulate through their mixers.
package mix

import (
	"math"
	"sync"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// Input is one source attached to a MixStage. The handle is used to detach.
type Input struct {
	src   stream.Readable
	mixer *Mixer
	gain  *Gain

	synced     bool
	srcGen     uint64
	dstGen     uint64
	dstToSrc   timeline.Function
	nextDst    int64
	lastSrcEnd int64
}

// MixStage accumulates all attached inputs into float32 mix windows on the
// destination's frame timeline. It implements stream.Readable so stages can
// stack under effect stages or feed a device directly.
type MixStage struct {
	mu       sync.Mutex
	format   audio.Format
	snapshot func() timeline.Snapshot
	inputs   []*Input

	acc      []float32
	scaleBuf []float32
}

// NewMixStage builds a stage producing the given format on the destination
// timeline supplied by snapshot.
func NewMixStage(format audio.Format, snapshot func() timeline.Snapshot) *MixStage {
	return &MixStage{format: format, snapshot: snapshot}
}

// Format implements stream.Readable.
func (s *MixStage) Format() audio.Format {
	return s.format
}

// Timeline implements stream.Readable.
func (s *MixStage) Timeline() timeline.Snapshot {
	return s.snapshot()
}

// AddInput attaches a source through a new mixer. Runs on the mix domain.
func (s *MixStage) AddInput(src stream.Readable, gain *Gain, sampler SamplerType) *Input {
	in := &Input{
		src:        src,
		mixer:      NewMixer(src.Format(), s.format, sampler),
		gain:       gain,
		lastSrcEnd: math.MinInt64,
	}
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	return in
}

// RemoveInput detaches a source. Runs on the mix domain, so no mix pass can
// observe the input afterwards.
func (s *MixStage) RemoveInput(in *Input) {
	s.mu.Lock()
	for i, have := range s.inputs {
		if have == in {
			s.inputs = append(s.inputs[:i], s.inputs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// InputCount reports how many sources are attached.
func (s *MixStage) InputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

// ReadLock implements stream.Readable: one mix pass over [from, from+frames).
// Nil means no input had data; otherwise the window is fully populated, with
// silence where sources had gaps.
func (s *MixStage) ReadLock(from, frames int64) *stream.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inputs) == 0 || frames <= 0 {
		return nil
	}
	samples := int(frames) * s.format.Channels
	if cap(s.acc) < samples {
		s.acc = make([]float32, samples)
	}
	acc := s.acc[:samples]
	for i := range acc {
		acc[i] = 0
	}
	if cap(s.scaleBuf) < int(frames) {
		s.scaleBuf = make([]float32, frames)
	}

	produced := false
	discont := false
	for _, in := range s.inputs {
		p, d := s.mixOne(in, acc, from, frames)
		produced = produced || p
		discont = discont || d
	}
	if !produced {
		return nil
	}
	b := stream.NewBuffer(from, frames, acc, nil)
	b.Discontinuity = discont
	return b
}

func (s *MixStage) mixOne(in *Input, acc []float32, from, frames int64) (contributed, discont bool) {
	srcSnap := in.src.Timeline()
	dstSnap := s.snapshot()
	if !dstSnap.Function.Invertible() {
		return false, false
	}
	if !in.synced || in.srcGen != srcSnap.Generation || in.dstGen != dstSnap.Generation || in.nextDst != from {
		in.dstToSrc = composeFracMap(srcSnap, dstSnap)
		in.srcGen = srcSnap.Generation
		in.dstGen = dstSnap.Generation
		in.synced = true
		in.mixer.SetPosition(audio.FracFrames(in.dstToSrc.Apply(from)))
		in.lastSrcEnd = math.MinInt64
	}
	in.nextDst = from + frames

	if in.gain.IsSilent() {
		// The stream still advances; its frames retire on the next trim.
		in.mixer.Advance(frames)
		return false, false
	}

	constScale, isRamp := in.gain.ScaleForFrames(from, frames, s.scaleBuf)
	var scales []float32
	if isRamp {
		scales = s.scaleBuf[:frames]
	}

	offset := int64(0)
	for offset < frames {
		srcFirst, srcEnd := in.mixer.SourceSpan(frames - offset)
		if srcEnd <= srcFirst {
			in.mixer.Advance(frames - offset)
			break
		}
		sb := in.src.ReadLock(srcFirst, srcEnd-srcFirst)
		if sb == nil {
			in.mixer.Advance(frames - offset)
			break
		}
		if sb.Discontinuity {
			discont = true
		}
		if sb.Start != in.lastSrcEnd {
			in.mixer.ResetHistory()
		}
		n := in.mixer.MixInto(acc, int(offset), int(frames-offset), sb.Data, sb.Start, scales, constScale)
		in.lastSrcEnd = sb.End()
		sb.Unlock()
		if n == 0 {
			// Source too short even to step once; treat the rest as a gap.
			in.mixer.Advance(frames - offset)
			break
		}
		contributed = true
		offset += int64(n)
	}
	return contributed, discont
}

// Trim implements stream.Readable, forwarding the trim point to every input
// on its own frame timeline.
func (s *MixStage) Trim(frame int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dstSnap := s.snapshot()
	if !dstSnap.Function.Invertible() {
		return
	}
	for _, in := range s.inputs {
		srcSnap := in.src.Timeline()
		fn := composeFracMap(srcSnap, dstSnap)
		in.src.Trim(audio.FracFrames(fn.Apply(frame)).Floor())
	}
}

// composeFracMap builds the map from destination frames to fractional source
// frames via the shared reference timeline.
func composeFracMap(src, dst timeline.Snapshot) timeline.Function {
	refFromDst := dst.Function.Inverse()
	sf := src.Function
	frac := timeline.NewFunction(
		sf.SubjectTime<<audio.FracBits,
		sf.ReferenceTime,
		sf.Rate.Product(timeline.NewRate(1<<audio.FracBits, 1)),
	)
	return timeline.Compose(frac, refFromDst)
}
