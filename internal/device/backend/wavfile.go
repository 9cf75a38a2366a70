// ABOUTME: WAV file endpoints: a render sink writing the ring to disk and a
// ABOUTME: capture source feeding ring frames from a file at the nominal rate.
package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

var wavSinkFormats = []audio.Format{
	{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000},
	{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 44100},
	{SampleFormat: audio.SampleFormatSigned16, Channels: 1, FramesPerSecond: 48000},
	{SampleFormat: audio.SampleFormatSigned16, Channels: 1, FramesPerSecond: 44100},
}

// WavSink renders the device ring into a WAV file in real time. It stands in
// for a sound card on machines without one.
type WavSink struct {
	path string
	now  clock.NowFunc

	mu        sync.Mutex
	ring      *device.Ring
	file      *os.File
	enc       *wav.Encoder
	positions chan device.PositionNotification
	feedStop  chan struct{}
	feedDone  chan struct{}
	closed    bool
}

// NewWavSink builds an output endpoint recording to path.
func NewWavSink(path string) *WavSink {
	return &WavSink{
		path:      path,
		now:       clock.SystemMonotonic,
		positions: make(chan device.PositionNotification, 16),
	}
}

// SetNowFunc replaces the monotonic source, for tests.
func (s *WavSink) SetNowFunc(now clock.NowFunc) { s.now = now }

func (s *WavSink) Properties(context.Context) (device.Properties, error) {
	return device.Properties{
		UniqueID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:wav-sink:"+s.path)),
		Name:        "wav-sink",
		ClockDomain: clock.DomainMonotonic,
		Formats:     wavSinkFormats,
		Plugged:     true,
	}, nil
}

func (s *WavSink) Configure(_ context.Context, format audio.Format, minFrames int64) (*device.Ring, error) {
	ring, err := device.NewRing(format, minFrames)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFileLocked()
	s.file = f
	s.enc = wav.NewEncoder(f, format.FramesPerSecond, 16, format.Channels, 1)
	s.ring = ring
	return ring, nil
}

func (s *WavSink) Start(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return 0, fmt.Errorf("wav sink not configured")
	}
	startMono := s.now()
	s.feedStop = make(chan struct{})
	s.feedDone = make(chan struct{})
	go s.drain(startMono, s.ring, s.enc, s.feedStop, s.feedDone)
	return startMono, nil
}

func (s *WavSink) Stop(context.Context) error {
	s.mu.Lock()
	stop, done := s.feedStop, s.feedDone
	s.feedStop, s.feedDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (s *WavSink) Positions() <-chan device.PositionNotification { return s.positions }

func (s *WavSink) PlugEvents() <-chan device.PlugEvent { return nil }

func (s *WavSink) Close() error {
	s.Stop(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.closeFileLocked()
	close(s.positions)
	return err
}

func (s *WavSink) closeFileLocked() error {
	var err error
	if s.enc != nil {
		err = s.enc.Close()
		s.enc = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

// drain consumes ring bytes at the nominal rate and appends them to the file.
func (s *WavSink) drain(startMono int64, ring *device.Ring, enc *wav.Encoder, stop, done chan struct{}) {
	defer close(done)
	f := ring.Format()
	bps := int64(f.BytesPerSecond())
	bpf := int64(f.BytesPerFrame())
	ringBytes := ring.SizeBytes()
	chunk := make([]byte, 0, 4*bps/100)
	ints := make([]int, 0, 4*bps/100/2)
	gfmt := &gaudio.Format{NumChannels: f.Channels, SampleRate: f.FramesPerSecond}

	ticker := time.NewTicker(feedPeriod)
	defer ticker.Stop()
	consumed := int64(0)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		now := s.now()
		target := (now - startMono) * bps / int64(time.Second)
		target -= target % bpf
		if target <= consumed {
			continue
		}
		n := target - consumed
		if max := int64(cap(chunk)); n > max {
			consumed = target - max
			n = max
		}
		chunk = chunk[:n]
		copyRingBytes(chunk, ring.Bytes(), consumed%ringBytes)

		ints = ints[:n/2]
		for i := range ints {
			ints[i] = int(int16(binary.LittleEndian.Uint16(chunk[i*2:])))
		}
		if err := enc.Write(&gaudio.IntBuffer{Format: gfmt, SourceBitDepth: 16, Data: ints}); err != nil {
			return
		}
		consumed = target
		select {
		case s.positions <- device.PositionNotification{MonotonicTime: now, RingPosition: consumed % ringBytes}:
		default:
		}
	}
}

// WavSource captures from a WAV file at the nominal rate, then delivers
// silence once the file runs out. Only 16-bit PCM files are accepted.
type WavSource struct {
	path string
	now  clock.NowFunc

	mu        sync.Mutex
	format    audio.Format
	ring      *device.Ring
	file      *os.File
	dec       *wav.Decoder
	positions chan device.PositionNotification
	feedStop  chan struct{}
	feedDone  chan struct{}
	closed    bool
}

// NewWavSource builds an input endpoint reading from path.
func NewWavSource(path string) *WavSource {
	return &WavSource{
		path:      path,
		now:       clock.SystemMonotonic,
		positions: make(chan device.PositionNotification, 16),
	}
}

// SetNowFunc replaces the monotonic source, for tests.
func (s *WavSource) SetNowFunc(now clock.NowFunc) { s.now = now }

func (s *WavSource) Properties(context.Context) (device.Properties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return device.Properties{}, err
	}
	return device.Properties{
		UniqueID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:wav-source:"+s.path)),
		Name:        "wav-source",
		IsInput:     true,
		ClockDomain: clock.DomainMonotonic,
		Formats:     []audio.Format{s.format},
		Plugged:     true,
	}, nil
}

func (s *WavSource) openLocked() error {
	if s.dec != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("%s is not a PCM WAV file", s.path)
	}
	if dec.BitDepth != 16 {
		f.Close()
		return fmt.Errorf("%s: unsupported bit depth %d", s.path, dec.BitDepth)
	}
	s.file = f
	s.dec = dec
	s.format = audio.Format{
		SampleFormat:    audio.SampleFormatSigned16,
		Channels:        int(dec.NumChans),
		FramesPerSecond: int(dec.SampleRate),
	}
	return nil
}

func (s *WavSource) Configure(_ context.Context, format audio.Format, minFrames int64) (*device.Ring, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if format != s.format {
		return nil, fmt.Errorf("wav source is %v", s.format)
	}
	ring, err := device.NewRing(format, minFrames)
	if err != nil {
		return nil, err
	}
	s.ring = ring
	return ring, nil
}

func (s *WavSource) Start(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ring == nil {
		return 0, fmt.Errorf("wav source not configured")
	}
	startMono := s.now()
	s.feedStop = make(chan struct{})
	s.feedDone = make(chan struct{})
	go s.fill(startMono, s.ring, s.dec, s.feedStop, s.feedDone)
	return startMono, nil
}

func (s *WavSource) Stop(context.Context) error {
	s.mu.Lock()
	stop, done := s.feedStop, s.feedDone
	s.feedStop, s.feedDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

func (s *WavSource) Positions() <-chan device.PositionNotification { return s.positions }

func (s *WavSource) PlugEvents() <-chan device.PlugEvent { return nil }

func (s *WavSource) Close() error {
	s.Stop(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file != nil {
		s.file.Close()
		s.file = nil
		s.dec = nil
	}
	close(s.positions)
	return nil
}

// fill produces ring frames at the nominal rate, decoding from the file until
// it ends and silence from then on.
func (s *WavSource) fill(startMono int64, ring *device.Ring, dec *wav.Decoder, stop, done chan struct{}) {
	defer close(done)
	f := ring.Format()
	fps := int64(f.FramesPerSecond)
	ch := f.Channels
	pcm := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: ch, SampleRate: f.FramesPerSecond},
		Data:   make([]int, 4800*ch),
	}
	eof := false

	ticker := time.NewTicker(feedPeriod)
	defer ticker.Stop()
	produced := int64(0)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		now := s.now()
		target := (now - startMono) * fps / int64(time.Second)
		if behind := target - ring.Frames(); produced < behind {
			// Stalled past a full ring: skip ahead rather than burst.
			produced = behind
		}
		for produced < target {
			want := target - produced
			if max := int64(len(pcm.Data) / ch); want > max {
				want = max
			}
			wb := ring.WriteLock(produced, want)
			frames := int64(0)
			if !eof {
				pcm.Data = pcm.Data[:int(wb.Frames)*ch]
				n, err := dec.PCMBuffer(pcm)
				if err != nil || n == 0 {
					eof = true
				} else {
					frames = int64(n / ch)
					for i := 0; i < n; i++ {
						binary.LittleEndian.PutUint16(wb.Bytes[i*2:], uint16(int16(pcm.Data[i])))
					}
				}
				pcm.Data = pcm.Data[:cap(pcm.Data)]
			}
			if frames < wb.Frames {
				audio.FillSilence(f.SampleFormat, wb.Bytes[frames*int64(f.BytesPerFrame()):])
			}
			produced += wb.Frames
			wb.Unlock()
		}
		select {
		case s.positions <- device.PositionNotification{
			MonotonicTime: now,
			RingPosition:  (produced * int64(f.BytesPerFrame())) % ring.SizeBytes(),
		}:
		default:
		}
	}
}
