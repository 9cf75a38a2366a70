// ABOUTME: Speaker endpoint playing the device ring through the oto library.
// ABOUTME: A feeder goroutine paces ring bytes into a persistent pipe player.
package backend

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	"github.com/ebitengine/oto/v3"
	"github.com/google/uuid"
)

var speakerFormats = []audio.Format{
	{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000},
	{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 44100},
	{SampleFormat: audio.SampleFormatSigned16, Channels: 1, FramesPerSecond: 48000},
}

const feedPeriod = 10 * time.Millisecond

// oto allows exactly one context per process, so it is created once and every
// speaker after the first must match its format.
var (
	otoOnce     sync.Once
	otoCtx      *oto.Context
	otoRate     int
	otoChannels int
	otoErr      error
)

func ensureOtoContext(format audio.Format, buffer time.Duration) error {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   format.FramesPerSecond,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("failed to create oto context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
		otoRate = format.FramesPerSecond
		otoChannels = format.Channels
	})
	if otoErr != nil {
		return otoErr
	}
	if otoRate != format.FramesPerSecond || otoChannels != format.Channels {
		log.Printf("Warning: audio context is %dHz %dch and cannot be reinitialized for %dHz %dch",
			otoRate, otoChannels, format.FramesPerSecond, format.Channels)
		return fmt.Errorf("oto context already open at %dHz %dch", otoRate, otoChannels)
	}
	return nil
}

// Speaker plays the local default audio device. The ring is consumed at the
// nominal rate against the monotonic clock; oto's internal buffer absorbs the
// jitter between that pacing and the sound card.
type Speaker struct {
	now    clock.NowFunc
	buffer time.Duration

	mu        sync.Mutex
	format    audio.Format
	ring      *device.Ring
	pipeR     *io.PipeReader
	pipeW     *io.PipeWriter
	player    *oto.Player
	positions chan device.PositionNotification
	feedStop  chan struct{}
	feedDone  chan struct{}
	closed    bool
}

// NewSpeaker builds the endpoint for the default output device.
func NewSpeaker() *Speaker {
	return &Speaker{
		now:       clock.SystemMonotonic,
		buffer:    50 * time.Millisecond,
		positions: make(chan device.PositionNotification, 16),
	}
}

// SetNowFunc replaces the monotonic source, for tests.
func (s *Speaker) SetNowFunc(now clock.NowFunc) { s.now = now }

func (s *Speaker) Properties(context.Context) (device.Properties, error) {
	return device.Properties{
		UniqueID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:speaker")),
		Name:          "speaker",
		ClockDomain:   clock.DomainMonotonic,
		Formats:       speakerFormats,
		ExternalDelay: s.buffer,
		Plugged:       true,
	}, nil
}

func (s *Speaker) Configure(_ context.Context, format audio.Format, minFrames int64) (*device.Ring, error) {
	if err := ensureOtoContext(format, s.buffer); err != nil {
		return nil, err
	}
	ring, err := device.NewRing(format, minFrames)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownPlayerLocked()
	s.format = format
	s.ring = ring
	s.pipeR, s.pipeW = io.Pipe()
	s.player = otoCtx.NewPlayer(s.pipeR)
	return ring, nil
}

func (s *Speaker) Start(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return 0, fmt.Errorf("speaker not configured")
	}
	startMono := s.now()
	s.feedStop = make(chan struct{})
	s.feedDone = make(chan struct{})
	go s.feed(startMono, s.ring, s.pipeW, s.feedStop, s.feedDone)
	s.player.Play()
	return startMono, nil
}

func (s *Speaker) Stop(context.Context) error {
	s.mu.Lock()
	stop, done := s.feedStop, s.feedDone
	s.feedStop, s.feedDone = nil, nil
	player := s.player
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if player != nil {
		player.Pause()
	}
	return nil
}

func (s *Speaker) Positions() <-chan device.PositionNotification { return s.positions }

func (s *Speaker) PlugEvents() <-chan device.PlugEvent { return nil }

func (s *Speaker) Close() error {
	s.Stop(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.teardownPlayerLocked()
	if otoCtx != nil {
		otoCtx.Suspend()
	}
	close(s.positions)
	return nil
}

func (s *Speaker) teardownPlayerLocked() {
	if s.pipeW != nil {
		s.pipeW.Close()
		s.pipeW = nil
	}
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
	if s.pipeR != nil {
		s.pipeR.Close()
		s.pipeR = nil
	}
}

// feed copies ring bytes into the player pipe at the nominal rate. Pipe writes
// block against the player, so a stalled card backpressures here rather than
// spinning.
func (s *Speaker) feed(startMono int64, ring *device.Ring, pipe *io.PipeWriter, stop, done chan struct{}) {
	defer close(done)
	bps := int64(ring.Format().BytesPerSecond())
	bpf := int64(ring.Format().BytesPerFrame())
	ringBytes := ring.SizeBytes()
	chunk := make([]byte, 0, 4*bps/100)

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
			// After a long stall, resume from the present instead of
			// bursting stale ring contents.
			consumed = target - max
			n = max
		}
		chunk = chunk[:n]
		copyRingBytes(chunk, ring.Bytes(), consumed%ringBytes)
		if _, err := pipe.Write(chunk); err != nil {
			return
		}
		consumed = target
		select {
		case s.positions <- device.PositionNotification{MonotonicTime: now, RingPosition: consumed % ringBytes}:
		default:
		}
	}
}

// copyRingBytes fills dst from the ring starting at off, wrapping once.
func copyRingBytes(dst, ring []byte, off int64) {
	n := copy(dst, ring[off:])
	if n < len(dst) {
		copy(dst[n:], ring)
	}
}
