// ABOUTME: Synthetic endpoint simulating ring transport without hardware.
// ABOUTME: Supports skewed oscillators, scripted plug events, and delays.
package backend

import (
	"context"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	"github.com/google/uuid"
)

// Synthetic implements device.Endpoint in memory. Tests drive positions and
// plug changes by hand; the daemon can run one with a timer for a machine
// with no sound hardware.
type Synthetic struct {
	id          uuid.UUID
	name        string
	isInput     bool
	clockDomain uint32
	skewPPM     float64
	now         clock.NowFunc
	formats     []audio.Format
	fifoBytes   int64
	extDelay    time.Duration
	pluggable   bool
	plugged     bool
	cmdDelay    time.Duration

	positions chan device.PositionNotification
	plugs     chan device.PlugEvent

	mu        sync.Mutex
	ring      *device.Ring
	format    audio.Format
	started   bool
	startMono int64
	closed    bool

	tickStop chan struct{}
	tickDone chan struct{}
}

// NewSynthetic builds a monotonic-domain endpoint supporting the given
// formats. Adjust it with the setters before handing it to an adapter.
func NewSynthetic(name string, isInput bool, formats []audio.Format) *Synthetic {
	return &Synthetic{
		id:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:synthetic:"+name)),
		name:        name,
		isInput:     isInput,
		clockDomain: clock.DomainMonotonic,
		now:         clock.SystemMonotonic,
		formats:     formats,
		plugged:     true,
		positions:   make(chan device.PositionNotification, 16),
		plugs:       make(chan device.PlugEvent, 16),
	}
}

// SetClockDomain declares a non-monotonic oscillator so the adapter builds
// an adjustable clock and expects position notifications.
func (s *Synthetic) SetClockDomain(domain uint32) { s.clockDomain = domain }

// SetSkewPPM sets the simulated oscillator error applied to positions.
func (s *Synthetic) SetSkewPPM(ppm float64) { s.skewPPM = ppm }

// SetNowFunc replaces the monotonic source, for tests.
func (s *Synthetic) SetNowFunc(now clock.NowFunc) { s.now = now }

// SetFIFOBytes sets the reported hardware FIFO depth.
func (s *Synthetic) SetFIFOBytes(n int64) { s.fifoBytes = n }

// SetExternalDelay sets the reported latency past the ring.
func (s *Synthetic) SetExternalDelay(d time.Duration) { s.extDelay = d }

// SetPluggable makes the endpoint report plug detection with the given
// initial state.
func (s *Synthetic) SetPluggable(plugged bool) {
	s.pluggable = true
	s.plugged = plugged
}

// SetCommandDelay makes every command sleep first, honoring the context.
// Timeout paths in adapter tests use this.
func (s *Synthetic) SetCommandDelay(d time.Duration) { s.cmdDelay = d }

func (s *Synthetic) delay(ctx context.Context) error {
	if s.cmdDelay <= 0 {
		return nil
	}
	t := time.NewTimer(s.cmdDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Synthetic) Properties(ctx context.Context) (device.Properties, error) {
	if err := s.delay(ctx); err != nil {
		return device.Properties{}, err
	}
	return device.Properties{
		UniqueID:      s.id,
		Name:          s.name,
		IsInput:       s.isInput,
		ClockDomain:   s.clockDomain,
		Formats:       s.formats,
		FIFOBytes:     s.fifoBytes,
		ExternalDelay: s.extDelay,
		Pluggable:     s.pluggable,
		Plugged:       s.plugged,
	}, nil
}

func (s *Synthetic) Configure(ctx context.Context, format audio.Format, minFrames int64) (*device.Ring, error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	ring, err := device.NewRing(format, minFrames)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ring = ring
	s.format = format
	s.mu.Unlock()
	return ring, nil
}

func (s *Synthetic) Start(ctx context.Context) (int64, error) {
	if err := s.delay(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.startMono = s.now()
	return s.startMono, nil
}

func (s *Synthetic) Stop(ctx context.Context) error {
	if err := s.delay(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.stopTimer()
	return nil
}

func (s *Synthetic) Positions() <-chan device.PositionNotification { return s.positions }

func (s *Synthetic) PlugEvents() <-chan device.PlugEvent { return s.plugs }

func (s *Synthetic) Close() error {
	s.stopTimer()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.positions)
		close(s.plugs)
	}
	return nil
}

// EmitPosition publishes the simulated hardware pointer for the given
// monotonic time, advanced at the skewed oscillator rate since Start.
func (s *Synthetic) EmitPosition(mono int64) {
	s.mu.Lock()
	if !s.started || s.ring == nil || s.closed {
		s.mu.Unlock()
		return
	}
	elapsed := mono - s.startMono
	bytesPerSecond := float64(s.format.BytesPerSecond()) * (1 + s.skewPPM/1e6)
	total := int64(float64(elapsed) * bytesPerSecond / 1e9)
	bpf := int64(s.format.BytesPerFrame())
	total -= total % bpf
	pos := total % s.ring.SizeBytes()
	s.mu.Unlock()

	select {
	case s.positions <- device.PositionNotification{MonotonicTime: mono, RingPosition: pos}:
	default:
	}
}

// EmitPlug publishes a plug state change.
func (s *Synthetic) EmitPlug(plugged bool, mono int64) {
	s.mu.Lock()
	closed := s.closed
	s.plugged = plugged
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.plugs <- device.PlugEvent{Plugged: plugged, MonotonicTime: mono}:
	default:
	}
}

// StartTimer emits positions every interval from a background goroutine,
// for running the daemon without hardware.
func (s *Synthetic) StartTimer(interval time.Duration) {
	s.stopTimer()
	stop := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.tickStop, s.tickDone = stop, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.EmitPosition(s.now())
			}
		}
	}()
}

func (s *Synthetic) stopTimer() {
	s.mu.Lock()
	stop, done := s.tickStop, s.tickDone
	s.tickStop, s.tickDone = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
