// ABOUTME: Tests for the driver adapter state machine.
// ABOUTME: Uses a scripted endpoint with injectable time and command delays.
package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	"github.com/google/uuid"
)

var testFormat = audio.Format{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000}

type fakeEndpoint struct {
	props    Properties
	now      clock.NowFunc
	cmdDelay time.Duration

	positions chan PositionNotification
	plugs     chan PlugEvent

	mu      sync.Mutex
	ring    *Ring
	starts  int
	stops   int
	closes  int
	started int64
}

func newFakeEndpoint(props Properties, now clock.NowFunc) *fakeEndpoint {
	if now == nil {
		now = clock.SystemMonotonic
	}
	return &fakeEndpoint{
		props:     props,
		now:       now,
		positions: make(chan PositionNotification, 8),
		plugs:     make(chan PlugEvent, 8),
	}
}

func (e *fakeEndpoint) delay(ctx context.Context) error {
	if e.cmdDelay <= 0 {
		return nil
	}
	t := time.NewTimer(e.cmdDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEndpoint) Properties(ctx context.Context) (Properties, error) {
	if err := e.delay(ctx); err != nil {
		return Properties{}, err
	}
	return e.props, nil
}

func (e *fakeEndpoint) Configure(ctx context.Context, format audio.Format, minFrames int64) (*Ring, error) {
	if err := e.delay(ctx); err != nil {
		return nil, err
	}
	ring, err := NewRing(format, minFrames)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.ring = ring
	e.mu.Unlock()
	return ring, nil
}

func (e *fakeEndpoint) Start(ctx context.Context) (int64, error) {
	if err := e.delay(ctx); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	e.started = e.now()
	return e.started, nil
}

func (e *fakeEndpoint) Stop(ctx context.Context) error {
	if err := e.delay(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *fakeEndpoint) Positions() <-chan PositionNotification { return e.positions }

func (e *fakeEndpoint) PlugEvents() <-chan PlugEvent { return e.plugs }

func (e *fakeEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

func testProps(domain uint32) Properties {
	return Properties{
		UniqueID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:test-device")),
		Name:        "test-device",
		ClockDomain: domain,
		Formats:     []audio.Format{testFormat},
		FIFOBytes:   64,
	}
}

func TestAdapterLifecycle(t *testing.T) {
	mono := int64(0)
	now := func() int64 { return mono }
	ep := newFakeEndpoint(testProps(clock.DomainMonotonic), now)
	a := NewAdapter(ep, now)
	ctx := context.Background()

	if a.State() != StateUninitialized {
		t.Fatalf("state = %v", a.State())
	}
	if err := a.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if a.State() != StateUnconfigured {
		t.Fatalf("state after Init = %v", a.State())
	}

	if err := a.Configure(ctx, testFormat, 100*time.Millisecond); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if a.State() != StateConfigured {
		t.Fatalf("state after Configure = %v", a.State())
	}
	if got := a.Ring().Frames(); got < 4800 {
		t.Errorf("ring frames = %d, want at least 100ms", got)
	}
	// 64 FIFO bytes at 4 bytes per frame.
	if got := a.FIFOFrames(); got != 16 {
		t.Errorf("FIFO frames = %d, want 16", got)
	}
	if a.PresentationTimeline().Function.Invertible() {
		t.Error("presentation timeline runs before Start")
	}

	mono = int64(time.Second)
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.State() != StateStarted {
		t.Fatalf("state after Start = %v", a.State())
	}

	// 10ms into the transport: 480 frames moved, plus the FIFO.
	ref := a.ReferenceClock().ReferenceFromMonotonic(mono + int64(10*time.Millisecond))
	if got := a.SafeWriteFrame(ref); got != 496 {
		t.Errorf("safe write frame = %d, want 496", got)
	}
	if got := a.PresentationTimeline().Function.Apply(mono + int64(10*time.Millisecond)); got != 480 {
		t.Errorf("presented frames = %d, want 480", got)
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.State() != StateConfigured {
		t.Fatalf("state after Stop = %v", a.State())
	}
	if a.PresentationTimeline().Function.Invertible() {
		t.Error("presentation timeline still runs after Stop")
	}

	a.Cleanup()
	a.Cleanup()
	if a.State() != StateShutdown {
		t.Fatalf("state after Cleanup = %v", a.State())
	}
	ep.mu.Lock()
	closes := ep.closes
	ep.mu.Unlock()
	if closes != 1 {
		t.Errorf("endpoint closed %d times", closes)
	}
}

func TestAccessorsPanicBeforeConfigured(t *testing.T) {
	ep := newFakeEndpoint(testProps(clock.DomainMonotonic), nil)
	a := NewAdapter(ep, nil)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("UniqueID before Configure did not panic")
		}
	}()
	a.UniqueID()
}

func TestCommandTimeoutForcesShutdown(t *testing.T) {
	ep := newFakeEndpoint(testProps(clock.DomainMonotonic), nil)
	ep.cmdDelay = time.Hour
	a := NewAdapter(ep, nil)
	a.SetCommandTimeout(20 * time.Millisecond)

	err := a.Init(context.Background())
	if err == nil {
		t.Fatal("Init succeeded despite the stalled endpoint")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want a deadline", err)
	}
	if a.State() != StateShutdown {
		t.Errorf("state = %v, want Shutdown", a.State())
	}
}

func TestConfigureRejectsUnsupportedFormat(t *testing.T) {
	ep := newFakeEndpoint(testProps(clock.DomainMonotonic), nil)
	a := NewAdapter(ep, nil)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	other := audio.Format{SampleFormat: audio.SampleFormatFloat32, Channels: 1, FramesPerSecond: 44100}
	err := a.Configure(context.Background(), other, 100*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("err = %v", err)
	}
	// A bad argument is the caller's problem, not a driver fault.
	if a.State() != StateUnconfigured {
		t.Errorf("state = %v, want Unconfigured", a.State())
	}
}

func TestOutOfOrderCommandsFail(t *testing.T) {
	ep := newFakeEndpoint(testProps(clock.DomainMonotonic), nil)
	a := NewAdapter(ep, nil)
	if err := a.Start(context.Background()); err == nil {
		t.Error("Start before Init succeeded")
	}
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := a.Stop(context.Background()); err == nil {
		t.Error("Stop before Start succeeded")
	}
}

func TestPositionNotificationsTuneTheClock(t *testing.T) {
	mono := int64(0)
	now := func() int64 { return mono }
	ep := newFakeEndpoint(testProps(5), now)
	a := NewAdapter(ep, now)
	ctx := context.Background()
	if err := a.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Three seconds of ring so second-apart notifications stay unwrappable.
	if err := a.Configure(ctx, testFormat, 3*time.Second); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	clk := a.ReferenceClock()
	if !clk.Adjustable() {
		t.Fatal("domain 5 clock is not adjustable")
	}

	// The fake oscillator runs 500 ppm fast: 192096 bytes per second at
	// 192000 nominal. Positions wrap the 576000-byte ring.
	ringBytes := a.Ring().SizeBytes()
	total := int64(0)
	for i := int64(1); i <= 3; i++ {
		total = i * 192096
		a.handlePosition(PositionNotification{
			MonotonicTime: i * int64(time.Second),
			RingPosition:  total % ringBytes,
		})
	}
	if total%ringBytes >= total {
		t.Fatal("test did not exercise ring wrap")
	}

	ppm := clk.RateAdjustmentPPM()
	if ppm <= 40 || ppm > 500 {
		t.Errorf("rate adjustment = %v ppm, want converging toward +500", ppm)
	}
}

func TestMonotonicDomainClockIsNeverTuned(t *testing.T) {
	mono := int64(0)
	now := func() int64 { return mono }
	ep := newFakeEndpoint(testProps(clock.DomainMonotonic), now)
	a := NewAdapter(ep, now)
	ctx := context.Background()
	if err := a.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := a.Configure(ctx, testFormat, 3*time.Second); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		a.handlePosition(PositionNotification{
			MonotonicTime: i * int64(time.Second),
			RingPosition:  (i * 192096) % a.Ring().SizeBytes(),
		})
	}
	if ppm := a.ReferenceClock().RateAdjustmentPPM(); ppm != 0 {
		t.Errorf("monotonic-domain clock tuned to %v ppm", ppm)
	}
}
