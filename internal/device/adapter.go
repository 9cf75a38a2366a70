// ABOUTME: Driver adapter state machine between the core and an endpoint.
// ABOUTME: Sequences commands under timeouts and derives device timelines.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
	"github.com/google/uuid"
)

// State is the adapter lifecycle position. Shutdown is terminal.
type State int32

const (
	StateUninitialized State = iota
	StateMissingInfo
	StateUnconfigured
	StateConfiguring
	StateConfigured
	StateStarting
	StateStarted
	StateStopping
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateMissingInfo:
		return "MissingInfo"
	case StateUnconfigured:
		return "Unconfigured"
	case StateConfiguring:
		return "Configuring"
	case StateConfigured:
		return "Configured"
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateStopping:
		return "Stopping"
	case StateShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultCommandTimeout gates every endpoint command.
const DefaultCommandTimeout = 3 * time.Second

// stoppedRate maps every reference time to frame zero and is not invertible,
// which is how streams observe a transport that is not moving.
var stoppedRate = timeline.NewRate(0, 1)

// Adapter drives an endpoint through the fixed command sequence
// fetch info, configure, start, stop, cleanup. A command error or timeout
// force-transitions to Shutdown; Shutdown itself is idempotent.
type Adapter struct {
	endpoint   Endpoint
	now        clock.NowFunc
	cmdTimeout time.Duration

	mu         sync.RWMutex
	state      State
	props      Properties
	clk        *clock.Clock
	recovery   *clock.Recovery
	format     audio.Format
	ring       *Ring
	fifoFrames int64
	// presRef maps device reference nanoseconds to presented frames; dmaRef
	// is the same map without the external delay, anchoring the hardware
	// pointer for safe read/write positions.
	presRef    timeline.Function
	dmaRef     timeline.Function
	generation uint64

	lastRingPos int64
	totalBytes  int64
	watchStop   chan struct{}
	watchDone   chan struct{}
}

// NewAdapter wraps an endpoint. now may be nil for the system monotonic
// source; tests inject their own.
func NewAdapter(ep Endpoint, now clock.NowFunc) *Adapter {
	if now == nil {
		now = clock.SystemMonotonic
	}
	return &Adapter{
		endpoint:   ep,
		now:        now,
		cmdTimeout: DefaultCommandTimeout,
		state:      StateUninitialized,
		presRef:    timeline.NewFunction(0, 0, stoppedRate),
		dmaRef:     timeline.NewFunction(0, 0, stoppedRate),
	}
}

// SetCommandTimeout replaces the per-command deadline. Call before Init.
func (a *Adapter) SetCommandTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmdTimeout = d
}

// State reports the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Init fetches the endpoint properties and builds the device clock.
func (a *Adapter) Init(ctx context.Context) error {
	if err := a.transition(StateUninitialized, StateMissingInfo); err != nil {
		return err
	}
	var props Properties
	err := a.command(ctx, "fetch properties", func(ctx context.Context) error {
		p, err := a.endpoint.Properties(ctx)
		if err != nil {
			return err
		}
		if len(p.Formats) == 0 {
			return errors.New("endpoint reports no formats")
		}
		props = p
		return nil
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.props = props
	if !props.Pluggable {
		a.props.Plugged = true
	}
	if props.ClockDomain == clock.DomainMonotonic {
		a.clk = clock.NewMonotonic(a.now)
	} else {
		a.clk = clock.NewAdjustable(props.ClockDomain, a.now)
	}
	a.state = StateUnconfigured
	return nil
}

// Configure negotiates the format and claims a ring of at least minRing.
// A successful call publishes a fresh ring mapping; anything cached from an
// earlier configuration is invalid afterwards.
func (a *Adapter) Configure(ctx context.Context, format audio.Format, minRing time.Duration) error {
	if err := format.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	if a.state != StateUnconfigured && a.state != StateConfigured {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("device %s: Configure in state %v", a.props.Name, st)
	}
	if !formatSupported(a.props.Formats, format) {
		a.mu.Unlock()
		return fmt.Errorf("device %s: format %v not supported", a.props.Name, format)
	}
	a.state = StateConfiguring
	a.mu.Unlock()

	minFrames := format.FramesForDuration(minRing)
	if format.DurationForFrames(minFrames) < minRing {
		minFrames++
	}

	var ring *Ring
	err := a.command(ctx, "configure", func(ctx context.Context) error {
		r, err := a.endpoint.Configure(ctx, format, minFrames)
		if err != nil {
			return err
		}
		if r == nil || r.Frames() < minFrames {
			return fmt.Errorf("endpoint ring too small for %d frames", minFrames)
		}
		ring = r
		return nil
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.format = format
	a.ring = ring
	bpf := int64(format.BytesPerFrame())
	a.fifoFrames = (a.props.FIFOBytes + bpf - 1) / bpf
	if a.clk.Adjustable() {
		a.recovery = clock.NewRecovery(a.clk, format.BytesPerSecond())
	} else {
		a.recovery = nil
	}
	a.presRef = timeline.NewFunction(0, 0, stoppedRate)
	a.dmaRef = timeline.NewFunction(0, 0, stoppedRate)
	a.generation++
	a.state = StateConfigured
	return nil
}

// Start begins the transport and anchors the presentation timelines.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.transition(StateConfigured, StateStarting); err != nil {
		return err
	}
	var startMono int64
	err := a.command(ctx, "start", func(ctx context.Context) error {
		t, err := a.endpoint.Start(ctx)
		if err == nil {
			startMono = t
		}
		return err
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	startRef := a.clk.ReferenceFromMonotonic(startMono)
	a.dmaRef = timeline.NewFunction(0, startRef, a.format.Rate())
	// Render frames present after the ring (DAC, network); captured frames
	// presented before it (they hit the mic before landing in the ring).
	extDelay := int64(a.props.ExternalDelay)
	if a.props.IsInput {
		extDelay = -extDelay
	}
	a.presRef = timeline.NewFunction(0, startRef+extDelay, a.format.Rate())
	a.generation++
	a.lastRingPos = 0
	a.totalBytes = 0
	stop := make(chan struct{})
	done := make(chan struct{})
	a.watchStop, a.watchDone = stop, done
	a.state = StateStarted
	a.mu.Unlock()

	go a.watchPositions(stop, done)
	return nil
}

// Stop halts the transport. The configuration and ring stay valid, so the
// device can be started again.
func (a *Adapter) Stop(ctx context.Context) error {
	if err := a.transition(StateStarted, StateStopping); err != nil {
		return err
	}
	a.stopWatch()
	err := a.command(ctx, "stop", func(ctx context.Context) error {
		return a.endpoint.Stop(ctx)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.presRef = timeline.NewFunction(0, 0, stoppedRate)
	a.dmaRef = timeline.NewFunction(0, 0, stoppedRate)
	a.generation++
	if a.recovery != nil {
		a.recovery.Reset()
	}
	a.state = StateConfigured
	return nil
}

// Cleanup tears the adapter down. Safe to call any number of times, from any
// state.
func (a *Adapter) Cleanup() {
	a.forceShutdown()
}

func (a *Adapter) forceShutdown() {
	a.mu.Lock()
	if a.state == StateShutdown {
		a.mu.Unlock()
		return
	}
	a.state = StateShutdown
	a.presRef = timeline.NewFunction(0, 0, stoppedRate)
	a.dmaRef = timeline.NewFunction(0, 0, stoppedRate)
	a.generation++
	a.mu.Unlock()

	a.stopWatch()
	if err := a.endpoint.Close(); err != nil {
		log.Printf("Warning: device %s: close: %v", a.logName(), err)
	}
}

func (a *Adapter) stopWatch() {
	a.mu.Lock()
	stop, done := a.watchStop, a.watchDone
	a.watchStop, a.watchDone = nil, nil
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// command runs one endpoint call under the adapter deadline. Any failure is
// fatal for the device: log and force Shutdown.
func (a *Adapter) command(ctx context.Context, name string, run func(context.Context) error) error {
	a.mu.RLock()
	timeout := a.cmdTimeout
	a.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := run(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		log.Printf("Warning: device %s: %s timed out after %v, shutting down", a.logName(), name, timeout)
	} else {
		log.Printf("Warning: device %s: %s failed: %v, shutting down", a.logName(), name, err)
	}
	a.forceShutdown()
	return fmt.Errorf("%s: %w", name, err)
}

func (a *Adapter) transition(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return fmt.Errorf("device %s: %v requires %v, state is %v", a.props.Name, to, from, a.state)
	}
	a.state = to
	return nil
}

func (a *Adapter) logName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.props.Name == "" {
		return "(uninitialized)"
	}
	return a.props.Name
}

// watchPositions pumps hardware pointer notifications into clock recovery.
func (a *Adapter) watchPositions(stop, done chan struct{}) {
	defer close(done)
	positions := a.endpoint.Positions()
	for {
		select {
		case <-stop:
			return
		case pn, ok := <-positions:
			if !ok {
				return
			}
			a.handlePosition(pn)
		}
	}
}

func (a *Adapter) handlePosition(pn PositionNotification) {
	a.mu.Lock()
	if a.state != StateStarted || a.ring == nil {
		a.mu.Unlock()
		return
	}
	delta := pn.RingPosition - a.lastRingPos
	if delta < 0 {
		delta += a.ring.SizeBytes()
	}
	a.lastRingPos = pn.RingPosition
	a.totalBytes += delta
	rec := a.recovery
	total := a.totalBytes
	a.mu.Unlock()

	if rec != nil {
		rec.AddPositionSample(pn.MonotonicTime, total)
	}
}

// Info reports the fetched properties. Valid once Init has succeeded.
func (a *Adapter) Info() Properties {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state < StateUnconfigured || a.state == StateShutdown {
		panic(fmt.Sprintf("device: Info read in state %v", a.state))
	}
	return a.props
}

// requireConfigured guards accessors that only mean something once the
// device holds a negotiated format and ring. Earlier reads are programming
// errors.
func (a *Adapter) requireConfigured(what string) {
	if a.state < StateConfigured || a.state == StateShutdown {
		panic(fmt.Sprintf("device %s: %s read in state %v", a.props.Name, what, a.state))
	}
}

// UniqueID reports the persistent hardware identity.
func (a *Adapter) UniqueID() uuid.UUID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("UniqueID")
	return a.props.UniqueID
}

// ClockDomain reports the oscillator domain frames are consumed against.
func (a *Adapter) ClockDomain() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("ClockDomain")
	return a.props.ClockDomain
}

// ReferenceClock returns the device clock.
func (a *Adapter) ReferenceClock() *clock.Clock {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("ReferenceClock")
	return a.clk
}

// Format reports the negotiated format.
func (a *Adapter) Format() audio.Format {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("Format")
	return a.format
}

// Ring returns the claimed ring buffer.
func (a *Adapter) Ring() *Ring {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("Ring")
	return a.ring
}

// FIFOFrames reports the hardware FIFO depth in frames, rounded up.
func (a *Adapter) FIFOFrames() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("FIFOFrames")
	return a.fifoFrames
}

// ExternalDelay reports latency past the ring buffer.
func (a *Adapter) ExternalDelay() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("ExternalDelay")
	return a.props.ExternalDelay
}

// PresentationTimeline maps host monotonic nanoseconds to presented frames.
// The clock tuning is folded in, so every stream shares the monotonic
// reference domain; the generation bumps on any re-anchor or retune.
func (a *Adapter) PresentationTimeline() timeline.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("PresentationTimeline")
	clkSnap := a.clk.Snapshot()
	return timeline.Snapshot{
		Function:   timeline.Compose(a.presRef, clkSnap.Function),
		Generation: a.generation + clkSnap.Generation,
	}
}

// SafeWriteFrame reports the first frame software may still write at the
// given device reference time: the hardware pointer plus the FIFO depth.
func (a *Adapter) SafeWriteFrame(refTime int64) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("SafeWriteFrame")
	return a.dmaRef.Apply(refTime) + a.fifoFrames
}

// SafeReadFrame reports the last frame (exclusive) software may read from a
// capture ring at the given device reference time.
func (a *Adapter) SafeReadFrame(refTime int64) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("SafeReadFrame")
	return a.dmaRef.Apply(refTime) - a.fifoFrames
}

// RefTimeForSafeWrite reports when the safe write position reaches frame.
// Only meaningful while the transport runs.
func (a *Adapter) RefTimeForSafeWrite(frame int64) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("RefTimeForSafeWrite")
	return a.dmaRef.ApplyInverse(frame - a.fifoFrames)
}

// PlugEvents exposes the endpoint's plug stream for the device manager.
func (a *Adapter) PlugEvents() <-chan PlugEvent {
	return a.endpoint.PlugEvents()
}

// PresentationFrame maps a device reference time to the presented frame.
func (a *Adapter) PresentationFrame(refTime int64) int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.requireConfigured("PresentationFrame")
	return a.presRef.Apply(refTime)
}

func formatSupported(formats []audio.Format, want audio.Format) bool {
	for _, f := range formats {
		if f == want {
			return true
		}
	}
	return false
}
