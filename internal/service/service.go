// ABOUTME: The core facade: device registry, stream registry, route graph.
// ABOUTME: Owns the throttle output and the plug watchers feeding the graph.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/config"
	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/internal/route"
	"github.com/auricle-audio/auricle-go/internal/telemetry"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
)

// ErrDeviceExists rejects registering two devices under one name.
var ErrDeviceExists = errors.New("service: device name already in use")

// ErrNoDevice is returned for operations naming an unknown device.
var ErrNoDevice = errors.New("service: no such device")

// defaultRing is the minimum ring duration claimed from every endpoint.
const defaultRing = 250 * time.Millisecond

// managedDevice tracks one registered endpoint. Exactly one of out/in is set.
type managedDevice struct {
	name    string
	profile config.DeviceProfile
	adapter *device.Adapter
	out     *device.Output
	in      *device.Input
	node    route.NodeID
	plugged bool
}

// Service is the daemon core: it owns the route graph, the throttle output,
// every registered device, and every client stream. Methods are safe for the
// control goroutines; the audio path runs on the device domains.
type Service struct {
	name     string
	metrics  *telemetry.Metrics
	now      clock.NowFunc
	throttle *device.Output
	graph    *route.Graph

	mu        sync.Mutex
	devices   map[string]*managedDevice
	renderers map[*Renderer]struct{}
	capturers map[*Capturer]struct{}
	closed    bool
}

// New builds the core with its throttle output already running. A nil now
// uses the host monotonic clock; tests inject their own.
func New(name string, metrics *telemetry.Metrics, now clock.NowFunc) (*Service, error) {
	if now == nil {
		now = clock.SystemMonotonic
	}
	throttle, err := device.NewThrottle(now, metrics)
	if err != nil {
		return nil, fmt.Errorf("service: throttle output: %w", err)
	}
	return &Service{
		name:      name,
		metrics:   metrics,
		now:       now,
		throttle:  throttle,
		graph:     route.New(throttle),
		devices:   make(map[string]*managedDevice),
		renderers: make(map[*Renderer]struct{}),
		capturers: make(map[*Capturer]struct{}),
	}, nil
}

// Name reports the daemon's advertised name.
func (s *Service) Name() string { return s.name }

// Now reports the service reference time in monotonic nanoseconds.
func (s *Service) Now() int64 { return s.now() }

// AddDevice drives an endpoint through init/configure/start and hangs it in
// the route graph. The profile decides direction, format, water marks, gain,
// and the effect pipeline. Errors leave the endpoint cleaned up.
func (s *Service) AddDevice(ctx context.Context, profile config.DeviceProfile, ep device.Endpoint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.devices[profile.Name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDeviceExists, profile.Name)
	}
	s.mu.Unlock()

	a := device.NewAdapter(ep, s.now)
	if err := a.Init(ctx); err != nil {
		return fmt.Errorf("service: device %q init: %w", profile.Name, err)
	}
	info := a.Info()
	if info.IsInput != profile.Input {
		a.Cleanup()
		return fmt.Errorf("service: device %q direction mismatch: endpoint input=%v", profile.Name, info.IsInput)
	}
	format := profile.Format
	if format == (audio.Format{}) {
		if len(info.Formats) == 0 {
			a.Cleanup()
			return fmt.Errorf("service: device %q reports no formats", profile.Name)
		}
		format = info.Formats[0]
	}
	if err := a.Configure(ctx, format, defaultRing); err != nil {
		a.Cleanup()
		return fmt.Errorf("service: device %q configure: %w", profile.Name, err)
	}

	rec := &managedDevice{
		name:    profile.Name,
		profile: profile,
		adapter: a,
		plugged: info.Plugged || !info.Pluggable,
	}
	if profile.Input {
		in := device.NewInput(profile.Name, a, s.metrics)
		if err := in.Start(ctx); err != nil {
			a.Cleanup()
			return fmt.Errorf("service: device %q start: %w", profile.Name, err)
		}
		rec.in = in
	} else {
		out := device.NewOutput(profile.Name, a, s.metrics)
		if profile.LowWater > 0 {
			out.SetWaterMarks(profile.LowWater, profile.HighWater)
		}
		out.SetDeviceGain(deviceGainDb(profile), profile.Muted)
		if effects, err := profile.Effects(); err != nil {
			a.Cleanup()
			return fmt.Errorf("service: device %q pipeline: %w", profile.Name, err)
		} else if len(effects) > 0 {
			out.UpdatePipeline(effects)
		}
		if err := out.Start(ctx); err != nil {
			a.Cleanup()
			return fmt.Errorf("service: device %q start: %w", profile.Name, err)
		}
		rec.out = out
	}

	// The record must be visible before the graph links anything to it so
	// curve lookups during OnLinkAdded resolve.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.shutdownDevice(rec)
		return ErrClosed
	}
	s.devices[profile.Name] = rec
	s.mu.Unlock()

	var node route.NodeID
	if rec.out != nil {
		node = s.graph.AddOutput(rec.out, profile.Usages, rec.plugged)
	} else {
		node = s.graph.AddInput(rec.in, profile.Usages, rec.plugged)
	}
	s.mu.Lock()
	rec.node = node
	s.mu.Unlock()
	if ch := a.PlugEvents(); ch != nil {
		go s.watchPlug(rec, node, ch)
	}
	s.metrics.DeviceAdded()
	log.Printf("Added %s device %s (%s, clock domain %d)",
		direction(profile.Input), profile.Name, a.Format(), a.ClockDomain())
	return nil
}

func direction(input bool) string {
	if input {
		return "input"
	}
	return "output"
}

// deviceGainDb folds the profile's static gain into the device stage. A
// device with independent volume applies its level in hardware, so the mix
// stays at unity.
func deviceGainDb(p config.DeviceProfile) float64 {
	if p.IndependentVolume {
		return audio.UnityGainDb
	}
	return p.GainDb
}

// watchPlug forwards endpoint plug events into the graph. The channel closes
// on endpoint teardown.
func (s *Service) watchPlug(rec *managedDevice, node route.NodeID, ch <-chan device.PlugEvent) {
	for ev := range ch {
		s.mu.Lock()
		rec.plugged = ev.Plugged
		s.mu.Unlock()
		s.graph.SetPlugged(node, ev.Plugged)
		log.Printf("Device %s %s", rec.name, plugWord(ev.Plugged))
	}
}

func plugWord(plugged bool) string {
	if plugged {
		return "plugged"
	}
	return "unplugged"
}

// RemoveDevice unlinks a device from the graph and shuts it down. Streams
// that were routed through it fall back to another device or the throttle.
func (s *Service) RemoveDevice(name string) error {
	s.mu.Lock()
	rec, ok := s.devices[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNoDevice, name)
	}
	delete(s.devices, name)
	node := rec.node
	s.mu.Unlock()

	if rec.out != nil {
		s.graph.RemoveOutput(node)
	} else {
		s.graph.RemoveInput(node)
	}
	s.shutdownDevice(rec)
	s.metrics.DeviceRemoved()
	log.Printf("Removed device %s", name)
	return nil
}

func (s *Service) shutdownDevice(rec *managedDevice) {
	if rec.out != nil {
		rec.out.Shutdown()
	} else if rec.in != nil {
		rec.in.Shutdown()
	} else {
		rec.adapter.Cleanup()
	}
}

// UpdateDevicePipeline swaps an output device's effect chain. The swap posts
// through the device's mix domain and completes even while the device is
// unplugged; routing is only re-checked on the next plug event.
func (s *Service) UpdateDevicePipeline(name string, effectNames []string) error {
	s.mu.Lock()
	rec, ok := s.devices[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoDevice, name)
	}
	if rec.out == nil {
		return fmt.Errorf("service: device %q is an input, no mix pipeline", name)
	}
	effects := make([]mix.Effect, 0, len(effectNames))
	for _, en := range effectNames {
		e, err := mix.NewEffect(en)
		if err != nil {
			return err
		}
		effects = append(effects, e)
	}
	rec.out.UpdatePipeline(effects)
	log.Printf("Updated pipeline on %s: %d stage(s)", name, len(effects))
	return nil
}

// SetDeviceGain adjusts an output device's gain stage at runtime.
func (s *Service) SetDeviceGain(name string, db float64, muted bool) error {
	if err := checkGainDb(db); err != nil {
		return err
	}
	s.mu.Lock()
	rec, ok := s.devices[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoDevice, name)
	}
	if rec.out == nil {
		return fmt.Errorf("service: device %q is an input, no device gain", name)
	}
	rec.out.SetDeviceGain(db, muted)
	return nil
}

// curveFor resolves the volume curve streams adopt when linked to out.
// Only devices with independent volume expose their curve per stream.
func (s *Service) curveFor(out *device.Output) *audio.VolumeCurve {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.devices {
		if rec.out == out {
			if rec.profile.IndependentVolume {
				return rec.profile.Curve
			}
			return nil
		}
	}
	return nil
}

// CreateRenderer registers a new render stream. events may be nil.
func (s *Service) CreateRenderer(name string, usage audio.Usage, events RenderEvents) (*Renderer, error) {
	r := newRenderer(s, name, usage, events)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.renderers[r] = struct{}{}
	s.mu.Unlock()

	id := s.graph.AddRenderer(r)
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
	return r, nil
}

// CreateCapturer registers a new capture stream. events may be nil.
func (s *Service) CreateCapturer(name string, usage audio.Usage, events CaptureEvents) (*Capturer, error) {
	c := newCapturer(s, name, usage, events)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.capturers[c] = struct{}{}
	s.mu.Unlock()

	id := s.graph.AddCapturer(c)
	c.mu.Lock()
	c.id = id
	c.mu.Unlock()
	return c, nil
}

func (s *Service) dropRenderer(r *Renderer) {
	r.mu.Lock()
	id := r.id
	r.mu.Unlock()
	s.graph.RemoveRenderer(id)
	s.mu.Lock()
	delete(s.renderers, r)
	s.mu.Unlock()
}

func (s *Service) dropCapturer(c *Capturer) {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	s.graph.RemoveCapturer(id)
	s.mu.Lock()
	delete(s.capturers, c)
	s.mu.Unlock()
}

// DeviceStatus summarizes one registered device.
type DeviceStatus struct {
	Name        string
	IsInput     bool
	State       string
	Plugged     bool
	ClockDomain uint32
	RatePPM     float64
	Format      audio.Format
	Underflows  int64
	Links       int
}

// StreamStatus summarizes one client stream.
type StreamStatus struct {
	Name     string
	Kind     string
	Usage    string
	State    string
	Device   string
	Format   audio.Format
	GainDb   float64
	Muted    bool
	Depth    int
	LeadTime time.Duration
}

// Status is a point-in-time view of the whole core.
type Status struct {
	Name     string
	Devices  []DeviceStatus
	Streams  []StreamStatus
	Counters telemetry.Snapshot
}

// Status assembles the current view. Devices whose adapter faulted into
// Shutdown are removed on the way through.
func (s *Service) Status() Status {
	s.mu.Lock()
	devices := make([]*managedDevice, 0, len(s.devices))
	for _, rec := range s.devices {
		devices = append(devices, rec)
	}
	renderers := make([]*Renderer, 0, len(s.renderers))
	for r := range s.renderers {
		renderers = append(renderers, r)
	}
	capturers := make([]*Capturer, 0, len(s.capturers))
	for c := range s.capturers {
		capturers = append(capturers, c)
	}
	s.mu.Unlock()

	st := Status{Name: s.name, Counters: s.metrics.Read()}
	for _, rec := range devices {
		state := rec.adapter.State()
		if state == device.StateShutdown {
			// Driver fault. The adapter is already down; unhook it.
			log.Printf("Warning: device %s faulted, removing", rec.name)
			if err := s.RemoveDevice(rec.name); err != nil {
				log.Printf("Warning: removing faulted device %s: %v", rec.name, err)
			}
			continue
		}
		s.mu.Lock()
		plugged := rec.plugged
		s.mu.Unlock()
		ds := DeviceStatus{
			Name:        rec.name,
			IsInput:     rec.in != nil,
			State:       state.String(),
			Plugged:     plugged,
			ClockDomain: rec.adapter.ClockDomain(),
			RatePPM:     rec.adapter.ReferenceClock().RateAdjustmentPPM(),
			Format:      rec.adapter.Format(),
		}
		if rec.out != nil {
			ds.Underflows = rec.out.Underflows()
			ds.Links = rec.out.SourceCount()
		} else {
			ds.Links = rec.in.LinkCount()
		}
		st.Devices = append(st.Devices, ds)
	}
	for _, r := range renderers {
		st.Streams = append(st.Streams, r.Status())
	}
	for _, c := range capturers {
		st.Streams = append(st.Streams, c.Status())
	}
	sort.Slice(st.Devices, func(i, j int) bool { return st.Devices[i].Name < st.Devices[j].Name })
	sort.Slice(st.Streams, func(i, j int) bool { return st.Streams[i].Name < st.Streams[j].Name })
	return st
}

// Close tears down every stream, every device, and the throttle.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	renderers := make([]*Renderer, 0, len(s.renderers))
	for r := range s.renderers {
		renderers = append(renderers, r)
	}
	capturers := make([]*Capturer, 0, len(s.capturers))
	for c := range s.capturers {
		capturers = append(capturers, c)
	}
	names := make([]string, 0, len(s.devices))
	for name := range s.devices {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, r := range renderers {
		r.Close()
	}
	for _, c := range capturers {
		c.Close()
	}
	for _, name := range names {
		if err := s.RemoveDevice(name); err != nil {
			log.Printf("Warning: removing device %s on close: %v", name, err)
		}
	}
	s.throttle.Shutdown()
}
