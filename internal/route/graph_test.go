// ABOUTME: Tests for routing policy: plug order, usage fences, throttle fallback.
// ABOUTME: Fake render clients record every link change the graph reports.
package route

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/internal/device/backend"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

var routeFormat = audio.Format{
	SampleFormat:    audio.SampleFormatFloat32,
	Channels:        2,
	FramesPerSecond: 48000,
}

// silentSource is a Readable with nothing to play. Its timeline never starts,
// so device mix passes skip it without touching the lease path.
type silentSource struct{}

func (silentSource) Format() audio.Format { return routeFormat }

func (silentSource) Timeline() timeline.Snapshot {
	return timeline.Snapshot{
		Function:   timeline.NewFunction(0, 0, timeline.Rate{SubjectDelta: 0, ReferenceDelta: 1}),
		Generation: 1,
	}
}

func (silentSource) ReadLock(from, frames int64) *stream.Buffer { return nil }

func (silentSource) Trim(frame int64) {}

type fakeRenderer struct {
	name  string
	usage audio.Usage
	gain  *mix.Gain

	mu       sync.Mutex
	routable bool
	links    []string
}

func newFakeRenderer(name string, usage audio.Usage) *fakeRenderer {
	return &fakeRenderer{
		name:  name,
		usage: usage,
		gain:  mix.NewGain(nil, routeFormat.FramesPerSecond),
	}
}

func (f *fakeRenderer) Name() string            { return f.name }
func (f *fakeRenderer) Usage() audio.Usage      { return f.usage }
func (f *fakeRenderer) Source() stream.Readable { return silentSource{} }
func (f *fakeRenderer) LinkGain() *mix.Gain     { return f.gain }

func (f *fakeRenderer) Routable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routable
}

func (f *fakeRenderer) setRoutable(v bool) {
	f.mu.Lock()
	f.routable = v
	f.mu.Unlock()
}

func (f *fakeRenderer) OnLinkAdded(out *device.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out == nil {
		f.links = append(f.links, "(none)")
		return
	}
	f.links = append(f.links, out.Name())
}

func (f *fakeRenderer) lastLink(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		t.Fatal("no link change recorded")
	}
	return f.links[len(f.links)-1]
}

func (f *fakeRenderer) linkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func newGraph(t *testing.T) *Graph {
	t.Helper()
	throttle, err := device.NewThrottle(nil, nil)
	if err != nil {
		t.Fatalf("NewThrottle: %v", err)
	}
	t.Cleanup(throttle.Shutdown)
	return New(throttle)
}

// newGraphOutput builds a started output over a synthetic endpoint so links
// exercise the real mix domain handoff.
func newGraphOutput(t *testing.T, name string) *device.Output {
	t.Helper()
	ctx := context.Background()
	a := device.NewAdapter(backend.NewSynthetic(name, false, []audio.Format{routeFormat}), nil)
	if err := a.Init(ctx); err != nil {
		t.Fatalf("Init %s: %v", name, err)
	}
	if err := a.Configure(ctx, routeFormat, 100*time.Millisecond); err != nil {
		t.Fatalf("Configure %s: %v", name, err)
	}
	out := device.NewOutput(name, a, nil)
	if err := out.Start(ctx); err != nil {
		t.Fatalf("Start %s: %v", name, err)
	}
	t.Cleanup(out.Shutdown)
	return out
}

func TestMostRecentlyPluggedWins(t *testing.T) {
	g := newGraph(t)
	r := newFakeRenderer("r", audio.UsageMedia)
	id := g.AddRenderer(r)

	// Unroutable streams stay unlinked and hear nothing about it.
	if _, _, linked := g.RendererRoute(id); linked {
		t.Fatal("unroutable renderer got a link")
	}
	if r.linkCount() != 0 {
		t.Fatalf("links = %v, want none", r.links)
	}

	r.setRoutable(true)
	g.Reevaluate()
	if _, throttled, linked := g.RendererRoute(id); !linked || !throttled {
		t.Fatal("routable renderer without devices should land on the throttle")
	}
	if got := r.lastLink(t); got != "throttle" {
		t.Fatalf("link = %q, want throttle", got)
	}

	alphaID := g.AddOutput(newGraphOutput(t, "alpha"), nil, true)
	if got := r.lastLink(t); got != "alpha" {
		t.Fatalf("link = %q, want alpha", got)
	}
	bravoID := g.AddOutput(newGraphOutput(t, "bravo"), nil, true)
	if got := r.lastLink(t); got != "bravo" {
		t.Fatalf("link = %q, want bravo (most recently plugged)", got)
	}

	// Unplugging bravo falls back to alpha; replugging bumps bravo back to
	// the front of the order.
	g.SetPlugged(bravoID, false)
	if got := r.lastLink(t); got != "alpha" {
		t.Fatalf("link after unplug = %q, want alpha", got)
	}
	g.SetPlugged(bravoID, true)
	if got := r.lastLink(t); got != "bravo" {
		t.Fatalf("link after replug = %q, want bravo", got)
	}

	g.RemoveOutput(bravoID)
	if got := r.lastLink(t); got != "alpha" {
		t.Fatalf("link after removal = %q, want alpha", got)
	}
	g.RemoveOutput(alphaID)
	if got := r.lastLink(t); got != "throttle" {
		t.Fatalf("link with no devices = %q, want throttle", got)
	}

	r.setRoutable(false)
	g.Reevaluate()
	if got := r.lastLink(t); got != "(none)" {
		t.Fatalf("link after losing routability = %q, want none", got)
	}
	if _, _, linked := g.RendererRoute(id); linked {
		t.Fatal("unroutable renderer kept its link")
	}
}

func TestUsageFencesDevices(t *testing.T) {
	g := newGraph(t)
	media := newFakeRenderer("media", audio.UsageMedia)
	media.setRoutable(true)
	comm := newFakeRenderer("comm", audio.UsageCommunication)
	comm.setRoutable(true)
	mediaID := g.AddRenderer(media)
	commID := g.AddRenderer(comm)

	g.AddOutput(newGraphOutput(t, "hdmi"), []audio.Usage{audio.UsageMedia}, true)

	if got := media.lastLink(t); got != "hdmi" {
		t.Errorf("media link = %q, want hdmi", got)
	}
	if got := comm.lastLink(t); got != "throttle" {
		t.Errorf("communication link = %q, want throttle", got)
	}
	if _, throttled, _ := g.RendererRoute(mediaID); throttled {
		t.Error("media renderer reported as throttled")
	}
	if _, throttled, _ := g.RendererRoute(commID); !throttled {
		t.Error("communication renderer not reported as throttled")
	}
}

func TestRemoveRendererDropsStaleIDs(t *testing.T) {
	g := newGraph(t)
	r := newFakeRenderer("r", audio.UsageMedia)
	r.setRoutable(true)
	id := g.AddRenderer(r)
	if _, _, linked := g.RendererRoute(id); !linked {
		t.Fatal("renderer not linked")
	}

	g.RemoveRenderer(id)
	if _, _, linked := g.RendererRoute(id); linked {
		t.Fatal("removed renderer still routed")
	}
	g.RemoveRenderer(id) // stale id must miss quietly

	// A new registration never reuses the old id.
	r2 := newFakeRenderer("r2", audio.UsageMedia)
	if id2 := g.AddRenderer(r2); id2 == id {
		t.Fatalf("node id %d reused", id2)
	}
}
