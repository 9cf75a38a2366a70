// ABOUTME: Route graph linking renderers and capturers to devices.
// ABOUTME: Arena of stable ids; links re-evaluated on any routability change.
package route

import (
	"log"
	"sync"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/internal/mix"
	"github.com/auricle-audio/auricle-go/internal/packet"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/stream"
	"github.com/auricle-audio/auricle-go/pkg/timeline"
)

// NodeID identifies a graph record. IDs are never reused, so a stale id
// simply misses instead of touching a newer node.
type NodeID uint64

// RenderClient is the graph's view of a renderer.
type RenderClient interface {
	Name() string
	Usage() audio.Usage
	// Routable reports whether the stream can join a device mix: format
	// negotiated and a payload buffer attached.
	Routable() bool
	// Source exposes the client's packet stream.
	Source() stream.Readable
	// LinkGain is folded into whichever device link the graph builds.
	LinkGain() *mix.Gain
	// OnLinkAdded reports the new device link (nil when unlinked) so the
	// client can recompute its minimum lead time.
	OnLinkAdded(out *device.Output)
}

// CaptureClient is the graph's view of a capturer.
type CaptureClient interface {
	Name() string
	Usage() audio.Usage
	Routable() bool
	Queue() *packet.CaptureQueue
	Format() audio.Format
	// TimelineSnapshot maps monotonic time to capture frames; it becomes
	// invertible once the capturer starts.
	TimelineSnapshot() timeline.Snapshot
	LinkGain() *mix.Gain
	// OnLinkAdded reports the new device link (nil when unlinked) so the
	// client can recompute its presentation delay.
	OnLinkAdded(in *device.Input)
}

type rendererNode struct {
	client     RenderClient
	hasLink    bool
	onThrottle bool
	outID      NodeID
	linkOut    *device.Output
	mixIn      *mix.Input
}

type capturerNode struct {
	client  CaptureClient
	hasLink bool
	inID    NodeID
	linkIn  *device.Input
	link    *device.CaptureLink
}

type outputNode struct {
	out     *device.Output
	usages  []audio.Usage
	plugged bool
	seq     uint64
}

type inputNode struct {
	in      *device.Input
	usages  []audio.Usage
	plugged bool
	seq     uint64
}

// Graph owns every renderer-to-device and device-to-capturer link. Routable
// renderers with no device land on the throttle output so their packets keep
// completing. Mutations run on the control goroutine; link teardown is
// synchronized with the device mix domains by the device layer.
type Graph struct {
	mu        sync.Mutex
	throttle  *device.Output
	nextID    NodeID
	plugSeq   uint64
	renderers map[NodeID]*rendererNode
	capturers map[NodeID]*capturerNode
	outputs   map[NodeID]*outputNode
	inputs    map[NodeID]*inputNode
}

// New builds an empty graph over the given throttle output.
func New(throttle *device.Output) *Graph {
	return &Graph{
		throttle:  throttle,
		renderers: make(map[NodeID]*rendererNode),
		capturers: make(map[NodeID]*capturerNode),
		outputs:   make(map[NodeID]*outputNode),
		inputs:    make(map[NodeID]*inputNode),
	}
}

func (g *Graph) allocIDLocked() NodeID {
	g.nextID++
	return g.nextID
}

// AddRenderer registers a render client and links it if it is routable.
func (g *Graph) AddRenderer(c RenderClient) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.allocIDLocked()
	g.renderers[id] = &rendererNode{client: c}
	g.evaluateLocked()
	return id
}

// RemoveRenderer unlinks and drops a render client.
func (g *Graph) RemoveRenderer(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.renderers[id]
	if !ok {
		return
	}
	g.unlinkRendererLocked(n)
	delete(g.renderers, id)
}

// AddCapturer registers a capture client and links it if it is routable.
func (g *Graph) AddCapturer(c CaptureClient) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.allocIDLocked()
	g.capturers[id] = &capturerNode{client: c}
	g.evaluateLocked()
	return id
}

// RemoveCapturer unlinks and drops a capture client.
func (g *Graph) RemoveCapturer(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.capturers[id]
	if !ok {
		return
	}
	g.unlinkCapturerLocked(n)
	delete(g.capturers, id)
}

// AddOutput registers a render device. Usages limit which streams may route
// to it; an empty list accepts all.
func (g *Graph) AddOutput(out *device.Output, usages []audio.Usage, plugged bool) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.allocIDLocked()
	n := &outputNode{out: out, usages: usages, plugged: plugged}
	if plugged {
		g.plugSeq++
		n.seq = g.plugSeq
	}
	g.outputs[id] = n
	g.evaluateLocked()
	return id
}

// RemoveOutput unlinks every stream routed through the device and drops it.
func (g *Graph) RemoveOutput(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.outputs[id]; !ok {
		return
	}
	for _, n := range g.renderers {
		if n.hasLink && !n.onThrottle && n.outID == id {
			g.unlinkRendererLocked(n)
		}
	}
	delete(g.outputs, id)
	g.evaluateLocked()
}

// AddInput registers a capture device.
func (g *Graph) AddInput(in *device.Input, usages []audio.Usage, plugged bool) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.allocIDLocked()
	n := &inputNode{in: in, usages: usages, plugged: plugged}
	if plugged {
		g.plugSeq++
		n.seq = g.plugSeq
	}
	g.inputs[id] = n
	g.evaluateLocked()
	return id
}

// RemoveInput unlinks every capturer fed by the device and drops it.
func (g *Graph) RemoveInput(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inputs[id]; !ok {
		return
	}
	for _, n := range g.capturers {
		if n.hasLink && n.inID == id {
			g.unlinkCapturerLocked(n)
			n.client.OnLinkAdded(nil)
		}
	}
	delete(g.inputs, id)
	g.evaluateLocked()
}

// SetPlugged updates a device's plug state. Plugging bumps the device to the
// front of the "most recently plugged wins" order.
func (g *Graph) SetPlugged(id NodeID, plugged bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.outputs[id]; ok {
		if plugged && !n.plugged {
			g.plugSeq++
			n.seq = g.plugSeq
		}
		n.plugged = plugged
	} else if n, ok := g.inputs[id]; ok {
		if plugged && !n.plugged {
			g.plugSeq++
			n.seq = g.plugSeq
		}
		n.plugged = plugged
	} else {
		return
	}
	g.evaluateLocked()
}

// Reevaluate recomputes every link. Clients call it after anything that
// changes their routability: format set, payload attached, usage change.
func (g *Graph) Reevaluate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evaluateLocked()
}

// RendererRoute reports where a renderer currently feeds, for status output.
func (g *Graph) RendererRoute(id NodeID) (device NodeID, throttled, linked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.renderers[id]
	if !ok || !n.hasLink {
		return 0, false, false
	}
	return n.outID, n.onThrottle, true
}

// CapturerRoute reports which device feeds a capturer.
func (g *Graph) CapturerRoute(id NodeID) (device NodeID, linked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.capturers[id]
	if !ok || !n.hasLink {
		return 0, false
	}
	return n.inID, true
}

func (g *Graph) evaluateLocked() {
	for _, n := range g.renderers {
		g.evaluateRendererLocked(n)
	}
	for _, n := range g.capturers {
		g.evaluateCapturerLocked(n)
	}
}

func (g *Graph) evaluateRendererLocked(n *rendererNode) {
	if !n.client.Routable() {
		if n.hasLink {
			g.unlinkRendererLocked(n)
			n.client.OnLinkAdded(nil)
		}
		return
	}
	id, target := g.pickOutputLocked(n.client.Usage())
	if target == nil {
		if n.hasLink && n.onThrottle {
			return
		}
		g.unlinkRendererLocked(n)
		if g.throttle == nil {
			n.client.OnLinkAdded(nil)
			return
		}
		g.linkRendererLocked(n, 0, g.throttle, true)
		return
	}
	if n.hasLink && !n.onThrottle && n.outID == id {
		return
	}
	g.unlinkRendererLocked(n)
	g.linkRendererLocked(n, id, target.out, false)
}

func (g *Graph) evaluateCapturerLocked(n *capturerNode) {
	if !n.client.Routable() {
		if n.hasLink {
			g.unlinkCapturerLocked(n)
			n.client.OnLinkAdded(nil)
		}
		return
	}
	id, target := g.pickInputLocked(n.client.Usage())
	if target == nil {
		if n.hasLink {
			g.unlinkCapturerLocked(n)
			n.client.OnLinkAdded(nil)
		}
		return
	}
	if n.hasLink && n.inID == id {
		return
	}
	g.unlinkCapturerLocked(n)
	g.linkCapturerLocked(n, id, target.in)
}

// pickOutputLocked returns the most recently plugged output accepting the
// usage.
func (g *Graph) pickOutputLocked(u audio.Usage) (NodeID, *outputNode) {
	var bestID NodeID
	var best *outputNode
	for id, n := range g.outputs {
		if !n.plugged || !usageAllowed(n.usages, u) {
			continue
		}
		if best == nil || n.seq > best.seq {
			bestID, best = id, n
		}
	}
	return bestID, best
}

func (g *Graph) pickInputLocked(u audio.Usage) (NodeID, *inputNode) {
	var bestID NodeID
	var best *inputNode
	for id, n := range g.inputs {
		if !n.plugged || !usageAllowed(n.usages, u) {
			continue
		}
		if best == nil || n.seq > best.seq {
			bestID, best = id, n
		}
	}
	return bestID, best
}

func usageAllowed(usages []audio.Usage, u audio.Usage) bool {
	if len(usages) == 0 {
		return true
	}
	for _, have := range usages {
		if have == u {
			return true
		}
	}
	return false
}

func (g *Graph) linkRendererLocked(n *rendererNode, id NodeID, out *device.Output, throttled bool) {
	sampler := mix.SamplerPoint
	if n.client.Source().Format().FramesPerSecond != out.Adapter().Format().FramesPerSecond {
		sampler = mix.SamplerLinear
	}
	n.mixIn = out.AddSource(n.client.Source(), n.client.LinkGain(), sampler)
	n.hasLink = true
	n.onThrottle = throttled
	n.outID = id
	n.linkOut = out
	if throttled {
		log.Printf("Routing renderer %s to the throttle output", n.client.Name())
	} else {
		log.Printf("Routing renderer %s to output %s", n.client.Name(), out.Name())
	}
	n.client.OnLinkAdded(out)
}

// unlinkRendererLocked tears the current link down. The device layer posts
// the removal to its mix domain and waits, so no read follows it.
func (g *Graph) unlinkRendererLocked(n *rendererNode) {
	if !n.hasLink {
		return
	}
	n.linkOut.RemoveSource(n.mixIn)
	n.hasLink = false
	n.onThrottle = false
	n.outID = 0
	n.linkOut = nil
	n.mixIn = nil
}

func (g *Graph) linkCapturerLocked(n *capturerNode, id NodeID, in *device.Input) {
	sampler := mix.SamplerPoint
	if n.client.Format().FramesPerSecond != in.Adapter().Format().FramesPerSecond {
		sampler = mix.SamplerLinear
	}
	n.link = in.AddLink(n.client.Queue(), n.client.Format(), n.client.TimelineSnapshot,
		n.client.LinkGain(), sampler)
	n.hasLink = true
	n.inID = id
	n.linkIn = in
	log.Printf("Routing input %s to capturer %s", in.Name(), n.client.Name())
	n.client.OnLinkAdded(in)
}

func (g *Graph) unlinkCapturerLocked(n *capturerNode) {
	if !n.hasLink {
		return
	}
	n.linkIn.RemoveLink(n.link)
	n.hasLink = false
	n.inID = 0
	n.linkIn = nil
	n.link = nil
}
