// ABOUTME: Event sinks through which streams notify their owning client.
// ABOUTME: Callbacks run on daemon goroutines and must never block.
package service

import (
	"time"

	"github.com/auricle-audio/auricle-go/internal/packet"
)

// RenderEvents receives notifications for one render stream. Callbacks fire
// on daemon goroutines, including the device mix domains, and must hand off
// without blocking.
type RenderEvents interface {
	// OnPacketComplete reports that the payload bytes of a packet are back
	// in the client's hands.
	OnPacketComplete(sequence uint64)
	// OnStreamEnd fires when the queue drains while playing, and after
	// every discard.
	OnStreamEnd()
	// OnMinLeadTime reports the lead time of the device the stream was
	// just routed to.
	OnMinLeadTime(d time.Duration)
	// OnGainChanged reports the stream gain after any client-driven change.
	OnGainChanged(gainDb float64, muted bool)
}

// CaptureEvents receives notifications for one capture stream.
type CaptureEvents interface {
	// OnPacketProduced hands over one filled (or cancelled) receptacle.
	// data aliases nothing and is nil for cancelled packets.
	OnPacketProduced(p packet.CapturePacket, data []byte)
	OnGainChanged(gainDb float64, muted bool)
}

type nopRenderEvents struct{}

func (nopRenderEvents) OnPacketComplete(uint64)     {}
func (nopRenderEvents) OnStreamEnd()                {}
func (nopRenderEvents) OnMinLeadTime(time.Duration) {}
func (nopRenderEvents) OnGainChanged(float64, bool) {}

type nopCaptureEvents struct{}

func (nopCaptureEvents) OnPacketProduced(packet.CapturePacket, []byte) {}
func (nopCaptureEvents) OnGainChanged(float64, bool)                   {}
