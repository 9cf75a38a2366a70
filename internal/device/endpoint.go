// ABOUTME: The endpoint contract device backends implement.
// ABOUTME: Covers property fetch, ring claim, transport, and feedback events.
package device

import (
	"context"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/google/uuid"
)

// Properties describes a hardware (or synthetic) audio endpoint.
type Properties struct {
	// UniqueID survives replug and reboot; routing state is keyed on it.
	UniqueID uuid.UUID
	Name     string
	IsInput  bool
	// ClockDomain identifies the oscillator the endpoint consumes frames
	// against. clock.DomainMonotonic means the host oscillator; such
	// endpoints send no position notifications and are never rate-tuned.
	ClockDomain uint32
	Formats     []audio.Format
	// FIFOBytes is how far the hardware reads ahead of (or writes behind)
	// the published position, in bytes.
	FIFOBytes int64
	// ExternalDelay is added pipeline latency past the ring, such as DACs
	// or network hops.
	ExternalDelay time.Duration
	// Pluggable endpoints report plug changes on PlugEvents; hardwired ones
	// are treated as always plugged.
	Pluggable bool
	Plugged   bool
}

// PositionNotification reports the hardware pointer inside the ring.
type PositionNotification struct {
	MonotonicTime int64
	// RingPosition is a byte offset in [0, ring size). Notifications arrive
	// at least twice per ring traversal so deltas can be unwrapped.
	RingPosition int64
}

// PlugEvent reports a plug state change.
type PlugEvent struct {
	Plugged       bool
	MonotonicTime int64
}

// Endpoint is the driver side of a device. Calls are issued one at a time by
// the adapter and must honor ctx cancellation; the adapter treats a deadline
// as a fatal driver fault.
type Endpoint interface {
	// Properties fetches the static description.
	Properties(ctx context.Context) (Properties, error)
	// Configure claims a ring of at least minFrames in the given format.
	Configure(ctx context.Context, format audio.Format, minFrames int64) (*Ring, error)
	// Start begins the hardware transport and reports the monotonic time at
	// which ring frame zero started moving.
	Start(ctx context.Context) (int64, error)
	// Stop halts the transport. The ring mapping stays valid.
	Stop(ctx context.Context) error
	// Positions delivers pointer notifications while started. The channel
	// is closed on endpoint teardown.
	Positions() <-chan PositionNotification
	// PlugEvents delivers plug changes for pluggable endpoints. May be nil
	// for hardwired ones.
	PlugEvents() <-chan PlugEvent
	// Close releases the endpoint. Idempotent.
	Close() error
}
