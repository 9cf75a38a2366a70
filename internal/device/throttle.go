// ABOUTME: The throttle output: a null device pacing unrouted renderers.
// ABOUTME: Consumes frames against the monotonic clock with no hardware.
package device

import (
	"context"
	"time"

	"github.com/auricle-audio/auricle-go/internal/telemetry"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	"github.com/google/uuid"
)

var throttleFormat = audio.Format{
	SampleFormat:    audio.SampleFormatFloat32,
	Channels:        2,
	FramesPerSecond: 48000,
}

// nullEndpoint satisfies Endpoint without any hardware behind it. It never
// notifies positions, so the adapter treats it like any monotonic-domain
// device.
type nullEndpoint struct {
	now clock.NowFunc
}

func (e *nullEndpoint) Properties(context.Context) (Properties, error) {
	return Properties{
		UniqueID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:throttle")),
		Name:        "throttle",
		ClockDomain: clock.DomainMonotonic,
		Formats:     []audio.Format{throttleFormat},
	}, nil
}

func (e *nullEndpoint) Configure(_ context.Context, format audio.Format, minFrames int64) (*Ring, error) {
	return NewRing(format, minFrames)
}

func (e *nullEndpoint) Start(context.Context) (int64, error) { return e.now(), nil }

func (e *nullEndpoint) Stop(context.Context) error { return nil }

func (e *nullEndpoint) Positions() <-chan PositionNotification { return nil }

func (e *nullEndpoint) PlugEvents() <-chan PlugEvent { return nil }

func (e *nullEndpoint) Close() error { return nil }

// NewThrottle builds and starts the null output. Renderers with no routable
// device link here so their packets keep completing in real time.
func NewThrottle(now clock.NowFunc, metrics *telemetry.Metrics) (*Output, error) {
	if now == nil {
		now = clock.SystemMonotonic
	}
	a := NewAdapter(&nullEndpoint{now: now}, now)
	ctx := context.Background()
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	if err := a.Configure(ctx, throttleFormat, 250*time.Millisecond); err != nil {
		return nil, err
	}
	o := NewOutput("throttle", a, metrics)
	// Muted: every job is silent, so the loop trims without mixing.
	o.SetDeviceGain(audio.UnityGainDb, true)
	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	return o, nil
}
