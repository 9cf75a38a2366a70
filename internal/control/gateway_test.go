// ABOUTME: End-to-end gateway tests over loopback WebSocket connections.
// ABOUTME: A real service with synthetic devices sits behind every session.
package control

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/auricle-audio/auricle-go/internal/config"
	"github.com/auricle-audio/auricle-go/internal/device/backend"
	"github.com/auricle-audio/auricle-go/internal/service"
	"github.com/auricle-audio/auricle-go/internal/telemetry"
	"github.com/auricle-audio/auricle-go/internal/version"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/protocol"
)

var wireFormat = audio.Format{
	SampleFormat:    audio.SampleFormatSigned16,
	Channels:        2,
	FramesPerSecond: 48000,
}

const eventWait = 2 * time.Second

func newTestGateway(t *testing.T) (*service.Service, string) {
	t.Helper()
	svc, err := service.New("test-daemon", &telemetry.Metrics{}, nil)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(svc.Close)

	gw, err := NewGateway(Config{Service: svc})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if err := gw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(gw.Stop)

	_, port, err := net.SplitHostPort(gw.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return svc, "127.0.0.1:" + port
}

func newTestClient(t *testing.T, addr, name string) *protocol.Client {
	t.Helper()
	c := protocol.NewClient(protocol.Config{ServerAddr: addr, ClientID: name, Name: name})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func addWireOutput(t *testing.T, s *service.Service, name string) {
	t.Helper()
	ep := backend.NewSynthetic(name, false, []audio.Format{wireFormat})
	ep.SetNowFunc(s.Now)
	err := s.AddDevice(context.Background(), config.DeviceProfile{Name: name, Format: wireFormat}, ep)
	if err != nil {
		t.Fatalf("AddDevice %s: %v", name, err)
	}
}

func addWireInput(t *testing.T, s *service.Service, name string) {
	t.Helper()
	ep := backend.NewSynthetic(name, true, []audio.Format{wireFormat})
	ep.SetNowFunc(s.Now)
	err := s.AddDevice(context.Background(), config.DeviceProfile{Name: name, Input: true, Format: wireFormat}, ep)
	if err != nil {
		t.Fatalf("AddDevice %s: %v", name, err)
	}
}

func TestHandshakeIdentifiesDaemon(t *testing.T) {
	_, addr := newTestGateway(t)
	client := newTestClient(t, addr, "hello-client")

	srv := client.Server()
	if srv.Name != "test-daemon" {
		t.Errorf("server name = %q, want test-daemon", srv.Name)
	}
	if srv.Product != version.Product || srv.Manufacturer != version.Manufacturer {
		t.Errorf("identity = %q/%q", srv.Product, srv.Manufacturer)
	}
	if srv.Version != protocol.Version {
		t.Errorf("version = %d, want %d", srv.Version, protocol.Version)
	}
	if srv.ServerID == "" {
		t.Error("server id empty")
	}

	// A second connection under the same client id is rejected before the
	// server hello.
	dup := protocol.NewClient(protocol.Config{ServerAddr: addr, ClientID: "hello-client", Name: "dup"})
	if err := dup.Connect(); err == nil {
		dup.Close()
		t.Error("duplicate client id accepted")
	}
}

func TestRenderStreamLifecycle(t *testing.T) {
	svc, addr := newTestGateway(t)
	addWireOutput(t, svc, "spk")
	client := newTestClient(t, addr, "render-client")

	if err := client.CreateRenderer(1, audio.UsageMedia); err != nil {
		t.Fatalf("CreateRenderer: %v", err)
	}
	if err := client.SetFormat(1, wireFormat); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := client.AddPayloadBuffer(1, 1, make([]byte, 19200)); err != nil {
		t.Fatalf("AddPayloadBuffer: %v", err)
	}

	// Routing to the device reports the minimum lead time.
	select {
	case lt := <-client.LeadTimes:
		if lt.StreamID != 1 || lt.LeadTimeNs <= 0 {
			t.Fatalf("lead time = %+v", lt)
		}
	case <-time.After(eventWait):
		t.Fatal("no min lead time after linking")
	}

	for i := uint64(1); i <= 3; i++ {
		err := client.SendPacket(protocol.PacketSend{
			StreamID: 1, Sequence: i, BufferID: 1,
			Offset: int64(i-1) * 960, Size: 960, Continuous: true,
		})
		if err != nil {
			t.Fatalf("SendPacket %d: %v", i, err)
		}
	}

	if err := client.Play(1, 0, 0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case p := <-client.Playing:
		if p.StreamID != 1 || p.MediaTime != 0 || p.ReferenceTime <= 0 {
			t.Fatalf("playing = %+v", p)
		}
	case <-time.After(eventWait):
		t.Fatal("no playing event")
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case pc := <-client.Completions:
			if pc.Sequence != want {
				t.Fatalf("completion %d, want %d", pc.Sequence, want)
			}
		case <-time.After(eventWait):
			t.Fatalf("no completion for packet %d", want)
		}
	}
	select {
	case <-client.StreamEnds:
	case <-time.After(eventWait):
		t.Fatal("no stream end after drain")
	}

	if err := client.Pause(1); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	select {
	case p := <-client.Paused:
		// The playhead never runs backwards through the play anchor, even
		// when the pause lands before the scheduled start.
		if p.StreamID != 1 || p.MediaTime < 0 {
			t.Fatalf("paused = %+v", p)
		}
	case <-time.After(eventWait):
		t.Fatal("no paused event")
	}

	if err := client.CloseStream(1); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	if err := client.Play(1, 0, 0); err != nil {
		t.Fatalf("Play after close: %v", err)
	}
	select {
	case em := <-client.Errors:
		if em.StreamID != 1 {
			t.Fatalf("error = %+v", em)
		}
	case <-time.After(eventWait):
		t.Fatal("no error for closed stream")
	}
}

func TestSyncCaptureOverWire(t *testing.T) {
	svc, addr := newTestGateway(t)
	addWireInput(t, svc, "mic")
	client := newTestClient(t, addr, "capture-client")

	if err := client.CreateCapturer(7, audio.UsageForeground); err != nil {
		t.Fatalf("CreateCapturer: %v", err)
	}
	if err := client.SetFormat(7, wireFormat); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := client.AddPayloadBuffer(7, 1, make([]byte, 3840)); err != nil {
		t.Fatalf("AddPayloadBuffer: %v", err)
	}
	if err := client.CaptureAt(7, 1, 0, 480); err != nil {
		t.Fatalf("CaptureAt: %v", err)
	}

	select {
	case p := <-client.Produced:
		if p.StreamID != 7 || p.Cancelled {
			t.Fatalf("produced = %+v", p.CaptureProduced)
		}
		if p.Frames != 480 || p.Size != 1920 {
			t.Errorf("packet frames=%d size=%d, want 480 frames", p.Frames, p.Size)
		}
		if int64(len(p.Data)) != p.Size {
			t.Errorf("data length = %d, want %d", len(p.Data), p.Size)
		}
	case <-time.After(eventWait):
		t.Fatal("no produced packet")
	}
}

func TestCaptureCancelledOnClose(t *testing.T) {
	// No input device, so the receptacle can never fill.
	_, addr := newTestGateway(t)
	client := newTestClient(t, addr, "cancel-client")

	if err := client.CreateCapturer(2, audio.UsageForeground); err != nil {
		t.Fatalf("CreateCapturer: %v", err)
	}
	if err := client.SetFormat(2, wireFormat); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := client.AddPayloadBuffer(2, 1, make([]byte, 3840)); err != nil {
		t.Fatalf("AddPayloadBuffer: %v", err)
	}
	if err := client.CaptureAt(2, 1, 0, 480); err != nil {
		t.Fatalf("CaptureAt: %v", err)
	}
	if err := client.CloseStream(2); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}

	select {
	case p := <-client.Produced:
		if !p.Cancelled {
			t.Fatalf("produced = %+v, want cancelled", p.CaptureProduced)
		}
		if p.Data != nil {
			t.Error("cancelled packet carried data")
		}
	case <-time.After(eventWait):
		t.Fatal("no cancelled packet on close")
	}
}

func TestFailedOpTearsStreamDown(t *testing.T) {
	_, addr := newTestGateway(t)
	client := newTestClient(t, addr, "error-client")

	if err := client.CreateRenderer(3, audio.UsageMedia); err != nil {
		t.Fatalf("CreateRenderer: %v", err)
	}
	if err := client.SetFormat(3, wireFormat); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}

	// Referencing a buffer that was never registered fails the op and takes
	// the stream with it.
	err := client.SendPacket(protocol.PacketSend{
		StreamID: 3, Sequence: 1, BufferID: 99, Size: 960, Continuous: true,
	})
	if err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	select {
	case em := <-client.Errors:
		if em.StreamID != 3 {
			t.Fatalf("error = %+v", em)
		}
	case <-time.After(eventWait):
		t.Fatal("no error for bad packet")
	}

	if err := client.SetGain(3, -6); err != nil {
		t.Fatalf("SetGain: %v", err)
	}
	select {
	case em := <-client.Errors:
		if em.StreamID != 3 || !strings.Contains(em.Message, "unknown stream") {
			t.Fatalf("error = %+v, want unknown stream", em)
		}
	case <-time.After(eventWait):
		t.Fatal("no error after teardown")
	}

	// The id is free again after teardown; reusing it while held is not.
	if err := client.CreateRenderer(3, audio.UsageMedia); err != nil {
		t.Fatalf("CreateRenderer again: %v", err)
	}
	if err := client.CreateCapturer(3, audio.UsageForeground); err != nil {
		t.Fatalf("CreateCapturer: %v", err)
	}
	select {
	case em := <-client.Errors:
		if em.StreamID != 3 || !strings.Contains(em.Message, "already in use") {
			t.Fatalf("error = %+v, want already in use", em)
		}
	case <-time.After(eventWait):
		t.Fatal("no error for duplicate stream id")
	}
}

func TestStatusSubscription(t *testing.T) {
	svc, addr := newTestGateway(t)
	addWireOutput(t, svc, "spk")
	client := newTestClient(t, addr, "status-client")

	if err := client.CreateRenderer(1, audio.UsageMedia); err != nil {
		t.Fatalf("CreateRenderer: %v", err)
	}
	if err := client.SetFormat(1, wireFormat); err != nil {
		t.Fatalf("SetFormat: %v", err)
	}
	if err := client.AddPayloadBuffer(1, 1, make([]byte, 19200)); err != nil {
		t.Fatalf("AddPayloadBuffer: %v", err)
	}
	if err := client.SubscribeStatus(50 * time.Millisecond); err != nil {
		t.Fatalf("SubscribeStatus: %v", err)
	}

	deadline := time.After(eventWait)
	for {
		var st protocol.StatusUpdate
		select {
		case st = <-client.Status:
		case <-deadline:
			t.Fatal("no status update with routed stream")
		}
		if st.ServerName != "test-daemon" {
			t.Fatalf("server name = %q", st.ServerName)
		}
		if len(st.Devices) != 1 || st.Devices[0].Name != "spk" {
			t.Fatalf("devices = %+v", st.Devices)
		}
		if st.Counters.DevicesAdded != 1 {
			t.Fatalf("devices added = %d", st.Counters.DevicesAdded)
		}
		if len(st.Streams) != 1 || st.Streams[0].Device != "spk" {
			continue // stream may not be linked yet
		}
		got := st.Streams[0]
		if got.Client != "status-client" || got.StreamID != 1 {
			t.Fatalf("stream attribution = %q/%d", got.Client, got.StreamID)
		}
		if got.Kind != "render" || got.Format.Rate != 48000 {
			t.Fatalf("stream = %+v", got)
		}
		return
	}
}
