// ABOUTME: Network sink endpoint streaming the ring to a remote speaker.
// ABOUTME: Audio travels as 20ms opus packets in timestamped binary frames.
package backend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/internal/device"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gopkg.in/hraban/opus.v2"
)

var netSinkFormats = []audio.Format{
	{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 48000},
	{SampleFormat: audio.SampleFormatSigned16, Channels: 1, FramesPerSecond: 48000},
}

// binaryAudioFrame is the first byte of a binary websocket message carrying
// one timestamped opus packet.
const binaryAudioFrame = 0x01

const maxOpusPacket = 4000

type netHello struct {
	Name       string `json:"name"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Codec      string `json:"codec"`
}

type netMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NetSink drives a remote speaker. Losing the connection surfaces as an
// unplug event so routing falls back to another device.
type NetSink struct {
	addr string
	name string
	now  clock.NowFunc

	mu        sync.Mutex
	writeMu   sync.Mutex
	format    audio.Format
	ring      *device.Ring
	conn      *websocket.Conn
	enc       *opus.Encoder
	positions chan device.PositionNotification
	plugs     chan device.PlugEvent
	feedStop  chan struct{}
	feedDone  chan struct{}
	closed    bool
}

// NewNetSink builds an endpoint for the speaker at host:port.
func NewNetSink(addr, name string) *NetSink {
	return &NetSink{
		addr:      addr,
		name:      name,
		now:       clock.SystemMonotonic,
		positions: make(chan device.PositionNotification, 16),
		plugs:     make(chan device.PlugEvent, 4),
	}
}

func (s *NetSink) Properties(context.Context) (device.Properties, error) {
	return device.Properties{
		UniqueID:      uuid.NewSHA1(uuid.NameSpaceURL, []byte("auricle:net-sink:"+s.addr)),
		Name:          s.name,
		ClockDomain:   clock.DomainMonotonic,
		Formats:       netSinkFormats,
		ExternalDelay: 100 * time.Millisecond,
		Pluggable:     true,
		Plugged:       true,
	}, nil
}

func (s *NetSink) Configure(ctx context.Context, format audio.Format, minFrames int64) (*device.Ring, error) {
	ring, err := device.NewRing(format, minFrames)
	if err != nil {
		return nil, err
	}

	u := url.URL{Scheme: "ws", Host: s.addr, Path: "/auricle-sink"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s failed: %w", s.addr, err)
	}
	hello := netHello{Name: s.name, SampleRate: format.FramesPerSecond, Channels: format.Channels, Codec: "opus"}
	payload, _ := json.Marshal(hello)
	if err := conn.WriteJSON(netMessage{Type: "sink/hello", Payload: payload}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send sink/hello: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	var reply netMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read sink/ready: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if reply.Type != "sink/ready" {
		conn.Close()
		return nil, fmt.Errorf("expected sink/ready, got %s", reply.Type)
	}

	enc, err := opus.NewEncoder(format.FramesPerSecond, format.Channels, opus.AppAudio)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	s.mu.Lock()
	old := s.conn
	s.format = format
	s.ring = ring
	s.conn = conn
	s.enc = enc
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go s.readUntilClosed(conn)
	return ring, nil
}

// readUntilClosed drains control messages so pings are answered, and reports
// the disconnect as an unplug.
func (s *NetSink) readUntilClosed(conn *websocket.Conn) {
	for {
		var msg netMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			current := s.conn == conn && !s.closed
			s.mu.Unlock()
			if current {
				log.Printf("Warning: sink %s disconnected: %v", s.addr, err)
				select {
				case s.plugs <- device.PlugEvent{Plugged: false, MonotonicTime: s.now()}:
				default:
				}
			}
			return
		}
	}
}

func (s *NetSink) Start(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0, fmt.Errorf("net sink not configured")
	}
	startMono := s.now()
	s.feedStop = make(chan struct{})
	s.feedDone = make(chan struct{})
	go s.stream(startMono, s.ring, s.conn, s.enc, s.feedStop, s.feedDone)
	return startMono, nil
}

func (s *NetSink) Stop(context.Context) error {
	s.mu.Lock()
	stop, done := s.feedStop, s.feedDone
	s.feedStop, s.feedDone = nil, nil
	conn := s.conn
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteJSON(netMessage{Type: "stream/stop"})
		s.writeMu.Unlock()
	}
	return nil
}

func (s *NetSink) Positions() <-chan device.PositionNotification { return s.positions }

func (s *NetSink) PlugEvents() <-chan device.PlugEvent { return s.plugs }

func (s *NetSink) Close() error {
	s.Stop(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	close(s.positions)
	return nil
}

// stream paces whole opus frames out of the ring: 20ms each, timestamped with
// the monotonic time their first sample left the ring.
func (s *NetSink) stream(startMono int64, ring *device.Ring, conn *websocket.Conn, enc *opus.Encoder, stop, done chan struct{}) {
	defer close(done)
	f := ring.Format()
	frameFrames := int64(f.FramesPerSecond / 50)
	bpf := int64(f.BytesPerFrame())
	frameBytes := frameFrames * bpf
	ringBytes := ring.SizeBytes()
	fps := int64(f.FramesPerSecond)

	raw := make([]byte, frameBytes)
	pcm := make([]int16, frameFrames*int64(f.Channels))
	packet := make([]byte, 9+maxOpusPacket)

	ticker := time.NewTicker(feedPeriod)
	defer ticker.Stop()
	consumed := int64(0) // frames
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		now := s.now()
		target := (now - startMono) * fps / int64(time.Second)
		target -= target % frameFrames
		if lag := target - 10*frameFrames; consumed < lag {
			// Resume near the present after a stall instead of bursting.
			consumed = lag
		}
		for consumed < target {
			copyRingBytes(raw, ring.Bytes(), (consumed*bpf)%ringBytes)
			for i := range pcm {
				pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
			}
			n, err := enc.Encode(pcm, packet[9:])
			if err != nil {
				log.Printf("Warning: opus encode error: %v", err)
				return
			}
			packet[0] = binaryAudioFrame
			binary.BigEndian.PutUint64(packet[1:9], uint64(startMono+consumed*int64(time.Second)/fps))
			s.writeMu.Lock()
			err = conn.WriteMessage(websocket.BinaryMessage, packet[:9+n])
			s.writeMu.Unlock()
			if err != nil {
				return
			}
			consumed += frameFrames
			select {
			case s.positions <- device.PositionNotification{MonotonicTime: now, RingPosition: (consumed * bpf) % ringBytes}:
			default:
			}
		}
	}
}
