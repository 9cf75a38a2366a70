// ABOUTME: WebSocket client for the Auricle control protocol
// ABOUTME: Handles connection, handshake, and message routing
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/gorilla/websocket"
)

// Config holds client configuration.
type Config struct {
	ServerAddr string
	ClientID   string
	Name       string
}

// ProducedPacket is a CaptureProduced event joined with its payload bytes
// from the matching binary frame.
type ProducedPacket struct {
	CaptureProduced
	Data []byte
}

// Client is a WebSocket client for one daemon session. Events arrive on the
// exported channels; methods are safe from any goroutine.
type Client struct {
	config Config
	conn   *websocket.Conn
	mu     sync.Mutex
	server ServerHello

	// Event channels
	Completions chan PacketComplete
	Playing     chan RendererPlaying
	Paused      chan RendererPaused
	StreamEnds  chan StreamEnd
	LeadTimes   chan MinLeadTime
	Produced    chan ProducedPacket
	GainChanges chan GainChanged
	Status      chan StatusUpdate
	Errors      chan ErrorMessage

	// CaptureProduced events waiting for their binary frame. The daemon
	// sends the frame right after the event on the same connection, so
	// arrival order pairs them.
	pendingMu       sync.Mutex
	pendingProduced []CaptureProduced

	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a client. Call Connect before anything else.
func NewClient(config Config) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:      config,
		Completions: make(chan PacketComplete, 100),
		Playing:     make(chan RendererPlaying, 10),
		Paused:      make(chan RendererPaused, 10),
		StreamEnds:  make(chan StreamEnd, 10),
		LeadTimes:   make(chan MinLeadTime, 10),
		Produced:    make(chan ProducedPacket, 100),
		GainChanges: make(chan GainChanged, 10),
		Status:      make(chan StatusUpdate, 10),
		Errors:      make(chan ErrorMessage, 10),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect establishes the WebSocket connection and performs the handshake.
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: "/auricle"}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()

	return nil
}

func (c *Client) handshake() error {
	hello := ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  Version,
	}
	if err := c.sendJSON(Message{Type: MsgClientHello, Payload: hello}); err != nil {
		return fmt.Errorf("failed to send client/hello: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	c.conn.SetReadDeadline(time.Time{})

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	if msg.Type != MsgServerHello {
		return fmt.Errorf("expected server/hello, got %s", msg.Type)
	}

	payload, _ := json.Marshal(msg.Payload)
	if err := json.Unmarshal(payload, &c.server); err != nil {
		return fmt.Errorf("bad server/hello payload: %w", err)
	}

	log.Printf("Handshake complete with %s (%s %s)", c.server.Name, c.server.Product, c.server.Manufacturer)
	return nil
}

// Server reports the daemon's hello after a successful Connect.
func (c *Client) Server() ServerHello {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Client) sendJSON(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) sendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// CreateRenderer opens a render stream under a client-chosen id.
func (c *Client) CreateRenderer(streamID uint32, usage audio.Usage) error {
	return c.sendJSON(Message{Type: MsgRendererCreate, Payload: StreamCreate{StreamID: streamID, Usage: string(usage)}})
}

// CreateCapturer opens a capture stream under a client-chosen id.
func (c *Client) CreateCapturer(streamID uint32, usage audio.Usage) error {
	return c.sendJSON(Message{Type: MsgCapturerCreate, Payload: StreamCreate{StreamID: streamID, Usage: string(usage)}})
}

// SetFormat negotiates the stream's PCM type. Must precede payload buffers.
func (c *Client) SetFormat(streamID uint32, f audio.Format) error {
	return c.sendJSON(Message{Type: MsgStreamSetFormat, Payload: StreamSetFormat{StreamID: streamID, Format: FormatSpecFor(f)}})
}

// CloseStream tears one stream down.
func (c *Client) CloseStream(streamID uint32) error {
	return c.sendJSON(Message{Type: MsgStreamClose, Payload: StreamClose{StreamID: streamID}})
}

// AddPayloadBuffer registers a payload buffer with the daemon.
func (c *Client) AddPayloadBuffer(streamID, bufferID uint32, data []byte) error {
	return c.sendBinary(EncodeFrame(FramePayloadBuffer, PackStreamBuffer(streamID, bufferID), data))
}

// RemovePayloadBuffer unregisters a payload buffer.
func (c *Client) RemovePayloadBuffer(streamID, bufferID uint32) error {
	return c.sendJSON(Message{Type: MsgBufferRemove, Payload: BufferRemove{StreamID: streamID, BufferID: bufferID}})
}

// SendPacket queues one render packet.
func (c *Client) SendPacket(p PacketSend) error {
	return c.sendJSON(Message{Type: MsgPacketSend, Payload: p})
}

// Play starts presentation. Zero times let the daemon choose; the actual
// correlation arrives on Playing.
func (c *Client) Play(streamID uint32, referenceTime, mediaTime int64) error {
	return c.sendJSON(Message{Type: MsgRendererPlay, Payload: RendererPlay{
		StreamID: streamID, ReferenceTime: referenceTime, MediaTime: mediaTime,
	}})
}

// Pause halts presentation; the stop point arrives on Paused.
func (c *Client) Pause(streamID uint32) error {
	return c.sendJSON(Message{Type: MsgRendererPause, Payload: RendererPause{StreamID: streamID}})
}

// DiscardAllPackets flushes every queued packet.
func (c *Client) DiscardAllPackets(streamID uint32) error {
	return c.sendJSON(Message{Type: MsgRendererDiscard, Payload: RendererDiscard{StreamID: streamID}})
}

// CaptureAt submits one synchronous capture receptacle.
func (c *Client) CaptureAt(streamID, bufferID uint32, offsetFrames, frames int64) error {
	return c.sendJSON(Message{Type: MsgCaptureAt, Payload: CaptureAt{
		StreamID: streamID, BufferID: bufferID, OffsetFrames: offsetFrames, Frames: frames,
	}})
}

// StartAsyncCapture switches the capturer to free-running packets.
func (c *Client) StartAsyncCapture(streamID, bufferID uint32, framesPerPacket int64) error {
	return c.sendJSON(Message{Type: MsgCaptureStartAsync, Payload: CaptureStartAsync{
		StreamID: streamID, BufferID: bufferID, FramesPerPacket: framesPerPacket,
	}})
}

// StopAsyncCapture returns the capturer to synchronous mode.
func (c *Client) StopAsyncCapture(streamID uint32) error {
	return c.sendJSON(Message{Type: MsgCaptureStopAsync, Payload: CaptureStopAsync{StreamID: streamID}})
}

// ReleaseAsyncPacket returns an async packet's region to the daemon.
func (c *Client) ReleaseAsyncPacket(streamID uint32, offset int64) error {
	return c.sendJSON(Message{Type: MsgCaptureRelease, Payload: CaptureRelease{StreamID: streamID, Offset: offset}})
}

// SetGain applies an immediate stream gain in decibels.
func (c *Client) SetGain(streamID uint32, gainDb float64) error {
	return c.sendJSON(Message{Type: MsgGainSet, Payload: GainSet{StreamID: streamID, GainDb: gainDb}})
}

// SetGainWithRamp ramps the stream gain linearly in amplitude.
func (c *Client) SetGainWithRamp(streamID uint32, endDb float64, d time.Duration) error {
	return c.sendJSON(Message{Type: MsgGainRamp, Payload: GainRamp{
		StreamID: streamID, EndDb: endDb, DurationMs: d.Milliseconds(),
	}})
}

// SetMute sets the stream mute flag.
func (c *Client) SetMute(streamID uint32, muted bool) error {
	return c.sendJSON(Message{Type: MsgGainMute, Payload: GainMute{StreamID: streamID, Muted: muted}})
}

// SetVolume applies a [0,1] volume through the routed device's curve.
func (c *Client) SetVolume(streamID uint32, volume float64) error {
	return c.sendJSON(Message{Type: MsgVolumeSet, Payload: VolumeSet{StreamID: streamID, Volume: volume}})
}

// SubscribeStatus asks for periodic StatusUpdate events.
func (c *Client) SubscribeStatus(interval time.Duration) error {
	return c.sendJSON(Message{Type: MsgStatusSubscribe, Payload: StatusSubscribe{IntervalMs: interval.Milliseconds()}})
}

func (c *Client) readMessages() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Printf("Read error: %v", err)
			return
		}

		if messageType == websocket.BinaryMessage {
			c.handleBinaryMessage(data)
		} else if messageType == websocket.TextMessage {
			c.handleJSONMessage(data)
		}
	}
}

func (c *Client) handleBinaryMessage(data []byte) {
	frameType, ref, payload, err := DecodeFrame(data)
	if err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	if frameType != FrameCaptureData {
		log.Printf("Warning: unknown binary frame type %d", frameType)
		return
	}

	c.pendingMu.Lock()
	var meta CaptureProduced
	found := false
	for i, p := range c.pendingProduced {
		if p.Sequence == ref {
			meta = p
			c.pendingProduced = append(c.pendingProduced[:i], c.pendingProduced[i+1:]...)
			found = true
			break
		}
	}
	c.pendingMu.Unlock()
	if !found {
		log.Printf("Warning: capture frame for unknown sequence %d", ref)
		return
	}

	// The frame payload aliases the read buffer; copy before handing out.
	owned := make([]byte, len(payload))
	copy(owned, payload)
	select {
	case c.Produced <- ProducedPacket{CaptureProduced: meta, Data: owned}:
	case <-c.ctx.Done():
	}
}

func (c *Client) handleJSONMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse JSON message: %v", err)
		return
	}

	payloadBytes, _ := json.Marshal(msg.Payload)

	switch msg.Type {
	case MsgPacketComplete:
		var pc PacketComplete
		json.Unmarshal(payloadBytes, &pc)
		select {
		case c.Completions <- pc:
		case <-c.ctx.Done():
		}

	case MsgRendererPlaying:
		var p RendererPlaying
		json.Unmarshal(payloadBytes, &p)
		select {
		case c.Playing <- p:
		case <-c.ctx.Done():
		}

	case MsgRendererPaused:
		var p RendererPaused
		json.Unmarshal(payloadBytes, &p)
		select {
		case c.Paused <- p:
		case <-c.ctx.Done():
		}

	case MsgStreamEnd:
		var e StreamEnd
		json.Unmarshal(payloadBytes, &e)
		select {
		case c.StreamEnds <- e:
		case <-c.ctx.Done():
		}

	case MsgMinLeadTime:
		var lt MinLeadTime
		json.Unmarshal(payloadBytes, &lt)
		select {
		case c.LeadTimes <- lt:
		case <-c.ctx.Done():
		}

	case MsgCaptureProduced:
		var cp CaptureProduced
		json.Unmarshal(payloadBytes, &cp)
		if cp.Cancelled {
			// No binary frame follows a cancelled packet.
			select {
			case c.Produced <- ProducedPacket{CaptureProduced: cp}:
			case <-c.ctx.Done():
			}
			return
		}
		c.pendingMu.Lock()
		c.pendingProduced = append(c.pendingProduced, cp)
		c.pendingMu.Unlock()

	case MsgGainChanged:
		var gc GainChanged
		json.Unmarshal(payloadBytes, &gc)
		select {
		case c.GainChanges <- gc:
		case <-c.ctx.Done():
		}

	case MsgStatusUpdate:
		var su StatusUpdate
		json.Unmarshal(payloadBytes, &su)
		select {
		case c.Status <- su:
		case <-c.ctx.Done():
		}

	case MsgError:
		var em ErrorMessage
		json.Unmarshal(payloadBytes, &em)
		log.Printf("Warning: daemon reported error on stream %d: %s", em.StreamID, em.Message)
		select {
		case c.Errors <- em:
		case <-c.ctx.Done():
		}

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Printf("Connection closed")
	}
}

// IsConnected returns connection status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
