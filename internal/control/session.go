// ABOUTME: One control connection: stream registry, dispatch, event fanout.
// ABOUTME: A failed stream op reports an error and tears that stream down.
package control

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/auricle-audio/auricle-go/internal/packet"
	"github.com/auricle-audio/auricle-go/internal/service"
	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/protocol"
	"github.com/gorilla/websocket"
)

const defaultStatusInterval = time.Second

// session is one connected client. Stream ids are client-chosen and scoped to
// the session; every stream dies with it.
type session struct {
	gw   *Gateway
	id   string
	name string
	conn *websocket.Conn

	// sendChan carries protocol.Message values and raw binary frames to the
	// writer. Sends never block; a full channel drops the message.
	sendChan   chan interface{}
	captureSeq atomic.Uint64

	mu         sync.Mutex
	renderers  map[uint32]*service.Renderer
	capturers  map[uint32]*service.Capturer
	statusStop chan struct{}
	statusWG   sync.WaitGroup
}

func newSession(g *Gateway, conn *websocket.Conn, hello protocol.ClientHello) *session {
	return &session{
		gw:        g,
		id:        hello.ClientID,
		name:      hello.Name,
		conn:      conn,
		sendChan:  make(chan interface{}, 100),
		renderers: make(map[uint32]*service.Renderer),
		capturers: make(map[uint32]*service.Capturer),
	}
}

// writer drains sendChan onto the connection and keeps it alive with pings.
func (s *session) writer() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const writeDeadline = 10 * time.Second

	for {
		select {
		case msg, ok := <-s.sendChan:
			if !ok {
				return
			}

			switch v := msg.(type) {
			case []byte:
				s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := s.conn.WriteMessage(websocket.BinaryMessage, v); err != nil {
					return
				}
			default:
				data, err := json.Marshal(v)
				if err != nil {
					continue
				}
				s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *session) send(msgType string, payload interface{}) {
	select {
	case s.sendChan <- protocol.Message{Type: msgType, Payload: payload}:
	default:
		log.Printf("Warning: dropping %s for slow client %s", msgType, s.name)
	}
}

func (s *session) sendBinary(frame []byte) {
	select {
	case s.sendChan <- frame:
	default:
		log.Printf("Warning: dropping binary frame for slow client %s", s.name)
	}
}

func (s *session) sendError(streamID uint32, err error) {
	s.send(protocol.MsgError, protocol.ErrorMessage{StreamID: streamID, Message: err.Error()})
}

// fail reports a stream op error and shuts the stream down. Keeping a stream
// alive after a failed op would leave the client guessing about its state.
func (s *session) fail(streamID uint32, err error) {
	log.Printf("Warning: client %s stream %d: %v", s.name, streamID, err)
	s.sendError(streamID, err)
	s.closeStream(streamID)
}

func (s *session) closeStream(streamID uint32) {
	s.mu.Lock()
	r := s.renderers[streamID]
	c := s.capturers[streamID]
	delete(s.renderers, streamID)
	delete(s.capturers, streamID)
	s.mu.Unlock()

	if r != nil {
		r.Close()
	}
	if c != nil {
		c.Close()
	}
}

// teardown closes every stream, then the send channel. Stream closes detach
// from the mix domains synchronously and the status loop is joined first, so
// no send can land after the channel is gone.
func (s *session) teardown() {
	s.mu.Lock()
	renderers := s.renderers
	capturers := s.capturers
	s.renderers = make(map[uint32]*service.Renderer)
	s.capturers = make(map[uint32]*service.Capturer)
	stop := s.statusStop
	s.statusStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.statusWG.Wait()
	for _, r := range renderers {
		r.Close()
	}
	for _, c := range capturers {
		c.Close()
	}
	close(s.sendChan)
}

func (s *session) renderer(streamID uint32) (*service.Renderer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renderers[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown render stream %d", streamID)
	}
	return r, nil
}

func (s *session) capturer(streamID uint32) (*service.Capturer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capturers[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown capture stream %d", streamID)
	}
	return c, nil
}

// stream returns whichever kind of stream owns the id, for ops that apply to
// both.
func (s *session) stream(streamID uint32) (*service.Renderer, *service.Capturer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.renderers[streamID]; ok {
		return r, nil, nil
	}
	if c, ok := s.capturers[streamID]; ok {
		return nil, c, nil
	}
	return nil, nil, fmt.Errorf("unknown stream %d", streamID)
}

func (s *session) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Warning: bad message from %s: %v", s.name, err)
		return
	}

	switch msg.Type {
	case protocol.MsgRendererCreate:
		s.handleRendererCreate(msg.Payload)
	case protocol.MsgCapturerCreate:
		s.handleCapturerCreate(msg.Payload)
	case protocol.MsgStreamSetFormat:
		s.handleSetFormat(msg.Payload)
	case protocol.MsgStreamClose:
		s.handleStreamClose(msg.Payload)
	case protocol.MsgBufferRemove:
		s.handleBufferRemove(msg.Payload)
	case protocol.MsgPacketSend:
		s.handlePacketSend(msg.Payload)
	case protocol.MsgRendererPlay:
		s.handlePlay(msg.Payload)
	case protocol.MsgRendererPause:
		s.handlePause(msg.Payload)
	case protocol.MsgRendererDiscard:
		s.handleDiscard(msg.Payload)
	case protocol.MsgCaptureAt:
		s.handleCaptureAt(msg.Payload)
	case protocol.MsgCaptureStartAsync:
		s.handleCaptureStartAsync(msg.Payload)
	case protocol.MsgCaptureStopAsync:
		s.handleCaptureStopAsync(msg.Payload)
	case protocol.MsgCaptureRelease:
		s.handleCaptureRelease(msg.Payload)
	case protocol.MsgGainSet:
		s.handleGainSet(msg.Payload)
	case protocol.MsgGainRamp:
		s.handleGainRamp(msg.Payload)
	case protocol.MsgGainMute:
		s.handleGainMute(msg.Payload)
	case protocol.MsgVolumeSet:
		s.handleVolumeSet(msg.Payload)
	case protocol.MsgStatusSubscribe:
		s.handleStatusSubscribe(msg.Payload)
	default:
		log.Printf("Unknown message type from %s: %s", s.name, msg.Type)
	}
}

// handleBinary registers a payload buffer carried in a binary frame.
func (s *session) handleBinary(data []byte) {
	frameType, ref, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	if frameType != protocol.FramePayloadBuffer {
		log.Printf("Warning: unknown binary frame type %d from %s", frameType, s.name)
		return
	}
	streamID, bufferID := protocol.UnpackStreamBuffer(ref)

	// The store keeps the buffer for the stream's lifetime.
	owned := make([]byte, len(payload))
	copy(owned, payload)

	r, c, err := s.stream(streamID)
	if err != nil {
		s.sendError(streamID, err)
		return
	}
	if r != nil {
		err = r.AddPayloadBuffer(bufferID, owned)
	} else {
		err = c.AddPayloadBuffer(bufferID, owned)
	}
	if err != nil {
		s.fail(streamID, err)
	}
}

func (s *session) handleRendererCreate(payload interface{}) {
	var p protocol.StreamCreate
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	usage, err := renderUsage(p.Usage)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := s.reserveStreamID(p.StreamID); err != nil {
		s.sendError(p.StreamID, err)
		return
	}

	name := fmt.Sprintf("%s/%d", s.name, p.StreamID)
	r, err := s.gw.svc.CreateRenderer(name, usage, &renderEvents{s: s, streamID: p.StreamID})
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	s.mu.Lock()
	s.renderers[p.StreamID] = r
	s.mu.Unlock()
}

func (s *session) handleCapturerCreate(payload interface{}) {
	var p protocol.StreamCreate
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	usage, err := captureUsage(p.Usage)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := s.reserveStreamID(p.StreamID); err != nil {
		s.sendError(p.StreamID, err)
		return
	}

	name := fmt.Sprintf("%s/%d", s.name, p.StreamID)
	c, err := s.gw.svc.CreateCapturer(name, usage, &captureEvents{s: s, streamID: p.StreamID})
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	s.mu.Lock()
	s.capturers[p.StreamID] = c
	s.mu.Unlock()
}

func (s *session) reserveStreamID(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.renderers[id]; ok {
		return fmt.Errorf("stream id %d already in use", id)
	}
	if _, ok := s.capturers[id]; ok {
		return fmt.Errorf("stream id %d already in use", id)
	}
	return nil
}

func renderUsage(raw string) (audio.Usage, error) {
	if raw == "" {
		return audio.UsageMedia, nil
	}
	u, err := audio.ParseUsage(raw)
	if err != nil {
		return "", err
	}
	if u == audio.UsageForeground {
		return "", fmt.Errorf("usage %q is capture-only", raw)
	}
	return u, nil
}

func captureUsage(raw string) (audio.Usage, error) {
	if raw == "" {
		return audio.UsageForeground, nil
	}
	return audio.ParseUsage(raw)
}

func (s *session) handleSetFormat(payload interface{}) {
	var p protocol.StreamSetFormat
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	f, err := p.Format.ToFormat()
	if err != nil {
		s.fail(p.StreamID, err)
		return
	}
	r, c, err := s.stream(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if r != nil {
		err = r.SetFormat(f)
	} else {
		err = c.SetFormat(f)
	}
	if err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handleStreamClose(payload interface{}) {
	var p protocol.StreamClose
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	s.closeStream(p.StreamID)
}

func (s *session) handleBufferRemove(payload interface{}) {
	var p protocol.BufferRemove
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	r, c, err := s.stream(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if r != nil {
		err = r.RemovePayloadBuffer(p.BufferID)
	} else {
		err = c.RemovePayloadBuffer(p.BufferID)
	}
	if err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handlePacketSend(payload interface{}) {
	var p protocol.PacketSend
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	r, err := s.renderer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := r.SendPacket(p.Sequence, p.BufferID, p.Offset, p.Size, p.PTS, p.Continuous); err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handlePlay(payload interface{}) {
	var p protocol.RendererPlay
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	r, err := s.renderer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	ref, media, err := r.Play(p.ReferenceTime, p.MediaTime)
	if err != nil {
		s.fail(p.StreamID, err)
		return
	}
	s.send(protocol.MsgRendererPlaying, protocol.RendererPlaying{
		StreamID: p.StreamID, ReferenceTime: ref, MediaTime: media,
	})
}

func (s *session) handlePause(payload interface{}) {
	var p protocol.RendererPause
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	r, err := s.renderer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	ref, media, err := r.Pause()
	if err != nil {
		s.fail(p.StreamID, err)
		return
	}
	s.send(protocol.MsgRendererPaused, protocol.RendererPaused{
		StreamID: p.StreamID, ReferenceTime: ref, MediaTime: media,
	})
}

func (s *session) handleDiscard(payload interface{}) {
	var p protocol.RendererDiscard
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	r, err := s.renderer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := r.DiscardAllPackets(); err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handleCaptureAt(payload interface{}) {
	var p protocol.CaptureAt
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	c, err := s.capturer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := c.CaptureAt(p.BufferID, p.OffsetFrames, p.Frames); err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handleCaptureStartAsync(payload interface{}) {
	var p protocol.CaptureStartAsync
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	c, err := s.capturer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := c.StartAsync(p.BufferID, p.FramesPerPacket); err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handleCaptureStopAsync(payload interface{}) {
	var p protocol.CaptureStopAsync
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	c, err := s.capturer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := c.StopAsync(); err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handleCaptureRelease(payload interface{}) {
	var p protocol.CaptureRelease
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	c, err := s.capturer(p.StreamID)
	if err != nil {
		s.sendError(p.StreamID, err)
		return
	}
	if err := c.ReleaseAsync(p.Offset); err != nil {
		s.fail(p.StreamID, err)
	}
}

func (s *session) handleGainSet(payload interface{}) {
	var p protocol.GainSet
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	s.gainOp(p.StreamID, func(r *service.Renderer) error { return r.SetGain(p.GainDb) },
		func(c *service.Capturer) error { return c.SetGain(p.GainDb) })
}

func (s *session) handleGainRamp(payload interface{}) {
	var p protocol.GainRamp
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	d := time.Duration(p.DurationMs) * time.Millisecond
	s.gainOp(p.StreamID, func(r *service.Renderer) error { return r.SetGainWithRamp(p.EndDb, d) },
		func(c *service.Capturer) error { return c.SetGainWithRamp(p.EndDb, d) })
}

func (s *session) handleGainMute(payload interface{}) {
	var p protocol.GainMute
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	s.gainOp(p.StreamID, func(r *service.Renderer) error { return r.SetMute(p.Muted) },
		func(c *service.Capturer) error { return c.SetMute(p.Muted) })
}

func (s *session) handleVolumeSet(payload interface{}) {
	var p protocol.VolumeSet
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	s.gainOp(p.StreamID, func(r *service.Renderer) error { return r.SetVolume(p.Volume) },
		func(c *service.Capturer) error { return c.SetVolume(p.Volume) })
}

// gainOp applies a gain setter to whichever kind of stream owns the id.
func (s *session) gainOp(streamID uint32, onRenderer func(*service.Renderer) error, onCapturer func(*service.Capturer) error) {
	r, c, err := s.stream(streamID)
	if err != nil {
		s.sendError(streamID, err)
		return
	}
	if r != nil {
		err = onRenderer(r)
	} else {
		err = onCapturer(c)
	}
	if err != nil {
		s.fail(streamID, err)
	}
}

func (s *session) handleStatusSubscribe(payload interface{}) {
	var p protocol.StatusSubscribe
	if err := unmarshalPayload(payload, &p); err != nil {
		s.sendError(0, err)
		return
	}
	interval := time.Duration(p.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultStatusInterval
	}

	s.mu.Lock()
	if s.statusStop != nil {
		close(s.statusStop)
	}
	stop := make(chan struct{})
	s.statusStop = stop
	s.mu.Unlock()

	s.statusWG.Add(1)
	s.gw.wg.Add(1)
	go func() {
		defer s.gw.wg.Done()
		defer s.statusWG.Done()
		s.statusLoop(interval, stop)
	}()
}

func (s *session) statusLoop(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.send(protocol.MsgStatusUpdate, s.gw.statusUpdate())
	for {
		select {
		case <-ticker.C:
			s.send(protocol.MsgStatusUpdate, s.gw.statusUpdate())
		case <-stop:
			return
		}
	}
}

// renderEvents fans renderer callbacks out to the owning session. Callbacks
// arrive on daemon goroutines, so sends must never block.
type renderEvents struct {
	s        *session
	streamID uint32
}

func (e *renderEvents) OnPacketComplete(sequence uint64) {
	e.s.send(protocol.MsgPacketComplete, protocol.PacketComplete{
		StreamID: e.streamID, Sequence: sequence,
	})
}

func (e *renderEvents) OnStreamEnd() {
	e.s.send(protocol.MsgStreamEnd, protocol.StreamEnd{StreamID: e.streamID})
}

func (e *renderEvents) OnMinLeadTime(d time.Duration) {
	e.s.send(protocol.MsgMinLeadTime, protocol.MinLeadTime{
		StreamID: e.streamID, LeadTimeNs: int64(d),
	})
}

func (e *renderEvents) OnGainChanged(gainDb float64, muted bool) {
	e.s.send(protocol.MsgGainChanged, protocol.GainChanged{
		StreamID: e.streamID, GainDb: gainDb, Muted: muted,
	})
}

// captureEvents announces produced packets and follows each live one with a
// binary frame carrying its bytes under the announced sequence.
type captureEvents struct {
	s        *session
	streamID uint32
}

func (e *captureEvents) OnPacketProduced(p packet.CapturePacket, data []byte) {
	seq := e.s.captureSeq.Add(1)
	e.s.send(protocol.MsgCaptureProduced, protocol.CaptureProduced{
		StreamID:      e.streamID,
		Sequence:      seq,
		BufferID:      p.BufferID,
		Offset:        p.Offset,
		Size:          p.Size,
		Frames:        p.Frames,
		Frame:         p.Frame,
		ReferenceTime: p.ReferenceTime,
		Cancelled:     p.Cancelled,
	})
	if p.Cancelled || data == nil {
		return
	}
	e.s.sendBinary(protocol.EncodeFrame(protocol.FrameCaptureData, seq, data))
}

func (e *captureEvents) OnGainChanged(gainDb float64, muted bool) {
	e.s.send(protocol.MsgGainChanged, protocol.GainChanged{
		StreamID: e.streamID, GainDb: gainDb, Muted: muted,
	})
}

// readMessage reads one text message and returns its type and raw payload.
func readMessage(conn *websocket.Conn) (string, interface{}, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", nil, fmt.Errorf("bad message: %w", err)
	}
	return msg.Type, msg.Payload, nil
}

// unmarshalPayload converts a decoded payload back into a concrete type.
func unmarshalPayload(payload interface{}, v interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	return nil
}
