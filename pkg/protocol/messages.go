// ABOUTME: Auricle control protocol message definitions
// ABOUTME: JSON envelopes for control, binary frames for payload bytes
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/auricle-audio/auricle-go/pkg/audio"
)

// Version is the protocol version spoken by this package.
const Version = 1

// Message is the top-level wrapper for all text messages.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Message types, client to daemon.
const (
	MsgClientHello       = "client/hello"
	MsgRendererCreate    = "renderer/create"
	MsgCapturerCreate    = "capturer/create"
	MsgStreamSetFormat   = "stream/set_format"
	MsgStreamClose       = "stream/close"
	MsgBufferRemove      = "buffer/remove"
	MsgPacketSend        = "packet/send"
	MsgRendererPlay      = "renderer/play"
	MsgRendererPause     = "renderer/pause"
	MsgRendererDiscard   = "renderer/discard"
	MsgCaptureAt         = "capture/at"
	MsgCaptureStartAsync = "capture/start_async"
	MsgCaptureStopAsync  = "capture/stop_async"
	MsgCaptureRelease    = "capture/release"
	MsgGainSet           = "gain/set"
	MsgGainRamp          = "gain/ramp"
	MsgGainMute          = "gain/mute"
	MsgVolumeSet         = "volume/set"
	MsgStatusSubscribe   = "status/subscribe"
)

// Message types, daemon to client.
const (
	MsgServerHello     = "server/hello"
	MsgRendererPlaying = "renderer/playing"
	MsgRendererPaused  = "renderer/paused"
	MsgPacketComplete  = "packet/complete"
	MsgStreamEnd       = "stream/end"
	MsgMinLeadTime     = "renderer/min_lead_time"
	MsgCaptureProduced = "capture/produced"
	MsgGainChanged     = "gain/changed"
	MsgStatusUpdate    = "status/update"
	MsgError           = "error"
)

// ClientHello opens a session.
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello answers a ClientHello.
type ServerHello struct {
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	Product      string `json:"product"`
	Manufacturer string `json:"manufacturer"`
}

// FormatSpec is the wire form of an audio format.
type FormatSpec struct {
	SampleFormat string `json:"sample_format"`
	Channels     int    `json:"channels"`
	Rate         int    `json:"rate"`
}

// FormatSpecFor converts a core format for the wire.
func FormatSpecFor(f audio.Format) FormatSpec {
	return FormatSpec{
		SampleFormat: f.SampleFormat.String(),
		Channels:     f.Channels,
		Rate:         f.FramesPerSecond,
	}
}

// ToFormat converts a wire format back into a core format.
func (s FormatSpec) ToFormat() (audio.Format, error) {
	f := audio.Format{Channels: s.Channels, FramesPerSecond: s.Rate}
	switch s.SampleFormat {
	case "u8":
		f.SampleFormat = audio.SampleFormatUnsigned8
	case "s16":
		f.SampleFormat = audio.SampleFormatSigned16
	case "s24in32":
		f.SampleFormat = audio.SampleFormatSigned24In32
	case "f32":
		f.SampleFormat = audio.SampleFormatFloat32
	default:
		return f, fmt.Errorf("protocol: unknown sample format %q", s.SampleFormat)
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// StreamCreate opens a renderer or capturer under a client-chosen stream id.
type StreamCreate struct {
	StreamID uint32 `json:"stream_id"`
	Usage    string `json:"usage"`
}

// StreamSetFormat negotiates the PCM type before any payload flows.
type StreamSetFormat struct {
	StreamID uint32     `json:"stream_id"`
	Format   FormatSpec `json:"format"`
}

// StreamClose tears one stream down.
type StreamClose struct {
	StreamID uint32 `json:"stream_id"`
}

// BufferRemove unregisters a payload buffer. Buffers are added with a binary
// FramePayloadBuffer frame, not a text message.
type BufferRemove struct {
	StreamID uint32 `json:"stream_id"`
	BufferID uint32 `json:"buffer_id"`
}

// PacketSend queues one render packet referencing a registered buffer.
// Continuous packets follow the previous one with no explicit timestamp.
type PacketSend struct {
	StreamID   uint32 `json:"stream_id"`
	Sequence   uint64 `json:"sequence"`
	BufferID   uint32 `json:"buffer_id"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	PTS        int64  `json:"pts,omitempty"`
	Continuous bool   `json:"continuous,omitempty"`
}

// PacketComplete reports that a packet's bytes were fully consumed or
// discarded. Fires exactly once per packet.
type PacketComplete struct {
	StreamID uint32 `json:"stream_id"`
	Sequence uint64 `json:"sequence"`
}

// RendererPlay starts presentation. Zero times ask the daemon to pick them.
type RendererPlay struct {
	StreamID      uint32 `json:"stream_id"`
	ReferenceTime int64  `json:"reference_time,omitempty"`
	MediaTime     int64  `json:"media_time,omitempty"`
}

// RendererPlaying reports the correlation the daemon actually established.
type RendererPlaying struct {
	StreamID      uint32 `json:"stream_id"`
	ReferenceTime int64  `json:"reference_time"`
	MediaTime     int64  `json:"media_time"`
}

// RendererPause halts presentation.
type RendererPause struct {
	StreamID uint32 `json:"stream_id"`
}

// RendererPaused reports where presentation stopped.
type RendererPaused struct {
	StreamID      uint32 `json:"stream_id"`
	ReferenceTime int64  `json:"reference_time"`
	MediaTime     int64  `json:"media_time"`
}

// RendererDiscard flushes all queued packets; each completes as discarded and
// a StreamEnd follows.
type RendererDiscard struct {
	StreamID uint32 `json:"stream_id"`
}

// StreamEnd reports that a render stream drained or was discarded.
type StreamEnd struct {
	StreamID uint32 `json:"stream_id"`
}

// MinLeadTime reports how far ahead of now a renderer must timestamp packets.
// Sent on link changes.
type MinLeadTime struct {
	StreamID   uint32 `json:"stream_id"`
	LeadTimeNs int64  `json:"lead_time_ns"`
}

// CaptureAt submits one synchronous capture receptacle.
type CaptureAt struct {
	StreamID     uint32 `json:"stream_id"`
	BufferID     uint32 `json:"buffer_id"`
	OffsetFrames int64  `json:"offset_frames"`
	Frames       int64  `json:"frames"`
}

// CaptureStartAsync switches a capturer to free-running packets.
type CaptureStartAsync struct {
	StreamID        uint32 `json:"stream_id"`
	BufferID        uint32 `json:"buffer_id"`
	FramesPerPacket int64  `json:"frames_per_packet"`
}

// CaptureStopAsync returns a capturer to synchronous mode.
type CaptureStopAsync struct {
	StreamID uint32 `json:"stream_id"`
}

// CaptureRelease hands an async packet's buffer region back to the daemon.
type CaptureRelease struct {
	StreamID uint32 `json:"stream_id"`
	Offset   int64  `json:"offset"`
}

// CaptureProduced announces one filled capture packet. The packet's bytes
// follow in a FrameCaptureData binary frame carrying the same sequence.
type CaptureProduced struct {
	StreamID      uint32 `json:"stream_id"`
	Sequence      uint64 `json:"sequence"`
	BufferID      uint32 `json:"buffer_id"`
	Offset        int64  `json:"offset"`
	Size          int64  `json:"size"`
	Frames        int64  `json:"frames"`
	Frame         int64  `json:"frame"`
	ReferenceTime int64  `json:"reference_time"`
	Cancelled     bool   `json:"cancelled,omitempty"`
}

// GainSet applies an immediate stream gain.
type GainSet struct {
	StreamID uint32  `json:"stream_id"`
	GainDb   float64 `json:"gain_db"`
}

// GainRamp applies a linear amplitude ramp to the target gain.
type GainRamp struct {
	StreamID   uint32  `json:"stream_id"`
	EndDb      float64 `json:"end_db"`
	DurationMs int64   `json:"duration_ms"`
}

// GainMute sets the stream mute flag without touching the gain.
type GainMute struct {
	StreamID uint32 `json:"stream_id"`
	Muted    bool   `json:"muted"`
}

// VolumeSet applies a [0,1] volume through the routed device's curve.
type VolumeSet struct {
	StreamID uint32  `json:"stream_id"`
	Volume   float64 `json:"volume"`
}

// GainChanged reports the effective stream gain after any setter.
type GainChanged struct {
	StreamID uint32  `json:"stream_id"`
	GainDb   float64 `json:"gain_db"`
	Muted    bool    `json:"muted"`
}

// StatusSubscribe asks for periodic StatusUpdate messages.
type StatusSubscribe struct {
	IntervalMs int64 `json:"interval_ms,omitempty"`
}

// StatusUpdate is a point-in-time view of the daemon for monitoring.
type StatusUpdate struct {
	ServerName string         `json:"server_name"`
	Devices    []DeviceStatus `json:"devices"`
	Streams    []StreamStatus `json:"streams"`
	Counters   Counters       `json:"counters"`
}

// DeviceStatus describes one device in a StatusUpdate.
type DeviceStatus struct {
	Name        string     `json:"name"`
	IsInput     bool       `json:"is_input"`
	State       string     `json:"state"`
	Plugged     bool       `json:"plugged"`
	ClockDomain uint32     `json:"clock_domain"`
	RatePPM     float64    `json:"rate_ppm"`
	Format      FormatSpec `json:"format"`
	Underflows  int64      `json:"underflows"`
	Links       int        `json:"links"`
}

// StreamStatus describes one client stream in a StatusUpdate.
type StreamStatus struct {
	Client     string     `json:"client"`
	StreamID   uint32     `json:"stream_id"`
	Kind       string     `json:"kind"`
	Usage      string     `json:"usage"`
	State      string     `json:"state"`
	Device     string     `json:"device"`
	Format     FormatSpec `json:"format"`
	GainDb     float64    `json:"gain_db"`
	Muted      bool       `json:"muted"`
	Depth      int        `json:"depth"`
	LeadTimeNs int64      `json:"lead_time_ns"`
}

// Counters mirrors the daemon's telemetry counters.
type Counters struct {
	Underflows       int64 `json:"underflows"`
	Overflows        int64 `json:"overflows"`
	MixJobs          int64 `json:"mix_jobs"`
	FramesMixed      int64 `json:"frames_mixed"`
	PacketsCompleted int64 `json:"packets_completed"`
	SessionsStarted  int64 `json:"sessions_started"`
	SessionsStopped  int64 `json:"sessions_stopped"`
	DevicesAdded     int64 `json:"devices_added"`
	DevicesRemoved   int64 `json:"devices_removed"`
}

// ErrorMessage reports a protocol error. The daemon shuts the offending
// stream down right after sending it.
type ErrorMessage struct {
	StreamID uint32 `json:"stream_id,omitempty"`
	Message  string `json:"message"`
}

// Binary frame types. Frames are [type byte][8-byte big-endian ref][payload].
const (
	// FramePayloadBuffer registers a payload buffer; ref packs the stream
	// and buffer ids, the payload is the buffer contents.
	FramePayloadBuffer byte = 0x01
	// FrameCaptureData carries one capture packet's bytes; ref is the
	// sequence from the preceding CaptureProduced.
	FrameCaptureData byte = 0x02
)

// FrameHeaderSize is the fixed prefix length of a binary frame.
const FrameHeaderSize = 9

// EncodeFrame builds a binary frame.
func EncodeFrame(frameType byte, ref uint64, payload []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(payload))
	buf[0] = frameType
	binary.BigEndian.PutUint64(buf[1:9], ref)
	copy(buf[9:], payload)
	return buf
}

// DecodeFrame splits a binary frame. The payload aliases data.
func DecodeFrame(data []byte) (frameType byte, ref uint64, payload []byte, err error) {
	if len(data) < FrameHeaderSize {
		return 0, 0, nil, fmt.Errorf("protocol: binary frame too short (%d bytes)", len(data))
	}
	return data[0], binary.BigEndian.Uint64(data[1:9]), data[FrameHeaderSize:], nil
}

// PackStreamBuffer packs a stream and buffer id into a frame ref.
func PackStreamBuffer(streamID, bufferID uint32) uint64 {
	return uint64(streamID)<<32 | uint64(bufferID)
}

// UnpackStreamBuffer splits a frame ref back into stream and buffer ids.
func UnpackStreamBuffer(ref uint64) (streamID, bufferID uint32) {
	return uint32(ref >> 32), uint32(ref)
}
