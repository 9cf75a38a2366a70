// ABOUTME: Tests for Auricle protocol message types
// ABOUTME: Verifies envelope round-trips, format specs, and binary framing
package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/auricle-audio/auricle-go/pkg/audio"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := Message{
		Type: MsgPacketSend,
		Payload: PacketSend{
			StreamID:   3,
			Sequence:   41,
			BufferID:   7,
			Offset:     1024,
			Size:       960,
			Continuous: true,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != MsgPacketSend {
		t.Errorf("expected type %s, got %s", MsgPacketSend, decoded.Type)
	}

	payload, _ := json.Marshal(decoded.Payload)
	var p PacketSend
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if p.Sequence != 41 || p.Size != 960 || !p.Continuous {
		t.Errorf("payload mangled: %+v", p)
	}
}

func TestFormatSpecRoundTrip(t *testing.T) {
	formats := []audio.Format{
		{SampleFormat: audio.SampleFormatUnsigned8, Channels: 1, FramesPerSecond: 8000},
		{SampleFormat: audio.SampleFormatSigned16, Channels: 2, FramesPerSecond: 44100},
		{SampleFormat: audio.SampleFormatSigned24In32, Channels: 2, FramesPerSecond: 96000},
		{SampleFormat: audio.SampleFormatFloat32, Channels: 8, FramesPerSecond: 48000},
	}
	for _, f := range formats {
		got, err := FormatSpecFor(f).ToFormat()
		if err != nil {
			t.Errorf("%v: %v", f, err)
			continue
		}
		if got != f {
			t.Errorf("round trip %v -> %v", f, got)
		}
	}

	if _, err := (FormatSpec{SampleFormat: "dsd", Channels: 2, Rate: 48000}).ToFormat(); err == nil {
		t.Error("unknown sample format accepted")
	}
	if _, err := (FormatSpec{SampleFormat: "s16", Channels: 0, Rate: 48000}).ToFormat(); err == nil {
		t.Error("invalid channel count accepted")
	}
}

func TestBinaryFrameRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	ref := PackStreamBuffer(9, 2)
	frame := EncodeFrame(FramePayloadBuffer, ref, payload)

	frameType, gotRef, gotPayload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if frameType != FramePayloadBuffer {
		t.Errorf("type = %d", frameType)
	}
	if gotRef != ref {
		t.Errorf("ref = %d, want %d", gotRef, ref)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload = %v", gotPayload)
	}

	streamID, bufferID := UnpackStreamBuffer(gotRef)
	if streamID != 9 || bufferID != 2 {
		t.Errorf("unpacked %d/%d, want 9/2", streamID, bufferID)
	}
}

func TestDecodeFrameRejectsShortData(t *testing.T) {
	if _, _, _, err := DecodeFrame([]byte{FrameCaptureData, 0, 0}); err == nil {
		t.Error("short frame accepted")
	}

	// A frame with an empty payload is legal.
	_, _, payload, err := DecodeFrame(EncodeFrame(FrameCaptureData, 8, nil))
	if err != nil {
		t.Fatalf("empty payload frame: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %v, want empty", payload)
	}
}
