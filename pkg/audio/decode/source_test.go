// ABOUTME: Tests for media file sources.
// ABOUTME: Round-trips WAV through the encode package; checks dispatch and headers.
package decode

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"github.com/auricle-audio/auricle-go/pkg/audio/encode"
)

func TestOpenRejectsUnknownExtension(t *testing.T) {
	if _, err := Open("notes.txt"); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.wav")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWavRoundTrip(t *testing.T) {
	format := audio.Format{
		SampleFormat:    audio.SampleFormatSigned16,
		Channels:        2,
		FramesPerSecond: 48000,
	}

	// A ramp over 300 frames so misaligned reads would show up.
	pcm := make([]byte, 300*format.BytesPerFrame())
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*7-500)))
	}

	path := filepath.Join(t.TempDir(), "ramp.wav")
	w, err := encode.NewWavWriter(path, format)
	if err != nil {
		t.Fatalf("NewWavWriter failed: %v", err)
	}
	if n, err := w.Write(pcm); err != nil || n != len(pcm) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	src, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer src.Close()

	if got := src.Format(); got != format {
		t.Errorf("format = %v, want %v", got, format)
	}

	var back bytes.Buffer
	buf := make([]byte, 256)
	for {
		n, err := src.Read(buf)
		back.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}
	if !bytes.Equal(back.Bytes(), pcm) {
		t.Errorf("decoded %d bytes, want %d; content mismatch", back.Len(), len(pcm))
	}
}

func TestWav24BitRoundTrip(t *testing.T) {
	format := audio.Format{
		SampleFormat:    audio.SampleFormatSigned24In32,
		Channels:        1,
		FramesPerSecond: 44100,
	}

	pcm := make([]byte, 64*format.BytesPerFrame())
	for i := 0; i < len(pcm)/4; i++ {
		binary.LittleEndian.PutUint32(pcm[i*4:], uint32(int32(i*100001-3200000)<<8))
	}

	path := filepath.Join(t.TempDir(), "deep.wav")
	w, err := encode.NewWavWriter(path, format)
	if err != nil {
		t.Fatalf("NewWavWriter failed: %v", err)
	}
	if _, err := w.Write(pcm); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	src, err := OpenWav(path)
	if err != nil {
		t.Fatalf("OpenWav failed: %v", err)
	}
	defer src.Close()

	if got := src.Format(); got != format {
		t.Errorf("format = %v, want %v", got, format)
	}

	back := make([]byte, len(pcm)+4)
	n, err := src.Read(back)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(back[:n], pcm) {
		t.Errorf("decoded %d bytes, want %d; content mismatch", n, len(pcm))
	}
}

func TestOpenWavRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(path, []byte("RIFFnot really a wav file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenWav(path); err == nil {
		t.Error("expected error for invalid WAV")
	}
}

func TestOpusHeadChannels(t *testing.T) {
	head := func(ch byte) []byte {
		var b bytes.Buffer
		b.WriteString("OggS")
		b.Write(make([]byte, 24))
		b.WriteString("OpusHead")
		b.WriteByte(1)
		b.WriteByte(ch)
		b.Write(make([]byte, 9))
		return b.Bytes()
	}

	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr bool
	}{
		{"mono", head(1), 1, false},
		{"stereo", head(2), 2, false},
		{"surround", head(6), 0, true},
		{"no header", []byte("OggS but nothing else"), 0, true},
		{"truncated", []byte("OpusHead\x01"), 0, true},
	}

	for _, tt := range tests {
		got, err := opusHeadChannels(tt.data)
		if tt.wantErr != (err != nil) {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: channels = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestExtensionDispatch(t *testing.T) {
	// Bad files picked up by the right decoder produce that decoder's error.
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.opus")
	if err := os.WriteFile(path, []byte("junk, no ogg pages"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil || !strings.Contains(err.Error(), "fake.opus") {
		t.Errorf("expected opus open error naming the file, got %v", err)
	}
}
