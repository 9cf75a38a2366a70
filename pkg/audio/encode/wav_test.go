// ABOUTME: Tests for the WAV file writer.
// ABOUTME: Header and content checks go through the go-audio decoder.
package encode

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestNewWavWriterRejectsFloat(t *testing.T) {
	_, err := NewWavWriter(filepath.Join(t.TempDir(), "x.wav"), audio.Format{
		SampleFormat:    audio.SampleFormatFloat32,
		Channels:        2,
		FramesPerSecond: 48000,
	})
	if err == nil {
		t.Error("expected error for float32 format")
	}
}

func TestWriteDropsPartialFrames(t *testing.T) {
	format := audio.Format{
		SampleFormat:    audio.SampleFormatSigned16,
		Channels:        2,
		FramesPerSecond: 48000,
	}
	path := filepath.Join(t.TempDir(), "partial.wav")
	w, err := NewWavWriter(path, format)
	if err != nil {
		t.Fatalf("NewWavWriter failed: %v", err)
	}

	n, err := w.Write(make([]byte, 10))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != 8 {
		t.Errorf("Write consumed %d bytes, want 8", n)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestWavHeaderMatchesFormat(t *testing.T) {
	format := audio.Format{
		SampleFormat:    audio.SampleFormatSigned16,
		Channels:        1,
		FramesPerSecond: 44100,
	}
	path := filepath.Join(t.TempDir(), "header.wav")
	w, err := NewWavWriter(path, format)
	if err != nil {
		t.Fatalf("NewWavWriter failed: %v", err)
	}

	pcm := make([]byte, 100*format.BytesPerFrame())
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i-50)))
	}
	if _, err := w.Write(pcm); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("written file is not a valid WAV")
	}
	if dec.SampleRate != 44100 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("header = %d Hz %d ch %d bit, want 44100 Hz 1 ch 16 bit",
			dec.SampleRate, dec.NumChans, dec.BitDepth)
	}

	buf := &gaudio.IntBuffer{Data: make([]int, 200)}
	n, err := dec.PCMBuffer(buf)
	if err != nil {
		t.Fatalf("PCMBuffer failed: %v", err)
	}
	if n != 100 {
		t.Fatalf("read %d samples, want 100", n)
	}
	if buf.Data[0] != -50 || buf.Data[99] != 49 {
		t.Errorf("sample ends = %d, %d, want -50, 49", buf.Data[0], buf.Data[99])
	}
}
