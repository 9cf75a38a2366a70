// ABOUTME: WAV file writer for 16- and 24-bit PCM streams.
// ABOUTME: Close finalizes the RIFF header; a dropped writer leaves a broken file.
package encode

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavWriter appends interleaved PCM to a RIFF WAV file.
type WavWriter struct {
	file   *os.File
	enc    *wav.Encoder
	format audio.Format
	depth  int
	gfmt   *gaudio.Format
	buf    []int
}

// NewWavWriter creates path and writes a WAV of the given format.
func NewWavWriter(path string, format audio.Format) (*WavWriter, error) {
	var depth int
	switch format.SampleFormat {
	case audio.SampleFormatSigned16:
		depth = 16
	case audio.SampleFormatSigned24In32:
		depth = 24
	default:
		return nil, fmt.Errorf("unsupported sample format %v", format.SampleFormat)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &WavWriter{
		file:   f,
		enc:    wav.NewEncoder(f, format.FramesPerSecond, depth, format.Channels, 1),
		format: format,
		depth:  depth,
		gfmt:   &gaudio.Format{NumChannels: format.Channels, SampleRate: format.FramesPerSecond},
	}, nil
}

// Format reports the PCM layout Write expects.
func (w *WavWriter) Format() audio.Format { return w.format }

// Write appends whole frames of PCM in the writer's format and reports the
// bytes consumed. Trailing partial frames are dropped.
func (w *WavWriter) Write(pcm []byte) (int, error) {
	n := len(pcm) - len(pcm)%w.format.BytesPerFrame()
	samples := n / w.format.SampleFormat.BytesPerSample()
	if samples == 0 {
		return 0, nil
	}
	if cap(w.buf) < samples {
		w.buf = make([]int, samples)
	}
	w.buf = w.buf[:samples]

	if w.format.SampleFormat == audio.SampleFormatSigned16 {
		for i := range w.buf {
			w.buf[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		}
	} else {
		for i := range w.buf {
			w.buf[i] = int(int32(binary.LittleEndian.Uint32(pcm[i*4:])) >> 8)
		}
	}

	err := w.enc.Write(&gaudio.IntBuffer{
		Format:         w.gfmt,
		SourceBitDepth: w.depth,
		Data:           w.buf,
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close finalizes the WAV header and closes the file.
func (w *WavWriter) Close() error {
	err := w.enc.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}
