// ABOUTME: WAV file source for 16- and 24-bit PCM files.
// ABOUTME: 24-bit samples come out as s24in32, matching the service formats.
package decode

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavSource streams PCM from a RIFF WAV file.
type WavSource struct {
	file   *os.File
	dec    *wav.Decoder
	format audio.Format
	buf    *gaudio.IntBuffer
}

// OpenWav opens a 16- or 24-bit PCM WAV file.
func OpenWav(path string) (*WavSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s is not a PCM WAV file", path)
	}

	var sf audio.SampleFormat
	switch dec.BitDepth {
	case 16:
		sf = audio.SampleFormatSigned16
	case 24:
		sf = audio.SampleFormatSigned24In32
	default:
		f.Close()
		return nil, fmt.Errorf("%s: unsupported bit depth %d", path, dec.BitDepth)
	}
	format := audio.Format{
		SampleFormat:    sf,
		Channels:        int(dec.NumChans),
		FramesPerSecond: int(dec.SampleRate),
	}
	if err := format.Validate(); err != nil {
		f.Close()
		return nil, err
	}

	return &WavSource{
		file:   f,
		dec:    dec,
		format: format,
		buf: &gaudio.IntBuffer{
			Format:         dec.Format(),
			SourceBitDepth: int(dec.BitDepth),
		},
	}, nil
}

// Format reports the PCM layout Read produces.
func (s *WavSource) Format() audio.Format { return s.format }

// Read fills dst with whole frames and reports the bytes written.
func (s *WavSource) Read(dst []byte) (int, error) {
	ch := s.format.Channels
	frames := len(dst) / s.format.BytesPerFrame()
	if frames == 0 {
		return 0, nil
	}
	if cap(s.buf.Data) < frames*ch {
		s.buf.Data = make([]int, frames*ch)
	}
	s.buf.Data = s.buf.Data[:frames*ch]

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	n -= n % ch

	if s.format.SampleFormat == audio.SampleFormatSigned16 {
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(s.buf.Data[i])))
		}
	} else {
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(s.buf.Data[i])<<8))
		}
	}
	return n / ch * s.format.BytesPerFrame(), nil
}

// Close releases the underlying file.
func (s *WavSource) Close() error { return s.file.Close() }
