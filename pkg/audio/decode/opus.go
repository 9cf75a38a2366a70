// ABOUTME: Ogg Opus file source built on the libopusfile bindings.
// ABOUTME: Output is always 48 kHz; channel count comes from the OpusHead header.
package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	"gopkg.in/hraban/opus.v2"
)

// opusRate is the only rate opusfile decodes to.
const opusRate = 48000

// OpusSource streams PCM from an Ogg Opus file.
type OpusSource struct {
	file   *os.File
	stream *opus.Stream
	format audio.Format
	pcm    []int16
}

// OpenOpus opens an Ogg Opus file.
func OpenOpus(path string) (*OpusSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	// The stream API never reports the channel count, so peek at the ID
	// header before handing the bytes over.
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	head = head[:n]
	ch, err := opusHeadChannels(head)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	stream, err := opus.NewStream(io.MultiReader(bytes.NewReader(head), f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return &OpusSource{
		file:   f,
		stream: stream,
		format: audio.Format{
			SampleFormat:    audio.SampleFormatSigned16,
			Channels:        ch,
			FramesPerSecond: opusRate,
		},
	}, nil
}

// Format reports the PCM layout Read produces.
func (s *OpusSource) Format() audio.Format { return s.format }

// Read fills dst with whole frames and reports the bytes written.
func (s *OpusSource) Read(dst []byte) (int, error) {
	ch := s.format.Channels
	want := len(dst) / 2
	want -= want % ch
	if want == 0 {
		return 0, nil
	}
	if cap(s.pcm) < want {
		s.pcm = make([]int16, want)
	}

	n, err := s.stream.Read(s.pcm[:want])
	if err != nil {
		return 0, err
	}
	for i := 0; i < n*ch; i++ {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s.pcm[i]))
	}
	return n * ch * 2, nil
}

// Close releases the decoder and the underlying file.
func (s *OpusSource) Close() error {
	err := s.stream.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// opusHeadChannels digs the channel count out of the OpusHead ID header,
// layout per RFC 7845 §5.1.
func opusHeadChannels(head []byte) (int, error) {
	i := bytes.Index(head, []byte("OpusHead"))
	if i < 0 || len(head) < i+10 {
		return 0, fmt.Errorf("no OpusHead header")
	}
	ch := int(head[i+9])
	if ch < 1 || ch > 2 {
		return 0, fmt.Errorf("unsupported channel count %d", ch)
	}
	return ch, nil
}
