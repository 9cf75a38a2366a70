// ABOUTME: MP3 file source built on go-mp3.
// ABOUTME: Output is always 16-bit stereo at the file's sample rate.
package decode

import (
	"fmt"
	"os"

	"github.com/auricle-audio/auricle-go/pkg/audio"
	mp3 "github.com/hajimehoshi/go-mp3"
)

// mp3FrameBytes is one decoded frame: two 16-bit channels.
const mp3FrameBytes = 4

// MP3Source streams PCM from an MP3 file.
type MP3Source struct {
	file   *os.File
	dec    *mp3.Decoder
	format audio.Format
}

// OpenMP3 opens an MP3 file.
func OpenMP3(path string) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &MP3Source{
		file: f,
		dec:  dec,
		format: audio.Format{
			SampleFormat:    audio.SampleFormatSigned16,
			Channels:        2,
			FramesPerSecond: dec.SampleRate(),
		},
	}, nil
}

// Format reports the PCM layout Read produces.
func (s *MP3Source) Format() audio.Format { return s.format }

// Read fills dst with whole frames and reports the bytes written. The
// decoder drains whole frames, so multiple-of-four requests stay aligned.
func (s *MP3Source) Read(dst []byte) (int, error) {
	dst = dst[:len(dst)-len(dst)%mp3FrameBytes]
	if len(dst) == 0 {
		return 0, nil
	}
	return s.dec.Read(dst)
}

// Close releases the underlying file.
func (s *MP3Source) Close() error { return s.file.Close() }
