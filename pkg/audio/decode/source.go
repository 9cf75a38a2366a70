// ABOUTME: Source interface and extension-based dispatch.
// ABOUTME: Every source yields whole interleaved frames in its reported format.
package decode

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/auricle-audio/auricle-go/pkg/audio"
)

// Source is a decoded PCM stream pulled from a media file.
type Source interface {
	// Format reports the PCM layout Read produces.
	Format() audio.Format

	// Read fills dst with whole frames and reports the bytes written.
	// Returns io.EOF once the file is exhausted.
	Read(dst []byte) (int, error)

	// Close releases the underlying file.
	Close() error
}

// Open creates a source for path based on its extension.
func Open(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return OpenWav(path)
	case ".mp3":
		return OpenMP3(path)
	case ".opus", ".ogg":
		return OpenOpus(path)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
}
