// ABOUTME: Media file sources for the client tools.
// ABOUTME: Provides the Source interface and WAV, MP3, Ogg Opus implementations.
// Package decode reads media files as interleaved PCM streams.
//
// Supports: WAV (16- and 24-bit PCM), MP3, Ogg Opus.
//
// All sources implement the Source interface and report the PCM layout
// they produce; callers read raw little-endian frames from them.
//
// Example:
//
//	src, err := decode.Open("song.mp3")
//	n, err := src.Read(buf)
package decode
