// ABOUTME: Media file sinks for the client tools.
// ABOUTME: Provides a WAV writer fed straight from capture packets.
// Package encode writes interleaved PCM streams to media files.
//
// Supports: WAV (16- and 24-bit PCM).
//
// Example:
//
//	w, err := encode.NewWavWriter("take.wav", format)
//	n, err := w.Write(pcm)
//	err = w.Close()
package encode
