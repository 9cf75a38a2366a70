// ABOUTME: Conversion between encoded PCM samples and the float32 mix domain.
// ABOUTME: Encoding clamps; decoding never allocates.
package audio

import (
	"encoding/binary"
	"math"
)

// DecodeToFloat32 converts interleaved encoded samples into dst and reports
// how many samples were converted. Conversion stops at whichever of src or
// dst runs out first.
func DecodeToFloat32(f SampleFormat, src []byte, dst []float32) int {
	bps := f.BytesPerSample()
	if bps == 0 {
		return 0
	}
	n := len(src) / bps
	if n > len(dst) {
		n = len(dst)
	}
	switch f {
	case SampleFormatUnsigned8:
		for i := 0; i < n; i++ {
			dst[i] = (float32(src[i]) - 128) / 128
		}
	case SampleFormatSigned16:
		for i := 0; i < n; i++ {
			v := int16(binary.LittleEndian.Uint16(src[i*2:]))
			dst[i] = float32(v) / 32768
		}
	case SampleFormatSigned24In32:
		for i := 0; i < n; i++ {
			v := int32(binary.LittleEndian.Uint32(src[i*4:]))
			dst[i] = float32(v) / 2147483648
		}
	case SampleFormatFloat32:
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	}
	return n
}

// EncodeFromFloat32 converts float32 samples into their encoded form,
// clamping to the representable range, and reports how many samples were
// written.
func EncodeFromFloat32(f SampleFormat, src []float32, dst []byte) int {
	bps := f.BytesPerSample()
	if bps == 0 {
		return 0
	}
	n := len(dst) / bps
	if n > len(src) {
		n = len(src)
	}
	switch f {
	case SampleFormatUnsigned8:
		for i := 0; i < n; i++ {
			dst[i] = byte(clampSample(src[i], 127) + 128)
		}
	case SampleFormatSigned16:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(clampSample(src[i], 32767))))
		}
	case SampleFormatSigned24In32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(clampSample(src[i], 2147483647)))
		}
	case SampleFormatFloat32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(src[i]))
		}
	}
	return n
}

// clampSample scales a [-1,1) sample to a signed integer range.
func clampSample(v float32, max int32) int32 {
	scaled := float64(v) * (float64(max) + 1)
	if scaled >= float64(max) {
		return max
	}
	if scaled <= -(float64(max) + 1) {
		return -max - 1
	}
	return int32(scaled)
}

// FillSilence writes the format's silence value over dst.
func FillSilence(f SampleFormat, dst []byte) {
	if f == SampleFormatUnsigned8 {
		for i := range dst {
			dst[i] = 0x80
		}
		return
	}
	for i := range dst {
		dst[i] = 0
	}
}
