// ABOUTME: PCM fundamentals shared by every pipeline stage.
// ABOUTME: Formats, frame math, fractional positions, gain and volume curves.
// Package audio provides the PCM vocabulary the rest of the service speaks.
//
// A Format names a sample layout (u8, s16, s24in32, f32), a channel count,
// and a rate, and answers frame/byte/duration arithmetic. Positions inside a
// mix pass use 13-bit fractional frames (FracFrames) so resamplers can step at
// non-integer rates without drift. Gain math works in decibels, mapped from
// client volume through a device's VolumeCurve and clamped to
// [MutedGainDb, MaxGainDb].
//
// Mixing happens in interleaved float32; DecodeToFloat32 and
// EncodeFromFloat32 convert wire formats at the edges.
package audio
