// ABOUTME: Audio fundamentals package providing core PCM types
// ABOUTME: Defines the multi-channel float Block shared by capture, codec and playback
// Package audio provides the PCM block type used throughout agora.
//
// A Block holds one equal-length []float32 per channel plus the sample rate
// it was captured at. Capture sources emit blocks, the wire codec encodes and
// decodes them, and the playback engine schedules them onto the output mixer.
//
// Example:
//
//	block := audio.NewBlock(48000, 2, 960)
//	level := block.Level() // RMS across all channels, clamped to [0,1]
//	dur := block.Duration() // 20ms
package audio
