// ABOUTME: Sample rate and channel layout conversion package
// ABOUTME: Linear interpolation resampling for mixing blocks onto the output format
// Package resample converts audio blocks between sample rates and channel
// layouts so remote peers captured at any rate can be mixed onto a single
// output device.
//
// Example:
//
//	out := resample.Convert(block, 48000, 2)
package resample
