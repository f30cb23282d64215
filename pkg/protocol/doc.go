// ABOUTME: Agora wire protocol package
// ABOUTME: Defines the binary audio frame codec and per-channel JSON payloads
// Package protocol implements the agora wire protocol.
//
// Audio travels as self-describing binary frames carrying multi-channel
// float32 PCM. Every other channel carries a small JSON payload.
//
// Example:
//
//	data, ok := protocol.EncodeFrame(block.Channels, 48000)
//	frame, ok := protocol.DecodeFrame(data)
package protocol
