// ABOUTME: Binary audio frame codec
// ABOUTME: Encodes and decodes multi-channel float32 PCM with a fixed little-endian header
package protocol

import (
	"encoding/binary"
	"math"

	"github.com/Resonate-Protocol/agora/pkg/audio"
)

const (
	// FrameVersion is the only frame layout this package understands
	FrameVersion = 1

	// FrameHeaderSize is version(1) + channels(1) + rate(4) + frames(4)
	FrameHeaderSize = 1 + 1 + 4 + 4

	sampleSize  = 4
	maxChannels = math.MaxUint8
)

// Frame is a decoded audio frame
type Frame struct {
	Channels   [][]float32
	SampleRate uint32
	Frames     int
}

// Block converts the frame into an audio block
func (f Frame) Block() audio.Block {
	return audio.Block{SampleRate: int(f.SampleRate), Channels: f.Channels}
}

// EncodeFrame serializes equal-length channel blocks. It returns false when
// there are no channels, the blocks differ in length, or there are more
// channels than the header can describe.
func EncodeFrame(channels [][]float32, sampleRate uint32) ([]byte, bool) {
	if len(channels) == 0 || len(channels) > maxChannels {
		return nil, false
	}
	frames := len(channels[0])
	for _, ch := range channels[1:] {
		if len(ch) != frames {
			return nil, false
		}
	}

	buf := make([]byte, FrameHeaderSize+len(channels)*frames*sampleSize)
	buf[0] = FrameVersion
	buf[1] = byte(len(channels))
	binary.LittleEndian.PutUint32(buf[2:6], sampleRate)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(frames))

	off := FrameHeaderSize
	for _, ch := range channels {
		for _, s := range ch {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(s))
			off += sampleSize
		}
	}
	return buf, true
}

// DecodeFrame parses a frame produced by EncodeFrame. Any length that does
// not exactly match the declared channel and frame counts is rejected.
// Samples are copied into new slices so b may start at any offset.
func DecodeFrame(b []byte) (Frame, bool) {
	if len(b) < FrameHeaderSize || b[0] != FrameVersion {
		return Frame{}, false
	}
	chans := int(b[1])
	if chans == 0 {
		return Frame{}, false
	}
	rate := binary.LittleEndian.Uint32(b[2:6])
	frames := uint64(binary.LittleEndian.Uint32(b[6:10]))

	want := uint64(FrameHeaderSize) + uint64(chans)*frames*sampleSize
	if uint64(len(b)) != want {
		return Frame{}, false
	}

	out := make([][]float32, chans)
	payload := b[FrameHeaderSize:]
	n := int(frames)
	for c := range out {
		samples := make([]float32, n)
		base := c * n * sampleSize
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[base+i*sampleSize:]))
		}
		out[c] = samples
	}
	return Frame{Channels: out, SampleRate: rate, Frames: n}, true
}
