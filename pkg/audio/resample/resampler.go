// ABOUTME: Simple linear resampler for converting audio sample rates
// ABOUTME: Used to convert between different sample rates using linear interpolation
package resample

import "github.com/Resonate-Protocol/agora/pkg/audio"

// Convert returns the block at the requested rate and channel count. The
// input is returned unchanged when it already matches.
func Convert(in audio.Block, rate, channels int) audio.Block {
	out := in
	if rate > 0 && in.SampleRate > 0 && in.SampleRate != rate {
		out = Rate(out, rate)
	}
	if channels > 0 && len(out.Channels) != channels {
		out = Remix(out, channels)
	}
	return out
}

// Rate converts the block's sample rate using linear interpolation
func Rate(in audio.Block, rate int) audio.Block {
	frames := in.Frames()
	if frames == 0 || in.SampleRate <= 0 || rate <= 0 {
		return audio.Block{SampleRate: rate, Channels: in.Channels}
	}

	ratio := float64(in.SampleRate) / float64(rate)
	outFrames := int(float64(frames) / ratio)
	out := audio.NewBlock(rate, len(in.Channels), outFrames)

	for c, src := range in.Channels {
		dst := out.Channels[c]
		for i := range dst {
			pos := float64(i) * ratio
			idx := int(pos)
			frac := float32(pos - float64(idx))
			if idx >= frames-1 {
				dst[i] = src[frames-1]
				continue
			}
			// Linear interpolation
			dst[i] = src[idx]*(1-frac) + src[idx+1]*frac
		}
	}
	return out
}

// Remix maps the block onto a different channel count. Mono is duplicated
// to every output channel; wider input is averaged down to mono or
// truncated to the first channels.
func Remix(in audio.Block, channels int) audio.Block {
	frames := in.Frames()
	out := audio.NewBlock(in.SampleRate, channels, frames)
	switch {
	case len(in.Channels) == 0:
		return out
	case len(in.Channels) == 1:
		for c := range out.Channels {
			copy(out.Channels[c], in.Channels[0])
		}
	case channels == 1:
		scale := 1 / float32(len(in.Channels))
		for _, src := range in.Channels {
			for i, s := range src {
				out.Channels[0][i] += s * scale
			}
		}
	default:
		for c := range out.Channels {
			copy(out.Channels[c], in.Channels[c%len(in.Channels)])
		}
	}
	return out
}
