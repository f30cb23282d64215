// ABOUTME: File capture source for MP3 and FLAC
// ABOUTME: Decodes, converts to the capture format and loops at end of file
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Resonate-Protocol/agora/pkg/audio"
	"github.com/Resonate-Protocol/agora/pkg/audio/resample"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/rs/zerolog"
)

// ErrEmptyFile is returned when a file decodes to no audio at all
var ErrEmptyFile = errors.New("audio file contains no samples")

// decoder yields interleaved samples at its native format
type decoder interface {
	read() ([]float32, error) // io.EOF at end of stream
	rewind() error
	sampleRate() int
	channels() int
	Close() error
}

// FileSource streams a decoded file in real time
type FileSource struct {
	cfg     Config
	path    string
	open    func(path string) (decoder, error)
	pending []float32
	log     zerolog.Logger
}

// NewFileSource checks the file and picks a decoder by extension
func NewFileSource(cfg Config, log zerolog.Logger) (*FileSource, error) {
	cfg = cfg.normalize()
	if cfg.File == "" {
		return nil, errors.New("file capture needs a file path")
	}
	if _, err := os.Stat(cfg.File); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	var open func(string) (decoder, error)
	switch ext := strings.ToLower(filepath.Ext(cfg.File)); ext {
	case ".mp3":
		open = openMP3
	case ".flac":
		open = openFLAC
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}

	return &FileSource{
		cfg:  cfg,
		path: cfg.File,
		open: open,
		log:  log.With().Str("module", "capture").Str("file", filepath.Base(cfg.File)).Logger(),
	}, nil
}

// Run decodes the file and emits one block per block duration
func (s *FileSource) Run(ctx context.Context, emit func(audio.Block)) error {
	dec, err := s.open(s.path)
	if err != nil {
		return err
	}
	defer dec.Close()

	s.log.Info().
		Int("sample_rate", dec.sampleRate()).
		Int("channels", dec.channels()).
		Msg("Streaming audio file")

	return pace(ctx, s.cfg.blockDuration(), func() error {
		block, err := s.next(dec)
		if err != nil {
			return err
		}
		emit(block)
		return nil
	})
}

// next reads enough source audio for one output block
func (s *FileSource) next(dec decoder) (audio.Block, error) {
	srcRate, srcChans := dec.sampleRate(), dec.channels()
	if srcRate <= 0 || srcChans <= 0 {
		return audio.Block{}, fmt.Errorf("invalid source format %d Hz x %d", srcRate, srcChans)
	}
	srcFrames := (s.cfg.BlockFrames*srcRate + s.cfg.SampleRate - 1) / s.cfg.SampleRate
	need := srcFrames * srcChans

	rewound := false
	for len(s.pending) < need {
		samples, err := dec.read()
		s.pending = append(s.pending, samples...)
		if len(samples) > 0 {
			rewound = false
		}
		if errors.Is(err, io.EOF) {
			if rewound {
				return audio.Block{}, ErrEmptyFile
			}
			if err := dec.rewind(); err != nil {
				return audio.Block{}, fmt.Errorf("loop %s: %w", s.path, err)
			}
			rewound = true
			continue
		}
		if err != nil {
			return audio.Block{}, fmt.Errorf("decode %s: %w", s.path, err)
		}
	}

	block := audio.Deinterleave(s.pending[:need], srcChans, srcRate)
	s.pending = append(s.pending[:0], s.pending[need:]...)
	return fit(resample.Convert(block, s.cfg.SampleRate, s.cfg.Channels), s.cfg.BlockFrames), nil
}

// fit pads with silence or truncates every channel to frames
func fit(b audio.Block, frames int) audio.Block {
	for c, ch := range b.Channels {
		switch {
		case len(ch) > frames:
			b.Channels[c] = ch[:frames]
		case len(ch) < frames:
			b.Channels[c] = append(ch, make([]float32, frames-len(ch))...)
		}
	}
	return b
}

type mp3Decoder struct {
	file *os.File
	dec  *mp3.Decoder
	buf  []byte
}

func openMP3(path string) (decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	dec, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	return &mp3Decoder{file: f, dec: dec, buf: make([]byte, 8192)}, nil
}

func (d *mp3Decoder) read() ([]float32, error) {
	n, err := d.dec.Read(d.buf)
	// go-mp3 always outputs 16-bit stereo
	samples := make([]float32, n/2)
	for i := range samples {
		samples[i] = audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(d.buf[i*2:])))
	}
	return samples, err
}

func (d *mp3Decoder) rewind() error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	dec, err := mp3.NewDecoder(d.file)
	if err != nil {
		return fmt.Errorf("failed to create new decoder: %w", err)
	}
	d.dec = dec
	return nil
}

func (d *mp3Decoder) sampleRate() int { return d.dec.SampleRate() }
func (d *mp3Decoder) channels() int   { return 2 }
func (d *mp3Decoder) Close() error    { return d.file.Close() }

type flacDecoder struct {
	file     *os.File
	stream   *flac.Stream
	rate     int
	chans    int
	bitDepth int
}

func openFLAC(path string) (decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}
	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	info := stream.Info
	return &flacDecoder{
		file:     f,
		stream:   stream,
		rate:     int(info.SampleRate),
		chans:    int(info.NChannels),
		bitDepth: int(info.BitsPerSample),
	}, nil
}

func (d *flacDecoder) read() ([]float32, error) {
	frame, err := d.stream.ParseNext()
	if err != nil {
		return nil, err
	}
	n := int(frame.BlockSize)
	samples := make([]float32, 0, n*d.chans)
	for i := 0; i < n; i++ {
		for ch := 0; ch < d.chans && ch < len(frame.Subframes); ch++ {
			samples = append(samples, audio.SampleFromInt(frame.Subframes[ch].Samples[i], d.bitDepth))
		}
	}
	return samples, nil
}

func (d *flacDecoder) rewind() error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(d.file)
	if err != nil {
		return fmt.Errorf("failed to create new stream: %w", err)
	}
	d.stream = stream
	return nil
}

func (d *flacDecoder) sampleRate() int { return d.rate }
func (d *flacDecoder) channels() int   { return d.chans }
func (d *flacDecoder) Close() error    { return d.file.Close() }
