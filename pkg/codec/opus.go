package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/earshot-live/earshot/pkg/pcm"
)

// Opus frames carry at most 120 ms of audio; decoders size their output
// buffer for that worst case. Encoding uses the common 20 ms frame.
const (
	opusMaxFrameMs    = 120
	opusEncodeFrameMs = 20
)

// opusRates are the sample rates the Opus codec operates at.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// OpusDecoder decodes Opus packets into normalized PCM. One decoder per
// stream; gopus keeps prediction state across consecutive packets.
type OpusDecoder struct {
	dec      *gopus.Decoder
	maxFrame int
}

// NewOpusDecoder creates a decoder for the given output format. sampleRate
// must be one of 8000, 12000, 16000, 24000 or 48000; channels 1 or 2.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if !opusRates[sampleRate] {
		return nil, fmt.Errorf("codec: opus does not support %d Hz", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("codec: opus supports 1 or 2 channels, got %d", channels)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		maxFrame: sampleRate * opusMaxFrameMs / 1000,
	}, nil
}

func (d *OpusDecoder) Name() string { return NameOpus }

// Decode decodes one Opus packet into normalized interleaved samples.
func (d *OpusDecoder) Decode(payload []byte) ([]float32, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("codec: empty opus payload")
	}
	samples, err := d.dec.Decode(payload, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return pcm.FromInt16(samples), nil
}

// OpusEncoder encodes fixed 20 ms frames of normalized PCM into Opus
// packets. It is used by capture agents and by round-trip tests.
type OpusEncoder struct {
	enc       *gopus.Encoder
	frameSize int
	channels  int
}

// NewOpusEncoder creates an encoder for the given input format, with the
// same rate and channel constraints as [NewOpusDecoder].
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	if !opusRates[sampleRate] {
		return nil, fmt.Errorf("codec: opus does not support %d Hz", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("codec: opus supports 1 or 2 channels, got %d", channels)
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:       enc,
		frameSize: sampleRate * opusEncodeFrameMs / 1000,
		channels:  channels,
	}, nil
}

// FrameSamples returns the interleaved sample count Encode expects per call.
func (e *OpusEncoder) FrameSamples() int {
	return e.frameSize * e.channels
}

// Encode encodes exactly one 20 ms frame of normalized interleaved samples.
func (e *OpusEncoder) Encode(samples []float32) ([]byte, error) {
	if len(samples) != e.FrameSamples() {
		return nil, fmt.Errorf("codec: opus encode needs %d samples per frame, got %d",
			e.FrameSamples(), len(samples))
	}
	packet, err := e.enc.Encode(pcm.ToInt16(samples), e.frameSize, len(samples)*2)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return packet, nil
}
