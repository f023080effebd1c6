// Package codec turns audio-frame payloads into normalized PCM and back.
//
// A [Decoder] is held per decoder session and consumes one frame payload at a
// time. Decode failures are ordinary error values; callers drop the frame and
// keep the session. Raw PCM payloads (pcm16, pcm32) are stateless; Opus
// carries decoder state across frames and therefore must not be shared
// between sessions.
package codec

import (
	"fmt"

	"github.com/earshot-live/earshot/pkg/pcm"
)

// Payload codec names negotiated at ingest-connection time.
const (
	NamePCM16 = "pcm16"
	NamePCM32 = "pcm32"
	NameOpus  = "opus"
)

// Decoder converts one frame payload into normalized interleaved float32
// samples in [-1, 1].
type Decoder interface {
	// Name returns the codec name, one of the Name constants.
	Name() string

	Decode(payload []byte) ([]float32, error)
}

// Encoder converts normalized interleaved samples into one frame payload.
// It is the capture-agent side of a [Decoder].
type Encoder interface {
	Encode(samples []float32) ([]byte, error)
}

// NewDecoder constructs the decoder for a payload codec name. An empty name
// selects raw PCM at the declared bit depth (16 or 32).
func NewDecoder(name string, sampleRate, channels, bitsPerSample int) (Decoder, error) {
	switch name {
	case NamePCM16:
		return PCM16{}, nil
	case NamePCM32:
		return PCM32{}, nil
	case NameOpus:
		return NewOpusDecoder(sampleRate, channels)
	case "":
		switch bitsPerSample {
		case 16:
			return PCM16{}, nil
		case 32:
			return PCM32{}, nil
		default:
			return nil, fmt.Errorf("codec: no raw decoder for %d bits per sample", bitsPerSample)
		}
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// PCM16 decodes raw little-endian 16-bit PCM payloads.
type PCM16 struct{}

func (PCM16) Name() string { return NamePCM16 }

func (PCM16) Decode(payload []byte) ([]float32, error) {
	return pcm.FromInt16LE(payload), nil
}

// Encode converts normalized samples to a raw 16-bit payload.
func (PCM16) Encode(samples []float32) ([]byte, error) {
	return pcm.ToInt16LE(samples), nil
}

// PCM32 decodes raw little-endian 32-bit PCM payloads.
type PCM32 struct{}

func (PCM32) Name() string { return NamePCM32 }

func (PCM32) Decode(payload []byte) ([]float32, error) {
	return pcm.FromInt32LE(payload), nil
}
