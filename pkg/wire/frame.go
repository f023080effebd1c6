// Package wire implements the binary audio-frame format spoken by capture
// agents: a fixed 28-byte little-endian header followed by the payload.
//
// Header layout (all fields uint32, little-endian):
//
//	magic | dataSize | captureTimestamp | sampleRate | bitsPerSample | channels | channelKind
//
// Header fields are validated before the payload is touched. A frame whose
// magic does not match [Magic] is rejected and must not be forwarded.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic marks the start of every audio frame ("AUDI").
	Magic uint32 = 0x41554449

	// HeaderSize is the fixed size of the frame header in bytes.
	HeaderSize = 28
)

var (
	// ErrTooShort reports a buffer smaller than the header, or a payload
	// truncated below the header's declared dataSize.
	ErrTooShort = errors.New("wire: buffer too short")

	// ErrBadMagic reports a header whose magic field does not equal [Magic].
	ErrBadMagic = errors.New("wire: bad magic")
)

// ChannelKind identifies which leg of a call an audio frame belongs to.
type ChannelKind uint32

const (
	// SpeakerSide is audio heard by the agent (the far end of the call).
	SpeakerSide ChannelKind = 0
	// Microphone is audio spoken by the agent.
	Microphone ChannelKind = 1
)

// IsValid reports whether k is one of the defined channel kinds.
func (k ChannelKind) IsValid() bool {
	return k == SpeakerSide || k == Microphone
}

func (k ChannelKind) String() string {
	switch k {
	case SpeakerSide:
		return "speaker"
	case Microphone:
		return "mic"
	default:
		return fmt.Sprintf("channelkind(%d)", uint32(k))
	}
}

// MarshalText implements [encoding.TextMarshaler] so the kind renders as
// "mic" or "speaker" in JSON events.
func (k ChannelKind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("wire: cannot marshal channel kind %d", uint32(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *ChannelKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "speaker":
		*k = SpeakerSide
	case "mic":
		*k = Microphone
	default:
		return fmt.Errorf("wire: unknown channel kind %q", b)
	}
	return nil
}

// Header is the decoded frame header. The magic field is validated during
// parsing and written as a constant during encoding, so it is not carried.
type Header struct {
	// DataSize is the payload length in bytes.
	DataSize uint32

	// CaptureTimestamp is the agent's 32-bit capture clock. It wraps and has
	// no defined epoch; it is useful for diagnostics only.
	CaptureTimestamp uint32

	// SampleRate in Hz.
	SampleRate uint32

	// BitsPerSample of the payload when it carries raw PCM (16 or 32).
	BitsPerSample uint32

	// Channels is the interleaved channel count.
	Channels uint32

	// Kind tags the call leg this frame belongs to.
	Kind ChannelKind
}

// ParseHeader validates and decodes the first [HeaderSize] bytes of b.
// It returns [ErrTooShort] when b cannot hold a header and [ErrBadMagic]
// when the magic field mismatches. The payload is not inspected.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("wire: header %d bytes, need %d: %w", len(b), HeaderSize, ErrTooShort)
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != Magic {
		return Header{}, fmt.Errorf("wire: magic 0x%08X, want 0x%08X: %w", m, Magic, ErrBadMagic)
	}
	return Header{
		DataSize:         binary.LittleEndian.Uint32(b[4:8]),
		CaptureTimestamp: binary.LittleEndian.Uint32(b[8:12]),
		SampleRate:       binary.LittleEndian.Uint32(b[12:16]),
		BitsPerSample:    binary.LittleEndian.Uint32(b[16:20]),
		Channels:         binary.LittleEndian.Uint32(b[20:24]),
		Kind:             ChannelKind(binary.LittleEndian.Uint32(b[24:28])),
	}, nil
}

// ParseFrame validates the header at the start of b and returns it together
// with the payload slice. The payload aliases b; callers that retain it past
// the life of b must copy. Returns [ErrTooShort] when b holds fewer than
// HeaderSize+DataSize bytes.
func ParseFrame(b []byte) (Header, []byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	// int64 arithmetic so a hostile dataSize cannot wrap the bound on
	// 32-bit platforms.
	end := int64(HeaderSize) + int64(h.DataSize)
	if int64(len(b)) < end {
		return Header{}, nil, fmt.Errorf("wire: payload %d bytes, header declares %d: %w",
			len(b)-HeaderSize, h.DataSize, ErrTooShort)
	}
	return h, b[HeaderSize:end], nil
}

// Next parses one frame at the start of b and additionally returns the
// remaining bytes, so callers can walk a buffer carrying several
// concatenated frames:
//
//	for len(b) > 0 {
//		h, payload, rest, err := wire.Next(b)
//		...
//		b = rest
//	}
func Next(b []byte) (Header, []byte, []byte, error) {
	h, payload, err := ParseFrame(b)
	if err != nil {
		return Header{}, nil, nil, err
	}
	return h, payload, b[HeaderSize+len(payload):], nil
}

// AppendFrame appends a complete frame to dst and returns the extended
// slice. DataSize is taken from len(payload), overriding h.DataSize.
func AppendFrame(dst []byte, h Header, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[8:12], h.CaptureTimestamp)
	binary.LittleEndian.PutUint32(hdr[12:16], h.SampleRate)
	binary.LittleEndian.PutUint32(hdr[16:20], h.BitsPerSample)
	binary.LittleEndian.PutUint32(hdr[20:24], h.Channels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(h.Kind))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}
