package wire_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/earshot-live/earshot/pkg/wire"
)

// frameBytes builds a raw frame with the given magic, so tests can produce
// both valid and corrupted input.
func frameBytes(magic uint32, h wire.Header, payload []byte) []byte {
	buf := make([]byte, wire.HeaderSize, wire.HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[8:12], h.CaptureTimestamp)
	binary.LittleEndian.PutUint32(buf[12:16], h.SampleRate)
	binary.LittleEndian.PutUint32(buf[16:20], h.BitsPerSample)
	binary.LittleEndian.PutUint32(buf[20:24], h.Channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.Kind))
	return append(buf, payload...)
}

func TestParseHeader_TooShort(t *testing.T) {
	for _, n := range []int{0, 1, 4, 27} {
		_, err := wire.ParseHeader(make([]byte, n))
		if !errors.Is(err, wire.ErrTooShort) {
			t.Errorf("len %d: got %v, want ErrTooShort", n, err)
		}
	}
}

func TestParseHeader_BadMagic(t *testing.T) {
	buf := frameBytes(0xDEADBEEF, wire.Header{SampleRate: 48000}, nil)
	_, err := wire.ParseHeader(buf)
	if !errors.Is(err, wire.ErrBadMagic) {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestParseFrame_Valid(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	in := wire.Header{
		CaptureTimestamp: 12345,
		SampleRate:       48000,
		BitsPerSample:    16,
		Channels:         1,
		Kind:             wire.Microphone,
	}
	h, got, err := wire.ParseFrame(frameBytes(wire.Magic, in, payload))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if h.DataSize != 4 || h.SampleRate != 48000 || h.BitsPerSample != 16 ||
		h.Channels != 1 || h.Kind != wire.Microphone || h.CaptureTimestamp != 12345 {
		t.Errorf("unexpected header: %+v", h)
	}
	if len(got) != len(payload) {
		t.Fatalf("payload length: got %d, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Errorf("payload byte %d: got %#x, want %#x", i, got[i], payload[i])
		}
	}
}

func TestParseFrame_TruncatedPayload(t *testing.T) {
	buf := frameBytes(wire.Magic, wire.Header{SampleRate: 48000}, []byte{1, 2, 3, 4})
	// Declare 4 payload bytes but deliver only 2.
	_, _, err := wire.ParseFrame(buf[:wire.HeaderSize+2])
	if !errors.Is(err, wire.ErrTooShort) {
		t.Fatalf("got %v, want ErrTooShort", err)
	}
}

func TestParseFrame_BadMagicSkipsPayload(t *testing.T) {
	buf := frameBytes(0x41554400, wire.Header{}, []byte{9, 9})
	_, payload, err := wire.ParseFrame(buf)
	if !errors.Is(err, wire.ErrBadMagic) {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
	if payload != nil {
		t.Error("payload returned despite rejected header")
	}
}

func TestNext_WalksConcatenatedFrames(t *testing.T) {
	h := wire.Header{SampleRate: 8000, BitsPerSample: 16, Channels: 1, Kind: wire.SpeakerSide}
	buf := wire.AppendFrame(nil, h, []byte{1, 2})
	buf = wire.AppendFrame(buf, h, []byte{3, 4, 5, 6})
	buf = wire.AppendFrame(buf, h, nil)

	var sizes []int
	for len(buf) > 0 {
		_, payload, rest, err := wire.Next(buf)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		sizes = append(sizes, len(payload))
		buf = rest
	}
	want := []int{2, 4, 0}
	if len(sizes) != len(want) {
		t.Fatalf("frame count: got %d, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("frame %d payload: got %d, want %d", i, sizes[i], want[i])
		}
	}
}

func TestAppendFrame_RoundTrip(t *testing.T) {
	in := wire.Header{
		CaptureTimestamp: 7,
		SampleRate:       16000,
		BitsPerSample:    32,
		Channels:         2,
		Kind:             wire.SpeakerSide,
	}
	payload := []byte{0xAA, 0xBB, 0xCC}
	buf := wire.AppendFrame(nil, in, payload)
	if len(buf) != wire.HeaderSize+len(payload) {
		t.Fatalf("frame length: got %d, want %d", len(buf), wire.HeaderSize+len(payload))
	}
	out, p, err := wire.ParseFrame(buf)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	in.DataSize = uint32(len(payload))
	if out != in {
		t.Errorf("header round trip: got %+v, want %+v", out, in)
	}
	if string(p) != string(payload) {
		t.Errorf("payload round trip: got % x, want % x", p, payload)
	}
}

func TestChannelKind_Text(t *testing.T) {
	cases := []struct {
		kind wire.ChannelKind
		text string
	}{
		{wire.Microphone, "mic"},
		{wire.SpeakerSide, "speaker"},
	}
	for _, c := range cases {
		b, err := c.kind.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", c.kind, err)
		}
		if string(b) != c.text {
			t.Errorf("MarshalText(%v): got %q, want %q", c.kind, b, c.text)
		}
		var k wire.ChannelKind
		if err := k.UnmarshalText([]byte(c.text)); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", c.text, err)
		}
		if k != c.kind {
			t.Errorf("UnmarshalText(%q): got %v, want %v", c.text, k, c.kind)
		}
	}

	if _, err := wire.ChannelKind(7).MarshalText(); err == nil {
		t.Error("expected error marshaling undefined kind")
	}
	var k wire.ChannelKind
	if err := k.UnmarshalText([]byte("sideband")); err == nil {
		t.Error("expected error unmarshaling unknown kind")
	}
}
