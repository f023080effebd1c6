package codec_test

import (
	"math"
	"testing"

	"github.com/earshot-live/earshot/pkg/codec"
)

// sineFrame generates one 20 ms frame of a mono sine wave.
func sineFrame(t *testing.T, sampleRate int, freq float64, amplitude float32, frame int) []float32 {
	t.Helper()
	n := sampleRate * 20 / 1000
	out := make([]float32, n)
	for i := range out {
		pos := float64(frame*n + i)
		out[i] = amplitude * float32(math.Sin(2*math.Pi*freq*pos/float64(sampleRate)))
	}
	return out
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestOpus_RoundTrip(t *testing.T) {
	const (
		rate = 48000
		amp  = 0.5
	)
	enc, err := codec.NewOpusEncoder(rate, 1)
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}
	dec, err := codec.NewOpusDecoder(rate, 1)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}

	// Feed ten consecutive frames; skip the first half when judging quality
	// so codec convergence does not skew the comparison.
	var decoded []float32
	inRMS := 0.0
	for frame := range 10 {
		in := sineFrame(t, rate, 440, amp, frame)
		packet, err := enc.Encode(in)
		if err != nil {
			t.Fatalf("frame %d: Encode: %v", frame, err)
		}
		if len(packet) == 0 {
			t.Fatalf("frame %d: empty packet", frame)
		}
		out, err := dec.Decode(packet)
		if err != nil {
			t.Fatalf("frame %d: Decode: %v", frame, err)
		}
		if len(out) != enc.FrameSamples() {
			t.Fatalf("frame %d: got %d samples, want %d", frame, len(out), enc.FrameSamples())
		}
		if frame >= 5 {
			decoded = append(decoded, out...)
			inRMS = rms(in)
		}
	}

	outRMS := rms(decoded)
	if outRMS < inRMS*0.5 {
		t.Errorf("decoded signal too quiet: rms %.4f vs input %.4f", outRMS, inRMS)
	}
	if outRMS > inRMS*1.5 {
		t.Errorf("decoded signal too loud: rms %.4f vs input %.4f", outRMS, inRMS)
	}
	for i, s := range decoded {
		if s > 1 || s < -1 {
			t.Fatalf("sample %d out of normalized range: %v", i, s)
		}
	}
}

func TestOpus_DecodeRejectsGarbage(t *testing.T) {
	dec, err := codec.NewOpusDecoder(48000, 1)
	if err != nil {
		t.Fatalf("NewOpusDecoder: %v", err)
	}
	if _, err := dec.Decode(nil); err == nil {
		t.Error("expected error for empty payload")
	}
	// 0xFF is a code-3 TOC byte with no frame-count byte following.
	if _, err := dec.Decode([]byte{0xFF}); err == nil {
		t.Error("expected error for truncated packet")
	}
}

func TestOpus_UnsupportedFormat(t *testing.T) {
	if _, err := codec.NewOpusDecoder(44100, 1); err == nil {
		t.Error("expected error for 44100 Hz")
	}
	if _, err := codec.NewOpusDecoder(48000, 3); err == nil {
		t.Error("expected error for 3 channels")
	}
	if _, err := codec.NewOpusEncoder(22050, 2); err == nil {
		t.Error("expected error for 22050 Hz")
	}
}

func TestOpus_EncodeNeedsFullFrame(t *testing.T) {
	enc, err := codec.NewOpusEncoder(48000, 2)
	if err != nil {
		t.Fatalf("NewOpusEncoder: %v", err)
	}
	if enc.FrameSamples() != 1920 {
		t.Fatalf("FrameSamples: got %d, want 1920", enc.FrameSamples())
	}
	if _, err := enc.Encode(make([]float32, 100)); err == nil {
		t.Error("expected error for partial frame")
	}
}
