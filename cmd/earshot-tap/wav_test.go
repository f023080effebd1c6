package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWAVWriter_RendersTimelineWithSilenceGaps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "call_mic.wav")
	w, err := newWAVWriter(path, 8000, 1)
	if err != nil {
		t.Fatalf("newWAVWriter: %v", err)
	}

	origin := time.Unix(1700000000, 0)
	half := []float32{0.5, 0.5}

	// Two frames at the origin, then two more 10 ms later: frames 2..79 of
	// the file must be silence.
	w.Play(origin, [][]float32{half}, 8000)
	w.Play(origin.Add(10*time.Millisecond), [][]float32{half}, 8000)

	// A unit with a different channel layout is dropped, not written.
	w.Play(origin.Add(20*time.Millisecond), [][]float32{half, half}, 8000)

	if got, want := w.Written(), 82*time.Second/8000; got != want {
		t.Errorf("Written = %v, want %v", got, want)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	const dataBytes = 82 * 2
	if len(raw) != wavHeaderSize+dataBytes {
		t.Fatalf("file size = %d, want %d", len(raw), wavHeaderSize+dataBytes)
	}

	// ── Header ──
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE markers")
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 36+dataBytes {
		t.Errorf("RIFF size = %d, want %d", got, 36+dataBytes)
	}
	if got := binary.LittleEndian.Uint16(raw[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 8000 {
		t.Errorf("rate = %d, want 8000", got)
	}
	if got := binary.LittleEndian.Uint32(raw[28:32]); got != 16000 {
		t.Errorf("byte rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(raw[34:36]); got != 16 {
		t.Errorf("bits = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(raw[40:44]); got != dataBytes {
		t.Errorf("data size = %d, want %d", got, dataBytes)
	}

	// ── Samples ──
	data := raw[wavHeaderSize:]
	sample := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	if sample(0) != 16384 || sample(1) != 16384 {
		t.Errorf("frames 0,1 = %d,%d, want 16384,16384", sample(0), sample(1))
	}
	for i := 2; i < 80; i++ {
		if sample(i) != 0 {
			t.Fatalf("frame %d = %d, want silence", i, sample(i))
		}
	}
	if sample(80) != 16384 || sample(81) != 16384 {
		t.Errorf("frames 80,81 = %d,%d, want 16384,16384", sample(80), sample(81))
	}
}

func TestWAVWriter_ResamplesRateMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "call_speaker.wav")
	w, err := newWAVWriter(path, 8000, 1)
	if err != nil {
		t.Fatalf("newWAVWriter: %v", err)
	}

	origin := time.Unix(1700000000, 0)

	// Eight samples at 16 kHz cover the same 0.5 ms as four at the pinned
	// 8 kHz rate.
	quarter := []float32{0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25, 0.25}
	w.Play(origin, [][]float32{quarter}, 16000)
	w.Play(origin.Add(10*time.Millisecond), [][]float32{{0.5, 0.5}}, 8000)

	if got, want := w.Written(), 82*time.Second/8000; got != want {
		t.Errorf("Written = %v, want %v", got, want)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	data := raw[wavHeaderSize:]
	if len(data) != 82*2 {
		t.Fatalf("data bytes = %d, want %d", len(data), 82*2)
	}
	sample := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	for i := 0; i < 4; i++ {
		if sample(i) != 8192 {
			t.Errorf("frame %d = %d, want 8192", i, sample(i))
		}
	}
	for i := 4; i < 80; i++ {
		if sample(i) != 0 {
			t.Fatalf("frame %d = %d, want silence", i, sample(i))
		}
	}
	if sample(80) != 16384 || sample(81) != 16384 {
		t.Errorf("frames 80,81 = %d,%d, want 16384,16384", sample(80), sample(81))
	}
}
