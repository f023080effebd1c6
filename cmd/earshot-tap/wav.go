package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/earshot-live/earshot/pkg/pcm"
)

const wavHeaderSize = 44

// wavWriter renders a scheduled audio timeline to a 16-bit PCM WAV file. It
// implements playback.Sink: scheduled start times map to file positions
// relative to the first unit, and gaps between units become silence.
//
// The format is pinned at creation. Units arriving at a different rate are
// resampled to the pinned rate; units with a different channel layout are
// dropped.
type wavWriter struct {
	path     string
	f        *os.File
	w        *bufio.Writer
	rate     int
	channels int

	origin       time.Time
	originSet    bool
	dataBytes    int
	warnedFormat bool
	err          error
}

// newWAVWriter creates the file and reserves the header, which is patched
// with the final sizes in Close.
func newWAVWriter(path string, rate, channels int) (*wavWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	w := &wavWriter{
		path:     path,
		f:        f,
		w:        bufio.NewWriterSize(f, 1<<16),
		rate:     rate,
		channels: channels,
	}
	if _, err := w.w.Write(make([]byte, wavHeaderSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return w, nil
}

// Play implements playback.Sink.
func (w *wavWriter) Play(start time.Time, planes [][]float32, rate int) {
	if w.err != nil {
		return
	}
	if len(planes) != w.channels {
		if !w.warnedFormat {
			slog.Warn("stream channel layout changed mid-recording, dropping mismatched units", "file", w.path)
			w.warnedFormat = true
		}
		return
	}
	if rate != w.rate {
		resampled := make([][]float32, len(planes))
		for i, p := range planes {
			resampled[i] = pcm.ResampleMono(p, rate, w.rate)
		}
		planes = resampled
	}
	if !w.originSet {
		w.origin, w.originSet = start, true
	}

	// Map the scheduled start to a frame position in the file; the gap to
	// the current end, if any, is rendered as silence.
	want := int(start.Sub(w.origin).Seconds() * float64(w.rate))
	have := w.dataBytes / (2 * w.channels)
	if want > have {
		w.write(make([]byte, (want-have)*2*w.channels))
	}
	w.write(pcm.ToInt16LE(pcm.Interleave(planes)))
}

func (w *wavWriter) write(b []byte) {
	n, err := w.w.Write(b)
	w.dataBytes += n
	if err != nil && w.err == nil {
		w.err = err
	}
}

// Written reports the audio duration rendered so far, silence included.
func (w *wavWriter) Written() time.Duration {
	return pcm.Duration(w.dataBytes/2, w.rate, w.channels)
}

// Close flushes pending samples, patches the RIFF sizes, and closes the
// file.
func (w *wavWriter) Close() error {
	flushErr := w.w.Flush()

	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+w.dataBytes))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.rate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(w.rate*w.channels*2))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(w.channels*2))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(w.dataBytes))

	if _, err := w.f.WriteAt(hdr[:], 0); err != nil && w.err == nil {
		w.err = err
	}
	closeErr := w.f.Close()

	switch {
	case w.err != nil:
		return w.err
	case flushErr != nil:
		return flushErr
	default:
		return closeErr
	}
}
