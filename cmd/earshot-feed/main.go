// Command earshot-feed simulates a capture agent: it streams framed call
// audio — a generated test tone or a raw s16le file — to an earshot server's
// ingest endpoint.
//
// One feed carries one channel kind; run two instances to simulate both legs
// of a call:
//
//	earshot-feed -call call-42 -kind mic -token tok-agent
//	earshot-feed -call call-42 -kind speaker -token tok-agent -freq 330
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/earshot-live/earshot/pkg/codec"
	"github.com/earshot-live/earshot/pkg/pcm"
	"github.com/earshot-live/earshot/pkg/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var (
		serverURL = flag.String("server", "http://localhost:8420", "earshot server URL")
		token     = flag.String("token", "", "bearer token presented at connect time")
		call      = flag.String("call", "", "call identifier to feed (required)")
		kindName  = flag.String("kind", "mic", "channel kind: mic or speaker")
		codecName = flag.String("codec", "pcm16", "payload codec: pcm16 or opus")
		rate      = flag.Int("rate", 16000, "sample rate in Hz")
		channels  = flag.Int("channels", 1, "channel count")
		freq      = flag.Float64("freq", 440, "test tone frequency in Hz")
		input     = flag.String("input", "", "raw s16le file to stream instead of the tone")
		frameDur  = flag.Duration("frame", 20*time.Millisecond, "audio per frame (pcm16 only; opus is fixed at 20ms)")
		duration  = flag.Duration("duration", 0, "stop after this much audio; 0 streams until interrupted")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *call == "" {
		fmt.Fprintln(os.Stderr, "earshot-feed: -call is required")
		return 2
	}
	kind, err := parseKind(*kindName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-feed: %v\n", err)
		return 2
	}

	// ── Encoder ───────────────────────────────────────────────────────────────
	enc, frameSamples, err := newEncoder(*codecName, *rate, *channels, *frameDur)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-feed: %v\n", err)
		return 2
	}
	tick := pcm.Duration(frameSamples, *rate, *channels)

	// ── Sample source ─────────────────────────────────────────────────────────
	var src source
	if *input != "" {
		fs, err := openFileSource(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "earshot-feed: %v\n", err)
			return 1
		}
		defer fs.Close()
		src = fs
		slog.Info("streaming file", "path", *input)
	} else {
		src = newTone(*freq, *rate, *channels)
		slog.Info("streaming test tone", "freq_hz", *freq)
	}

	// ── Connect ───────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, err := ingestURL(*serverURL, *call, *codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-feed: %v\n", err)
		return 2
	}

	headers := http.Header{}
	if *token != "" {
		headers.Set("Authorization", "Bearer "+*token)
	}
	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil {
			fmt.Fprintf(os.Stderr, "earshot-feed: server refused the connection: %s\n", resp.Status)
		} else {
			fmt.Fprintf(os.Stderr, "earshot-feed: dial: %v\n", err)
		}
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed done")

	slog.Info("connected",
		"call", *call, "kind", kind, "codec", *codecName,
		"rate", *rate, "channels", *channels, "frame", tick)

	// ── Stream ────────────────────────────────────────────────────────────────
	var (
		start      = time.Now()
		sent       = 0
		sentBytes  = 0
		buf        []byte
		ticker     = time.NewTicker(tick)
		lastReport = start
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("interrupted")
			return report(start, sent, sentBytes)
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		if *duration > 0 && elapsed >= *duration {
			return report(start, sent, sentBytes)
		}

		samples := src.next(frameSamples)
		if samples == nil {
			slog.Info("input exhausted")
			return report(start, sent, sentBytes)
		}

		payload, err := enc.Encode(samples)
		if err != nil {
			slog.Error("encode failed", "err", err)
			return 1
		}

		buf = wire.AppendFrame(buf[:0], wire.Header{
			CaptureTimestamp: uint32(elapsed.Milliseconds()),
			SampleRate:       uint32(*rate),
			BitsPerSample:    16,
			Channels:         uint32(*channels),
			Kind:             kind,
		}, payload)

		if err := conn.Write(ctx, websocket.MessageBinary, buf); err != nil {
			if ctx.Err() != nil {
				return report(start, sent, sentBytes)
			}
			slog.Error("write failed", "err", err)
			return 1
		}
		sent++
		sentBytes += len(buf)

		if time.Since(lastReport) >= 5*time.Second {
			slog.Info("streaming", "frames", sent, "bytes", sentBytes, "elapsed", elapsed.Round(time.Second))
			lastReport = time.Now()
		}
	}
}

func report(start time.Time, frames, bytes int) int {
	slog.Info("feed complete",
		"frames", frames, "bytes", bytes, "duration", time.Since(start).Round(time.Millisecond))
	return 0
}

func parseKind(name string) (wire.ChannelKind, error) {
	switch name {
	case "mic":
		return wire.Microphone, nil
	case "speaker":
		return wire.SpeakerSide, nil
	default:
		return 0, fmt.Errorf("unknown channel kind %q (mic or speaker)", name)
	}
}

// newEncoder returns the payload encoder and the interleaved samples per
// frame. Opus dictates its own frame size; pcm16 follows the -frame flag.
func newEncoder(name string, rate, channels int, frameDur time.Duration) (codec.Encoder, int, error) {
	switch name {
	case codec.NamePCM16:
		perChannel := int(frameDur.Seconds() * float64(rate))
		if perChannel <= 0 {
			return nil, 0, fmt.Errorf("frame duration %v is too short at %d Hz", frameDur, rate)
		}
		return codec.PCM16{}, perChannel * channels, nil
	case codec.NameOpus:
		enc, err := codec.NewOpusEncoder(rate, channels)
		if err != nil {
			return nil, 0, err
		}
		return enc, enc.FrameSamples(), nil
	default:
		return nil, 0, fmt.Errorf("unsupported codec %q (pcm16 or opus)", name)
	}
}

func ingestURL(serverURL, call, codecName string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ingest"
	q := u.Query()
	q.Set("call", call)
	q.Set("codec", codecName)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── Sample sources ──────────────────────────────────────────────────────────────

// source produces the next n interleaved normalized samples, or nil when
// exhausted.
type source interface {
	next(n int) []float32
}

// tone is an endless sine generator carrying the same signal on every
// channel.
type tone struct {
	phase    float64
	step     float64
	channels int
}

func newTone(freq float64, rate, channels int) *tone {
	return &tone{step: 2 * math.Pi * freq / float64(rate), channels: channels}
}

func (t *tone) next(n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n; i += t.channels {
		v := float32(0.4 * math.Sin(t.phase))
		t.phase += t.step
		for c := 0; c < t.channels; c++ {
			out[i+c] = v
		}
	}
	return out
}

// fileSource streams raw s16le samples from a file, padding the final
// partial frame with silence so fixed-frame codecs still encode it.
type fileSource struct {
	f *os.File
	r *bufio.Reader
}

func openFileSource(path string) (*fileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return &fileSource{f: f, r: bufio.NewReaderSize(f, 1<<16)}, nil
}

func (s *fileSource) next(n int) []float32 {
	buf := make([]byte, n*2)
	read, err := io.ReadFull(s.r, buf)
	if read == 0 {
		return nil
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		slog.Warn("input read failed", "err", err)
		return nil
	}
	samples := pcm.FromInt16LE(buf[:read&^1])
	for len(samples) < n {
		samples = append(samples, 0)
	}
	return samples
}

func (s *fileSource) Close() error { return s.f.Close() }
