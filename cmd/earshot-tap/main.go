// Command earshot-tap is a monitoring viewer: it joins call-monitoring
// scopes, schedules the received audio the way a live player would, and
// renders each (call, channel kind) timeline to a WAV file with gaps filled
// by silence.
//
//	earshot-tap -token tok-lead -call call-42
//	earshot-tap -token tok-admin -call '*' -duration 30s -out ./captures
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/earshot-live/earshot/pkg/client"
	"github.com/earshot-live/earshot/pkg/event"
	"github.com/earshot-live/earshot/pkg/playback"
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
		callList  = flag.String("call", "", "comma-separated calls to monitor, or * for all (required)")
		outDir    = flag.String("out", ".", "directory for the rendered WAV files")
		duration  = flag.Duration("duration", 0, "stop after this long; 0 records until interrupted")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *callList == "" {
		fmt.Fprintln(os.Stderr, "earshot-tap: -call is required")
		return 2
	}
	calls := strings.Split(*callList, ",")

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "earshot-tap: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Connect and join ──────────────────────────────────────────────────────
	c, err := client.Dial(ctx, *serverURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earshot-tap: %v\n", err)
		return 1
	}
	defer c.Close()

	for _, call := range calls {
		if err := c.Join(ctx, call); err != nil {
			slog.Error("join failed", "call", call, "err", err)
			return 1
		}
	}

	// ── Event loop ────────────────────────────────────────────────────────────
	taps := make(map[tapKey]*tap)
	var deadline <-chan time.Time
	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		deadline = timer.C
	}

	exit := 0
loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("interrupted")
			break loop

		case <-deadline:
			slog.Info("recording window elapsed")
			break loop

		case ack, ok := <-c.Acks():
			if !ok {
				break loop
			}
			switch ack.Type {
			case event.TypeCallMonitoringJoined:
				slog.Info("joined call", "call", ack.Call)
				if ack.Call != "*" {
					// Ask for the live stream parameters right away.
					if err := c.RequestStreamInfo(ctx, ack.Call); err != nil {
						slog.Warn("stream info request failed", "call", ack.Call, "err", err)
					}
				}
			case event.TypeCallMonitoringRefused:
				slog.Error("join refused", "call", ack.Call, "reason", ack.Reason)
				exit = 1
				break loop
			case event.TypeAudioStreamNotAvailable:
				slog.Info("no live audio stream yet", "call", ack.Call)
			}

		case info, ok := <-c.StreamInfos():
			if !ok {
				break loop
			}
			fmt.Printf("stream %s: %d Hz, %d-bit, %d ch, kinds %v\n",
				info.Call, info.SampleRate, info.BitsPerSample, info.Channels, info.ChannelKinds)

		case ev, ok := <-c.Audio():
			if !ok {
				if err := c.Err(); err != nil {
					slog.Error("connection lost", "err", err)
					exit = 1
				}
				break loop
			}
			t, err := tapFor(taps, *outDir, ev)
			if err != nil {
				slog.Error("open output", "err", err)
				exit = 1
				break loop
			}
			if err := t.sched.Push(playback.Input{
				Data:          ev.Payload,
				SampleRate:    ev.SampleRate,
				BitsPerSample: ev.BitsPerSample,
				Channels:      ev.Channels,
			}); err != nil {
				slog.Warn("unplayable unit dropped", "call", ev.Call, "err", err)
				continue
			}
			t.units++
		}
	}

	// ── Finalize ──────────────────────────────────────────────────────────────
	for _, t := range taps {
		if err := t.wav.Close(); err != nil {
			slog.Error("finalize failed", "file", t.wav.path, "err", err)
			exit = 1
			continue
		}
		slog.Info("wrote recording",
			"file", t.wav.path, "audio", t.wav.Written().Round(time.Millisecond), "units", t.units)
	}
	return exit
}

// ── Per-stream taps ─────────────────────────────────────────────────────────────

type tapKey struct {
	call string
	kind wire.ChannelKind
}

// tap is one (call, channel kind) recording: a playback scheduler feeding a
// WAV sink.
type tap struct {
	sched *playback.Scheduler
	wav   *wavWriter
	units int
}

// tapFor returns the tap for the event's stream, creating the WAV file and
// scheduler on first sight. The file's format is pinned by the first unit.
func tapFor(taps map[tapKey]*tap, dir string, ev event.Audio) (*tap, error) {
	key := tapKey{call: ev.Call, kind: ev.ChannelKind}
	if t, ok := taps[key]; ok {
		return t, nil
	}

	name := fmt.Sprintf("%s_%s.wav", sanitize(ev.Call), ev.ChannelKind)
	w, err := newWAVWriter(filepath.Join(dir, name), ev.SampleRate, ev.Channels)
	if err != nil {
		return nil, err
	}

	t := &tap{
		sched: playback.New(w),
		wav:   w,
	}
	taps[key] = t
	slog.Info("recording stream",
		"call", ev.Call, "kind", ev.ChannelKind, "file", w.path,
		"rate", ev.SampleRate, "channels", ev.Channels)
	return t, nil
}

// sanitize keeps call identifiers filesystem-safe.
func sanitize(call string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, call)
}
