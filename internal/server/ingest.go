package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/earshot-live/earshot/internal/admission"
	"github.com/earshot-live/earshot/internal/broadcast"
	"github.com/earshot-live/earshot/internal/registry"
	"github.com/earshot-live/earshot/pkg/wire"
)

// handleIngest accepts one capture-agent connection. The agent authenticates
// with a bearer credential, names its call in the query string, and then
// streams binary messages of concatenated audio frames. Closing the last
// connection for a call destroys the call's decoder sessions.
//
// Query parameters:
//
//	call  — required call identifier
//	codec — optional payload codec ("pcm16", "pcm32", "opus"); when absent
//	        the frame header's bit depth selects a raw PCM decoder
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, err := s.gate.Admit(ctx, admission.BearerToken(r))
	if err != nil {
		writeRefusal(w, err)
		return
	}

	call := r.URL.Query().Get("call")
	if call == "" {
		http.Error(w, "missing call parameter", http.StatusBadRequest)
		return
	}
	codecName := r.URL.Query().Get("codec")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("ingest upgrade failed", "call", call, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.cfg.Ingest.MaxMessageBytes)

	s.metrics.IngestConnections.Add(ctx, 1)
	defer s.metrics.IngestConnections.Add(ctx, -1)

	s.retainCall(call)
	defer s.releaseCall(call)

	log := s.log.With("call", call, "identity", principal.Identity)
	log.Info("ingest connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if isExpectedClose(err) {
				log.Info("ingest disconnected")
			} else {
				log.Warn("ingest read failed", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			s.metrics.RecordFrameRejected(ctx, "not_binary")
			log.Debug("frame rejected", "reason", "not_binary")
			continue
		}
		s.consumeFrames(ctx, log, call, codecName, data)
	}
}

// consumeFrames walks one WebSocket message, which may carry several
// concatenated frames, and publishes each decoded unit. A malformed header
// abandons the rest of the message; frame boundaries inside it cannot be
// trusted after that.
func (s *Server) consumeFrames(ctx context.Context, log *slog.Logger, call, codecName string, data []byte) {
	for len(data) > 0 {
		h, payload, rest, err := wire.Next(data)
		if err != nil {
			reason := "too_short"
			if errors.Is(err, wire.ErrBadMagic) {
				reason = "bad_magic"
			}
			s.metrics.RecordFrameRejected(ctx, reason)
			log.Debug("frame rejected", "reason", reason, "err", err)
			return
		}
		data = rest
		s.ingestFrame(ctx, log, call, codecName, h, payload)
	}
}

// ingestFrame decodes one validated frame and hands the unit to the router.
func (s *Server) ingestFrame(ctx context.Context, log *slog.Logger, call, codecName string, h wire.Header, payload []byte) {
	if !h.Kind.IsValid() {
		s.metrics.RecordFrameRejected(ctx, "bad_kind")
		log.Debug("frame rejected", "reason", "bad_kind", "kind", uint32(h.Kind))
		return
	}

	key := registry.Key{Call: call, Kind: h.Kind}
	params := registry.Params{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.Channels),
		BitsPerSample: int(h.BitsPerSample),
		Codec:         codecName,
	}
	sess, err := s.reg.GetOrCreate(key, params)
	if err != nil {
		reason := "decoder"
		if errors.Is(err, registry.ErrSessionLimit) {
			reason = "session_limit"
		}
		s.metrics.RecordFrameRejected(ctx, reason)
		log.Warn("frame rejected", "reason", reason, "err", err)
		return
	}

	start := time.Now()
	samples, err := sess.Decode(payload)
	s.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordFrameRejected(ctx, "decode")
		log.Debug("frame rejected", "reason", "decode", "err", err)
		return
	}
	if len(samples) == 0 {
		return
	}

	s.router.Publish(ctx, &broadcast.Unit{
		Call:       call,
		Kind:       h.Kind,
		Samples:    samples,
		SampleRate: int(h.SampleRate),
		Channels:   int(h.Channels),
		CaptureTS:  h.CaptureTimestamp,
		ReceivedAt: time.Now().UTC(),
	})

	s.metrics.FramesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", h.Kind.String())))
	s.metrics.BytesIngested.Add(ctx, int64(len(payload)))
}

// isExpectedClose reports whether a read error is a routine disconnect
// rather than a failure worth a warning.
func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}
