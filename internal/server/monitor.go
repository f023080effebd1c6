package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/earshot-live/earshot/internal/admission"
	"github.com/earshot-live/earshot/internal/broadcast"
	"github.com/earshot-live/earshot/pkg/event"
	"github.com/earshot-live/earshot/pkg/pcm"
)

// monitorReadLimit bounds viewer control messages. They are single JSON
// objects; anything near this size is abuse.
const monitorReadLimit = 1 << 16

// monitorConn is one viewer connection: a [broadcast.Subscriber] plus the
// dispatch loop that serves its control messages. Deliveries are buffered;
// when the buffer is full the router drops the unit rather than stall the
// publish path.
type monitorConn struct {
	id        string
	principal admission.Principal
	conn      *websocket.Conn
	out       chan *broadcast.Unit
	log       *slog.Logger
}

func (c *monitorConn) ID() string { return c.id }

// Deliver runs on the publish path; it only enqueues.
func (c *monitorConn) Deliver(u *broadcast.Unit) bool {
	select {
	case c.out <- u:
		return true
	default:
		return false
	}
}

// handleMonitor accepts one viewer connection. The viewer authenticates with
// a bearer credential, then drives monitoring through JSON control events:
// join-call-monitoring, leave-call-monitoring, and request-audio-stream.
// Authorization is per join, not per connection, so an agent credential can
// connect but every join it attempts is refused.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, err := s.gate.Admit(ctx, admission.BearerToken(r))
	if err != nil {
		writeRefusal(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("monitor upgrade failed", "identity", principal.Identity, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(monitorReadLimit)

	s.metrics.MonitorConnections.Add(ctx, 1)
	defer s.metrics.MonitorConnections.Add(ctx, -1)

	mc := &monitorConn{
		id:        fmt.Sprintf("viewer-%s-%d", principal.Identity, s.connSeq.Add(1)),
		principal: principal,
		conn:      conn,
		out:       make(chan *broadcast.Unit, s.cfg.Broadcast.SubscriberBuffer),
	}
	mc.log = s.log.With("viewer", mc.id)

	// A dropped connection leaves no subscriptions behind.
	defer s.router.Drop(mc.id)

	writeCtx, stopWrites := context.WithCancel(ctx)
	defer stopWrites()
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		mc.writeLoop(writeCtx)
	}()

	mc.log.Info("viewer connected", "role", string(principal.Role))
	s.dispatch(ctx, mc)

	stopWrites()
	<-writeDone
}

// dispatch reads and serves one viewer's control messages until the
// connection drops. Messages on a connection are handled strictly in order.
func (s *Server) dispatch(ctx context.Context, mc *monitorConn) {
	for {
		typ, data, err := mc.conn.Read(ctx)
		if err != nil {
			if isExpectedClose(err) {
				mc.log.Info("viewer disconnected")
			} else {
				mc.log.Warn("viewer read failed", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			mc.log.Warn("ignoring binary message from viewer")
			continue
		}

		ev, err := event.Decode(data)
		if err != nil {
			mc.log.Warn("bad control message", "err", err)
			continue
		}
		ctl, ok := ev.(event.Control)
		if !ok {
			mc.log.Warn("unexpected event from viewer", "event", fmt.Sprintf("%T", ev))
			continue
		}

		switch ctl.Type {
		case event.TypeJoinCallMonitoring:
			s.handleJoin(ctx, mc, ctl.Call)
		case event.TypeLeaveCallMonitoring:
			s.router.Unsubscribe(mc.id, ctl.Call)
			mc.log.Debug("left call", "call", ctl.Call)
		case event.TypeRequestAudioStream:
			s.handleStreamInfo(ctx, mc, ctl.Call)
		}
	}
}

// handleJoin authorizes and registers one subscription. Joining twice is a
// no-op that still acknowledges, so viewers can retry safely.
func (s *Server) handleJoin(ctx context.Context, mc *monitorConn, call string) {
	if err := s.gate.CanMonitor(ctx, mc.principal, metadataCall(call)); err != nil {
		mc.writeEvent(ctx, event.Ack{
			Type:   event.TypeCallMonitoringRefused,
			Call:   call,
			Reason: "forbidden",
		})
		return
	}

	s.router.Subscribe(mc, call)
	mc.writeEvent(ctx, event.Ack{Type: event.TypeCallMonitoringJoined, Call: call})
	mc.log.Info("joined call", "call", call)
}

// handleStreamInfo answers request-audio-stream from live registry state.
// The same authorization as joining applies; a refused viewer learns nothing
// about the call.
func (s *Server) handleStreamInfo(ctx context.Context, mc *monitorConn, call string) {
	if err := s.gate.CanMonitor(ctx, mc.principal, call); err != nil {
		mc.writeEvent(ctx, event.Ack{
			Type:   event.TypeAudioStreamNotAvailable,
			Call:   call,
			Reason: "forbidden",
		})
		return
	}

	sessions := s.reg.CallSessions(call)
	if len(sessions) == 0 {
		mc.writeEvent(ctx, event.Ack{Type: event.TypeAudioStreamNotAvailable, Call: call})
		return
	}

	p := sessions[0].Params()
	info := event.StreamInfo{
		Type:          event.TypeAudioStreamInfo,
		Call:          call,
		SampleRate:    p.SampleRate,
		BitsPerSample: p.BitsPerSample,
		Channels:      p.Channels,
	}
	for _, sess := range sessions {
		info.ChannelKinds = append(info.ChannelKinds, sess.Key().Kind)
	}
	mc.writeEvent(ctx, info)
}

// metadataCall maps the all-calls scope to "no call metadata" for the
// admission check; the role check alone governs wildcard joins.
func metadataCall(call string) string {
	if call == broadcast.ScopeAll {
		return ""
	}
	return call
}

// writeLoop drains the delivery buffer. It owns the float-to-int16
// conversion and JSON marshalling so the publish path never does that work.
func (c *monitorConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-c.out:
			c.writeEvent(ctx, event.Audio{
				Type:          event.TypeCallAudio,
				Call:          u.Call,
				ChannelKind:   u.Kind,
				Payload:       pcm.ToInt16LE(u.Samples),
				Timestamp:     u.ReceivedAt.UTC(),
				SampleRate:    u.SampleRate,
				BitsPerSample: 16,
				Channels:      u.Channels,
			})
		}
	}
}

// writeEvent marshals and sends one server event. Write failures surface on
// the read side as a closed connection, so they are only logged here.
func (c *monitorConn) writeEvent(ctx context.Context, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("marshal event failed", "err", err)
		return
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("event write failed", "err", err)
	}
}
