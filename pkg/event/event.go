// Package event defines the JSON messages exchanged on the monitor socket.
// Every message is an object with a "type" field; [Decode] dispatches raw
// bytes to the matching typed event. The same vocabulary is used by the
// server and by [github.com/earshot-live/earshot/pkg/client].
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/earshot-live/earshot/pkg/wire"
)

// Viewer → server control events.
const (
	TypeJoinCallMonitoring  = "join-call-monitoring"
	TypeLeaveCallMonitoring = "leave-call-monitoring"
	TypeRequestAudioStream  = "request-audio-stream"
)

// Server → viewer events.
const (
	TypeCallMonitoringJoined    = "call-monitoring-joined"
	TypeCallMonitoringRefused   = "call-monitoring-refused"
	TypeAudioStreamInfo         = "audio-stream-info"
	TypeAudioStreamNotAvailable = "audio-stream-not-available"
	TypeCallAudio               = "call-audio"
)

// Control is the shape shared by all viewer → server events: a type plus the
// target call. Call may be the all-calls scope "*" for join/leave.
type Control struct {
	Type string `json:"type"`
	Call string `json:"call"`
}

// Ack is the shape shared by join/refusal/not-available replies.
type Ack struct {
	Type   string `json:"type"`
	Call   string `json:"call"`
	Reason string `json:"reason,omitempty"`
}

// StreamInfo answers request-audio-stream for a call with live sessions.
type StreamInfo struct {
	Type          string             `json:"type"`
	Call          string             `json:"call"`
	SampleRate    int                `json:"sampleRate"`
	BitsPerSample int                `json:"bitsPerSample"`
	Channels      int                `json:"channels"`
	ChannelKinds  []wire.ChannelKind `json:"channelKinds"`
}

// Audio carries one decoded unit. Payload is little-endian int16 PCM;
// encoding/json renders it as base64. Timestamp is the server receive time
// (RFC 3339, UTC).
type Audio struct {
	Type          string           `json:"type"`
	Call          string           `json:"call"`
	ChannelKind   wire.ChannelKind `json:"channelKind"`
	Payload       []byte           `json:"payload"`
	Timestamp     time.Time        `json:"timestamp"`
	SampleRate    int              `json:"sampleRate"`
	BitsPerSample int              `json:"bitsPerSample"`
	Channels      int              `json:"channels"`
}

// Decode parses one monitor-socket message into its typed event: [Control],
// [Ack], [StreamInfo] or [Audio].
func Decode(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("event: decode: %w", err)
	}
	switch head.Type {
	case TypeJoinCallMonitoring, TypeLeaveCallMonitoring, TypeRequestAudioStream:
		var ev Control
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeCallMonitoringJoined, TypeCallMonitoringRefused, TypeAudioStreamNotAvailable:
		var ev Ack
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeAudioStreamInfo:
		var ev StreamInfo
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", head.Type, err)
		}
		return ev, nil
	case TypeCallAudio:
		var ev Audio
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("event: decode %s: %w", head.Type, err)
		}
		return ev, nil
	case "":
		return nil, fmt.Errorf("event: message without type")
	default:
		return nil, fmt.Errorf("event: unknown type %q", head.Type)
	}
}
