package broadcast

import (
	"time"

	"github.com/earshot-live/earshot/pkg/wire"
)

// Unit is one decoded, normalized audio unit flowing from the ingest path to
// subscribers. Samples are interleaved float32 in [-1, 1]; subscribers must
// not mutate them, since every subscriber of a publish shares the slice.
type Unit struct {
	// Call identifies the monitored voice session.
	Call string

	// Kind tags the call leg (mic or speaker side).
	Kind wire.ChannelKind

	// Samples holds normalized interleaved PCM.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// CaptureTS is the agent's raw 32-bit capture clock, for diagnostics.
	CaptureTS uint32

	// ReceivedAt is when the server accepted the frame; it becomes the
	// timestamp on outbound audio events.
	ReceivedAt time.Time
}
