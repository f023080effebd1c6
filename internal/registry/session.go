package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/earshot-live/earshot/pkg/codec"
	"github.com/earshot-live/earshot/pkg/wire"
)

// Key identifies a decoder session: one per call leg.
type Key struct {
	Call string
	Kind wire.ChannelKind
}

func (k Key) String() string {
	return k.Call + "/" + k.Kind.String()
}

// Params describes the audio format a session decodes. A frame arriving with
// different params replaces the session, so a mid-call format change starts a
// fresh decoder instead of corrupting the old one.
type Params struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// Codec names the payload encoding. Empty means raw PCM at
	// BitsPerSample depth.
	Codec string
}

// Session wraps one decoder instance together with its bookkeeping. Sessions
// are produced by [Registry.GetOrCreate] and normally fed by one ingest
// connection; Decode serializes internally so a second agent naming the same
// call leg cannot corrupt decoder state. The idle janitor only reads the
// atomically updated last-use stamp.
type Session struct {
	key     Key
	params  Params
	lastUse atomic.Int64 // UnixNano of the last Decode call

	decMu sync.Mutex
	dec   codec.Decoder
}

// Key returns the session identity.
func (s *Session) Key() Key { return s.key }

// Params returns the audio format the session was created with.
func (s *Session) Params() Params { return s.params }

// Decode converts one frame payload into normalized samples. The session is
// touched even when decoding fails, so a stream of malformed payloads keeps
// its session alive rather than racing the janitor.
func (s *Session) Decode(payload []byte) ([]float32, error) {
	s.touch(time.Now())
	s.decMu.Lock()
	defer s.decMu.Unlock()
	return s.dec.Decode(payload)
}

func (s *Session) touch(now time.Time) {
	s.lastUse.Store(now.UnixNano())
}

func (s *Session) lastUsed() time.Time {
	return time.Unix(0, s.lastUse.Load())
}
