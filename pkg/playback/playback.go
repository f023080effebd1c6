// Package playback schedules decoded audio units onto a virtual output
// timeline so that units arriving in bursts play back-to-back without gaps
// or overlap.
//
// A [Scheduler] owns one timeline, meaning one (call, channel kind) stream.
// Incoming units first accumulate in a prebuffer that absorbs arrival
// jitter; once the configured threshold is crossed the buffered units flush
// onto the timeline and every later unit is scheduled as it arrives. When
// the timeline drains the scheduler goes idle and resumes on the next unit
// without re-prebuffering, so micro-gaps in the feed do not restart the
// initial delay.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/earshot-live/earshot/pkg/pcm"
)

const (
	// DefaultPrebuffer is the amount of audio accumulated before playback
	// starts when no explicit threshold is configured via [WithPrebuffer].
	DefaultPrebuffer = 200 * time.Millisecond

	// DefaultSafetyMargin is the minimum distance in the future at which a
	// unit may be scheduled, leaving the sink room to prepare the buffer.
	DefaultSafetyMargin = 20 * time.Millisecond
)

// Clock supplies the scheduler's notion of now. The default is the wall
// clock; tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sink receives scheduled audio. Play is invoked synchronously from
// [Scheduler.Push], in timeline order, with start strictly in the future
// relative to the scheduler's clock at scheduling time. channels holds one
// plane per channel, already de-interleaved and normalized to [-1, 1].
//
// Implementations must return promptly; handing the buffer to an audio
// device queue is expected, performing I/O is not.
type Sink interface {
	Play(start time.Time, channels [][]float32, sampleRate int)
}

// State identifies where a [Scheduler] is in its lifecycle.
type State int

const (
	// Prebuffering means playback has not started; units accumulate until
	// the threshold is crossed.
	Prebuffering State = iota

	// Streaming means scheduled audio extends beyond now.
	Streaming

	// Idle means the timeline has drained. The next unit resumes playback
	// immediately, without a new prebuffer round.
	Idle
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Prebuffering:
		return "prebuffering"
	case Streaming:
		return "streaming"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Input is one audio unit as it arrives off the wire: interleaved
// little-endian PCM plus its format. Sample-format conversion and
// de-interleaving happen once, inside [Scheduler.Push].
type Input struct {
	Data          []byte
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// Stats is a point-in-time snapshot of scheduler progress.
type Stats struct {
	State     State
	Buffered  int           // units held in the prebuffer
	Scheduled int           // units handed to the sink so far
	Horizon   time.Duration // scheduled audio remaining beyond now
}

// unit is a converted Input bound to the timeline.
type unit struct {
	channels   [][]float32
	sampleRate int
	dur        time.Duration
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithPrebuffer sets the audio duration accumulated before playback starts.
func WithPrebuffer(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.prebuffer = d
		}
	}
}

// WithPrebufferUnits switches the prebuffer policy from accumulated duration
// to a unit count: playback starts once n units are buffered, regardless of
// how much audio they carry.
func WithPrebufferUnits(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.prebufferUnits = n
		}
	}
}

// WithSafetyMargin sets the minimum future offset for scheduled starts.
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.margin = d
		}
	}
}

// WithOverlap shortens each unit's claim on the timeline by d, letting
// consecutive units overlap slightly to mask clock-drift gaps at unit
// boundaries. Units no longer than d are never shortened.
func WithOverlap(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.overlap = d
		}
	}
}

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// Scheduler places audio units on a monotonically advancing output timeline.
// All methods are safe for concurrent use.
type Scheduler struct {
	sink  Sink
	clock Clock

	prebuffer      time.Duration
	prebufferUnits int
	margin         time.Duration
	overlap        time.Duration

	mu         sync.Mutex
	started    bool
	pending    []unit
	pendingDur time.Duration
	cursor     time.Time // end of the last scheduled unit
	scheduled  int
}

// New creates a Scheduler delivering to sink.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:      sink,
		clock:     systemClock{},
		prebuffer: DefaultPrebuffer,
		margin:    DefaultSafetyMargin,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Push converts one unit and places it on the timeline. During prebuffering
// the unit is queued; crossing the threshold flushes the whole prebuffer to
// the sink in arrival order. After that every unit is scheduled as it
// arrives at max(timeline cursor, now + safety margin).
//
// Empty units are dropped. Unsupported formats return an error without
// disturbing the timeline.
func (s *Scheduler) Push(in Input) error {
	u, err := convert(in)
	if err != nil {
		return err
	}
	if u.dur <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.pending = append(s.pending, u)
		s.pendingDur += u.dur
		if !s.thresholdCrossedLocked() {
			return nil
		}
		s.started = true
		now := s.clock.Now()
		for _, p := range s.pending {
			s.scheduleLocked(now, p)
		}
		s.pending, s.pendingDur = nil, 0
		return nil
	}

	s.scheduleLocked(s.clock.Now(), u)
	return nil
}

// State reports the scheduler's current lifecycle state. Idle is derived:
// playback has started but the timeline cursor has fallen behind now.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(s.clock.Now())
}

// Snapshot returns current progress counters.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	st := Stats{
		State:     s.stateLocked(now),
		Buffered:  len(s.pending),
		Scheduled: s.scheduled,
	}
	if s.cursor.After(now) {
		st.Horizon = s.cursor.Sub(now)
	}
	return st
}

func (s *Scheduler) stateLocked(now time.Time) State {
	switch {
	case !s.started:
		return Prebuffering
	case s.cursor.After(now):
		return Streaming
	default:
		return Idle
	}
}

func (s *Scheduler) thresholdCrossedLocked() bool {
	if s.prebufferUnits > 0 {
		return len(s.pending) >= s.prebufferUnits
	}
	return s.pendingDur >= s.prebuffer
}

// scheduleLocked assigns u the next slot on the timeline and hands it to the
// sink. Starts are strictly increasing: the cursor always advances by at
// least the unit duration minus the overlap.
func (s *Scheduler) scheduleLocked(now time.Time, u unit) {
	start := now.Add(s.margin)
	if s.cursor.After(start) {
		start = s.cursor
	}
	claim := u.dur
	if s.overlap > 0 && s.overlap < claim {
		claim -= s.overlap
	}
	s.cursor = start.Add(claim)
	s.scheduled++
	s.sink.Play(start, u.channels, u.sampleRate)
}

// convert normalizes and de-interleaves one wire unit.
func convert(in Input) (unit, error) {
	if in.SampleRate <= 0 {
		return unit{}, fmt.Errorf("playback: sample rate %d", in.SampleRate)
	}
	ch := in.Channels
	if ch <= 0 {
		ch = 1
	}

	var samples []float32
	switch in.BitsPerSample {
	case 16:
		samples = pcm.FromInt16LE(in.Data)
	case 32:
		samples = pcm.FromInt32LE(in.Data)
	default:
		return unit{}, fmt.Errorf("playback: unsupported bit depth %d", in.BitsPerSample)
	}

	return unit{
		channels:   pcm.Deinterleave(samples, ch),
		sampleRate: in.SampleRate,
		dur:        pcm.Duration(len(samples), in.SampleRate, ch),
	}, nil
}
