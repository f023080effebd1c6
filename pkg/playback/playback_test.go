package playback_test

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/earshot-live/earshot/pkg/playback"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// playCall is one recorded Sink.Play invocation.
type playCall struct {
	start    time.Time
	channels [][]float32
	rate     int
}

// recordSink appends every Play call to a slice.
type recordSink struct {
	mu    sync.Mutex
	calls []playCall
}

func (s *recordSink) Play(start time.Time, channels [][]float32, rate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, playCall{start, channels, rate})
}

func (s *recordSink) all() []playCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playCall(nil), s.calls...)
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func int16Bytes(vals ...int16) []byte {
	b := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}

// monoUnit returns d of constant mono 16-bit audio at 16 kHz.
func monoUnit(d time.Duration) playback.Input {
	n := int(d.Seconds() * 16000)
	vals := make([]int16, n)
	for i := range vals {
		vals[i] = 8192
	}
	return playback.Input{
		Data:          int16Bytes(vals...),
		SampleRate:    16000,
		BitsPerSample: 16,
		Channels:      1,
	}
}

func push(t *testing.T, s *playback.Scheduler, in playback.Input) {
	t.Helper()
	if err := s.Push(in); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

// ── Prebuffering ──────────────────────────────────────────────────────────────

func TestScheduler_BurstFlushesContiguously(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sink := &recordSink{}
	s := playback.New(sink, playback.WithClock(clock))

	// 10 ms units against the default 200 ms prebuffer: nothing plays until
	// the 20th unit crosses the threshold, then the whole burst flushes.
	const unitDur = 10 * time.Millisecond
	for i := 0; i < 19; i++ {
		push(t, s, monoUnit(unitDur))
	}
	if n := sink.count(); n != 0 {
		t.Fatalf("plays before threshold = %d, want 0", n)
	}
	if st := s.State(); st != playback.Prebuffering {
		t.Fatalf("state = %v, want prebuffering", st)
	}

	push(t, s, monoUnit(unitDur))

	calls := sink.all()
	if len(calls) != 20 {
		t.Fatalf("plays after threshold = %d, want 20", len(calls))
	}

	// Starts are strictly increasing and contiguous: each unit begins where
	// the previous one ends.
	first := clock.Now().Add(playback.DefaultSafetyMargin)
	if !calls[0].start.Equal(first) {
		t.Errorf("first start = %v, want now+margin = %v", calls[0].start, first)
	}
	for i := 1; i < len(calls); i++ {
		want := calls[i-1].start.Add(unitDur)
		if !calls[i].start.Equal(want) {
			t.Fatalf("start[%d] = %v, want %v", i, calls[i].start, want)
		}
	}

	// Total scheduled span equals the audio the burst carried.
	span := calls[19].start.Add(unitDur).Sub(calls[0].start)
	if span != 20*unitDur {
		t.Errorf("scheduled span = %v, want %v", span, 20*unitDur)
	}
}

func TestScheduler_UnitCountPolicyWins(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	s := playback.New(sink,
		playback.WithClock(newFakeClock()),
		playback.WithPrebuffer(time.Hour),
		playback.WithPrebufferUnits(3),
	)

	push(t, s, monoUnit(10*time.Millisecond))
	push(t, s, monoUnit(10*time.Millisecond))
	if n := sink.count(); n != 0 {
		t.Fatalf("plays before count threshold = %d, want 0", n)
	}

	push(t, s, monoUnit(10*time.Millisecond))
	if n := sink.count(); n != 3 {
		t.Fatalf("plays after count threshold = %d, want 3", n)
	}
}

// ── Streaming and idle ────────────────────────────────────────────────────────

func TestScheduler_StreamingSchedulesOnArrival(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sink := &recordSink{}
	s := playback.New(sink,
		playback.WithClock(clock),
		playback.WithPrebufferUnits(1),
	)

	push(t, s, monoUnit(50*time.Millisecond))
	if st := s.State(); st != playback.Streaming {
		t.Fatalf("state = %v, want streaming", st)
	}

	// A unit arriving while the timeline extends past now lands exactly at
	// the cursor, not at now+margin.
	push(t, s, monoUnit(50*time.Millisecond))

	calls := sink.all()
	if len(calls) != 2 {
		t.Fatalf("plays = %d, want 2", len(calls))
	}
	want := calls[0].start.Add(50 * time.Millisecond)
	if !calls[1].start.Equal(want) {
		t.Errorf("second start = %v, want %v", calls[1].start, want)
	}
}

func TestScheduler_IdleResumesWithoutReprebuffer(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sink := &recordSink{}
	s := playback.New(sink,
		playback.WithClock(clock),
		playback.WithPrebufferUnits(1),
	)

	push(t, s, monoUnit(50*time.Millisecond))

	// Drain the timeline.
	clock.Advance(time.Second)
	if st := s.State(); st != playback.Idle {
		t.Fatalf("state after drain = %v, want idle", st)
	}

	// The next unit plays immediately at now+margin; no prebuffer round.
	push(t, s, monoUnit(50*time.Millisecond))

	calls := sink.all()
	if len(calls) != 2 {
		t.Fatalf("plays = %d, want 2", len(calls))
	}
	want := clock.Now().Add(playback.DefaultSafetyMargin)
	if !calls[1].start.Equal(want) {
		t.Errorf("resumed start = %v, want now+margin = %v", calls[1].start, want)
	}
	if st := s.State(); st != playback.Streaming {
		t.Fatalf("state after resume = %v, want streaming", st)
	}
}

func TestScheduler_OverlapShortensTimelineClaim(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sink := &recordSink{}
	s := playback.New(sink,
		playback.WithClock(clock),
		playback.WithPrebufferUnits(1),
		playback.WithOverlap(2*time.Millisecond),
	)

	push(t, s, monoUnit(10*time.Millisecond))
	push(t, s, monoUnit(10*time.Millisecond))

	calls := sink.all()
	if len(calls) != 2 {
		t.Fatalf("plays = %d, want 2", len(calls))
	}
	want := calls[0].start.Add(8 * time.Millisecond)
	if !calls[1].start.Equal(want) {
		t.Errorf("second start = %v, want first+8ms = %v", calls[1].start, want)
	}
}

// ── Conversion ────────────────────────────────────────────────────────────────

func TestScheduler_ConvertsOncePerUnit(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	s := playback.New(sink,
		playback.WithClock(newFakeClock()),
		playback.WithPrebufferUnits(1),
	)

	// Interleaved stereo [L0 R0 L1 R1] arrives de-interleaved and normalized.
	push(t, s, playback.Input{
		Data:          int16Bytes(16384, -16384, 16384, -16384),
		SampleRate:    16000,
		BitsPerSample: 16,
		Channels:      2,
	})

	calls := sink.all()
	if len(calls) != 1 {
		t.Fatalf("plays = %d, want 1", len(calls))
	}
	if calls[0].rate != 16000 {
		t.Errorf("rate = %d, want 16000", calls[0].rate)
	}
	if len(calls[0].channels) != 2 {
		t.Fatalf("planes = %d, want 2", len(calls[0].channels))
	}
	left, right := calls[0].channels[0], calls[0].channels[1]
	if len(left) != 2 || len(right) != 2 {
		t.Fatalf("plane lengths = %d/%d, want 2/2", len(left), len(right))
	}
	if left[0] != 0.5 || left[1] != 0.5 {
		t.Errorf("left = %v, want [0.5 0.5]", left)
	}
	if right[0] != -0.5 || right[1] != -0.5 {
		t.Errorf("right = %v, want [-0.5 -0.5]", right)
	}
}

func TestScheduler_RejectsUnsupportedFormats(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	s := playback.New(sink, playback.WithClock(newFakeClock()))

	cases := []struct {
		name string
		in   playback.Input
	}{
		{"zero sample rate", playback.Input{Data: int16Bytes(1), BitsPerSample: 16, Channels: 1}},
		{"24-bit audio", playback.Input{Data: []byte{0, 0, 0}, SampleRate: 16000, BitsPerSample: 24, Channels: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := s.Push(tc.in); err == nil {
				t.Fatal("Push accepted an unsupported format")
			}
		})
	}
	if n := sink.count(); n != 0 {
		t.Fatalf("plays = %d, want 0", n)
	}
}

func TestScheduler_DropsEmptyUnits(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	s := playback.New(sink,
		playback.WithClock(newFakeClock()),
		playback.WithPrebufferUnits(1),
	)

	if err := s.Push(playback.Input{SampleRate: 16000, BitsPerSample: 16, Channels: 1}); err != nil {
		t.Fatalf("Push of empty unit: %v", err)
	}
	if n := sink.count(); n != 0 {
		t.Fatalf("plays = %d, want 0", n)
	}
	if st := s.State(); st != playback.Prebuffering {
		t.Fatalf("state = %v, want prebuffering", st)
	}
}

// ── Snapshot ──────────────────────────────────────────────────────────────────

func TestScheduler_Snapshot(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	sink := &recordSink{}
	s := playback.New(sink, playback.WithClock(clock))

	push(t, s, monoUnit(100*time.Millisecond))
	st := s.Snapshot()
	if st.State != playback.Prebuffering || st.Buffered != 1 || st.Scheduled != 0 {
		t.Fatalf("snapshot during prebuffer = %+v", st)
	}

	push(t, s, monoUnit(100*time.Millisecond))
	st = s.Snapshot()
	if st.State != playback.Streaming || st.Buffered != 0 || st.Scheduled != 2 {
		t.Fatalf("snapshot while streaming = %+v", st)
	}
	want := 200*time.Millisecond + playback.DefaultSafetyMargin
	if st.Horizon != want {
		t.Errorf("horizon = %v, want %v", st.Horizon, want)
	}

	clock.Advance(time.Second)
	st = s.Snapshot()
	if st.State != playback.Idle || st.Horizon != 0 {
		t.Fatalf("snapshot after drain = %+v", st)
	}
}
