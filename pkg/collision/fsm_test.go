package collision

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededFSM(policy Policy, seed int64) *FSM {
	return New(policy, WithRand(rand.New(rand.NewSource(seed))))
}

func TestProgressSinglePulseTransitionsOnce(t *testing.T) {
	f := seededFSM(ProgressCounted{MaxFrames: 5}, 1)

	obs := f.Step(true, 0.5)
	assert.Equal(t, 1.0, obs.Collision)
	assert.Equal(t, 1.0, obs.Direction, "positive steering hint selects +1")
	assert.Equal(t, 0.0, obs.Progress, "progress starts at 0 on entry")
	assert.True(t, f.Active())
}

func TestProgressSingleFrameHoldStaysFinite(t *testing.T) {
	f := seededFSM(ProgressCounted{MaxFrames: 1}, 1)

	obs := f.Step(true, 0.5)
	assert.Equal(t, 1.0, obs.Collision)
	assert.Equal(t, 1.0, obs.Progress, "a one-frame hold is at full progress immediately")
	assert.False(t, obs.Progress != obs.Progress, "progress must never be NaN")

	obs = f.Step(false, 0)
	assert.Equal(t, 0.0, obs.Collision, "hold expires after its single frame")
}

func TestProgressAdvancesOnePerTick(t *testing.T) {
	const maxFrames = 5
	f := seededFSM(ProgressCounted{MaxFrames: maxFrames}, 1)

	f.Step(true, -0.5)
	for i := 1; i < maxFrames; i++ {
		obs := f.Step(false, 0)
		require.Equal(t, 1.0, obs.Collision, "tick %d", i)
		assert.Equal(t, -1.0, obs.Direction, "tick %d", i)
		assert.InDelta(t, float64(i)/float64(maxFrames-1), obs.Progress, 1e-9, "tick %d", i)
	}

	// Tick maxFrames returns to Idle with direction and progress reset.
	obs := f.Step(false, 0)
	assert.Equal(t, Observation{}, obs)
	assert.False(t, f.Active())
}

func TestProgressRepeatedPulsesIgnoredWhileActive(t *testing.T) {
	const maxFrames = 6
	f := seededFSM(ProgressCounted{MaxFrames: maxFrames}, 1)

	f.Step(true, 0.9)
	dir := 1.0

	// Three more raw pulses arrive mid-maneuver: no re-trigger, progress
	// still advances exactly one step per tick.
	for i := 1; i <= 3; i++ {
		obs := f.Step(true, -0.9)
		require.Equal(t, 1.0, obs.Collision)
		assert.Equal(t, dir, obs.Direction, "direction unchanged by mid-hold pulses")
		assert.InDelta(t, float64(i)/float64(maxFrames-1), obs.Progress, 1e-9)
	}
}

func TestProgressRandomDirectionInsideDeadzone(t *testing.T) {
	// A seeded source makes the tie-break reproducible.
	f := seededFSM(ProgressCounted{MaxFrames: 4}, 42)
	first := f.Step(true, 0.0).Direction
	require.Contains(t, []float64{-1.0, 1.0}, first)

	g := seededFSM(ProgressCounted{MaxFrames: 4}, 42)
	assert.Equal(t, first, g.Step(true, 0.0).Direction, "same seed, same choice")

	// Sweep seeds to confirm both directions occur.
	seen := map[float64]bool{}
	for seed := int64(0); seed < 32; seed++ {
		h := seededFSM(ProgressCounted{MaxFrames: 4}, seed)
		seen[h.Step(true, 0.05).Direction] = true
	}
	assert.True(t, seen[1.0] && seen[-1.0], "expected both directions across seeds, got %v", seen)
}

func TestProgressDirectionFollowsSteeringHint(t *testing.T) {
	f := seededFSM(ProgressCounted{MaxFrames: 4}, 1)
	assert.Equal(t, -1.0, f.Step(true, -0.4).Direction)

	f.Reset()
	assert.Equal(t, 1.0, f.Step(true, 0.4).Direction)
}

func TestProgressCanRetriggerAfterHold(t *testing.T) {
	const maxFrames = 3
	f := seededFSM(ProgressCounted{MaxFrames: maxFrames}, 1)

	f.Step(true, 0.5)
	for i := 0; i < maxFrames; i++ {
		f.Step(false, 0)
	}
	require.False(t, f.Active())

	obs := f.Step(true, -0.5)
	assert.Equal(t, 1.0, obs.Collision)
	assert.Equal(t, -1.0, obs.Direction)
}

func TestResetReturnsToIdle(t *testing.T) {
	f := seededFSM(ProgressCounted{MaxFrames: 10}, 1)
	f.Step(true, 0.5)
	require.True(t, f.Active())

	f.Reset()
	assert.False(t, f.Active())
	assert.Equal(t, Observation{}, f.Step(false, 0))
}

func TestTimedHoldExpiresByClock(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	f := New(TimedHold{Duration: 100 * time.Millisecond}, WithClock(clock))

	obs := f.Step(true, 0)
	require.Equal(t, Observation{Collision: 1.0}, obs, "no direction or progress in timed mode")

	now = now.Add(50 * time.Millisecond)
	assert.Equal(t, 1.0, f.Step(false, 0).Collision, "still held")

	now = now.Add(60 * time.Millisecond)
	assert.Equal(t, Observation{}, f.Step(false, 0), "hold expired")
	assert.False(t, f.Active())
}

func TestTimedHoldPulseWhileActiveDoesNotExtend(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	f := New(TimedHold{Duration: 100 * time.Millisecond}, WithClock(clock))

	f.Step(true, 0)
	now = now.Add(90 * time.Millisecond)
	f.Step(true, 0) // mid-hold pulse is a no-op
	now = now.Add(20 * time.Millisecond)
	assert.Equal(t, Observation{}, f.Step(false, 0), "deadline set by the first pulse")
}

func TestMailboxSingleSlot(t *testing.T) {
	var m Mailbox
	assert.False(t, m.Consume(), "empty mailbox")

	m.Post()
	m.Post() // second pulse before consumption is dropped
	assert.True(t, m.Consume())
	assert.False(t, m.Consume(), "cleared on read")
}

func TestMailboxConcurrentPost(t *testing.T) {
	var m Mailbox
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Post()
		}()
	}
	wg.Wait()
	assert.True(t, m.Consume())
	assert.False(t, m.Consume())
}
