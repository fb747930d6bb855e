// Package collision turns raw collision pulses from the motion sensor into a
// debounced observation: a held collision flag, a chosen rotation direction,
// and a normalized progress counter.
package collision

import (
	"math"
	"math/rand"
	"time"
)

// steeringDeadzone is the steering-axis magnitude below which the rotation
// direction is chosen at random instead of from the stick.
const steeringDeadzone = 0.1

// Observation is the 3-tuple emitted once per tick. It is the value recorded
// into the dataset and later replayed to a downstream policy; the FSM is the
// sole authority for it.
type Observation struct {
	Collision float64 // 0.0 or 1.0
	Direction float64 // -1.0, 0.0 or +1.0
	Progress  float64 // normalized progress in [0, 1], 0 outside a hold
}

// Policy selects how a raw pulse is debounced into a held flag.
type Policy interface {
	policy()
}

// ProgressCounted holds the flag for MaxFrames ticks, selecting a rotation
// direction on entry and advancing a normalized progress counter each tick.
// This is the variant used when a learned rotation maneuver consumes the
// observation.
type ProgressCounted struct {
	MaxFrames int
}

func (ProgressCounted) policy() {}

// TimedHold holds the flag for a fixed wall-clock duration with no direction
// selection and no progress counting. This is the pure-teleoperation variant.
type TimedHold struct {
	Duration time.Duration
}

func (TimedHold) policy() {}

// FSM debounces raw collision pulses. It is owned by a single control
// session and is not safe for concurrent use.
type FSM struct {
	policy Policy
	rng    *rand.Rand
	now    func() time.Time

	active    bool
	count     int
	direction float64
	deadline  time.Time
}

// Option configures an FSM.
type Option func(*FSM)

// WithRand injects the randomness source used for rotation-direction
// tie-breaking, so behavior is reproducible in tests.
func WithRand(rng *rand.Rand) Option {
	return func(f *FSM) { f.rng = rng }
}

// WithClock injects the clock used by the TimedHold policy.
func WithClock(now func() time.Time) Option {
	return func(f *FSM) { f.now = now }
}

// New creates an FSM in the Idle state.
func New(policy Policy, opts ...Option) *FSM {
	f := &FSM{
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Step advances the FSM by one tick. A pulse while Idle transitions to
// Active, selecting a rotation direction from the steering hint (or at
// random when the hint is inside the deadzone); pulses while already Active
// are ignored, which prevents re-triggering mid-maneuver.
func (f *FSM) Step(pulse bool, steeringHint float64) Observation {
	switch p := f.policy.(type) {
	case ProgressCounted:
		return f.stepProgress(p, pulse, steeringHint)
	case TimedHold:
		return f.stepTimed(p, pulse)
	default:
		return Observation{}
	}
}

// Active reports whether a collision hold was in progress as of the last Step.
func (f *FSM) Active() bool {
	return f.active
}

// Reset returns the FSM to Idle. Called at session boundaries.
func (f *FSM) Reset() {
	f.active = false
	f.count = 0
	f.direction = 0.0
	f.deadline = time.Time{}
}

func (f *FSM) stepProgress(p ProgressCounted, pulse bool, steeringHint float64) Observation {
	if pulse && !f.active {
		f.active = true
		f.count = 0
		f.direction = f.chooseDirection(steeringHint)
	} else if f.active {
		f.count++
		if f.count >= p.MaxFrames {
			f.active = false
			f.count = 0
			f.direction = 0.0
		}
	}

	if !f.active {
		return Observation{}
	}
	// A degenerate single-frame hold is already at full progress.
	progress := 1.0
	if p.MaxFrames > 1 {
		progress = float64(f.count) / float64(p.MaxFrames-1)
	}
	return Observation{
		Collision: 1.0,
		Direction: f.direction,
		Progress:  math.Min(progress, 1.0),
	}
}

func (f *FSM) stepTimed(p TimedHold, pulse bool) Observation {
	now := f.now()
	if pulse && !f.active {
		f.active = true
		f.deadline = now.Add(p.Duration)
	} else if f.active && now.After(f.deadline) {
		f.active = false
	}

	if !f.active {
		return Observation{}
	}
	return Observation{Collision: 1.0}
}

func (f *FSM) chooseDirection(steeringHint float64) float64 {
	if math.Abs(steeringHint) < steeringDeadzone {
		if f.rng.Float64() < 0.5 {
			return 1.0
		}
		return -1.0
	}
	if steeringHint < 0 {
		return -1.0
	}
	return 1.0
}
