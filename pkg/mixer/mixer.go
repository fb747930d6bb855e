// Package mixer converts 2-axis joystick input into bounded, rate-limited
// per-wheel speed commands for a differential-drive base.
package mixer

import "math"

// Config holds the signal shaping parameters.
type Config struct {
	MaxSpeed int     // per-wheel speed bound, output is in [-MaxSpeed, MaxSpeed]
	Deadzone float64 // input magnitude below which the shaped output is zero
	Expo     float64 // expo curve weight in [0, 1]
	SlewRate float64 // max output change per second, in speed units
	RateHz   float64 // tick rate the mixer is driven at
	InvertX  bool
	InvertY  bool
}

// Mixer shapes and arcade-mixes joystick axes into wheel speeds. The slew
// limiter keeps per-tick output deltas bounded, so a Mixer instance must not
// be shared across independent control sessions without a Reset.
type Mixer struct {
	maxSpeed float64
	deadzone float64
	expo     float64
	slewRate float64
	dt       float64
	invX     float64
	invY     float64

	prevLeft  float64
	prevRight float64
}

// New creates a Mixer with zeroed slew-limiter memory.
func New(cfg Config) *Mixer {
	invX, invY := 1.0, 1.0
	if cfg.InvertX {
		invX = -1.0
	}
	if cfg.InvertY {
		invY = -1.0
	}
	rate := cfg.RateHz
	if rate < 1.0 {
		rate = 1.0
	}
	return &Mixer{
		maxSpeed: float64(cfg.MaxSpeed),
		deadzone: cfg.Deadzone,
		expo:     cfg.Expo,
		slewRate: cfg.SlewRate,
		dt:       1.0 / rate,
		invX:     invX,
		invY:     invY,
	}
}

// Mix converts joystick axes in [-1, 1] to (left, right) wheel speeds.
func (m *Mixer) Mix(x, y float64) (int, int) {
	x = clamp(x*m.invX, -1.0, 1.0)
	y = clamp(y*m.invY, -1.0, 1.0)

	x = m.shape(x)
	y = m.shape(y)

	left := y + x
	right := y - x

	// Normalize so diagonal extremes still stay within unit magnitude.
	magnitude := math.Max(1.0, math.Max(math.Abs(left), math.Abs(right)))
	left /= magnitude
	right /= magnitude

	left *= m.maxSpeed
	right *= m.maxSpeed

	left = m.slew(left, m.prevLeft)
	right = m.slew(right, m.prevRight)

	m.prevLeft = left
	m.prevRight = right

	return int(math.Round(left)), int(math.Round(right))
}

// Reset zeroes the slew-limiter memory. Used on e-stop or channel loss so the
// next command ramps from zero rather than from the last driven speed.
func (m *Mixer) Reset() {
	m.prevLeft = 0.0
	m.prevRight = 0.0
}

// shape applies the deadzone and the expo curve (1-e)*v + e*v^3.
func (m *Mixer) shape(value float64) float64 {
	if math.Abs(value) < m.deadzone {
		return 0.0
	}
	return (1.0-m.expo)*value + m.expo*value*value*value
}

// slew bounds the change from the previous output to slewRate*dt.
func (m *Mixer) slew(target, previous float64) float64 {
	maxStep := m.slewRate * m.dt
	return clamp(target, previous-maxStep, previous+maxStep)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
