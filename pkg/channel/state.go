// Package channel holds the latest-value state of the teleoperation message
// channel: joystick axes, the e-stop latch, pending recording commands and a
// liveness flag. The websocket receive path only ever overwrites this state;
// the control loop samples it once per tick.
package channel

import (
	"sync"
	"time"
)

// Recording session commands carried by the channel.
const (
	RecordingStart = "start"
	RecordingEnd   = "end"
)

// Snapshot is the channel state sampled at the start of one tick. Alive is
// level-triggered: true while at least one client is connected and a message
// arrived within the liveness timeout.
type Snapshot struct {
	X     float64
	Y     float64
	Alive bool
}

// State is the single-writer-per-field, single-reader handoff between the
// receive path and the control loop. All methods are safe for concurrent use.
type State struct {
	mu sync.Mutex

	x, y             float64
	estop            bool
	recordingCommand string
	lastMessage      time.Time
	clients          int

	timeout time.Duration
	now     func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithClock injects the liveness clock.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// NewState creates a State with the given liveness timeout.
func NewState(timeout time.Duration, opts ...Option) *State {
	s := &State{
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetStick overwrites the joystick axes with the latest values.
func (s *State) SetStick(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.x, s.y = x, y
	s.lastMessage = s.now()
}

// LatchEstop sets the e-stop latch. It stays set until consumed once.
func (s *State) LatchEstop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estop = true
	s.lastMessage = s.now()
}

// PushRecording stores the latest recording command, replacing any
// unconsumed one.
func (s *State) PushRecording(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordingCommand = command
	s.lastMessage = s.now()
}

// Touch refreshes liveness without changing any value. Used for ping/pong.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessage = s.now()
}

// ClientConnected registers a channel client.
func (s *State) ClientConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients++
	s.lastMessage = s.now()
}

// ClientDisconnected removes a channel client.
func (s *State) ClientDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients > 0 {
		s.clients--
	}
}

// Sample returns the current snapshot. It does not consume the e-stop latch
// or the recording command; those are edge-triggered and read separately.
func (s *State) Sample() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	alive := s.clients > 0 && s.now().Sub(s.lastMessage) < s.timeout
	return Snapshot{X: s.x, Y: s.y, Alive: alive}
}

// ConsumeEstop returns whether an e-stop was latched since the last call,
// clearing the latch. The safety gate honors each latch exactly once.
func (s *State) ConsumeEstop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	latched := s.estop
	s.estop = false
	return latched
}

// ConsumeRecording returns the pending recording command, if any, clearing it.
func (s *State) ConsumeRecording() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordingCommand == "" {
		return "", false
	}
	command := s.recordingCommand
	s.recordingCommand = ""
	return command, true
}
