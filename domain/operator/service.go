// Package operator runs the fixed-rate control loop: it samples the channel
// state, mixes the stick into wheel speeds, applies the safety gate, writes
// motor commands to the robot and feeds the episode recorder.
package operator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubeops/operator/pkg/channel"
	"github.com/cubeops/operator/pkg/collision"
	"github.com/cubeops/operator/pkg/config"
	"github.com/cubeops/operator/pkg/device"
	customlog "github.com/cubeops/operator/pkg/log"
	"github.com/cubeops/operator/pkg/mixer"
	"github.com/cubeops/operator/pkg/protocol"
	"github.com/cubeops/operator/pkg/recorder"
	"github.com/cubeops/operator/pkg/telemetry"
)

const (
	// minMotionSpeed is the per-wheel magnitude at or below which a frame
	// carries no usable motion signal and is not recorded.
	minMotionSpeed = 5
	// minRotationDelta is the minimum wheel-speed difference a frame must
	// show during a collision hold to count as part of the rotation maneuver.
	minRotationDelta = 30

	// minCommandDurationMs is the floor for the motor command duration.
	minCommandDurationMs = 30
	stopWriteTimeout     = 500 * time.Millisecond
)

// Service owns one teleoperation session from connect to shutdown.
type Service struct {
	cfg       *config.Config
	logger    customlog.Logger
	device    device.Device
	state     *channel.State
	mailbox   *collision.Mailbox
	mixer     *mixer.Mixer
	fsm       *collision.FSM
	recorder  *recorder.Recorder // nil when recording is disabled
	publisher telemetry.Publisher
	sessionID string

	period     time.Duration
	durationMs int
	now        func() time.Time

	statsMu sync.Mutex
	stats   recorder.Stats

	ticks     uint64
	writeErrs uint64
	estops    uint64
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the clock used for telemetry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New assembles a control loop over an already-connected device. The
// recorder may be nil. Motor commands are stamped with a duration of three
// tick periods so the robot coasts to a stop if the loop stalls.
func New(cfg *config.Config, dev device.Device, state *channel.State, mailbox *collision.Mailbox, rec *recorder.Recorder, pub telemetry.Publisher, logger customlog.Logger, opts ...Option) *Service {
	period := time.Duration(float64(time.Second) / cfg.Control.RateHz)
	durationMs := int(3 * period.Milliseconds())
	if durationMs < minCommandDurationMs {
		durationMs = minCommandDurationMs
	}

	s := &Service{
		cfg:     cfg,
		logger:  logger,
		device:  dev,
		state:   state,
		mailbox: mailbox,
		mixer: mixer.New(mixer.Config{
			MaxSpeed: cfg.Control.MaxSpeed,
			Deadzone: cfg.Control.Deadzone,
			Expo:     cfg.Control.Expo,
			SlewRate: cfg.Control.SlewRate,
			RateHz:   cfg.Control.RateHz,
			InvertX:  cfg.Control.InvertX,
			InvertY:  cfg.Control.InvertY,
		}),
		fsm:        collision.New(policyFromConfig(cfg.Collision)),
		recorder:   rec,
		publisher:  pub,
		sessionID:  uuid.NewString(),
		period:     period,
		durationMs: durationMs,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// policyFromConfig maps the configured debounce policy name to a policy
// value. Validation already rejected unknown names.
func policyFromConfig(cfg config.CollisionConfig) collision.Policy {
	if cfg.Policy == config.PolicyProgress {
		return collision.ProgressCounted{MaxFrames: cfg.MaxFrames}
	}
	return collision.TimedHold{Duration: time.Duration(cfg.HoldMs) * time.Millisecond}
}

// SessionID returns the identifier stamped on this session's telemetry.
func (s *Service) SessionID() string {
	return s.sessionID
}

// Stats returns a snapshot of the recorder statistics as of the last tick.
// Safe for concurrent use; this is what the HTTP stats endpoint reads.
func (s *Service) Stats() recorder.Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Run drives the control loop until the context is canceled, then performs
// an orderly shutdown: stop the robot, flush any pending episodes and close
// the device and telemetry links.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Infof("Control loop started: %.0f Hz, command duration %d ms, session %s",
		s.cfg.Control.RateHz, s.durationMs, s.sessionID)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick executes one control cycle. Order matters: the recording command is
// consumed before the frame is produced so a "start" takes effect on the
// same tick, and the collision pulse is consumed exactly once per tick.
func (s *Service) tick(ctx context.Context) {
	s.ticks++

	if s.recorder != nil {
		if cmd, ok := s.state.ConsumeRecording(); ok {
			s.applyRecordingCommand(cmd)
		}
	}

	snap := s.state.Sample()
	pulse := s.mailbox.Consume()
	obs := s.fsm.Step(pulse, snap.X)

	// The e-stop latch is honored exactly once: this tick sends a zero-speed
	// command and resets the slew limiter, and drive resumes on the next tick
	// unless the channel latches again.
	estop := s.state.ConsumeEstop()
	if estop {
		s.estops++
		s.logger.Warnf("Emergency stop honored, zeroing motors")
	}

	var left, right int
	var payload []byte
	halted := estop || (s.cfg.Safety.EstopOnDisconnect && !snap.Alive)
	if halted {
		s.mixer.Reset()
		payload = protocol.EncodeStop()
	} else {
		left, right = s.mixer.Mix(snap.X, snap.Y)
		payload = protocol.EncodeMotorCommand(left, right, s.durationMs)
	}

	if err := s.device.Write(ctx, payload); err != nil {
		s.writeErrs++
		s.logger.Errorf("Motor write failed: %v", err)
	}

	if s.recorder != nil {
		if s.recorder.Recording() && s.shouldRecord(left, right, obs) {
			s.recorder.Record(left, right, obs.Collision > 0, snap.X)
		}
		snapshot := s.recorder.Stats()
		s.statsMu.Lock()
		s.stats = snapshot
		s.statsMu.Unlock()
	}

	s.publisher.Publish(telemetry.Sample{
		SessionID:   s.sessionID,
		RobotID:     s.cfg.RobotID,
		TimestampNs: s.now().UnixNano(),
		Left:        left,
		Right:       right,
		Estopped:    estop,
		Alive:       snap.Alive,
		Collision:   obs.Collision,
		Direction:   obs.Direction,
		Progress:    obs.Progress,
		Recording:   s.recorder != nil && s.recorder.Recording(),
	})
}

func (s *Service) applyRecordingCommand(cmd string) {
	switch cmd {
	case channel.RecordingStart:
		s.recorder.Start()
	case channel.RecordingEnd:
		if err := s.recorder.End(); err != nil {
			s.logger.Errorf("Failed to persist episode: %v", err)
		}
	}
}

// shouldRecord drops frames with no training value: near-zero motion, and
// frames during a collision hold that do not actually rotate the robot.
func (s *Service) shouldRecord(left, right int, obs collision.Observation) bool {
	if abs(left) <= minMotionSpeed && abs(right) <= minMotionSpeed {
		return false
	}
	if obs.Collision > 0 && abs(left-right) < minRotationDelta {
		return false
	}
	return true
}

func (s *Service) shutdown() error {
	s.logger.Infof("Control loop stopping after %d ticks (%d e-stops, %d write errors)",
		s.ticks, s.estops, s.writeErrs)

	stopCtx, cancel := context.WithTimeout(context.Background(), stopWriteTimeout)
	defer cancel()
	if err := s.device.Write(stopCtx, protocol.EncodeStop()); err != nil {
		s.logger.Warnf("Failed to send final stop command: %v", err)
	}

	var flushErr error
	if s.recorder != nil {
		if err := s.recorder.End(); err != nil {
			flushErr = err
		}
		if err := s.recorder.Flush(); err != nil {
			flushErr = err
		}
		stats := s.recorder.Stats()
		s.logger.Infof("Session summary: %d episodes, %d frames, %.2fs recorded, %d episodes on disk",
			stats.NumEpisodes, stats.TotalFrames, stats.TotalDuration, stats.PersistedEpisodes)
		if flushErr != nil {
			s.logger.Errorf("Unsaved episodes remain in memory: %v", flushErr)
		}
	}

	if err := s.device.Close(); err != nil {
		s.logger.Warnf("Device close failed: %v", err)
	}
	if err := s.publisher.Close(); err != nil {
		s.logger.Warnf("Telemetry close failed: %v", err)
	}
	return flushErr
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
