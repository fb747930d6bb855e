package operator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeops/operator/pkg/channel"
	"github.com/cubeops/operator/pkg/collision"
	"github.com/cubeops/operator/pkg/config"
	"github.com/cubeops/operator/pkg/dataset"
	customlog "github.com/cubeops/operator/pkg/log"
	"github.com/cubeops/operator/pkg/protocol"
	"github.com/cubeops/operator/pkg/recorder"
	"github.com/cubeops/operator/pkg/telemetry"
)

// fakeDevice captures every motor command frame written to it.
type fakeDevice struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (d *fakeDevice) Write(_ context.Context, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	frame := make([]byte, len(payload))
	copy(frame, payload)
	d.writes = append(d.writes, frame)
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) lastCommand(t *testing.T) (left, right, durationMs int) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.writes)
	left, right, durationMs, ok := protocol.DecodeMotorCommand(d.writes[len(d.writes)-1])
	require.True(t, ok)
	return left, right, durationMs
}

type harness struct {
	svc     *Service
	dev     *fakeDevice
	state   *channel.State
	mailbox *collision.Mailbox
	rec     *recorder.Recorder
	now     time.Time
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Control.SlewRate = 1e9 // reach targets in one tick
	cfg.Control.Expo = 0
	cfg.Recording.OutputDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	logger, err := customlog.NewLogrusLogger("error", "")
	require.NoError(t, err)

	h := &harness{
		dev:     &fakeDevice{},
		state:   channel.NewState(time.Duration(cfg.Server.LivenessTimeoutSec * float64(time.Second))),
		mailbox: &collision.Mailbox{},
		now:     time.Unix(100, 0),
	}

	if cfg.Recording.Enabled {
		store := dataset.NewStore(filepath.Join(cfg.Recording.OutputDir), cfg.Recording.DatasetName, cfg.Control.RateHz, logger)
		fsm := collision.New(collision.ProgressCounted{MaxFrames: cfg.Collision.MaxFrames})
		h.rec = recorder.New(store, fsm, cfg.Recording.Task, logger)
	}

	h.svc = New(cfg, h.dev, h.state, h.mailbox, h.rec, telemetry.NopPublisher{}, logger,
		WithClock(func() time.Time { return h.now }))
	return h
}

func (h *harness) tick() {
	h.svc.tick(context.Background())
}

func TestTickMixesStickIntoMotorCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.state.ClientConnected()
	h.state.Touch()
	h.state.SetStick(0.0, 1.0) // full forward

	h.tick()

	left, right, durationMs := h.dev.lastCommand(t)
	assert.Equal(t, protocol.MaxMotorSpeed, left)
	assert.Equal(t, protocol.MaxMotorSpeed, right)
	assert.GreaterOrEqual(t, durationMs, minCommandDurationMs)
}

func TestEstopHonoredOnceThenDriveResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.state.ClientConnected()
	h.state.Touch()
	h.state.SetStick(0.0, 1.0)

	h.state.LatchEstop()
	h.tick()

	left, right, _ := h.dev.lastCommand(t)
	assert.Equal(t, 0, left)
	assert.Equal(t, 0, right)

	// Edge-triggered: the latch was consumed, so the next tick drives again.
	h.state.SetStick(0.0, 1.0)
	h.tick()
	left, right, _ = h.dev.lastCommand(t)
	assert.Equal(t, protocol.MaxMotorSpeed, left)
	assert.Equal(t, protocol.MaxMotorSpeed, right)

	// A fresh latch halts again.
	h.state.LatchEstop()
	h.tick()
	left, right, _ = h.dev.lastCommand(t)
	assert.Equal(t, 0, left)
	assert.Equal(t, 0, right)
}

func TestDisconnectHaltsWhenConfigured(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Safety.EstopOnDisconnect = true
	})
	h.state.ClientConnected()
	h.state.Touch()
	h.state.SetStick(0.0, 1.0)

	h.tick()
	left, _, _ := h.dev.lastCommand(t)
	assert.Equal(t, protocol.MaxMotorSpeed, left)

	h.state.ClientDisconnected()
	h.tick()
	left, right, _ := h.dev.lastCommand(t)
	assert.Equal(t, 0, left)
	assert.Equal(t, 0, right)

	// Liveness is level triggered: a returning client restores drive.
	h.state.ClientConnected()
	h.state.Touch()
	h.tick()
	left, _, _ = h.dev.lastCommand(t)
	assert.Equal(t, protocol.MaxMotorSpeed, left)
}

func TestRecordingGateSkipsIdleFrames(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Recording.Enabled = true
	})
	h.state.ClientConnected()
	h.state.Touch()

	h.state.PushRecording(channel.RecordingStart)
	h.state.SetStick(0.0, 0.0) // below the motion gate
	h.tick()
	h.now = h.now.Add(20 * time.Millisecond)

	h.state.SetStick(0.0, 1.0)
	h.tick()

	h.state.PushRecording(channel.RecordingEnd)
	h.tick() // the end command is consumed before a frame is produced

	stats := h.svc.Stats()
	assert.Equal(t, 1, stats.NumEpisodes)
	// Only the full-forward frame survives: the idle frame was gated out
	// and the end tick closes the episode before recording.
	assert.Equal(t, 1, stats.TotalFrames)
}

func TestRecordingGateSkipsNonRotatingCollisionFrames(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Recording.Enabled = true
		cfg.Collision.Policy = config.PolicyProgress
	})
	h.state.ClientConnected()
	h.state.Touch()

	h.state.PushRecording(channel.RecordingStart)
	h.state.SetStick(0.0, 1.0)
	h.mailbox.Post()
	h.tick() // collision held, wheels equal, frame gated out

	h.state.SetStick(1.0, 0.0) // spin in place
	h.tick()

	h.state.PushRecording(channel.RecordingEnd)
	h.state.SetStick(0.0, 0.0)
	h.tick()

	stats := h.svc.Stats()
	assert.Equal(t, 1, stats.NumEpisodes)
	assert.Equal(t, 1, stats.TotalFrames)
}

func TestShutdownStopsRobotAndFlushes(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Recording.Enabled = true
	})
	h.state.ClientConnected()
	h.state.Touch()

	h.state.PushRecording(channel.RecordingStart)
	h.state.SetStick(0.0, 1.0)
	h.tick()
	h.now = h.now.Add(20 * time.Millisecond)
	h.tick()

	require.NoError(t, h.svc.shutdown())

	left, right, _ := h.dev.lastCommand(t)
	assert.Equal(t, 0, left)
	assert.Equal(t, 0, right)
	assert.True(t, h.dev.closed)

	stats := h.rec.Stats()
	assert.Equal(t, 1, stats.NumEpisodes)
	assert.Equal(t, 1, stats.PersistedEpisodes)
	assert.Equal(t, 0, h.rec.Pending())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.state.ClientConnected()
	h.state.Touch()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, h.dev.closed)
}
