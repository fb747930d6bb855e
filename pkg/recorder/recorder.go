// Package recorder records teleoperation episodes: structured frames of
// observation and action appended while a session is active, persisted into
// the dataset store when the session ends.
package recorder

import (
	"fmt"
	"math"
	"time"

	"github.com/cubeops/operator/pkg/collision"
	"github.com/cubeops/operator/pkg/dataset"
	customlog "github.com/cubeops/operator/pkg/log"
)

// Frame is a single recorded step. Immutable once appended, except for Done
// which is set exactly once on the last frame of an episode.
type Frame struct {
	Timestamp    float32
	Observation  [3]float32 // [collision, rotation_direction, frame_count]
	Action       [2]float32 // [left_motor, right_motor], device units
	FrameIndex   int
	EpisodeIndex int
	Done         bool
}

// Episode is one bounded recording session.
type Episode struct {
	EpisodeIndex int
	Frames       []Frame
	StartTime    time.Time
	Task         string
}

// NumFrames returns the frame count.
func (e *Episode) NumFrames() int {
	return len(e.Frames)
}

// Duration returns the episode duration in seconds (the last frame's timestamp).
func (e *Episode) Duration() float64 {
	if len(e.Frames) == 0 {
		return 0.0
	}
	return float64(e.Frames[len(e.Frames)-1].Timestamp)
}

// Stats summarizes what a recorder has accumulated, for shutdown reporting
// and the stats endpoint.
type Stats struct {
	NumEpisodes       int     `json:"num_episodes"`
	TotalFrames       int     `json:"total_frames"`
	TotalDuration     float64 `json:"total_duration"`
	PersistedEpisodes int     `json:"persisted_episodes"`
	Recording         bool    `json:"recording"`
}

// Recorder owns the in-memory episodes of one robot session until they are
// persisted. It is exclusively owned by the control loop; no concurrent use.
type Recorder struct {
	store  *dataset.Store
	logger customlog.Logger
	task   string

	// fsm derives the recorded observation from the collision flag stream.
	// Reset at every session start.
	fsm *collision.FSM

	episodes      []*Episode // pending persistence
	current       *Episode
	recording     bool
	episodeOffset int
	now           func() time.Time

	// aggregate counters over this run, including already-saved episodes
	runEpisodes int
	runFrames   int
	runDuration float64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock injects the frame timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a Recorder appending to the given store. The episode offset is
// derived from the store's persisted episode count, so numbering continues
// across runs with no gaps and no reuse.
func New(store *dataset.Store, fsm *collision.FSM, task string, logger customlog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:         store,
		logger:        logger,
		task:          task,
		fsm:           fsm,
		episodeOffset: store.EpisodeCount(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.episodeOffset > 0 {
		logger.Infof("Found existing dataset with %d episodes", r.episodeOffset)
	}
	return r
}

// Recording reports whether an episode is currently being recorded.
func (r *Recorder) Recording() bool {
	return r.recording
}

// Start begins a new episode. The episode index is assigned once here and
// never changes. A second Start while recording is a no-op.
func (r *Recorder) Start() {
	if r.recording {
		return
	}
	index := r.episodeOffset + len(r.episodes)
	r.current = &Episode{
		EpisodeIndex: index,
		StartTime:    r.now(),
		Task:         r.task,
	}
	r.recording = true
	r.fsm.Reset()
	r.logger.Infof("Started episode %d", index)
}

// Record appends one frame. No-op unless recording. Actions are quantized to
// the nearest multiple of 10 to strip joystick jitter before it reaches the
// dataset; the steering hint only matters at the collision Idle->Active
// transition, where it selects the rotation direction.
func (r *Recorder) Record(actionLeft, actionRight int, collisionFlag bool, steeringHint float64) {
	if !r.recording || r.current == nil {
		return
	}

	actionLeft = quantize(actionLeft)
	actionRight = quantize(actionRight)

	frameIndex := len(r.current.Frames)
	var timestamp float32
	if frameIndex > 0 {
		timestamp = float32(r.now().Sub(r.current.StartTime).Seconds())
	}

	obs := r.fsm.Step(collisionFlag, steeringHint)

	r.current.Frames = append(r.current.Frames, Frame{
		Timestamp:    timestamp,
		Observation:  [3]float32{float32(obs.Collision), float32(obs.Direction), float32(obs.Progress)},
		Action:       [2]float32{float32(actionLeft), float32(actionRight)},
		FrameIndex:   frameIndex,
		EpisodeIndex: r.current.EpisodeIndex,
	})
}

// End closes the current episode, marks its last frame done, moves it to the
// pending list and attempts persistence immediately. On persistence failure
// the pending episodes stay in memory so a later End or Flush retries them.
// No-op unless recording.
func (r *Recorder) End() error {
	if !r.recording || r.current == nil {
		return nil
	}

	episode := r.current
	r.current = nil
	r.recording = false

	if len(episode.Frames) == 0 {
		r.logger.Warnf("Episode %d ended with no frames, discarding", episode.EpisodeIndex)
		return nil
	}

	episode.Frames[len(episode.Frames)-1].Done = true
	r.episodes = append(r.episodes, episode)
	r.runEpisodes++
	r.runFrames += episode.NumFrames()
	r.runDuration += episode.Duration()

	r.logger.Infof("Ended episode %d: %d frames, %.2fs",
		episode.EpisodeIndex, episode.NumFrames(), episode.Duration())

	if err := r.save(); err != nil {
		r.logger.Warnf("Failed to save episode: %v (kept in memory for retry)", err)
		return err
	}
	return nil
}

// Flush persists any pending episodes. Called at shutdown, after a final End.
func (r *Recorder) Flush() error {
	if len(r.episodes) == 0 {
		return nil
	}
	return r.save()
}

// Pending returns the number of episodes awaiting persistence.
func (r *Recorder) Pending() int {
	return len(r.episodes)
}

// Stats reports aggregate statistics over the episodes of this run, both
// pending and already saved.
func (r *Recorder) Stats() Stats {
	return Stats{
		NumEpisodes:       r.runEpisodes,
		TotalFrames:       r.runFrames,
		TotalDuration:     r.runDuration,
		PersistedEpisodes: r.episodeOffset,
		Recording:         r.recording,
	}
}

// save merges all pending episodes into column arrays and hands them to the
// store. Only on success are the pending episodes cleared and the numbering
// offset re-derived from the persisted count.
func (r *Recorder) save() error {
	if len(r.episodes) == 0 {
		return fmt.Errorf("no episodes to save")
	}

	cols := &dataset.Columns{ObservationDim: 3, ActionDim: 2}
	infos := make([]dataset.EpisodeInfo, 0, len(r.episodes))
	for _, ep := range r.episodes {
		for _, f := range ep.Frames {
			cols.ObservationState = append(cols.ObservationState, f.Observation[:]...)
			cols.Action = append(cols.Action, f.Action[:]...)
			cols.EpisodeIndex = append(cols.EpisodeIndex, int64(f.EpisodeIndex))
			cols.FrameIndex = append(cols.FrameIndex, int64(f.FrameIndex))
			cols.Timestamp = append(cols.Timestamp, f.Timestamp)
			cols.Done = append(cols.Done, f.Done)
		}
		infos = append(infos, dataset.EpisodeInfo{
			EpisodeIndex: ep.EpisodeIndex,
			NumFrames:    ep.NumFrames(),
			Duration:     ep.Duration(),
			Task:         ep.Task,
		})
	}

	if err := r.store.Save(cols, infos); err != nil {
		return err
	}

	r.episodes = r.episodes[:0]
	r.episodeOffset = r.store.EpisodeCount()
	return nil
}

// quantize rounds to the nearest multiple of 10 (57 -> 60, -8 -> -10, 3 -> 0).
func quantize(v int) int {
	return int(math.Round(float64(v)/10.0)) * 10
}
