package recorder

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeops/operator/pkg/collision"
	"github.com/cubeops/operator/pkg/dataset"
	customlog "github.com/cubeops/operator/pkg/log"
)

type fixture struct {
	rec   *Recorder
	store *dataset.Store
	now   *time.Time
}

func newFixture(t *testing.T, outputDir string) *fixture {
	t.Helper()
	logger, err := customlog.NewLogrusLogger("error", "")
	require.NoError(t, err)

	store := dataset.NewStore(outputDir, "d", 60.0, logger)
	fsm := collision.New(collision.ProgressCounted{MaxFrames: 5},
		collision.WithRand(rand.New(rand.NewSource(1))))

	now := time.Unix(1000, 0)
	rec := New(store, fsm, "test_task", logger, WithClock(func() time.Time { return now }))
	return &fixture{rec: rec, store: store, now: &now}
}

func (f *fixture) advance(d time.Duration) {
	*f.now = f.now.Add(d)
}

func TestRecordOutsideSessionIsNoop(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Record(50, 50, false, 0)
	assert.NoError(t, f.rec.End(), "End outside a session is a no-op")
	assert.Equal(t, 0, f.rec.Pending())
	assert.False(t, f.rec.Recording())
}

func TestEpisodeFramesAndDoneFlags(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Start()
	const n = 4
	for i := 0; i < n; i++ {
		f.rec.Record(30, 30, false, 0)
		f.advance(time.Second / 60)
	}
	require.NoError(t, f.rec.End())

	cols, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, n, cols.Rows())

	for i := 0; i < n; i++ {
		assert.Equal(t, i == n-1, cols.Done[i], "frame %d", i)
		assert.Equal(t, int64(0), cols.EpisodeIndex[i])
		assert.Equal(t, int64(i), cols.FrameIndex[i])
	}
	assert.Zero(t, cols.Timestamp[0], "first frame timestamp is 0")
	assert.Greater(t, cols.Timestamp[n-1], float32(0))
}

func TestActionQuantization(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Start()
	f.rec.Record(57, -8, false, 0)
	f.rec.Record(3, 95, false, 0)
	require.NoError(t, f.rec.End())

	cols, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, []float32{60, -10, 0, 100}, cols.Action)
}

func TestObservationDerivedFromCollisionStream(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Start()
	f.rec.Record(40, 40, false, 0)
	f.rec.Record(-30, 30, true, 0.8) // collision starts, steering right
	f.rec.Record(-30, 30, true, 0.8)
	require.NoError(t, f.rec.End())

	cols, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, 3, cols.Rows())

	// Row-major observation, 3 wide: [collision, direction, progress].
	assert.Equal(t, []float32{0, 0, 0}, cols.ObservationState[0:3])
	assert.Equal(t, []float32{1, 1, 0}, cols.ObservationState[3:6])
	assert.Equal(t, []float32{1, 1, 0.25}, cols.ObservationState[6:9])
}

func TestEpisodeIndexAssignedOnceAtStart(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Start()
	f.rec.Record(20, 20, false, 0)
	require.NoError(t, f.rec.End())

	f.rec.Start()
	f.rec.Record(20, 20, false, 0)
	f.rec.Record(20, 20, false, 0)
	require.NoError(t, f.rec.End())

	cols, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 1}, cols.EpisodeIndex)
}

func TestNumberingContinuesFromPersistedCount(t *testing.T) {
	dir := t.TempDir()

	f := newFixture(t, dir)
	f.rec.Start()
	f.rec.Record(20, 20, false, 0)
	require.NoError(t, f.rec.End())

	// A fresh recorder over the same dataset continues at index 1.
	g := newFixture(t, dir)
	g.rec.Start()
	g.rec.Record(20, 20, false, 0)
	require.NoError(t, g.rec.End())

	cols, err := g.store.Load()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, cols.EpisodeIndex)
}

func TestPersistenceFailureRetainsEpisodesForRetry(t *testing.T) {
	dir := t.TempDir()

	// A plain file where the dataset directory should be makes saves fail.
	blocker := filepath.Join(dir, "d")
	require.NoError(t, os.WriteFile(blocker, []byte("in the way"), 0644))

	f := newFixture(t, dir)
	f.rec.Start()
	f.rec.Record(20, 20, false, 0)
	f.advance(time.Second / 60)
	f.rec.Record(20, 20, false, 0)
	require.Error(t, f.rec.End())
	assert.Equal(t, 1, f.rec.Pending(), "failed episode retained")

	// Next episode still gets a fresh index even though nothing persisted.
	f.rec.Start()
	f.rec.Record(-40, 40, false, 0)

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, f.rec.End())
	assert.Equal(t, 0, f.rec.Pending(), "both episodes persisted together")

	cols, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, 3, cols.Rows())
	assert.Equal(t, []int64{0, 0, 1}, cols.EpisodeIndex, "original order preserved")
	assert.Equal(t, []bool{false, true, true}, cols.Done)
	assert.Equal(t, 2, f.store.EpisodeCount())
}

func TestFlushPersistsPending(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "d")
	require.NoError(t, os.WriteFile(blocker, []byte("in the way"), 0644))

	f := newFixture(t, dir)
	f.rec.Start()
	f.rec.Record(20, 20, false, 0)
	require.Error(t, f.rec.End())

	require.NoError(t, os.Remove(blocker))
	require.NoError(t, f.rec.Flush())
	assert.Equal(t, 0, f.rec.Pending())

	cols, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cols.Rows())
}

func TestEmptyEpisodeIsDiscarded(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Start()
	require.NoError(t, f.rec.End())
	assert.Equal(t, 0, f.rec.Pending())

	cols, err := f.store.Load()
	require.NoError(t, err)
	assert.Nil(t, cols, "nothing persisted for an empty episode")
}

func TestStats(t *testing.T) {
	f := newFixture(t, t.TempDir())

	f.rec.Start()
	f.rec.Record(20, 20, false, 0)
	f.advance(time.Second / 60)
	f.rec.Record(20, 20, false, 0)
	require.NoError(t, f.rec.End())

	stats := f.rec.Stats()
	assert.Equal(t, 1, stats.NumEpisodes)
	assert.Equal(t, 2, stats.TotalFrames)
	assert.Greater(t, stats.TotalDuration, 0.0)
	assert.False(t, stats.Recording)
}
