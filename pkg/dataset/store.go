package dataset

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	customlog "github.com/cubeops/operator/pkg/log"
)

const (
	dataFileName     = "data.npz"
	metaDirName      = "meta"
	infoFileName     = "info.json"
	episodesFileName = "episodes.json"
)

// Metadata is the meta/info.json document. It is fully overwritten on each
// save and describes the whole dataset, not just the newest episodes.
type Metadata struct {
	FPS           float64            `json:"fps"`
	SchemaVersion int                `json:"schema_version"`
	TotalEpisodes int                `json:"total_episodes"`
	TotalFrames   int                `json:"total_frames"`
	Features      map[string]Feature `json:"features"`
}

// Feature describes one column's dtype and per-row shape.
type Feature struct {
	Dtype string   `json:"dtype"`
	Shape []int    `json:"shape"`
	Names []string `json:"names,omitempty"`
}

// EpisodeInfo is one entry of the meta/episodes.json index.
type EpisodeInfo struct {
	EpisodeIndex int     `json:"episode_index"`
	NumFrames    int     `json:"num_frames"`
	Duration     float64 `json:"duration"`
	Task         string  `json:"task"`
}

// Store is the durable, appendable store for one named dataset. Writes are a
// critical section only with respect to themselves; the Store assumes it is
// the single writer of its directory.
type Store struct {
	dir    string
	fps    float64
	logger customlog.Logger
}

// NewStore creates a store rooted at outputDir/name.
func NewStore(outputDir, name string, fps float64, logger customlog.Logger) *Store {
	return &Store{
		dir:    filepath.Join(outputDir, name),
		fps:    fps,
		logger: logger,
	}
}

// Dir returns the dataset directory.
func (s *Store) Dir() string {
	return s.dir
}

// EpisodeCount returns the number of episodes already persisted. A missing or
// unreadable index counts as zero; episode numbering is only ever derived
// from successfully persisted state.
func (s *Store) EpisodeCount() int {
	episodes, err := s.readEpisodeIndex()
	if err != nil {
		s.logger.Warnf("Could not read existing episode index: %v", err)
		return 0
	}
	return len(episodes)
}

// Load reads the column arrays from disk. It returns (nil, nil) when no
// dataset file exists yet.
func (s *Store) Load() (*Columns, error) {
	path := filepath.Join(s.dir, dataFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset file '%s': %w", path, err)
	}
	defer zr.Close()

	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	cols := &Columns{}

	var obsShape, actShape []int
	if cols.ObservationState, obsShape, err = readFloat32Entry(entries, KeyObservationState); err != nil {
		return nil, err
	}
	if cols.Action, actShape, err = readFloat32Entry(entries, KeyAction); err != nil {
		return nil, err
	}
	if len(obsShape) != 2 || len(actShape) != 2 {
		return nil, fmt.Errorf("%w: observation/action arrays must be 2-D, got shapes %v and %v",
			ErrSchemaMismatch, obsShape, actShape)
	}
	cols.ObservationDim = obsShape[1]
	cols.ActionDim = actShape[1]

	if cols.EpisodeIndex, err = readInt64Entry(entries, KeyEpisodeIndex); err != nil {
		return nil, err
	}
	if cols.FrameIndex, err = readInt64Entry(entries, KeyFrameIndex); err != nil {
		return nil, err
	}
	if cols.Timestamp, _, err = readFloat32Entry(entries, KeyTimestamp); err != nil {
		return nil, err
	}
	if cols.Done, err = readBoolEntry(entries, KeyDone); err != nil {
		return nil, err
	}

	if err := cols.Validate(); err != nil {
		return nil, fmt.Errorf("dataset file '%s' is inconsistent: %w", path, err)
	}
	return cols, nil
}

// Save merges the new columns into the on-disk dataset (existing rows first),
// rewrites the data file atomically, overwrites the metadata document and
// appends newEpisodes to the episode index. On any error nothing is cleared
// on the caller's side; the caller retries on the next save.
func (s *Store) Save(newCols *Columns, newEpisodes []EpisodeInfo) error {
	if newCols.Rows() == 0 {
		return fmt.Errorf("no frames to save")
	}
	if err := newCols.Validate(); err != nil {
		return fmt.Errorf("new columns are inconsistent: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(s.dir, metaDirName), 0755); err != nil {
		return fmt.Errorf("creating dataset directory: %w", err)
	}

	merged := newCols
	existing, err := s.Load()
	if err != nil {
		return err
	}
	if existing != nil {
		s.logger.Infof("Merging %d new frames into existing dataset (%d frames)", newCols.Rows(), existing.Rows())
		if err := existing.Append(newCols); err != nil {
			return err
		}
		merged = existing
	}

	episodes, err := s.readEpisodeIndex()
	if err != nil {
		return fmt.Errorf("reading episode index: %w", err)
	}
	episodes = append(episodes, newEpisodes...)

	if err := s.writeData(merged); err != nil {
		return err
	}

	meta := Metadata{
		FPS:           s.fps,
		SchemaVersion: SchemaVersion,
		TotalEpisodes: len(episodes),
		TotalFrames:   merged.Rows(),
		Features: map[string]Feature{
			KeyObservationState: {Dtype: "float32", Shape: []int{merged.ObservationDim}, Names: ObservationNames},
			KeyAction:           {Dtype: "float32", Shape: []int{merged.ActionDim}, Names: ActionNames},
		},
	}
	if err := writeJSON(filepath.Join(s.dir, metaDirName, infoFileName), meta); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	if err := writeJSON(filepath.Join(s.dir, metaDirName, episodesFileName), episodes); err != nil {
		return fmt.Errorf("writing episode index: %w", err)
	}

	s.logger.Infof("Saved dataset to %s: +%d episodes, %d episodes / %d frames total",
		s.dir, len(newEpisodes), len(episodes), merged.Rows())
	return nil
}

// writeData writes the NPZ archive through a temp file and renames it into
// place, so a crash mid-write never leaves a truncated dataset.
func (s *Store) writeData(cols *Columns) error {
	path := filepath.Join(s.dir, dataFileName)
	tmp, err := os.CreateTemp(s.dir, dataFileName+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp dataset file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	rows := cols.Rows()

	writeColumn := func(key string, write func(w io.Writer) error) error {
		w, err := zw.Create(key + ".npy")
		if err != nil {
			return fmt.Errorf("creating archive entry %s: %w", key, err)
		}
		if err := write(w); err != nil {
			return fmt.Errorf("writing column %s: %w", key, err)
		}
		return nil
	}

	columns := []struct {
		key   string
		write func(w io.Writer) error
	}{
		{KeyObservationState, func(w io.Writer) error {
			return writeNpyFloat32(w, cols.ObservationState, []int{rows, cols.ObservationDim})
		}},
		{KeyAction, func(w io.Writer) error {
			return writeNpyFloat32(w, cols.Action, []int{rows, cols.ActionDim})
		}},
		{KeyEpisodeIndex, func(w io.Writer) error {
			return writeNpyInt64(w, cols.EpisodeIndex, []int{rows})
		}},
		{KeyFrameIndex, func(w io.Writer) error {
			return writeNpyInt64(w, cols.FrameIndex, []int{rows})
		}},
		{KeyTimestamp, func(w io.Writer) error {
			return writeNpyFloat32(w, cols.Timestamp, []int{rows})
		}},
		{KeyDone, func(w io.Writer) error {
			return writeNpyBool(w, cols.Done, []int{rows})
		}},
	}
	for _, col := range columns {
		if err := writeColumn(col.key, col.write); err != nil {
			zw.Close()
			tmp.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing dataset archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp dataset file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing dataset file: %w", err)
	}
	return nil
}

func (s *Store) readEpisodeIndex() ([]EpisodeInfo, error) {
	path := filepath.Join(s.dir, metaDirName, episodesFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var episodes []EpisodeInfo
	if err := json.Unmarshal(data, &episodes); err != nil {
		return nil, fmt.Errorf("parsing '%s': %w", path, err)
	}
	return episodes, nil
}

func openEntry(entries map[string]*zip.File, key string) (io.ReadCloser, error) {
	f, ok := entries[key+".npy"]
	if !ok {
		return nil, fmt.Errorf("%w: dataset archive is missing column %s", ErrSchemaMismatch, key)
	}
	return f.Open()
}

func readFloat32Entry(entries map[string]*zip.File, key string) ([]float32, []int, error) {
	rc, err := openEntry(entries, key)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	descr, shape, raw, err := readNpy(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading column %s: %w", key, err)
	}
	data, err := npyToFloat32(descr, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: column %s: %v", ErrSchemaMismatch, key, err)
	}
	return data, shape, nil
}

func readInt64Entry(entries map[string]*zip.File, key string) ([]int64, error) {
	rc, err := openEntry(entries, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	descr, _, raw, err := readNpy(rc)
	if err != nil {
		return nil, fmt.Errorf("reading column %s: %w", key, err)
	}
	data, err := npyToInt64(descr, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: column %s: %v", ErrSchemaMismatch, key, err)
	}
	return data, nil
}

func readBoolEntry(entries map[string]*zip.File, key string) ([]bool, error) {
	rc, err := openEntry(entries, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	descr, _, raw, err := readNpy(rc)
	if err != nil {
		return nil, fmt.Errorf("reading column %s: %w", key, err)
	}
	data, err := npyToBool(descr, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: column %s: %v", ErrSchemaMismatch, key, err)
	}
	return data, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
