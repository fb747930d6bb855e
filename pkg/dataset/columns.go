// Package dataset persists recorded episodes as an appendable columnar store:
// an NPZ archive of per-feature arrays plus JSON metadata and episode index
// documents, laid out for consumption by an imitation-learning pipeline.
package dataset

import (
	"errors"
	"fmt"
)

// SchemaVersion identifies the observation layout written by this operator.
// Version 1 is the 3-D observation [collision, rotation_direction, frame_count].
const SchemaVersion = 1

// Column keys inside the NPZ archive.
const (
	KeyObservationState = "observation.state"
	KeyAction           = "action"
	KeyEpisodeIndex     = "episode_index"
	KeyFrameIndex       = "frame_index"
	KeyTimestamp        = "timestamp"
	KeyDone             = "next.done"
)

// Feature names for the v1 schema.
var (
	ObservationNames = []string{"collision", "rotation_direction", "frame_count"}
	ActionNames      = []string{"left_motor", "right_motor"}
)

// ErrSchemaMismatch reports that an existing store and newly recorded columns
// disagree on dtype or dimensionality. It is unrecoverable for that save
// attempt: coercing or truncating columns would corrupt historical data, so
// it is surfaced distinctly from transient I/O errors.
var ErrSchemaMismatch = errors.New("dataset schema mismatch")

// Columns holds the frame data of one or more episodes in column form.
// Vector features are row-major with a fixed per-row width. The invariant is
// that every column has the same row count at all times.
type Columns struct {
	ObservationState []float32
	ObservationDim   int
	Action           []float32
	ActionDim        int
	EpisodeIndex     []int64
	FrameIndex       []int64
	Timestamp        []float32
	Done             []bool
}

// Rows returns the common row count of all columns.
func (c *Columns) Rows() int {
	return len(c.EpisodeIndex)
}

// Validate checks the equal-row-count invariant.
func (c *Columns) Validate() error {
	rows := c.Rows()
	if c.ObservationDim <= 0 || c.ActionDim <= 0 {
		return fmt.Errorf("column dimensions must be positive, got observation=%d action=%d",
			c.ObservationDim, c.ActionDim)
	}
	if len(c.ObservationState) != rows*c.ObservationDim {
		return fmt.Errorf("observation column has %d values, want %d", len(c.ObservationState), rows*c.ObservationDim)
	}
	if len(c.Action) != rows*c.ActionDim {
		return fmt.Errorf("action column has %d values, want %d", len(c.Action), rows*c.ActionDim)
	}
	if len(c.FrameIndex) != rows {
		return fmt.Errorf("frame_index column has %d rows, want %d", len(c.FrameIndex), rows)
	}
	if len(c.Timestamp) != rows {
		return fmt.Errorf("timestamp column has %d rows, want %d", len(c.Timestamp), rows)
	}
	if len(c.Done) != rows {
		return fmt.Errorf("done column has %d rows, want %d", len(c.Done), rows)
	}
	return nil
}

// Append concatenates other's rows after c's, existing rows first. The two
// column sets must agree on vector widths.
func (c *Columns) Append(other *Columns) error {
	if c.ObservationDim != other.ObservationDim || c.ActionDim != other.ActionDim {
		return fmt.Errorf("%w: existing observation/action dims [%d %d], new [%d %d]",
			ErrSchemaMismatch, c.ObservationDim, c.ActionDim, other.ObservationDim, other.ActionDim)
	}
	c.ObservationState = append(c.ObservationState, other.ObservationState...)
	c.Action = append(c.Action, other.Action...)
	c.EpisodeIndex = append(c.EpisodeIndex, other.EpisodeIndex...)
	c.FrameIndex = append(c.FrameIndex, other.FrameIndex...)
	c.Timestamp = append(c.Timestamp, other.Timestamp...)
	c.Done = append(c.Done, other.Done...)
	return nil
}
