package calib

import (
	"errors"
	"fmt"
)

// ErrDataShape reports a dataset whose column count supports no
// objective variant (must be 3 or 4).
var ErrDataShape = errors.New("calib: dataset must have 3 or 4 columns")

// ErrEmptyDataset reports an operation that needs at least one
// observation, such as guessing the beam center.
var ErrEmptyDataset = errors.New("calib: dataset is empty")

// RingIndexError reports an observation whose ring index does not fit
// the d-spacing table. Rings are validated when residuals are first
// evaluated, not when the dataset is built, because the table may be
// loaded after the observations.
type RingIndexError struct {
	Ring  int // offending ring index
	Rings int // d-spacing table length
}

func (e *RingIndexError) Error() string {
	return fmt.Sprintf("calib: ring index %d outside d-spacing table of %d entries", e.Ring, e.Rings)
}

// ExternalToolError reports a failure of the external legacy
// refinement tool: missing executable, non-zero exit, or output with no
// recognized parameter lines. Tool failures are surfaced, never folded
// into a silent "no improvement" result.
type ExternalToolError struct {
	Tool string
	Err  error
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("calib: external tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExternalToolError) Unwrap() error { return e.Err }
