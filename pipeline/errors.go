package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Backpressure outcomes. They are flow control, not failures: the frame simply
// produced no detections.
var (
	ErrBusy    = errors.New("pipeline busy")
	ErrDropped = errors.New("frame dropped")
	ErrStale   = errors.New("stale frame")
)

var (
	ErrPipelineFailed = errors.New("pipeline failed, reload required")
	ErrClosed         = errors.New("pipeline closed")
)

// InputError reports a frame the adapter could not read.
type InputError struct {
	Timestamp time.Duration
	Err       error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input error at %s: %v", e.Timestamp, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// ModelError reports an engine failure. Fatal errors leave the pipeline failed
// until Reload.
type ModelError struct {
	Timestamp time.Duration
	Fatal     bool
	Err       error
}

func (e *ModelError) Error() string {
	kind := "model error"
	if e.Fatal {
		kind = "fatal model error"
	}
	return fmt.Sprintf("%s at %s: %v", kind, e.Timestamp, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func IsBackpressure(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrDropped) || errors.Is(err, ErrStale)
}
