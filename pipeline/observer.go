package pipeline

import (
	"context"
	"errors"
	"time"
)

type State int

const (
	Idle State = iota
	Processing
	// Dropping means a frame is parked behind the one in flight.
	Dropping
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Dropping:
		return "dropping"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInputError
	OutcomeModelError
	OutcomeBusy
	OutcomeDropped
	OutcomeStale
	OutcomeFailed
	OutcomeCanceled
)

var outcomeNames = [...]string{"ok", "input_error", "model_error", "busy", "dropped", "stale", "failed", "canceled"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Outcomes lists every outcome, for pre-registering metric labels.
func Outcomes() []Outcome {
	out := make([]Outcome, len(outcomeNames))
	for i := range out {
		out[i] = Outcome(i)
	}
	return out
}

func OutcomeOf(err error) Outcome {
	var inErr *InputError
	var modelErr *ModelError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &inErr):
		return OutcomeInputError
	case errors.As(err, &modelErr):
		return OutcomeModelError
	case errors.Is(err, ErrBusy):
		return OutcomeBusy
	case errors.Is(err, ErrDropped):
		return OutcomeDropped
	case errors.Is(err, ErrStale):
		return OutcomeStale
	case errors.Is(err, ErrPipelineFailed), errors.Is(err, ErrClosed):
		return OutcomeFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	return OutcomeModelError
}

// Timings are per-stage wall times of one frame. Stages that did not run are zero.
type Timings struct {
	Wait        time.Duration
	Prepare     time.Duration
	Infer       time.Duration
	Postprocess time.Duration
	Total       time.Duration
}

type FrameReport struct {
	Timestamp  time.Duration
	Outcome    Outcome
	Detections int
	Timings    Timings
	Err        error
}

// Observer receives a report for every frame and every state change. Calls are
// synchronous and may happen with internal locks held: implementations must be
// fast and must not call back into the Pipeline.
type Observer interface {
	ObserveFrame(FrameReport)
	ObserveState(State)
}

type nopObserver struct{}

func (nopObserver) ObserveFrame(FrameReport) {}
func (nopObserver) ObserveState(State)       {}
