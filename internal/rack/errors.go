package rack

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntheticInResponsePhase is returned when a middleware answers
	// OnResponse with a synthetic outcome. Short-circuiting is a request-phase
	// operation only, so the run is aborted.
	ErrSyntheticInResponsePhase = errors.New("rack: synthetic outcome returned from response phase")

	// ErrUnknownOutcome is returned when a middleware produces an Outcome whose
	// kind the rack does not recognise.
	ErrUnknownOutcome = errors.New("rack: unknown outcome")
)

// PhaseError records which middleware broke a run and in which phase.
type PhaseError struct {
	Phase Phase
	Index int
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase, middleware %d: %v", e.Phase, e.Index, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
