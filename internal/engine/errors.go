package engine

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a transition is requested while another is in
// flight. Callers retry; the dispatcher does this automatically for
// passive triggers.
var ErrBusy = errors.New("transition already in flight")

// Phase names the stage a transition failed in.
type Phase string

const (
	PhaseTeardown Phase = "teardown"
	PhaseSetup    Phase = "setup"
	PhaseRollback Phase = "rollback"
)

// TransitionError wraps the failure that aborted a transition with the
// phase it occurred in.
type TransitionError struct {
	Phase Phase
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition failed during %s: %v", e.Phase, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// RollbackError means the fallback to the safe baseline itself failed
// after a failed setup. The system may be in an inconsistent state and
// stays alarmed until a later transition succeeds.
type RollbackError struct {
	Setup    error // the failure that triggered rollback
	Rollback error // the failure of the rollback itself
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback to baseline failed: %v (after setup failure: %v)", e.Rollback, e.Setup)
}

func (e *RollbackError) Unwrap() error { return e.Rollback }
