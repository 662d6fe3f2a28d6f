package supervisor

import (
	"errors"
	"fmt"
)

// ErrNoCommand is returned when a spawn request carries no argv.
var ErrNoCommand = errors.New("no command given")

// SignalError reports a failed attempt to signal a process group.
type SignalError struct {
	PGID   int
	Signal Signal
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("signal %s to process group %d: %v", e.Signal, e.PGID, e.Err)
}

func (e *SignalError) Unwrap() error { return e.Err }
