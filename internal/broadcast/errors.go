package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrPersistence wraps store failures. The failing step is aborted; the
	// process and other owners' sessions keep running.
	ErrPersistence = errors.New("broadcast: persistence failure")
	// ErrRouting means an intended recipient has no chat binding.
	ErrRouting = errors.New("broadcast: no chat binding")
	// ErrCancelled is the cause of every session ended by stop or supersession.
	ErrCancelled  = errors.New("broadcast: cancelled")
	ErrStopped    = fmt.Errorf("%w: stopped by owner", ErrCancelled)
	ErrSuperseded = fmt.Errorf("%w: superseded", ErrCancelled)
	ErrNotRunning = errors.New("broadcast: service not running")

	errConfirmed    = errors.New("broadcast: confirmed")
	errSessionEnded = errors.New("broadcast: session ended")
	errShutdown     = fmt.Errorf("%w: shutting down", ErrCancelled)
)

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
