package liquidator

import (
	"errors"
	"fmt"
)

// ErrResultCountMismatch means the dispatcher broke its contract of one
// result per submitted instruction. Positional correlation is lost, so the
// loop cannot continue safely.
var ErrResultCountMismatch = errors.New("dispatch result count does not match instruction count")

// ErrTooManyFailures is returned by Run after MaxConsecutiveFailures
// transient errors in a row.
var ErrTooManyFailures = errors.New("too many consecutive iteration failures")

// FetchError wraps a failure to read positions from the source.
type FetchError struct{ Err error }

func (e *FetchError) Error() string { return fmt.Sprintf("fetching positions: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// BuildError means a position could not be turned into an instruction.
// The iteration is aborted before anything is submitted.
type BuildError struct {
	Index   int
	Address string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building liquidation for position %d (%s): %v", e.Index, e.Address, e.Err)
}
func (e *BuildError) Unwrap() error { return e.Err }

// DispatchError means the batch submission failed as a whole.
type DispatchError struct {
	Instructions int
	Err          error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatching batch of %d liquidations: %v", e.Instructions, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the supervised loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrResultCountMismatch) || errors.Is(err, ErrTooManyFailures)
}

// errorClass is the metrics label for an iteration error.
func errorClass(err error) string {
	var fetchErr *FetchError
	var buildErr *BuildError
	var dispatchErr *DispatchError
	switch {
	case errors.Is(err, ErrResultCountMismatch):
		return "contract_violation"
	case errors.As(err, &fetchErr):
		return "fetch_error"
	case errors.As(err, &buildErr):
		return "build_error"
	case errors.As(err, &dispatchErr):
		return "dispatch_error"
	default:
		return "error"
	}
}
