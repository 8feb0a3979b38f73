package membership

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks a purchase request rejected before any gateway call
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidEvent marks a callback missing its payment id or status
	ErrInvalidEvent = errors.New("invalid callback event")
	// ErrApplyFailed marks a recognised terminal event that could not be applied
	ErrApplyFailed = errors.New("apply terminal event")
)

// PersistenceError is a failed durable write or read. It is fatal for the
// operation in progress.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is a store failure
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

func invalidRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
