package outbox

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotImplemented     = errors.New("not implemented")
	ErrDuplicateRecord    = errors.New("duplicate record id")
	ErrUnsupportedVersion = errors.New("unsupported queue format version")
	ErrCorruptState       = errors.New("corrupt queue state")
	ErrStoreLocked        = errors.New("queue store is locked by another process")
	ErrPersistence        = errors.New("persistence failure")
)

// PersistenceError reports a failed read or write of the local queue. The
// operation did not take effect; callers keep their copy of the data.
type PersistenceError struct {
	Op      string
	Backend string
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("queue %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s queue %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceError(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *PersistenceError
	if errors.As(err, &existing) {
		return err
	}
	return &PersistenceError{Op: op, Backend: backend, Err: err}
}
