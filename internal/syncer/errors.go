package syncer

import (
	"fmt"

	"golang.org/x/xerrors"
)

type (
	persistenceError struct {
		from uint64
		to   uint64
		err  error
	}
)

var (
	// ErrPersistence means a batch could not be written to the mirror store.
	// The whole batch is discarded and retried from scratch.
	ErrPersistence = xerrors.New("failed to persist batch")
)

func newPersistenceError(from uint64, to uint64, err error) error {
	return &persistenceError{
		from: from,
		to:   to,
		err:  err,
	}
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("%v [%v, %v]: %v", ErrPersistence, e.from, e.to, e.err)
}

func (e *persistenceError) Unwrap() error {
	return e.err
}

func (e *persistenceError) Is(target error) bool {
	return target == ErrPersistence
}
