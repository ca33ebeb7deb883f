package finalizer

import (
	"io"
)

type (
	// Finalizer closes a resource exactly once. Defer Finalize right after opening the resource,
	// then return Close on the success path so that its error is not lost.
	Finalizer struct {
		close  func() error
		closed bool
	}
)

func WithCloser(closer io.Closer) *Finalizer {
	return &Finalizer{close: closer.Close}
}

// Finalize closes the resource if Close was not called, ignoring the error.
func (f *Finalizer) Finalize() {
	_ = f.Close()
}

func (f *Finalizer) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.close()
}
