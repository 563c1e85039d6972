// Package store holds the persistence error type shared by all backends and
// the instrumentation decorators composed around them at construction time.
package store

import "fmt"

// Error marks a failure of the persistence layer itself, as opposed to a
// domain outcome like "not found". Callers detect it with errors.As so they
// can decide whether a retry makes sense.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapErr wraps a backend failure with the operation that produced it.
// Returns nil for nil so call sites can wrap unconditionally.
func WrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
