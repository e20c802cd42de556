package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the key is absent. It is a normal outcome.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable indicates the store could not serve the request
	// (network failure, timeout, backend error).
	ErrUnavailable = errors.New("store: unavailable")
)

// OpError describes a failed store operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause (e.g. context.DeadlineExceeded).
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is makes every OpError match ErrUnavailable.
func (e *OpError) Is(target error) bool {
	return target == ErrUnavailable
}

// Unavailable wraps err as an OpError. A nil err stays nil.
func Unavailable(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Key: key, Err: err}
}

// IsUnavailable reports whether err is a store availability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsNotFound reports whether err means the key is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
