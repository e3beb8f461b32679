// Package errors is a thin facade over the standard library error helpers
// so that call sites across the daemon use one import for construction,
// wrapping and inspection.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text)
}

// Errorf formats an error. The %w verb wraps as in fmt.Errorf.
func Errorf(format string, a ...interface{}) error {
	return fmt.Errorf(format, a...)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling Unwrap on err, if any.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Recover converts a panic into an error passed to the handler when
// deferred at the top of a goroutine.
func Recover(handler func(error)) {
	if r := recover(); r != nil {
		if err, ok := r.(error); ok {
			handler(err)
			return
		}
		handler(fmt.Errorf("panic: %v", r))
	}
}
