// Package skerr provides error wrapping with stack traces and context.
//
// Errors returned from any function in this repo are either created with
// Fmt or passed through Wrap/Wrapf so the original callsite survives to
// the log line that finally reports them.
package skerr

import (
	"github.com/pkg/errors"
)

// Fmt returns a new error with a stack trace, formatted like fmt.Errorf.
func Fmt(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap returns the error annotated with a stack trace, or nil if err is nil.
// Wrapping an already-wrapped error does not duplicate the stack.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); ok {
		return err
	}
	return errors.WithStack(err)
}

// Wrapf annotates the error with a message and, if not already present, a
// stack trace. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Unwrap returns the innermost cause of the error, for comparisons against
// sentinel errors from third-party packages.
func Unwrap(err error) error {
	return errors.Cause(err)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}
