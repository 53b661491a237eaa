// Package elsperr provides the error types used across go.elspeth.dev
// packages, per spec.md's error taxonomy (ValidationError, PluginError,
// Recorder).
package elsperr

import "fmt"

// Recorder wraps an error encountered while performing an audit recorder
// operation, preserving the operation name for diagnostics.
type Recorder struct {
	Op    string
	Cause error
}

func (e *Recorder) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Cause)
}

func (e *Recorder) Unwrap() error {
	return e.Cause
}
