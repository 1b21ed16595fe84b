package patch

import (
	"fmt"
)

// Error taxonomy:
// - ValidationError and PathError are programmer errors. They indicate a
//   broken invariant (malformed instruction, or a local copy that diverged
//   from the path an instruction assumes) and fail loudly.
// - TransportError and RejectionError are expected operational conditions.
//   The coordinator recovers from them by rolling back to the last known
//   good snapshot; the call site receives the final outcome.

type ValidationError struct {
	Op     OperationKind
	Reason string
}

func newValidationError(op OperationKind, reason string) *ValidationError {
	return &ValidationError{
		Op:     op,
		Reason: reason,
	}
}

func (self *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s instruction: %s", self.Op, self.Reason)
}

type PathErrorKind int

const (
	PathNotFound PathErrorKind = iota
	PathTypeMismatch
)

func (self PathErrorKind) String() string {
	switch self {
	case PathNotFound:
		return "not found"
	case PathTypeMismatch:
		return "type mismatch"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type PathError struct {
	Kind   PathErrorKind
	Path   Path
	Reason string
}

func newPathNotFoundError(path Path, format string, a ...any) *PathError {
	return &PathError{
		Kind:   PathNotFound,
		Path:   path,
		Reason: fmt.Sprintf(format, a...),
	}
}

func newPathTypeMismatchError(path Path, format string, a ...any) *PathError {
	return &PathError{
		Kind:   PathTypeMismatch,
		Path:   path,
		Reason: fmt.Sprintf(format, a...),
	}
}

func (self *PathError) Error() string {
	return fmt.Sprintf("path %s %s: %s", self.Path, self.Kind, self.Reason)
}

// the authoritative peer explicitly refused a batch
type RejectionError struct {
	Reason string
}

func (self *RejectionError) Error() string {
	if self.Reason == "" {
		return "batch rejected"
	}
	return fmt.Sprintf("batch rejected: %s", self.Reason)
}

// the batch could not be delivered or was not acknowledged in time
type TransportError struct {
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}
