package executor

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind classifies executor failures so callers can pick a policy per cause
type Kind string

const (
	KindUnknown                Kind = ""
	KindUnsupportedFramework   Kind = "unsupported_framework"
	KindDatasetNotFound        Kind = "dataset_not_found"
	KindDatasetLoadError       Kind = "dataset_load_error"
	KindModelNotFound          Kind = "model_not_found"
	KindPermissionDenied       Kind = "permission_denied"
	KindModelLoadError         Kind = "model_load_error"
	KindMissingInputs          Kind = "missing_inputs"
	KindPredictionError        Kind = "prediction_error"
	KindOutputWriteError       Kind = "output_write_error"
	KindUnexpectedPersistError Kind = "unexpected_persist_error"
)

// Error is returned by every failing execution step
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an executor error, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an executor error of kind k
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Retryable reports whether err may succeed when the job is delivered
// again: output writes, and dataset reads that failed with an I/O error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindOutputWriteError, KindUnexpectedPersistError:
		return true
	case KindDatasetLoadError:
		var pathErr *fs.PathError
		return errors.As(err, &pathErr)
	}
	return false
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
