package sdruntime

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline operations.
// Callers match them with errors.Is; the wrapped message names the failing identifier.
var (
	// Input validation errors
	ErrInvalidParameter = errors.New("sdruntime: invalid parameter")

	// Provisioning errors
	ErrModelLoad   = errors.New("sdruntime: failed to load model")
	ErrAdapterLoad = errors.New("sdruntime: failed to load adapter")
	ErrDevice      = errors.New("sdruntime: device unavailable")

	// Generation errors
	ErrInference   = errors.New("sdruntime: inference failed")
	ErrPersistence = errors.New("sdruntime: failed to persist image")

	// Pipeline lease errors
	ErrPipelineClosed = errors.New("sdruntime: pipeline is closed")
	ErrPipelineBusy   = errors.New("sdruntime: timeout waiting for pipeline")
)

// PersistenceError reports a single image that could not be written.
// It never aborts the batch; the orchestrator collects one per failed image.
type PersistenceError struct {
	Index int    // position of the image in the batch
	Path  string // destination that was attempted (empty if resolution failed)
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: image %d: %v", ErrPersistence, e.Index, e.Err)
	}
	return fmt.Sprintf("%v: image %d to %s: %v", ErrPersistence, e.Index, e.Path, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// IsProvisioningError reports whether err happened while building a pipeline.
func IsProvisioningError(err error) bool {
	return errors.Is(err, ErrModelLoad) || errors.Is(err, ErrAdapterLoad) || errors.Is(err, ErrDevice)
}

func invalidParam(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}
