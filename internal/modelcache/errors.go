package modelcache

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Acquire. Match with errors.Is; the returned
// error wraps the offending model id in its message.
var (
	// ErrUnknownModel is returned when the requested id is not among the
	// configured descriptors.
	ErrUnknownModel = errors.New("modelcache: unknown model")

	// ErrModelDisabled is returned when the requested model exists but is
	// disabled in configuration.
	ErrModelDisabled = errors.New("modelcache: model is disabled")

	// ErrCapacityExhausted is returned when the cache is full and every
	// cached model is currently in use, so nothing can be evicted.
	ErrCapacityExhausted = errors.New("modelcache: capacity exhausted, all cached models in use")

	// ErrLoadTimeout is returned when a model load exceeds the configured
	// load timeout. All waiters on that load receive this error.
	ErrLoadTimeout = errors.New("modelcache: model load timed out")

	// ErrShuttingDown is returned by Acquire once Shutdown has begun.
	ErrShuttingDown = errors.New("modelcache: manager is shutting down")
)

// LoadError reports a failed model load, wrapping the backend cause. All
// callers waiting on the same load receive the same *LoadError.
type LoadError struct {
	// ModelID is the id of the model whose load failed.
	ModelID string

	// Err is the underlying cause from the ASR engine.
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("modelcache: load model %q: %v", e.ModelID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error { return e.Err }
