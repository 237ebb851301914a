package models

import (
	"errors"
	"fmt"
)

var (
	// ErrDegenerateInput reports a zero or negative dimension.
	ErrDegenerateInput = errors.New("degenerate input dimensions")
	// ErrMalformedOutput reports a model output whose shape does not match (1, 4+C, N).
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrModelNotReady is returned by detection before the model cache has loaded.
	ErrModelNotReady = errors.New("model not ready")
	// ErrDecode reports an upload that is not a decodable image.
	ErrDecode = errors.New("image decode failed")
	// ErrCaptureUnavailable reports a capture device or stream that cannot be opened or read.
	ErrCaptureUnavailable = errors.New("capture source unavailable")
)

// ModelLoadError wraps a failed model load. Loads are retried by the next caller.
type ModelLoadError struct {
	Path  string
	Cause error
}

func (e *ModelLoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("load model %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("load model: %v", e.Cause)
}

func (e *ModelLoadError) Unwrap() error { return e.Cause }

// InferenceError wraps a failure raised by the model during prediction.
type InferenceError struct {
	Cause error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: %v", e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }
