package ai

import "errors"

var (
	// ErrUnexpectedShape is returned when the model output cannot be decoded.
	ErrUnexpectedShape = errors.New("unexpected model output shape")
	// ErrInference wraps failures of the inference backend.
	ErrInference = errors.New("inference failed")
	// ErrNotReady is returned when no model is loaded.
	ErrNotReady = errors.New("detection network not initialized")
)
