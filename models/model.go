package models

import "context"

// Model is the opaque detection network. Predict takes a (1, H, W, 3) input
// tensor and returns a new (1, 4+C, N) prediction owned by the caller. It may
// block for an unbounded time and must be safe for concurrent use.
type Model interface {
	Predict(ctx context.Context, input *Tensor) (*RawPrediction, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, input *Tensor) (*RawPrediction, error)

func (f ModelFunc) Predict(ctx context.Context, input *Tensor) (*RawPrediction, error) {
	return f(ctx, input)
}
