package models

import (
	"fmt"
	"sync"
)

// Tensor is a dense float32 array in row-major order. Input tensors are
// NHWC (1, H, W, 3) with values in [0,1].
type Tensor struct {
	Shape []int64
	Data  []float32

	pool *TensorPool
}

// Release hands the backing buffer back to the pool it came from. The tensor
// must not be used afterwards. Releasing a tensor twice or one that was not
// pooled is a no-op.
func (t *Tensor) Release() {
	if t == nil || t.pool == nil {
		return
	}
	p := t.pool
	t.pool = nil
	p.put(t.Data)
	t.Data = nil
}

// Elements returns the product of the shape dimensions.
func (t *Tensor) Elements() int64 {
	return elements(t.Shape)
}

// RawPrediction is the model output, shape (1, 4+C, N), channel-major.
type RawPrediction struct {
	Shape []int64
	Data  []float32
}

// Validate checks that the data length agrees with the declared shape.
func (p *RawPrediction) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil prediction", ErrMalformedOutput)
	}
	if n := elements(p.Shape); n != int64(len(p.Data)) {
		return fmt.Errorf("%w: shape %v wants %d values, got %d", ErrMalformedOutput, p.Shape, n, len(p.Data))
	}
	return nil
}

func elements(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// TensorPool recycles float32 buffers of one fixed length between pipeline
// invocations.
type TensorPool struct {
	size int
	pool sync.Pool
}

func NewTensorPool(size int) *TensorPool {
	p := &TensorPool{size: size}
	p.pool.New = func() interface{} {
		buf := make([]float32, size)
		return &buf
	}
	return p
}

// Get returns a tensor with the given shape backed by a pooled buffer. The
// buffer contents are undefined.
func (p *TensorPool) Get(shape ...int64) (*Tensor, error) {
	if n := elements(shape); n != int64(p.size) {
		return nil, fmt.Errorf("tensor shape %v does not fit pool buffer of %d", shape, p.size)
	}
	buf := p.pool.Get().(*[]float32)
	return &Tensor{Shape: shape, Data: *buf, pool: p}, nil
}

func (p *TensorPool) put(data []float32) {
	if len(data) != p.size {
		return
	}
	p.pool.Put(&data)
}
