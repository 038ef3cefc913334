package bandits

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer is a fixed-capacity replay buffer of (input, reward) pairs. Once
// full, new observations overwrite the oldest ones. Not safe for concurrent
// use.
type Buffer struct {
	capacity int
	width    int // fixed by the first Add

	inputs  []float64 // row-major [len, width] ring storage
	rewards []float64
	next    int
	full    bool
}

// NewBuffer creates an empty buffer holding up to capacity observations.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		Panicf("bandits.NewBuffer: capacity must be >= 1, got %d", capacity)
	}
	return &Buffer{capacity: capacity}
}

// Add records one observation. All inputs must have the same width.
func (b *Buffer) Add(input []float64, reward float64) {
	if b.width == 0 {
		b.width = len(input)
		if b.width == 0 {
			Panicf("bandits.Buffer: inputs must not be empty")
		}
		b.inputs = make([]float64, b.capacity*b.width)
		b.rewards = make([]float64, b.capacity)
	}
	if len(input) != b.width {
		Panicf("bandits.Buffer: input width changed from %d to %d", b.width, len(input))
	}
	copy(b.inputs[b.next*b.width:], input)
	b.rewards[b.next] = reward
	b.next++
	if b.next == b.capacity {
		b.next = 0
		b.full = true
	}
}

// Len returns the number of stored observations.
func (b *Buffer) Len() int {
	if b.full {
		return b.capacity
	}
	return b.next
}

// Capacity returns the maximum number of observations held.
func (b *Buffer) Capacity() int { return b.capacity }

// Tensors materializes the stored observations as an inputs [len, width] and
// a rewards [len, 1] tensor of the given dtype (storage order, which is
// irrelevant for training since datasets shuffle).
func (b *Buffer) Tensors(dtype dtypes.DType) (inputs, rewards *tensors.Tensor) {
	n := b.Len()
	if n == 0 {
		Panicf("bandits.Buffer: no observations recorded yet")
	}
	inputs = fromFloat64(dtype, b.inputs[:n*b.width], n, b.width)
	rewards = fromFloat64(dtype, b.rewards[:n], n, 1)
	return
}

func fromFloat64(dtype dtypes.DType, flat []float64, dimensions ...int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(append([]float64{}, flat...), dimensions...)
	case dtypes.Float32:
		converted := make([]float32, len(flat))
		for i, v := range flat {
			converted[i] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...)
	}
	Panicf("bandits: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	return nil
}
