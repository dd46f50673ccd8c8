package parallel

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/treesync/devices"
	"github.com/x448/float16"
)

// FlatT are the Go element types model tensors come in.
type FlatT interface {
	float32 | float64 | float16.Float16
}

// Tensor is one named parameter array of a model, with a value and a gradient.
//
// A fresh Tensor only carries metadata plus optional host initial values.
// Once a replica's DeviceParams installs it, Value and Grad are views into the
// replica's packed device buffers and all reads and writes go through them.
type Tensor struct {
	name  string
	dtype dtypes.DType
	dims  []int
	size  int

	// initial holds host values the packed storage is seeded with, nil for
	// tensors created without values.
	initial any

	value, grad devices.Buffer
}

// NewTensor creates a tensor with the given shape and no initial values.
// A tensor without dimensions is a scalar of size 1.
// It panics on negative dimensions or an invalid dtype.
func NewTensor(name string, dtype dtypes.DType, dims ...int) *Tensor {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensor %q created with an invalid dtype", name)
	}
	size := 1
	for _, dim := range dims {
		if dim < 0 {
			exceptions.Panicf("tensor %q has negative dimension %d", name, dim)
		}
		size *= dim
	}
	return &Tensor{
		name:  name,
		dtype: dtype,
		dims:  slices.Clone(dims),
		size:  size,
	}
}

// NewTensorFromFlat creates a tensor seeded with the given flat values.
// The product of dims must match len(flat). The values are copied.
func NewTensorFromFlat[T FlatT](name string, flat []T, dims ...int) *Tensor {
	t := NewTensor(name, dtypes.FromGenericsType[T](), dims...)
	if t.size != len(flat) {
		exceptions.Panicf("tensor %q has dimensions %v (size %d) but %d flat value(s)",
			name, dims, t.size, len(flat))
	}
	t.initial = slices.Clone(flat)
	return t
}

// Name of the tensor.
func (t *Tensor) Name() string { return t.name }

// DType is the element type of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Dims returns a copy of the tensor dimensions.
func (t *Tensor) Dims() []int { return slices.Clone(t.dims) }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.size }

// Value returns the device buffer holding the tensor values, nil before the
// tensor is installed into packed storage.
func (t *Tensor) Value() devices.Buffer { return t.value }

// Grad returns the device buffer holding the tensor gradient, nil before the
// tensor is installed into packed storage.
func (t *Tensor) Grad() devices.Buffer { return t.grad }

// Installed reports whether the tensor storage has been redirected into a
// replica's packed buffers.
func (t *Tensor) Installed() bool { return t.value != nil }

// setBuffers redirects the tensor storage to views of packed device buffers.
func (t *Tensor) setBuffers(value, grad devices.Buffer) {
	t.value = value
	t.grad = grad
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s%v", t.name, t.dtype, t.dims)
}
