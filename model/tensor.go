package model

import (
	"fmt"
	"slices"
)

// Numeric covers the element types stored in model containers. int32 is
// used for delays and state indices so the layout matches device buffers.
type Numeric interface {
	~float32 | ~int32
}

// Tensor is a dense row-major array. Hot loops index Data directly with
// flat offsets; At/Set are the bounds-checked accessors.
type Tensor[T Numeric] struct {
	Data    []T   `json:"data"`
	Shape   []int `json:"shape"`
	Strides []int `json:"-"`
}

// NewTensor allocates a zeroed tensor.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	n := 1
	for _, d := range shape {
		n *= d
	}
	t := &Tensor[T]{Data: make([]T, n), Shape: append([]int(nil), shape...)}
	t.computeStrides()
	return t
}

func (t *Tensor[T]) computeStrides() {
	t.Strides = make([]int, len(t.Shape))
	s := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		t.Strides[i] = s
		s *= t.Shape[i]
	}
}

// Index converts a multi-index to a flat offset and panics when any
// component is out of range.
func (t *Tensor[T]) Index(idx ...int) int {
	if len(t.Strides) != len(t.Shape) {
		t.computeStrides()
	}
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	flat := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) on axis %d", v, t.Shape[i], i))
		}
		flat += v * t.Strides[i]
	}
	return flat
}

func (t *Tensor[T]) At(idx ...int) T {
	return t.Data[t.Index(idx...)]
}

func (t *Tensor[T]) Set(v T, idx ...int) {
	t.Data[t.Index(idx...)] = v
}

// Fill sets every element to v.
func (t *Tensor[T]) Fill(v T) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Reset zeroes the tensor.
func (t *Tensor[T]) Reset() {
	clear(t.Data)
}

func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	c := &Tensor[T]{
		Data:  append([]T(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
	c.computeStrides()
	return c
}

// SameShape reports whether the tensor has exactly the given dimensions.
// It takes a shape rather than a tensor so float and index tensors can be
// compared with each other.
func (t *Tensor[T]) SameShape(shape []int) bool {
	return slices.Equal(t.Shape, shape)
}

// Row returns the contiguous slice for the leading index.
func (t *Tensor[T]) Row(i int) []T {
	if i < 0 || i >= t.Shape[0] {
		panic(fmt.Sprintf("tensor: row %d out of range [0,%d)", i, t.Shape[0]))
	}
	w := len(t.Data) / t.Shape[0]
	return t.Data[i*w : (i+1)*w]
}
