// Package tensor implements dense CPU tensors with reverse-mode automatic
// differentiation.
package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when tensor shapes are incompatible for an operation.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrDType is returned when an operation does not support a tensor's dtype.
	ErrDType = errors.New("unsupported dtype")
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a differentiable function recorded on the autograd graph.
// Backward receives the gradient of the output and returns one gradient per
// input, in input order. A nil entry means the input receives no gradient.
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     interface{}
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
	parents      []*Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created by the user rather than by an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Float32s returns the underlying float32 slice. It panics for other dtypes.
func (t *Tensor) Float32s() []float32 {
	return t.Data.([]float32)
}

// Int32s returns the underlying int32 slice. It panics for other dtypes.
func (t *Tensor) Int32s() []int32 {
	return t.Data.([]int32)
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShapeMismatch)
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether two shapes are identical.
func SameShape(shape1, shape2 []int) bool {
	return shapesEqual(shape1, shape2)
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

func requireFloat32(op string, tensors ...*Tensor) error {
	for _, t := range tensors {
		if t.DType != Float32 {
			return fmt.Errorf("%w: %s requires Float32, got %s", ErrDType, op, t.DType)
		}
	}
	return nil
}
