package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	shape = cloneShape(shape)
	tensor := &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: calculateNumElements(shape),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("%w: cannot use %T as Float32 data", ErrDType, data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("%w: cannot use %T as Int32 data", ErrDType, data)
		}
	default:
		return fmt.Errorf("%w: %s", ErrDType, t.DType)
	}
	return nil
}

// SetData replaces the tensor contents in place, keeping shape and autograd state.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("%w: Zeros does not support %s", ErrDType, dtype)
	}

	return NewTensor(shape, dtype, data)
}

func Ones(shape []int, dtype DType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return Full(shape, float32(1), dtype)
	case Int32:
		return Full(shape, int32(1), dtype)
	default:
		return nil, fmt.Errorf("%w: Ones does not support %s", ErrDType, dtype)
	}
}

func Full(shape []int, value interface{}, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, value)
}

// ZerosLike returns a Float32 zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return &Tensor{
		Shape:    cloneShape(t.Shape),
		Strides:  calculateStrides(t.Shape),
		DType:    Float32,
		Data:     make([]float32, t.NumElems),
		NumElems: t.NumElems,
	}
}

// OnesLike returns a Float32 tensor of ones with the same shape as t.
func OnesLike(t *Tensor) *Tensor {
	out := ZerosLike(t)
	data := out.Float32s()
	for i := range data {
		data[i] = 1
	}
	return out
}

// RandomNormal draws values from N(mean, std^2) using rng.
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = float32(rng.NormFloat64())*std + mean
	}

	return NewTensor(shape, Float32, slice)
}

// RandomUniform draws values from U(low, high) using rng.
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = low + float32(rng.Float64())*(high-low)
	}

	return NewTensor(shape, Float32, slice)
}

// RandomInt draws int32 values in [0, high) using rng.
func RandomInt(shape []int, high int, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if high <= 0 {
		return nil, fmt.Errorf("high must be positive, got %d", high)
	}

	slice := make([]int32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = int32(rng.Intn(high))
	}

	return NewTensor(shape, Int32, slice)
}

// FromScalar creates a one-element Float32 tensor of shape [1].
func FromScalar(value float64) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		DType:    Float32,
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}
