package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Clone deep-copies data and shape. The clone is a leaf with the same
// requiresGrad flag and no gradient.
func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        cloneShape(t.Shape),
		Strides:      cloneShape(t.Strides),
		DType:        t.DType,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}

	switch t.DType {
	case Float32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Float32s()
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Int32s()
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("%w: Clone does not support %s", ErrDType, t.DType)
	}

	return clone, nil
}

// Detach returns a view of t that shares its data but is cut from the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Item returns the single value of a one-element Float32 tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("%w: Item requires a single element, tensor has %d", ErrShapeMismatch, t.NumElems)
	}
	switch t.DType {
	case Float32:
		return t.Float32s()[0], nil
	case Int32:
		return float32(t.Int32s()[0]), nil
	default:
		return 0, fmt.Errorf("%w: Item does not support %s", ErrDType, t.DType)
	}
}

// AllClose reports whether two Float32 tensors have equal shapes and
// elementwise |a-b| <= atol + rtol*|b|.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if a.DType != Float32 || b.DType != Float32 || !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	ad, bd := a.Float32s(), b.Float32s()
	for i := range ad {
		diff := math.Abs(float64(ad[i]) - float64(bd[i]))
		if diff > atol+rtol*math.Abs(float64(bd[i])) || math.IsNaN(diff) {
			return false
		}
	}
	return true
}

// HasNaN reports whether a Float32 tensor contains NaN or Inf values.
func (t *Tensor) HasNaN() bool {
	if t.DType != Float32 {
		return false
	}
	for _, v := range t.Float32s() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")

	n := t.NumElems
	if n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch t.DType {
		case Float32:
			sb.WriteString(fmt.Sprintf("%.4f", t.Float32s()[i]))
		case Int32:
			sb.WriteString(fmt.Sprintf("%d", t.Int32s()[i]))
		}
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")

	return sb.String()
}

// ZeroGrad clears the accumulated gradients of the given parameters.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}
