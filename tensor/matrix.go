package tensor

import (
	"fmt"
)

// MatMul multiplies two 2D Float32 tensors: [m, k] x [k, n] -> [m, n].
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := requireFloat32("MatMul", t1, t2); err != nil {
		return nil, err
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("%w: matmul requires 2D tensors, got %v and %v", ErrShapeMismatch, t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	if cols1 != rows2 {
		return nil, fmt.Errorf("%w: incompatible dimensions for matmul: (%d, %d) x (%d, %d)",
			ErrShapeMismatch, rows1, cols1, rows2, cols2)
	}

	result, err := Zeros([]int{rows1, cols2}, Float32)
	if err != nil {
		return nil, err
	}

	data1 := t1.Float32s()
	data2 := t2.Float32s()
	out := result.Float32s()

	// i-k-j order keeps the inner loop contiguous in both operands.
	for i := 0; i < rows1; i++ {
		outRow := out[i*cols2 : (i+1)*cols2]
		for k := 0; k < cols1; k++ {
			a := data1[i*cols1+k]
			if a == 0 {
				continue
			}
			row2 := data2[k*cols2 : (k+1)*cols2]
			for j, b := range row2 {
				outRow[j] += a * b
			}
		}
	}

	return result, nil
}

// Transpose2D swaps the two axes of a 2D tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if err := requireFloat32("Transpose2D", t); err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: Transpose2D expects a 2D tensor, got %v", ErrShapeMismatch, t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows}, Float32)
	if err != nil {
		return nil, err
	}
	src := t.Float32s()
	dst := result.Float32s()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
	return result, nil
}

// Reshape returns a new tensor with the same data but different shape.
// One dimension may be -1 and is inferred. The result shares t's data and
// is detached from the autograd graph; use ReshapeAutograd to keep gradients.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape, err := inferShape(t.NumElems, newShape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Data:         t.Data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad && t.IsLeaf(),
	}, nil
}

func inferShape(numElems int, newShape []int) ([]int, error) {
	shape := cloneShape(newShape)
	known := 1
	negOneIdx := -1

	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("%w: only one dimension can be -1 in %v", ErrShapeMismatch, newShape)
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("%w: invalid dimension %d at index %d", ErrShapeMismatch, dim, i)
		default:
			known *= dim
		}
	}

	if negOneIdx >= 0 {
		if known == 0 || numElems%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape tensor of size %d into %v", ErrShapeMismatch, numElems, newShape)
		}
		shape[negOneIdx] = numElems / known
		known *= shape[negOneIdx]
	}

	if known != numElems {
		return nil, fmt.Errorf("%w: cannot reshape tensor of size %d into shape %v (size %d)",
			ErrShapeMismatch, numElems, newShape, known)
	}
	return shape, nil
}

// IndexSelect gathers the given rows (first-axis entries) of t into a new tensor.
func IndexSelect(t *Tensor, indices []int) (*Tensor, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: IndexSelect needs at least one index", ErrShapeMismatch)
	}
	rowSize := t.NumElems / t.Shape[0]
	shape := cloneShape(t.Shape)
	shape[0] = len(indices)

	for _, idx := range indices {
		if idx < 0 || idx >= t.Shape[0] {
			return nil, fmt.Errorf("%w: index %d out of range for first dimension %d", ErrShapeMismatch, idx, t.Shape[0])
		}
	}

	switch t.DType {
	case Float32:
		src := t.Float32s()
		dst := make([]float32, len(indices)*rowSize)
		for i, idx := range indices {
			copy(dst[i*rowSize:(i+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
		}
		return NewTensor(shape, Float32, dst)
	case Int32:
		src := t.Int32s()
		dst := make([]int32, len(indices)*rowSize)
		for i, idx := range indices {
			copy(dst[i*rowSize:(i+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
		}
		return NewTensor(shape, Int32, dst)
	default:
		return nil, fmt.Errorf("%w: IndexSelect does not support %s", ErrDType, t.DType)
	}
}

// Slice returns rows [start, end) along the first axis as a copy.
func Slice(t *Tensor, start, end int) (*Tensor, error) {
	if start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("%w: invalid slice [%d, %d) of first dimension %d", ErrShapeMismatch, start, end, t.Shape[0])
	}
	indices := make([]int, end-start)
	for i := range indices {
		indices[i] = start + i
	}
	return IndexSelect(t, indices)
}

// Concat joins 2D Float32 tensors along axis (0 = rows, 1 = columns).
func Concat(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: Concat needs at least one tensor", ErrShapeMismatch)
	}
	if err := requireFloat32("Concat", tensors...); err != nil {
		return nil, err
	}
	for _, t := range tensors {
		if len(t.Shape) != 2 {
			return nil, fmt.Errorf("%w: Concat expects 2D tensors, got %v", ErrShapeMismatch, t.Shape)
		}
	}

	switch axis {
	case 0:
		cols := tensors[0].Shape[1]
		rows := 0
		for _, t := range tensors {
			if t.Shape[1] != cols {
				return nil, fmt.Errorf("%w: Concat axis 0 needs equal columns, got %d and %d", ErrShapeMismatch, cols, t.Shape[1])
			}
			rows += t.Shape[0]
		}
		out := make([]float32, 0, rows*cols)
		for _, t := range tensors {
			out = append(out, t.Float32s()...)
		}
		return NewTensor([]int{rows, cols}, Float32, out)
	case 1:
		rows := tensors[0].Shape[0]
		cols := 0
		for _, t := range tensors {
			if t.Shape[0] != rows {
				return nil, fmt.Errorf("%w: Concat axis 1 needs equal rows, got %d and %d", ErrShapeMismatch, rows, t.Shape[0])
			}
			cols += t.Shape[1]
		}
		out := make([]float32, rows*cols)
		offset := 0
		for _, t := range tensors {
			c := t.Shape[1]
			src := t.Float32s()
			for i := 0; i < rows; i++ {
				copy(out[i*cols+offset:i*cols+offset+c], src[i*c:(i+1)*c])
			}
			offset += c
		}
		return NewTensor([]int{rows, cols}, Float32, out)
	default:
		return nil, fmt.Errorf("%w: Concat axis must be 0 or 1, got %d", ErrShapeMismatch, axis)
	}
}
