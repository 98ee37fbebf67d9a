package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape
// Follows NumPy/PyTorch broadcasting rules:
// 1. Start from trailing dimensions and work backwards
// 2. Dimensions are compatible if they are equal, or one of them is 1, or one is missing
// 3. Result shape is the maximum of each dimension
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	resultShape := make([]int, maxDims)

	for i := 0; i < maxDims; i++ {
		dim1Idx := len(shape1) - 1 - i
		dim2Idx := len(shape2) - 1 - i
		resultIdx := maxDims - 1 - i

		dim1 := 1
		dim2 := 1
		if dim1Idx >= 0 {
			dim1 = shape1[dim1Idx]
		}
		if dim2Idx >= 0 {
			dim2 = shape2[dim2Idx]
		}

		switch {
		case dim1 == dim2:
			resultShape[resultIdx] = dim1
		case dim1 == 1:
			resultShape[resultIdx] = dim2
		case dim2 == 1:
			resultShape[resultIdx] = dim1
		default:
			return nil, fmt.Errorf("%w: shapes %v and %v are not broadcastable at trailing dimension %d (%d vs %d)",
				ErrShapeMismatch, shape1, shape2, i, dim1, dim2)
		}
	}

	return resultShape, nil
}

// AreBroadcastable checks if two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// broadcastIndex maps a flat index in the broadcast result to the flat index
// of a source tensor with srcShape.
func broadcastIndex(flat int, outShape, srcShape []int, srcStrides []int) int {
	offset := len(outShape) - len(srcShape)
	idx := 0
	for d := len(outShape) - 1; d >= 0; d-- {
		coord := flat % outShape[d]
		flat /= outShape[d]
		sd := d - offset
		if sd < 0 {
			continue
		}
		if srcShape[sd] != 1 {
			idx += coord * srcStrides[sd]
		}
	}
	return idx
}

// BroadcastTensor expands t to targetShape, copying data.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if err := requireFloat32("BroadcastTensor", t); err != nil {
		return nil, err
	}
	out, err := BroadcastShapes(t.Shape, targetShape)
	if err != nil {
		return nil, err
	}
	if !shapesEqual(out, targetShape) {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShapeMismatch, t.Shape, targetShape)
	}
	if shapesEqual(t.Shape, targetShape) {
		return t.Clone()
	}

	result, err := Zeros(targetShape, Float32)
	if err != nil {
		return nil, err
	}
	src := t.Float32s()
	dst := result.Float32s()
	for i := range dst {
		dst[i] = src[broadcastIndex(i, targetShape, t.Shape, t.Strides)]
	}
	return result, nil
}

// reduceGradientToShape sums a gradient over the dimensions that were
// broadcast to produce it, returning a tensor of targetShape.
func reduceGradientToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad, nil
	}
	if _, err := BroadcastShapes(grad.Shape, targetShape); err != nil {
		return nil, err
	}

	result, err := Zeros(targetShape, Float32)
	if err != nil {
		return nil, err
	}
	src := grad.Float32s()
	dst := result.Float32s()
	strides := calculateStrides(targetShape)
	for i, g := range src {
		dst[broadcastIndex(i, grad.Shape, targetShape, strides)] += g
	}
	return result, nil
}
