package tensor

import (
	"fmt"
	"math"
)

// binaryOp applies f elementwise over the broadcast of a and b.
func binaryOp(name string, a, b *Tensor, f func(x, y float32) float32) (*Tensor, error) {
	if err := requireFloat32(name, a, b); err != nil {
		return nil, err
	}
	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	result, err := Zeros(outShape, Float32)
	if err != nil {
		return nil, err
	}

	aData := a.Float32s()
	bData := b.Float32s()
	out := result.Float32s()

	if shapesEqual(a.Shape, b.Shape) {
		for i := range out {
			out[i] = f(aData[i], bData[i])
		}
		return result, nil
	}

	for i := range out {
		ai := broadcastIndex(i, outShape, a.Shape, a.Strides)
		bi := broadcastIndex(i, outShape, b.Shape, b.Strides)
		out[i] = f(aData[ai], bData[bi])
	}
	return result, nil
}

// unaryOp applies f elementwise to a Float32 tensor.
func unaryOp(name string, t *Tensor, f func(x float32) float32) (*Tensor, error) {
	if err := requireFloat32(name, t); err != nil {
		return nil, err
	}
	data := t.Float32s()
	result := make([]float32, len(data))
	for i, v := range data {
		result[i] = f(v)
	}
	return NewTensor(t.Shape, Float32, result)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Add", t1, t2, func(x, y float32) float32 { return x + y })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", t1, t2, func(x, y float32) float32 { return x - y })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", t1, t2, func(x, y float32) float32 { return x * y })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Div", t1, t2, func(x, y float32) float32 {
		if y == 0 {
			return float32(math.NaN())
		}
		return x / y
	})
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unaryOp("Scale", t, func(x float32) float32 { return x * s })
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryOp("ReLU", t, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryOp("Sigmoid", t, sigmoid)
}

func sigmoid(x float32) float32 {
	if x >= 0 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}
	e := math.Exp(float64(x))
	return float32(e / (1.0 + e))
}

func Tanh(t *Tensor) (*Tensor, error) {
	return unaryOp("Tanh", t, func(x float32) float32 {
		return float32(math.Tanh(float64(x)))
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp("Exp", t, func(x float32) float32 {
		return float32(math.Exp(float64(x)))
	})
}

func Log(t *Tensor) (*Tensor, error) {
	return unaryOp("Log", t, func(x float32) float32 {
		return float32(math.Log(float64(x)))
	})
}

// SumAll returns the sum of all elements as a [1] tensor.
func SumAll(t *Tensor) (*Tensor, error) {
	if err := requireFloat32("SumAll", t); err != nil {
		return nil, err
	}
	var sum float64
	for _, v := range t.Float32s() {
		sum += float64(v)
	}
	return FromScalar(sum), nil
}

// MeanAll returns the mean of all elements as a [1] tensor.
func MeanAll(t *Tensor) (*Tensor, error) {
	sum, err := SumAll(t)
	if err != nil {
		return nil, err
	}
	sum.Float32s()[0] /= float32(t.NumElems)
	return sum, nil
}

// Softmax applies a numerically stable softmax over the last axis of a 2D tensor.
func Softmax(logits *Tensor) (*Tensor, error) {
	if err := requireFloat32("Softmax", logits); err != nil {
		return nil, err
	}
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("%w: Softmax expects [batch, classes], got %v", ErrShapeMismatch, logits.Shape)
	}

	rows, cols := logits.Shape[0], logits.Shape[1]
	data := logits.Float32s()
	result := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		out := result[i*cols : (i+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			out[j] = float32(e)
			sum += e
		}
		for j := range out {
			out[j] = float32(float64(out[j]) / sum)
		}
	}
	return NewTensor(logits.Shape, Float32, result)
}

// LogSoftmax applies a numerically stable log-softmax over the last axis of a 2D tensor.
func LogSoftmax(logits *Tensor) (*Tensor, error) {
	if err := requireFloat32("LogSoftmax", logits); err != nil {
		return nil, err
	}
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("%w: LogSoftmax expects [batch, classes], got %v", ErrShapeMismatch, logits.Shape)
	}

	rows, cols := logits.Shape[0], logits.Shape[1]
	data := logits.Float32s()
	result := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxVal))
		}
		logSum := float32(math.Log(sum)) + maxVal
		for j, v := range row {
			result[i*cols+j] = v - logSum
		}
	}
	return NewTensor(logits.Shape, Float32, result)
}

// ArgMax returns the index of the largest value in each row of a 2D tensor.
func ArgMax(t *Tensor) (*Tensor, error) {
	if err := requireFloat32("ArgMax", t); err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: ArgMax expects [batch, classes], got %v", ErrShapeMismatch, t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	data := t.Float32s()
	result := make([]int32, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if data[i*cols+j] > data[i*cols+best] {
				best = j
			}
		}
		result[i] = int32(best)
	}
	return NewTensor([]int{rows}, Int32, result)
}
