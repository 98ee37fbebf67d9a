package tensor

import (
	"fmt"
)

// AddOp implements the Operation interface for broadcasting addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Add(inputs[0], inputs[1])
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1, summed over broadcast dimensions
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input A: %w", err)
	}
	gradB, err := reduceGradientToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input B: %w", err)
	}
	return []*Tensor{gradA, gradB}, nil
}

// SubOp implements the Operation interface for broadcasting subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Sub(inputs[0], inputs[1])
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	gradA, err := reduceGradientToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input A: %w", err)
	}
	neg, err := Scale(gradOut, -1)
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(neg, op.inputs[1].Shape)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce gradient for input B: %w", err)
	}
	return []*Tensor{gradA, gradB}, nil
}

// MulOp implements the Operation interface for broadcasting elementwise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return Mul(inputs[0], inputs[1])
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	gb, err := Mul(gradOut, b)
	if err != nil {
		return nil, err
	}
	gradA, err := reduceGradientToShape(gb, a.Shape)
	if err != nil {
		return nil, err
	}
	ga, err := Mul(gradOut, a)
	if err != nil {
		return nil, err
	}
	gradB, err := reduceGradientToShape(ga, b.Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// ScaleOp multiplies its input by a constant
type ScaleOp struct {
	factor float32
}

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	return Scale(inputs[0], op.factor)
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := Scale(gradOut, op.factor)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// MatMulOp implements the Operation interface for 2D matrix multiplication
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs, got %d", len(inputs))
	}
	op.inputs = inputs
	return MatMul(inputs[0], inputs[1])
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// C = A @ B: ∂L/∂A = ∂L/∂C @ B^T, ∂L/∂B = A^T @ ∂L/∂C
	bT, err := Transpose2D(b)
	if err != nil {
		return nil, err
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		return nil, err
	}
	aT, err := Transpose2D(a)
	if err != nil {
		return nil, err
	}
	gradB, err := MatMul(aT, gradOut)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// ReLUOp implements the Operation interface for ReLU activation
type ReLUOp struct {
	input *Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.input = inputs[0]
	return ReLU(inputs[0])
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.input.Float32s()
	g := gradOut.Float32s()
	out := make([]float32, len(g))
	for i, v := range in {
		if v > 0 {
			out[i] = g[i]
		}
	}
	grad, err := NewTensor(op.input.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// SigmoidOp implements the Operation interface for the logistic function
type SigmoidOp struct {
	output *Tensor
}

func (op *SigmoidOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	out, err := Sigmoid(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// σ'(x) = σ(x) * (1 - σ(x))
	y := op.output.Float32s()
	g := gradOut.Float32s()
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * y[i] * (1 - y[i])
	}
	grad, err := NewTensor(op.output.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// TanhOp implements the Operation interface for hyperbolic tangent
type TanhOp struct {
	output *Tensor
}

func (op *TanhOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	out, err := Tanh(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *TanhOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	y := op.output.Float32s()
	g := gradOut.Float32s()
	out := make([]float32, len(g))
	for i := range g {
		out[i] = g[i] * (1 - y[i]*y[i])
	}
	grad, err := NewTensor(op.output.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// SoftmaxOp applies softmax over the last axis of a 2D tensor
type SoftmaxOp struct {
	output *Tensor
}

func (op *SoftmaxOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	out, err := Softmax(inputs[0])
	if err != nil {
		return nil, err
	}
	op.output = out
	return out, nil
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂L/∂x_i = y_i * (g_i - Σ_j g_j y_j), row by row
	rows, cols := op.output.Shape[0], op.output.Shape[1]
	y := op.output.Float32s()
	g := gradOut.Float32s()
	out := make([]float32, len(g))
	for i := 0; i < rows; i++ {
		var dot float32
		for j := 0; j < cols; j++ {
			dot += g[i*cols+j] * y[i*cols+j]
		}
		for j := 0; j < cols; j++ {
			out[i*cols+j] = y[i*cols+j] * (g[i*cols+j] - dot)
		}
	}
	grad, err := NewTensor(op.output.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// ReshapeOp changes the shape of its input without touching data
type ReshapeOp struct {
	newShape []int
	inShape  []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inShape = cloneShape(inputs[0].Shape)
	out, err := inputs[0].Reshape(op.newShape)
	if err != nil {
		return nil, err
	}
	out.requiresGrad = false
	return out, nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := gradOut.Reshape(op.inShape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{g}, nil
}

// ConcatOp joins 2D tensors along an axis
type ConcatOp struct {
	axis  int
	sizes []int
}

func (op *ConcatOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.sizes = op.sizes[:0]
	for _, in := range inputs {
		op.sizes = append(op.sizes, in.Shape[op.axis])
	}
	return Concat(op.axis, inputs...)
}

func (op *ConcatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	rows, cols := gradOut.Shape[0], gradOut.Shape[1]
	g := gradOut.Float32s()
	grads := make([]*Tensor, len(op.sizes))
	offset := 0
	for k, size := range op.sizes {
		var (
			part  []float32
			shape []int
		)
		if op.axis == 0 {
			part = make([]float32, size*cols)
			copy(part, g[offset*cols:(offset+size)*cols])
			shape = []int{size, cols}
		} else {
			part = make([]float32, rows*size)
			for i := 0; i < rows; i++ {
				copy(part[i*size:(i+1)*size], g[i*cols+offset:i*cols+offset+size])
			}
			shape = []int{rows, size}
		}
		t, err := NewTensor(shape, Float32, part)
		if err != nil {
			return nil, err
		}
		grads[k] = t
		offset += size
	}
	return grads, nil
}

// SumAllOp reduces its input to a single element by summation
type SumAllOp struct {
	inShape []int
	mean    bool
}

func (op *SumAllOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	op.inShape = cloneShape(inputs[0].Shape)
	if op.mean {
		return MeanAll(inputs[0])
	}
	return SumAll(inputs[0])
}

func (op *SumAllOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Float32s()[0]
	n := calculateNumElements(op.inShape)
	if op.mean {
		g /= float32(n)
	}
	grad, err := Full(op.inShape, g, Float32)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// OuterOp computes the row-wise outer product of a [N, F] and b [N, C],
// flattened to [N, F*C] with index f*C + c.
type OuterOp struct {
	a, b *Tensor
}

func (op *OuterOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("OuterOp requires exactly 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	if err := requireFloat32("Outer", a, b); err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("%w: Outer expects [N, F] and [N, C], got %v and %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	op.a, op.b = a, b

	n, f, c := a.Shape[0], a.Shape[1], b.Shape[1]
	ad, bd := a.Float32s(), b.Float32s()
	out := make([]float32, n*f*c)
	for i := 0; i < n; i++ {
		for p := 0; p < f; p++ {
			av := ad[i*f+p]
			base := i*f*c + p*c
			for q := 0; q < c; q++ {
				out[base+q] = av * bd[i*c+q]
			}
		}
	}
	return NewTensor([]int{n, f * c}, Float32, out)
}

func (op *OuterOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, f, c := op.a.Shape[0], op.a.Shape[1], op.b.Shape[1]
	ad, bd := op.a.Float32s(), op.b.Float32s()
	g := gradOut.Float32s()
	ga := make([]float32, n*f)
	gb := make([]float32, n*c)
	for i := 0; i < n; i++ {
		for p := 0; p < f; p++ {
			base := i*f*c + p*c
			for q := 0; q < c; q++ {
				ga[i*f+p] += g[base+q] * bd[i*c+q]
				gb[i*c+q] += g[base+q] * ad[i*f+p]
			}
		}
	}
	gradA, err := NewTensor(op.a.Shape, Float32, ga)
	if err != nil {
		return nil, err
	}
	gradB, err := NewTensor(op.b.Shape, Float32, gb)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

// MaskOp multiplies its input by a fixed mask of the same shape (used by dropout)
type MaskOp struct {
	mask []float32
}

func (op *MaskOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	in := inputs[0]
	if len(op.mask) != in.NumElems {
		return nil, fmt.Errorf("%w: mask has %d elements, input has %d", ErrShapeMismatch, len(op.mask), in.NumElems)
	}
	data := in.Float32s()
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = v * op.mask[i]
	}
	return NewTensor(in.Shape, Float32, out)
}

func (op *MaskOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Float32s()
	out := make([]float32, len(g))
	for i, v := range g {
		out[i] = v * op.mask[i]
	}
	grad, err := NewTensor(gradOut.Shape, Float32, out)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	return Apply(&AddOp{}, a, b)
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	return Apply(&SubOp{}, a, b)
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	return Apply(&MulOp{}, a, b)
}

func ScaleAutograd(a *Tensor, factor float32) (*Tensor, error) {
	return Apply(&ScaleOp{factor: factor}, a)
}

func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	return Apply(&MatMulOp{}, a, b)
}

func ReLUAutograd(a *Tensor) (*Tensor, error) {
	return Apply(&ReLUOp{}, a)
}

func SigmoidAutograd(a *Tensor) (*Tensor, error) {
	return Apply(&SigmoidOp{}, a)
}

func TanhAutograd(a *Tensor) (*Tensor, error) {
	return Apply(&TanhOp{}, a)
}

func SoftmaxAutograd(a *Tensor) (*Tensor, error) {
	return Apply(&SoftmaxOp{}, a)
}

func ReshapeAutograd(a *Tensor, newShape []int) (*Tensor, error) {
	return Apply(&ReshapeOp{newShape: newShape}, a)
}

// FlattenAutograd reshapes [N, ...] to [N, prod(...)].
func FlattenAutograd(a *Tensor) (*Tensor, error) {
	if len(a.Shape) == 2 {
		return a, nil
	}
	if len(a.Shape) < 2 {
		return nil, fmt.Errorf("%w: Flatten expects at least 2 dimensions, got %v", ErrShapeMismatch, a.Shape)
	}
	return ReshapeAutograd(a, []int{a.Shape[0], a.NumElems / a.Shape[0]})
}

func ConcatAutograd(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 1 {
		return tensors[0], nil
	}
	return Apply(&ConcatOp{axis: axis}, tensors...)
}

func SumAutograd(a *Tensor) (*Tensor, error) {
	return Apply(&SumAllOp{}, a)
}

func MeanAutograd(a *Tensor) (*Tensor, error) {
	return Apply(&SumAllOp{mean: true}, a)
}

func OuterAutograd(a, b *Tensor) (*Tensor, error) {
	return Apply(&OuterOp{}, a, b)
}

func MaskAutograd(a *Tensor, mask []float32) (*Tensor, error) {
	return Apply(&MaskOp{mask: mask}, a)
}
