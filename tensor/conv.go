package tensor

import (
	"fmt"
)

// ConvOutputLength returns the output length of a 1D convolution or pooling window.
func ConvOutputLength(inputLength, kernelSize, stride, padding int) int {
	if stride <= 0 {
		stride = 1
	}
	span := inputLength + 2*padding - kernelSize
	if span < 0 {
		return 0
	}
	return span/stride + 1
}

// Conv1DOp convolves [N, C, L] with weights [O, C, K] and an optional bias [O].
type Conv1DOp struct {
	stride  int
	padding int

	input   *Tensor
	weight  *Tensor
	hasBias bool
}

func (op *Conv1DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) < 2 || len(inputs) > 3 {
		return nil, fmt.Errorf("Conv1DOp requires input, weight and optional bias, got %d tensors", len(inputs))
	}
	input, weight := inputs[0], inputs[1]
	if err := requireFloat32("Conv1D", input, weight); err != nil {
		return nil, err
	}
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("%w: Conv1D expects [batch, channels, length], got %v", ErrShapeMismatch, input.Shape)
	}
	if len(weight.Shape) != 3 || weight.Shape[1] != input.Shape[1] {
		return nil, fmt.Errorf("%w: Conv1D weight %v does not match input channels %d", ErrShapeMismatch, weight.Shape, input.Shape[1])
	}
	if op.stride <= 0 {
		op.stride = 1
	}

	n, c, l := input.Shape[0], input.Shape[1], input.Shape[2]
	o, k := weight.Shape[0], weight.Shape[2]
	lOut := ConvOutputLength(l, k, op.stride, op.padding)
	if lOut <= 0 {
		return nil, fmt.Errorf("%w: Conv1D kernel %d is larger than padded input length %d", ErrShapeMismatch, k, l+2*op.padding)
	}

	var bias []float32
	if len(inputs) == 3 && inputs[2] != nil {
		if inputs[2].NumElems != o {
			return nil, fmt.Errorf("%w: Conv1D bias has %d elements for %d output channels", ErrShapeMismatch, inputs[2].NumElems, o)
		}
		bias = inputs[2].Float32s()
		op.hasBias = true
	}

	op.input, op.weight = input, weight
	x := input.Float32s()
	w := weight.Float32s()
	out := make([]float32, n*o*lOut)

	for b := 0; b < n; b++ {
		for oc := 0; oc < o; oc++ {
			dst := out[(b*o+oc)*lOut : (b*o+oc+1)*lOut]
			if bias != nil {
				for t := range dst {
					dst[t] = bias[oc]
				}
			}
			for ic := 0; ic < c; ic++ {
				src := x[(b*c+ic)*l : (b*c+ic+1)*l]
				kern := w[(oc*c+ic)*k : (oc*c+ic+1)*k]
				for t := 0; t < lOut; t++ {
					start := t*op.stride - op.padding
					var sum float32
					for j, kv := range kern {
						pos := start + j
						if pos < 0 || pos >= l {
							continue
						}
						sum += kv * src[pos]
					}
					dst[t] += sum
				}
			}
		}
	}

	return NewTensor([]int{n, o, lOut}, Float32, out)
}

func (op *Conv1DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	n, c, l := op.input.Shape[0], op.input.Shape[1], op.input.Shape[2]
	o, k := op.weight.Shape[0], op.weight.Shape[2]
	lOut := gradOut.Shape[2]

	x := op.input.Float32s()
	w := op.weight.Float32s()
	g := gradOut.Float32s()

	gx := make([]float32, len(x))
	gw := make([]float32, len(w))
	var gb []float32
	if op.hasBias {
		gb = make([]float32, o)
	}

	for b := 0; b < n; b++ {
		for oc := 0; oc < o; oc++ {
			grow := g[(b*o+oc)*lOut : (b*o+oc+1)*lOut]
			if gb != nil {
				for _, v := range grow {
					gb[oc] += v
				}
			}
			for ic := 0; ic < c; ic++ {
				src := x[(b*c+ic)*l : (b*c+ic+1)*l]
				dsrc := gx[(b*c+ic)*l : (b*c+ic+1)*l]
				kern := w[(oc*c+ic)*k : (oc*c+ic+1)*k]
				dkern := gw[(oc*c+ic)*k : (oc*c+ic+1)*k]
				for t, gv := range grow {
					if gv == 0 {
						continue
					}
					start := t*op.stride - op.padding
					for j := 0; j < k; j++ {
						pos := start + j
						if pos < 0 || pos >= l {
							continue
						}
						dkern[j] += gv * src[pos]
						dsrc[pos] += gv * kern[j]
					}
				}
			}
		}
	}

	gradInput, err := NewTensor(op.input.Shape, Float32, gx)
	if err != nil {
		return nil, err
	}
	gradWeight, err := NewTensor(op.weight.Shape, Float32, gw)
	if err != nil {
		return nil, err
	}
	grads := []*Tensor{gradInput, gradWeight}
	if op.hasBias {
		gradBias, err := NewTensor([]int{o}, Float32, gb)
		if err != nil {
			return nil, err
		}
		grads = append(grads, gradBias)
	}
	return grads, nil
}

// Pool1DOp applies average or max pooling over the last axis of [N, C, L].
type Pool1DOp struct {
	kernelSize int
	stride     int
	max        bool

	inShape []int
	argmax  []int
}

func (op *Pool1DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	input := inputs[0]
	if err := requireFloat32("Pool1D", input); err != nil {
		return nil, err
	}
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("%w: Pool1D expects [batch, channels, length], got %v", ErrShapeMismatch, input.Shape)
	}
	if op.stride <= 0 {
		op.stride = op.kernelSize
	}

	n, c, l := input.Shape[0], input.Shape[1], input.Shape[2]
	lOut := ConvOutputLength(l, op.kernelSize, op.stride, 0)
	if op.kernelSize <= 0 || lOut <= 0 {
		return nil, fmt.Errorf("%w: Pool1D kernel %d does not fit input length %d", ErrShapeMismatch, op.kernelSize, l)
	}

	op.inShape = cloneShape(input.Shape)
	x := input.Float32s()
	out := make([]float32, n*c*lOut)
	if op.max {
		op.argmax = make([]int, len(out))
	}

	for row := 0; row < n*c; row++ {
		src := x[row*l : (row+1)*l]
		for t := 0; t < lOut; t++ {
			start := t * op.stride
			window := src[start : start+op.kernelSize]
			idx := row*lOut + t
			if op.max {
				best := 0
				for j, v := range window {
					if v > window[best] {
						best = j
					}
				}
				out[idx] = window[best]
				op.argmax[idx] = row*l + start + best
				continue
			}
			var sum float32
			for _, v := range window {
				sum += v
			}
			out[idx] = sum / float32(op.kernelSize)
		}
	}

	return NewTensor([]int{n, c, lOut}, Float32, out)
}

func (op *Pool1DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	l := op.inShape[2]
	lOut := gradOut.Shape[2]
	g := gradOut.Float32s()
	gx := make([]float32, calculateNumElements(op.inShape))

	if op.max {
		for idx, gv := range g {
			gx[op.argmax[idx]] += gv
		}
	} else {
		scale := 1 / float32(op.kernelSize)
		for idx, gv := range g {
			row, t := idx/lOut, idx%lOut
			start := row*l + t*op.stride
			for j := 0; j < op.kernelSize; j++ {
				gx[start+j] += gv * scale
			}
		}
	}

	grad, err := NewTensor(op.inShape, Float32, gx)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

// Conv1DAutograd builds a differentiable 1D convolution. bias may be nil.
func Conv1DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	op := &Conv1DOp{stride: stride, padding: padding}
	if bias == nil {
		return Apply(op, input, weight)
	}
	return Apply(op, input, weight, bias)
}

// AvgPool1DAutograd averages non-overlapping windows when stride is zero.
func AvgPool1DAutograd(input *Tensor, kernelSize, stride int) (*Tensor, error) {
	return Apply(&Pool1DOp{kernelSize: kernelSize, stride: stride}, input)
}

func MaxPool1DAutograd(input *Tensor, kernelSize, stride int) (*Tensor, error) {
	return Apply(&Pool1DOp{kernelSize: kernelSize, stride: stride, max: true}, input)
}
