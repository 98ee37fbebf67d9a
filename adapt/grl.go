package adapt

import (
	"fmt"
	"math"

	"github.com/tsawler/go-adapt/tensor"
)

// gradientReversalOp is the identity going forward and multiplies the
// incoming gradient by -alpha going backward.
type gradientReversalOp struct {
	alpha float64
}

func (op *gradientReversalOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("gradient reversal takes one input, got %d", len(inputs))
	}
	in := inputs[0]
	if in.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: gradient reversal needs Float32, got %s", tensor.ErrDType, in.DType)
	}
	return tensor.NewTensor(in.Shape, tensor.Float32, append([]float32(nil), in.Float32s()...))
}

func (op *gradientReversalOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g, err := tensor.Scale(gradOut, float32(-op.alpha))
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{g}, nil
}

// ReverseGradient returns x unchanged with gradients flowing back through it
// multiplied by -alpha.
func ReverseGradient(x *tensor.Tensor, alpha float64) (*tensor.Tensor, error) {
	return tensor.Apply(&gradientReversalOp{alpha: alpha}, x)
}

// GradientReversal is the module form of ReverseGradient. Alpha may be
// changed between steps.
type GradientReversal struct {
	Alpha    float64
	training bool
}

func NewGradientReversal(alpha float64) *GradientReversal {
	return &GradientReversal{Alpha: alpha, training: true}
}

func (g *GradientReversal) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return ReverseGradient(input, g.Alpha)
}

func (g *GradientReversal) Parameters() []*tensor.Tensor { return nil }
func (g *GradientReversal) Train()                       { g.training = true }
func (g *GradientReversal) Eval()                        { g.training = false }
func (g *GradientReversal) IsTraining() bool             { return g.training }

// AlphaSchedule maps training progress in [0, 1] to the reversal
// coefficient.
type AlphaSchedule func(progress float64) float64

// ConstantAlpha always returns alpha.
func ConstantAlpha(alpha float64) AlphaSchedule {
	return func(float64) float64 { return alpha }
}

// ProgressiveAlpha ramps from 0 towards 1 as 2/(1+exp(-gamma*p)) - 1.
func ProgressiveAlpha(gamma float64) AlphaSchedule {
	return func(p float64) float64 {
		return 2/(1+math.Exp(-gamma*p)) - 1
	}
}
