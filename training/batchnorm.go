package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-adapt/tensor"
)

// BatchNorm1d normalizes each feature of a [batch, features] input.
// In training mode it uses batch statistics and updates the running
// estimates; in eval mode, or for a batch of one, it uses the running
// estimates.
type BatchNorm1d struct {
	mode
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
}

// NewBatchNorm1d creates a batch normalization layer. Non-positive eps and
// momentum fall back to 1e-5 and 0.1.
func NewBatchNorm1d(numFeatures int, eps, momentum float64) (*BatchNorm1d, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("%w: BatchNorm1d needs a positive feature count, got %d", tensor.ErrShapeMismatch, numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	gamma.SetRequiresGrad(true)
	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Ones([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &BatchNorm1d{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
	}, nil
}

func (bn *BatchNorm1d) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: BatchNorm1d only supports Float32 tensors", tensor.ErrDType)
	}
	if len(input.Shape) != 2 || input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("%w: BatchNorm1d expects [batch_size, %d], got %v", tensor.ErrShapeMismatch, bn.numFeatures, input.Shape)
	}
	op := &batchNormOp{
		eps:        bn.eps,
		useBatch:   bn.IsTraining() && input.Shape[0] > 1,
		momentum:   bn.momentum,
		runningMu:  bn.runningMean.Float32s(),
		runningVar: bn.runningVar.Float32s(),
	}
	return tensor.Apply(op, input, bn.gamma, bn.beta)
}

func (bn *BatchNorm1d) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNorm1d) ParameterNames() []string {
	return []string{"weight", "bias"}
}

func (bn *BatchNorm1d) Buffers() []NamedTensor {
	return []NamedTensor{
		{Name: "running_mean", Tensor: bn.runningMean},
		{Name: "running_var", Tensor: bn.runningVar},
	}
}

// batchNormOp computes gamma * xhat + beta over inputs (x, gamma, beta)
type batchNormOp struct {
	eps        float64
	momentum   float64
	useBatch   bool
	runningMu  []float32
	runningVar []float32

	xhat   []float32
	invStd []float32
	gamma  []float32
	shape  []int
}

func (op *batchNormOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	x, gammaT, betaT := inputs[0], inputs[1], inputs[2]
	n, f := x.Shape[0], x.Shape[1]
	data := x.Float32s()
	op.gamma = gammaT.Float32s()
	beta := betaT.Float32s()
	op.shape = []int{n, f}

	mean := make([]float64, f)
	variance := make([]float64, f)
	if op.useBatch {
		for i := 0; i < n; i++ {
			for j := 0; j < f; j++ {
				mean[j] += float64(data[i*f+j])
			}
		}
		for j := range mean {
			mean[j] /= float64(n)
		}
		for i := 0; i < n; i++ {
			for j := 0; j < f; j++ {
				d := float64(data[i*f+j]) - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			biased := variance[j] / float64(n)
			unbiased := variance[j] / float64(n-1)
			variance[j] = biased
			op.runningMu[j] = float32((1-op.momentum)*float64(op.runningMu[j]) + op.momentum*mean[j])
			op.runningVar[j] = float32((1-op.momentum)*float64(op.runningVar[j]) + op.momentum*unbiased)
		}
	} else {
		for j := 0; j < f; j++ {
			mean[j] = float64(op.runningMu[j])
			variance[j] = float64(op.runningVar[j])
		}
	}

	op.invStd = make([]float32, f)
	for j := range op.invStd {
		op.invStd[j] = float32(1 / math.Sqrt(variance[j]+op.eps))
	}

	op.xhat = make([]float32, n*f)
	out := make([]float32, n*f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			idx := i*f + j
			op.xhat[idx] = float32(float64(data[idx])-mean[j]) * op.invStd[j]
			out[idx] = op.gamma[j]*op.xhat[idx] + beta[j]
		}
	}
	return tensor.NewTensor(op.shape, tensor.Float32, out)
}

func (op *batchNormOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	n, f := op.shape[0], op.shape[1]
	g := gradOut.Float32s()

	gGamma := make([]float32, f)
	gBeta := make([]float32, f)
	for i := 0; i < n; i++ {
		for j := 0; j < f; j++ {
			idx := i*f + j
			gGamma[j] += g[idx] * op.xhat[idx]
			gBeta[j] += g[idx]
		}
	}

	gx := make([]float32, n*f)
	if op.useBatch {
		// dx = invStd/N * (N*dxhat - sum(dxhat) - xhat*sum(dxhat*xhat)), dxhat = g*gamma
		invN := 1 / float32(n)
		for i := 0; i < n; i++ {
			for j := 0; j < f; j++ {
				idx := i*f + j
				sumDxhat := gBeta[j] * op.gamma[j]
				sumDxhatXhat := gGamma[j] * op.gamma[j]
				dxhat := g[idx] * op.gamma[j]
				gx[idx] = op.invStd[j] * invN * (float32(n)*dxhat - sumDxhat - op.xhat[idx]*sumDxhatXhat)
			}
		}
	} else {
		for i := 0; i < n; i++ {
			for j := 0; j < f; j++ {
				idx := i*f + j
				gx[idx] = g[idx] * op.gamma[j] * op.invStd[j]
			}
		}
	}

	gradX, err := tensor.NewTensor(op.shape, tensor.Float32, gx)
	if err != nil {
		return nil, err
	}
	gradGamma, err := tensor.NewTensor([]int{f}, tensor.Float32, gGamma)
	if err != nil {
		return nil, err
	}
	gradBeta, err := tensor.NewTensor([]int{f}, tensor.Float32, gBeta)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gradX, gradGamma, gradBeta}, nil
}
