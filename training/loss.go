package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-adapt/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a differentiable scalar; Backward returns the analytic
// gradient of that scalar with respect to predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

func checkReduction(reduction string) string {
	if reduction == "" {
		return "mean"
	}
	return reduction
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss(reduction string) *MSELoss {
	return &MSELoss{reduction: checkReduction(reduction)}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(predicted.Shape, target.Shape) {
		return nil, fmt.Errorf("%w: MSE predicted %v and target %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	diff, err := tensor.SubAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %w", err)
	}
	squared, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %w", err)
	}
	if mse.reduction == "sum" {
		return tensor.SumAutograd(squared)
	}
	return tensor.MeanAutograd(squared)
}

// Backward computes dL/dpred = 2 * (y_pred - y_true) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(predicted, target)
	if err != nil {
		return nil, err
	}
	scale := float32(2)
	if mse.reduction != "sum" {
		scale /= float32(predicted.NumElems)
	}
	return tensor.Scale(diff, scale)
}

// CrossEntropyLoss combines log-softmax and negative log likelihood.
// predicted: [batch_size, num_classes] logits
// target: [batch_size] Int32 class indices
type CrossEntropyLoss struct {
	reduction string
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	return &CrossEntropyLoss{reduction: checkReduction(reduction)}
}

func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Apply(&crossEntropyOp{mean: ce.reduction != "sum"}, predicted, target)
}

// Backward computes (softmax(logits) - onehot(target)) / N
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	op := &crossEntropyOp{mean: ce.reduction != "sum"}
	if _, err := op.Forward(predicted, target); err != nil {
		return nil, err
	}
	grads, err := op.Backward(tensor.FromScalar(1))
	if err != nil {
		return nil, err
	}
	return grads[0], nil
}

type crossEntropyOp struct {
	mean    bool
	probs   *tensor.Tensor
	targets []int32
}

func (op *crossEntropyOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	predicted, target := inputs[0], inputs[1]
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return nil, fmt.Errorf("%w: predicted must be Float32 and target must be Int32", tensor.ErrDType)
	}
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("%w: predicted must be 2D tensor [batch_size, num_classes], got shape %v", tensor.ErrShapeMismatch, predicted.Shape)
	}
	if len(target.Shape) != 1 || target.Shape[0] != predicted.Shape[0] {
		return nil, fmt.Errorf("%w: batch size mismatch: predicted %v, target %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}

	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]
	logProbs, err := tensor.LogSoftmax(predicted)
	if err != nil {
		return nil, err
	}
	probs, err := tensor.Softmax(predicted)
	if err != nil {
		return nil, err
	}
	op.probs = probs
	op.targets = target.Int32s()

	lp := logProbs.Float32s()
	var loss float64
	for i, c := range op.targets {
		if c < 0 || int(c) >= numClasses {
			return nil, fmt.Errorf("target %d at index %d is out of range [0, %d)", c, i, numClasses)
		}
		loss -= float64(lp[i*numClasses+int(c)])
	}
	if op.mean {
		loss /= float64(batchSize)
	}
	return tensor.FromScalar(loss), nil
}

func (op *crossEntropyOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	scale := gradOut.Float32s()[0]
	batchSize, numClasses := op.probs.Shape[0], op.probs.Shape[1]
	if op.mean {
		scale /= float32(batchSize)
	}
	p := op.probs.Float32s()
	grad := make([]float32, len(p))
	for i, c := range op.targets {
		for j := 0; j < numClasses; j++ {
			v := p[i*numClasses+j]
			if j == int(c) {
				v--
			}
			grad[i*numClasses+j] = v * scale
		}
	}
	g, err := tensor.NewTensor(op.probs.Shape, tensor.Float32, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{g, nil}, nil
}

// BCELoss is binary cross entropy on probabilities. Logs are clamped at -100.
// predicted: probabilities in [0, 1]
// target: Float32 labels of the same element count
type BCELoss struct {
	reduction string
}

func NewBCELoss(reduction string) *BCELoss {
	return &BCELoss{reduction: checkReduction(reduction)}
}

func (b *BCELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Apply(&bceOp{mean: b.reduction != "sum"}, predicted, target)
}

func (b *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	op := &bceOp{mean: b.reduction != "sum"}
	if _, err := op.Forward(predicted, target); err != nil {
		return nil, err
	}
	grads, err := op.Backward(tensor.FromScalar(1))
	if err != nil {
		return nil, err
	}
	return grads[0], nil
}

type bceOp struct {
	mean   bool
	pred   *tensor.Tensor
	target []float32
}

const bceLogFloor = -100

func clampedLog(x float64) float64 {
	return math.Max(math.Log(x), bceLogFloor)
}

func (op *bceOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	predicted, target := inputs[0], inputs[1]
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return nil, fmt.Errorf("%w: BCE expects Float32 predictions and targets", tensor.ErrDType)
	}
	if predicted.NumElems != target.NumElems {
		return nil, fmt.Errorf("%w: BCE predicted %v and target %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	op.pred = predicted
	op.target = target.Float32s()

	var loss float64
	for i, p := range predicted.Float32s() {
		y := float64(op.target[i])
		loss -= y*clampedLog(float64(p)) + (1-y)*clampedLog(1-float64(p))
	}
	if op.mean {
		loss /= float64(predicted.NumElems)
	}
	return tensor.FromScalar(loss), nil
}

func (op *bceOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	const eps = 1e-12
	scale := float64(gradOut.Float32s()[0])
	if op.mean {
		scale /= float64(op.pred.NumElems)
	}
	p := op.pred.Float32s()
	grad := make([]float32, len(p))
	for i, pv := range p {
		x := float64(pv)
		y := float64(op.target[i])
		denom := math.Max(x*(1-x), eps)
		grad[i] = float32(scale * (x - y) / denom)
	}
	g, err := tensor.NewTensor(op.pred.Shape, tensor.Float32, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{g, nil}, nil
}
