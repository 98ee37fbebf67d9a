package training

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/tsawler/go-adapt/tensor"
)

// Global random source used to seed modules that are built without their own rng
var (
	globalRngMu sync.Mutex
	globalRng   = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRngMu.Lock()
	defer globalRngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

// rngOrDefault returns rng, or a fresh generator seeded from the global source.
func rngOrDefault(rng *rand.Rand) *rand.Rand {
	if rng != nil {
		return rng
	}
	globalRngMu.Lock()
	defer globalRngMu.Unlock()
	return rand.New(rand.NewSource(globalRng.Int63()))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// NamedTensor pairs a tensor with its dotted path inside a module tree
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

// ParameterNamer is implemented by leaf modules that name their parameters.
// The names are aligned with Parameters().
type ParameterNamer interface {
	ParameterNames() []string
}

// BufferedModule is implemented by modules holding non-trainable state
// (BatchNorm running statistics) that must survive a checkpoint.
type BufferedModule interface {
	Buffers() []NamedTensor
}

// mode carries the train/eval flag shared by every leaf module
type mode struct {
	evaluating bool
}

func (m *mode) Train()           { m.evaluating = false }
func (m *mode) Eval()            { m.evaluating = true }
func (m *mode) IsTraining() bool { return !m.evaluating }

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	mode
	weight *tensor.Tensor // [in, out]
	bias   *tensor.Tensor // [out]
}

// NewLinear creates a new Linear layer. rng may be nil.
func NewLinear(inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("%w: Linear sizes must be positive, got %d -> %d", tensor.ErrShapeMismatch, inputSize, outputSize)
	}
	rng = rngOrDefault(rng)

	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := float32(math.Sqrt(6.0 / float64(inputSize+outputSize)))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{weight: weight}
	if bias {
		b, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		b.SetRequiresGrad(true)
		linear.bias = b
	}
	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("%w: Linear layer expects 2D input [batch_size, input_size], got shape %v", tensor.ErrShapeMismatch, input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("%w: Linear input size mismatch: expected %d, got %d", tensor.ErrShapeMismatch, l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}
	return output, nil
}

func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias == nil {
		return []*tensor.Tensor{l.weight}
	}
	return []*tensor.Tensor{l.weight, l.bias}
}

func (l *Linear) ParameterNames() []string {
	if l.bias == nil {
		return []string{"weight"}
	}
	return []string{"weight", "bias"}
}

// InFeatures returns the expected input width
func (l *Linear) InFeatures() int { return l.weight.Shape[0] }

// OutFeatures returns the output width
func (l *Linear) OutFeatures() int { return l.weight.Shape[1] }

// Conv1D implements a 1D convolution over [batch, channels, length]
type Conv1D struct {
	mode
	weight  *tensor.Tensor // [out, in, kernel]
	bias    *tensor.Tensor // [out]
	stride  int
	padding int
}

// NewConv1D creates a 1D convolution layer. rng may be nil.
func NewConv1D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, rng *rand.Rand) (*Conv1D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("%w: Conv1D channels and kernel must be positive, got in=%d out=%d k=%d",
			tensor.ErrShapeMismatch, inputChannels, outputChannels, kernelSize)
	}
	if stride <= 0 {
		stride = 1
	}
	rng = rngOrDefault(rng)

	fanIn := inputChannels * kernelSize
	fanOut := outputChannels * kernelSize
	bound := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	weight, err := tensor.RandomUniform([]int{outputChannels, inputChannels, kernelSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv1D{weight: weight, stride: stride, padding: padding}
	if bias {
		b, err := tensor.Zeros([]int{outputChannels}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		b.SetRequiresGrad(true)
		conv.bias = b
	}
	return conv, nil
}

func (c *Conv1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 3 {
		return nil, fmt.Errorf("%w: Conv1D expects 3D input [batch_size, channels, length], got shape %v", tensor.ErrShapeMismatch, input.Shape)
	}
	return tensor.Conv1DAutograd(input, c.weight, c.bias, c.stride, c.padding)
}

func (c *Conv1D) Parameters() []*tensor.Tensor {
	if c.bias == nil {
		return []*tensor.Tensor{c.weight}
	}
	return []*tensor.Tensor{c.weight, c.bias}
}

func (c *Conv1D) ParameterNames() []string {
	if c.bias == nil {
		return []string{"weight"}
	}
	return []string{"weight", "bias"}
}

// ReLU applies max(0, x)
type ReLU struct{ mode }

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return nil }

// Sigmoid applies the logistic function
type Sigmoid struct{ mode }

func NewSigmoid() *Sigmoid { return &Sigmoid{} }

func (s *Sigmoid) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SigmoidAutograd(input)
}

func (s *Sigmoid) Parameters() []*tensor.Tensor { return nil }

// Tanh applies the hyperbolic tangent
type Tanh struct{ mode }

func NewTanh() *Tanh { return &Tanh{} }

func (t *Tanh) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.TanhAutograd(input)
}

func (t *Tanh) Parameters() []*tensor.Tensor { return nil }

// Softmax normalizes each row of a [batch, classes] input
type Softmax struct{ mode }

func NewSoftmax() *Softmax { return &Softmax{} }

func (s *Softmax) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.SoftmaxAutograd(input)
}

func (s *Softmax) Parameters() []*tensor.Tensor { return nil }

// AvgPool1D averages windows over the last axis of [batch, channels, length]
type AvgPool1D struct {
	mode
	kernelSize int
	stride     int
}

// NewAvgPool1D creates an average pooling layer; stride 0 means stride = kernelSize.
func NewAvgPool1D(kernelSize, stride int) *AvgPool1D {
	return &AvgPool1D{kernelSize: kernelSize, stride: stride}
}

func (p *AvgPool1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AvgPool1DAutograd(input, p.kernelSize, p.stride)
}

func (p *AvgPool1D) Parameters() []*tensor.Tensor { return nil }

// MaxPool1D takes the maximum of windows over the last axis
type MaxPool1D struct {
	mode
	kernelSize int
	stride     int
}

func NewMaxPool1D(kernelSize, stride int) *MaxPool1D {
	return &MaxPool1D{kernelSize: kernelSize, stride: stride}
}

func (p *MaxPool1D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool1DAutograd(input, p.kernelSize, p.stride)
}

func (p *MaxPool1D) Parameters() []*tensor.Tensor { return nil }

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct{ mode }

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.FlattenAutograd(input)
}

func (f *Flatten) Parameters() []*tensor.Tensor { return nil }

// Dropout zeroes activations with probability p during training and rescales
// the survivors by 1/(1-p). It is the identity in eval mode.
type Dropout struct {
	mode
	p   float64
	rng *rand.Rand
}

// NewDropout creates a dropout layer. rng may be nil.
func NewDropout(p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %g", p)
	}
	return &Dropout{p: p, rng: rngOrDefault(rng)}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.IsTraining() || d.p == 0 {
		return input, nil
	}
	keep := float32(1 / (1 - d.p))
	mask := make([]float32, input.NumElems)
	for i := range mask {
		if d.rng.Float64() >= d.p {
			mask[i] = keep
		}
	}
	return tensor.MaskAutograd(input, mask)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return nil }

// Sequential allows chaining multiple modules together. Children are named
// by their position ("0", "1", ...).
type Sequential struct {
	children []*Child
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	s := &Sequential{training: true}
	for _, m := range modules {
		s.Add(m)
	}
	return s
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error
	for _, child := range s.children {
		output, err = child.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %s forward failed: %w", child.Name, err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, child := range s.children {
		allParams = append(allParams, child.Parameters()...)
	}
	return allParams
}

func (s *Sequential) Train() {
	s.training = true
	for _, child := range s.children {
		child.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, child := range s.children {
		child.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.children = append(s.children, NewChild(strconv.Itoa(len(s.children)), module))
}

// Children returns the named slots in order
func (s *Sequential) Children() []*Child {
	return s.children
}

// Len returns the number of modules in the container
func (s *Sequential) Len() int {
	return len(s.children)
}
