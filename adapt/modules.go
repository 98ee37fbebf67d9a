package adapt

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-adapt/layers"
	"github.com/tsawler/go-adapt/training"
)

// ToyCNNConfig sizes a ToyCNN.
type ToyCNNConfig struct {
	NChannels   int
	InputSize   int
	NClasses    int
	KernelSize  int // default 8
	OutChannels int // default 10
}

// ToyCNN is a small 1D convolutional classifier with children
// "feature_extractor" (conv, relu, avg pool) and "fc".
type ToyCNN struct {
	*Network
	lenLastLayer int
}

// ToyCNNSpec compiles the ToyCNN architecture for a batch of batchSize samples.
func ToyCNNSpec(cfg ToyCNNConfig, batchSize int) (*layers.ModelSpec, error) {
	if cfg.KernelSize <= 0 {
		cfg.KernelSize = 8
	}
	if cfg.OutChannels <= 0 {
		cfg.OutChannels = 10
	}
	if cfg.NChannels <= 0 || cfg.InputSize <= 0 || cfg.NClasses <= 0 {
		return nil, fmt.Errorf("%w: ToyCNN needs positive channels, input size and classes, got %+v", ErrInvalidConfig, cfg)
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return layers.NewModelBuilder([]int{batchSize, cfg.NChannels, cfg.InputSize}).
		Named("ToyCNN").
		AddConv1D(cfg.OutChannels, cfg.KernelSize, 1, 0, true, "feature_extractor.0").
		AddReLU("feature_extractor.1").
		AddAvgPool1D(cfg.KernelSize, 0, "feature_extractor.2").
		AddDense(cfg.NClasses, true, "fc").
		Compile()
}

// NewToyCNN builds a ToyCNN. rng seeds the weights and may be nil.
func NewToyCNN(cfg ToyCNNConfig, rng *rand.Rand) (*ToyCNN, error) {
	spec, err := ToyCNNSpec(cfg, 1)
	if err != nil {
		return nil, err
	}
	net, err := NewNetworkFromSpec(spec, rng)
	if err != nil {
		return nil, err
	}
	fc, _ := spec.Layer("fc")
	return &ToyCNN{Network: net, lenLastLayer: layers.IntParam(fc.Parameters, "input_size", 0)}, nil
}

// LenLastLayer is the flattened width of the feature extractor output,
// out_channels * ((input_size - kernel_size + 1) / kernel_size).
func (m *ToyCNN) LenLastLayer() int { return m.lenLastLayer }

// DomainClassifierConfig sizes a domain classifier.
type DomainClassifierConfig struct {
	Hidden  int     // default 100
	Dropout float64 // default 0.2, negative disables dropout
}

func (c DomainClassifierConfig) withDefaults() DomainClassifierConfig {
	if c.Hidden <= 0 {
		c.Hidden = 100
	}
	switch {
	case c.Dropout == 0:
		c.Dropout = 0.2
	case c.Dropout < 0:
		c.Dropout = 0
	}
	return c
}

// DomainClassifierSpec compiles the domain classifier architecture:
// Linear, BatchNorm, ReLU, Dropout, Linear to one unit, Sigmoid.
func DomainClassifierSpec(lenLastLayer int, cfg DomainClassifierConfig) (*layers.ModelSpec, error) {
	if lenLastLayer <= 0 {
		return nil, fmt.Errorf("%w: domain classifier input size must be positive, got %d", ErrInvalidConfig, lenLastLayer)
	}
	cfg = cfg.withDefaults()
	return layers.NewModelBuilder([]int{1, lenLastLayer}).
		Named("DomainClassifier").
		AddDense(cfg.Hidden, true, "classifier.0").
		AddBatchNorm(cfg.Hidden, 1e-5, 0.1, "classifier.1").
		AddReLU("classifier.2").
		AddDropout(cfg.Dropout, "classifier.3").
		AddDense(1, true, "classifier.4").
		AddSigmoid("classifier.5").
		Compile()
}

// NewDomainClassifier builds a binary domain discriminator whose output is
// the probability [n, 1] that a sample comes from the target domain.
func NewDomainClassifier(lenLastLayer int, cfg DomainClassifierConfig, rng *rand.Rand) (*Network, error) {
	spec, err := DomainClassifierSpec(lenLastLayer, cfg)
	if err != nil {
		return nil, err
	}
	return NewNetworkFromSpec(spec, rng)
}

// DomainClassifierFactory builds a domain classifier for a given input width.
type DomainClassifierFactory func(lenLastLayer int) (training.Module, error)

// DefaultDomainClassifierFactory returns a factory for NewDomainClassifier.
func DefaultDomainClassifierFactory(cfg DomainClassifierConfig, rng *rand.Rand) DomainClassifierFactory {
	return func(lenLastLayer int) (training.Module, error) {
		dc, err := NewDomainClassifier(lenLastLayer, cfg, rng)
		if err != nil {
			return nil, err
		}
		return dc, nil
	}
}
