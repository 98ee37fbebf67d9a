package adapt

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tsawler/go-adapt/training"
)

var (
	// ErrNotFitted is returned by operations that need a fitted estimator.
	ErrNotFitted = errors.New("estimator is not fitted")
	// ErrInvalidConfig is returned for an unusable estimator configuration.
	ErrInvalidConfig = errors.New("invalid estimator config")
)

// Method names a domain adaptation method.
type Method string

const (
	MethodDANN     Method = "dann"
	MethodCDAN     Method = "cdan"
	MethodDeepJDOT Method = "deepjdot"
)

// ParseMethod accepts the method names case-insensitively.
func ParseMethod(name string) (Method, error) {
	switch m := Method(strings.ToLower(name)); m {
	case MethodDANN, MethodCDAN, MethodDeepJDOT:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown method %q", ErrInvalidConfig, name)
	}
}

// Config holds the settings shared by every estimator.
type Config struct {
	// LayerNames are dotted submodule paths whose outputs are the
	// features to align. Their flattened outputs are concatenated.
	LayerNames []string

	MaxEpochs    int
	BatchSize    int     // default 128
	LearningRate float64 // default 0.01
	Optimizer    string  // "sgd" (default), "adam", "nadam", "rmsprop", "adagrad", "adadelta"
	Momentum     float64
	WeightDecay  float64
	Seed         int64

	// ValidationSplit holds out this fraction of the source samples for a
	// per-epoch validation loss. 0 disables validation.
	ValidationSplit float64

	// Criterion is the task loss on source logits; default cross entropy.
	Criterion training.Loss

	Logger    *zap.Logger
	Recorder  training.EpochRecorder
	Scheduler training.LRScheduler
	RunID     string
}

// DefaultConfig returns the defaults with the given layer names and epochs.
func DefaultConfig(layerNames []string, maxEpochs int) Config {
	return Config{
		LayerNames:   layerNames,
		MaxEpochs:    maxEpochs,
		BatchSize:    128,
		LearningRate: 0.01,
		Optimizer:    "sgd",
	}
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 128
	}
	if c.LearningRate == 0 {
		c.LearningRate = 0.01
	}
	if c.Optimizer == "" {
		c.Optimizer = "sgd"
	}
	if c.Criterion == nil {
		c.Criterion = training.NewCrossEntropyLoss("mean")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

func (c *Config) validate() error {
	if len(c.LayerNames) == 0 {
		return fmt.Errorf("%w: at least one layer name is required", ErrInvalidConfig)
	}
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("%w: max epochs must be positive, got %d", ErrInvalidConfig, c.MaxEpochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate must be positive, got %g", ErrInvalidConfig, c.LearningRate)
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("%w: validation split must be in [0, 1), got %g", ErrInvalidConfig, c.ValidationSplit)
	}
	return nil
}

// AdversarialConfig configures the domain classifier of DANN and CDAN.
type AdversarialConfig struct {
	// DomainClassifier is used as is when set. Otherwise the factory
	// (or the default one) builds it once the input width is known.
	DomainClassifier        training.Module
	DomainClassifierFactory DomainClassifierFactory
	DomainClassifierConfig  DomainClassifierConfig

	// DomainClassifierLenLastLayer is the expected domain input width.
	// 0 infers it from the first feature batch.
	DomainClassifierLenLastLayer int

	// DomainCriterion scores domain probabilities; default BCE.
	DomainCriterion training.Loss

	Reg float64 // weight of the domain loss, default 1

	// Alpha is the constant gradient reversal coefficient (default 1),
	// unless AlphaSchedule is set.
	Alpha         float64
	AlphaSchedule AlphaSchedule
}

func (c *AdversarialConfig) applyDefaults() {
	if c.DomainCriterion == nil {
		c.DomainCriterion = training.NewBCELoss("mean")
	}
	if c.Reg == 0 {
		c.Reg = 1
	}
	if c.Alpha == 0 {
		c.Alpha = 1
	}
	if c.AlphaSchedule == nil {
		c.AlphaSchedule = ConstantAlpha(c.Alpha)
	}
}

func (c *AdversarialConfig) validate() error {
	if c.Reg < 0 {
		return fmt.Errorf("%w: reg must be non-negative, got %g", ErrInvalidConfig, c.Reg)
	}
	if c.DomainClassifierLenLastLayer < 0 {
		return fmt.Errorf("%w: domain classifier input size must be non-negative, got %d",
			ErrInvalidConfig, c.DomainClassifierLenLastLayer)
	}
	return nil
}

// DANNConfig configures DANN.
type DANNConfig struct {
	AdversarialConfig
}

// CDANConfig configures CDAN.
type CDANConfig struct {
	AdversarialConfig

	// MaxFeatures caps the domain input width. Wider multilinear maps are
	// replaced by a random projection of this size. Default 4096.
	MaxFeatures int
}

// Solver selects the transport solver of DeepJDOT.
type Solver string

const (
	SolverEMD      Solver = "emd"
	SolverSinkhorn Solver = "sinkhorn"
)

// DeepJDOTConfig configures DeepJDOT.
type DeepJDOTConfig struct {
	RegDist float64 // weight of the squared feature distance, default 1
	RegCl   float64 // weight of the target classification cost, default 1

	Solver      Solver  // default SolverEMD
	SinkhornReg float64 // entropic regularisation for SolverSinkhorn, default 0.1
}

func (c *DeepJDOTConfig) applyDefaults() {
	if c.RegDist == 0 {
		c.RegDist = 1
	}
	if c.RegCl == 0 {
		c.RegCl = 1
	}
	if c.Solver == "" {
		c.Solver = SolverEMD
	}
	if c.SinkhornReg == 0 {
		c.SinkhornReg = 0.1
	}
}

func (c *DeepJDOTConfig) validate() error {
	if c.RegDist < 0 || c.RegCl < 0 {
		return fmt.Errorf("%w: reg_dist and reg_cl must be non-negative, got %g and %g", ErrInvalidConfig, c.RegDist, c.RegCl)
	}
	switch c.Solver {
	case SolverEMD, SolverSinkhorn:
	default:
		return fmt.Errorf("%w: unknown solver %q", ErrInvalidConfig, c.Solver)
	}
	if c.SinkhornReg <= 0 {
		return fmt.Errorf("%w: sinkhorn reg must be positive, got %g", ErrInvalidConfig, c.SinkhornReg)
	}
	return nil
}
