package config

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tsawler/go-adapt/adapt"
	"github.com/tsawler/go-adapt/training"
)

// ToyCNNConfig sizes the ToyCNN for the configured data.
func (c *Config) ToyCNNConfig() adapt.ToyCNNConfig {
	return adapt.ToyCNNConfig{
		NChannels:   c.Data.NChannels,
		InputSize:   c.Data.InputSize,
		NClasses:    c.Data.NClasses,
		KernelSize:  c.Model.KernelSize,
		OutChannels: c.Model.OutChannels,
	}
}

// NewScheduler maps training.scheduler to a learning rate scheduler.
func (c *Config) NewScheduler() (training.LRScheduler, error) {
	epochs := c.Training.Epochs
	switch c.Training.Scheduler {
	case "", "none":
		return &training.NoOpScheduler{}, nil
	case "step":
		return training.NewStepLRScheduler(max(1, epochs/3), 0.5), nil
	case "exponential":
		return training.NewExponentialLRScheduler(0.95), nil
	case "cosine":
		return training.NewCosineAnnealingLRScheduler(epochs, 0), nil
	case "inverse":
		return training.NewInverseDecayScheduler(epochs), nil
	case "plateau":
		return training.NewReduceLROnPlateauScheduler(0.5, 3, 1e-4, "min"), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheduler %q", ErrInvalid, c.Training.Scheduler)
	}
}

// EstimatorConfig converts the training section. Each call returns a fresh
// scheduler so estimators built from it can train concurrently.
func (c *Config) EstimatorConfig(logger *zap.Logger, recorder training.EpochRecorder, runID string) (adapt.Config, error) {
	sched, err := c.NewScheduler()
	if err != nil {
		return adapt.Config{}, err
	}
	t := c.Training
	return adapt.Config{
		LayerNames:      append([]string(nil), t.LayerNames...),
		MaxEpochs:       t.Epochs,
		BatchSize:       t.BatchSize,
		LearningRate:    t.LearningRate,
		Optimizer:       t.Optimizer,
		Momentum:        t.Momentum,
		WeightDecay:     t.WeightDecay,
		Seed:            t.Seed,
		ValidationSplit: t.ValidationSplit,
		Logger:          logger,
		Recorder:        recorder,
		Scheduler:       sched,
		RunID:           runID,
	}, nil
}

func (a AdversarialConf) adversarial(hidden int) adapt.AdversarialConfig {
	cfg := adapt.AdversarialConfig{
		DomainClassifierConfig: adapt.DomainClassifierConfig{Hidden: hidden},
		Reg:                    a.Reg,
		Alpha:                  a.Alpha,
	}
	if a.AlphaGamma > 0 {
		cfg.AlphaSchedule = adapt.ProgressiveAlpha(a.AlphaGamma)
	}
	return cfg
}

// NewEstimator builds the estimator of method around module.
func (c *Config) NewEstimator(method adapt.Method, module training.Module, base adapt.Config) (*adapt.Estimator, error) {
	switch method {
	case adapt.MethodDANN:
		return adapt.NewDANN(module, base, adapt.DANNConfig{AdversarialConfig: c.DANN.adversarial(c.Model.Hidden)})
	case adapt.MethodCDAN:
		return adapt.NewCDAN(module, base, adapt.CDANConfig{
			AdversarialConfig: c.CDAN.adversarial(c.Model.Hidden),
			MaxFeatures:       c.CDAN.MaxFeatures,
		})
	case adapt.MethodDeepJDOT:
		return adapt.NewDeepJDOT(module, base, adapt.DeepJDOTConfig{
			RegDist:     c.DeepJDOT.RegDist,
			RegCl:       c.DeepJDOT.RegCl,
			Solver:      adapt.Solver(c.DeepJDOT.Solver),
			SinkhornReg: c.DeepJDOT.SinkhornReg,
		})
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalid, method)
	}
}
