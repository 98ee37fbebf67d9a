package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the epoch, the step within the run and the
// base learning rate.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// InverseDecayScheduler anneals lr / (1 + Alpha*p)^Beta where p is the
// fraction of epochs completed. With Alpha 10 and Beta 0.75 this is the
// schedule used to train adversarial adaptation networks.
type InverseDecayScheduler struct {
	TotalEpochs int
	Alpha       float64
	Beta        float64
}

func NewInverseDecayScheduler(totalEpochs int) *InverseDecayScheduler {
	if totalEpochs <= 0 {
		totalEpochs = 1
	}
	return &InverseDecayScheduler{TotalEpochs: totalEpochs, Alpha: 10, Beta: 0.75}
}

func (s *InverseDecayScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	p := math.Min(float64(epoch)/float64(s.TotalEpochs), 1)
	return baseLR / math.Pow(1+s.Alpha*p, s.Beta)
}

func (s *InverseDecayScheduler) GetName() string {
	return "InverseDecayLR"
}

// MetricScheduler is an LRScheduler that also watches the monitored loss.
// The trainer calls Reset before the first epoch of every run and Step after
// each epoch.
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
	Reset()
}

// ReduceLROnPlateauScheduler multiplies the rate by Factor once the monitored
// metric has failed to improve by more than Threshold for Patience epochs.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" for losses, "max" for accuracies

	best    float64
	stalled int
	lr      float64
	started bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	s := &ReduceLROnPlateauScheduler{Factor: 0.1, Patience: 10, Threshold: 1e-4, Mode: "min"}
	if factor > 0 && factor < 1 {
		s.Factor = factor
	}
	if patience > 0 {
		s.Patience = patience
	}
	if threshold >= 0 {
		s.Threshold = threshold
	}
	if mode == "max" {
		s.Mode = mode
	}
	return s
}

func (s *ReduceLROnPlateauScheduler) improves(metric float64) bool {
	if s.Mode == "max" {
		return metric > s.best+s.Threshold
	}
	return metric < s.best-s.Threshold
}

// Step records the metric of the finished epoch and returns the rate for
// the next one.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	switch {
	case !s.started:
		s.best, s.lr, s.started = metric, currentLR, true
	case s.improves(metric):
		s.best, s.stalled = metric, 0
	default:
		s.stalled++
		if s.stalled >= s.Patience {
			s.lr *= s.Factor
			s.stalled = 0
		}
	}
	return s.lr
}

// Reset forgets the best metric and the reduced rate.
func (s *ReduceLROnPlateauScheduler) Reset() {
	s.best, s.stalled, s.lr, s.started = 0, 0, 0, false
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if !s.started {
		return baseLR
	}
	return s.lr
}

func (s *ReduceLROnPlateauScheduler) GetName() string { return "ReduceLROnPlateau" }

// NoOpScheduler keeps the base rate.
type NoOpScheduler struct{}

func (*NoOpScheduler) GetLR(_ int, _ int, baseLR float64) float64 { return baseLR }
func (*NoOpScheduler) GetName() string                            { return "ConstantLR" }

var _ MetricScheduler = (*ReduceLROnPlateauScheduler)(nil)
