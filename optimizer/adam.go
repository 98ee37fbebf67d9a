package optimizer

import (
	"math"

	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer. With nesterov set it applies the
// Nadam look-ahead on the first moment.
type Adam struct {
	*base
	beta1    float64
	beta2    float64
	epsilon  float64
	nesterov bool
}

// NewAdam creates a new Adam optimizer
func NewAdam(params []*tensor.Tensor, config AdamConfig) *Adam {
	return &Adam{
		base:    newBase("Adam", params, config.LearningRate, config.WeightDecay, "m", "v"),
		beta1:   config.Beta1,
		beta2:   config.Beta2,
		epsilon: config.Epsilon,
	}
}

// NewNadam creates Adam with Nesterov momentum
func NewNadam(params []*tensor.Tensor, config AdamConfig) *Adam {
	a := NewAdam(params, config)
	a.kind = "Nadam"
	a.nesterov = true
	return a
}

func (a *Adam) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := float64(a.stepCount + 1)
	bc1 := 1 - math.Pow(a.beta1, t)
	bc2 := 1 - math.Pow(a.beta2, t)
	b1, b2 := float32(a.beta1), float32(a.beta2)

	err := a.eachGrad(func(i int, w, g []float32) {
		m := a.slot("m", i)
		v := a.slot("v", i)
		for j := range w {
			m[j] = b1*m[j] + (1-b1)*g[j]
			v[j] = b2*v[j] + (1-b2)*g[j]*g[j]

			mHat := float64(m[j]) / bc1
			if a.nesterov {
				mHat = a.beta1*mHat + (1-a.beta1)*float64(g[j])/bc1
			}
			vHat := float64(v[j]) / bc2
			w[j] -= float32(a.lr * mHat / (math.Sqrt(vHat) + a.epsilon))
		}
	})
	if err != nil {
		return err
	}
	a.stepCount++
	return nil
}

func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	return a.exportState(map[string]interface{}{
		"beta1":   a.beta1,
		"beta2":   a.beta2,
		"epsilon": a.epsilon,
	}), nil
}

func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	params, err := a.importState(state)
	if err != nil {
		return err
	}
	a.beta1 = extractFloatParam(params, "beta1", a.beta1)
	a.beta2 = extractFloatParam(params, "beta2", a.beta2)
	a.epsilon = extractFloatParam(params, "epsilon", a.epsilon)
	return nil
}
