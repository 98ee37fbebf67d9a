package optimizer

import (
	"math"

	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/tensor"
)

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64
	WeightDecay  float64
}

func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{LearningRate: 1.0, Rho: 0.9, Epsilon: 1e-6}
}

// AdaDelta adapts step sizes from running averages of squared gradients and updates
type AdaDelta struct {
	*base
	rho     float64
	epsilon float64
}

func NewAdaDelta(params []*tensor.Tensor, config AdaDeltaConfig) *AdaDelta {
	return &AdaDelta{
		base:    newBase("AdaDelta", params, config.LearningRate, config.WeightDecay, "squared_grad_avg", "squared_update_avg"),
		rho:     config.Rho,
		epsilon: config.Epsilon,
	}
}

func (a *AdaDelta) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rho := float32(a.rho)
	err := a.eachGrad(func(i int, w, g []float32) {
		sqGrad := a.slot("squared_grad_avg", i)
		sqUpdate := a.slot("squared_update_avg", i)
		for j := range w {
			sqGrad[j] = rho*sqGrad[j] + (1-rho)*g[j]*g[j]
			delta := math.Sqrt(float64(sqUpdate[j])+a.epsilon) / math.Sqrt(float64(sqGrad[j])+a.epsilon) * float64(g[j])
			sqUpdate[j] = rho*sqUpdate[j] + (1-rho)*float32(delta*delta)
			w[j] -= float32(a.lr * delta)
		}
	})
	if err != nil {
		return err
	}
	a.stepCount++
	return nil
}

func (a *AdaDelta) GetState() (*checkpoints.OptimizerState, error) {
	return a.exportState(map[string]interface{}{"rho": a.rho, "epsilon": a.epsilon}), nil
}

func (a *AdaDelta) LoadState(state *checkpoints.OptimizerState) error {
	params, err := a.importState(state)
	if err != nil {
		return err
	}
	a.rho = extractFloatParam(params, "rho", a.rho)
	a.epsilon = extractFloatParam(params, "epsilon", a.epsilon)
	return nil
}
