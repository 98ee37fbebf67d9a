package optimizer

import (
	"math"

	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/tensor"
)

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float64
	Epsilon      float64
	WeightDecay  float64
}

func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{LearningRate: 0.01, Epsilon: 1e-10}
}

// AdaGrad scales each coordinate by the inverse root of its summed squared gradients
type AdaGrad struct {
	*base
	epsilon float64
}

func NewAdaGrad(params []*tensor.Tensor, config AdaGradConfig) *AdaGrad {
	return &AdaGrad{
		base:    newBase("AdaGrad", params, config.LearningRate, config.WeightDecay, "squared_grad_sum"),
		epsilon: config.Epsilon,
	}
}

func (a *AdaGrad) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.eachGrad(func(i int, w, g []float32) {
		sum := a.slot("squared_grad_sum", i)
		for j := range w {
			sum[j] += g[j] * g[j]
			w[j] -= float32(a.lr * float64(g[j]) / (math.Sqrt(float64(sum[j])) + a.epsilon))
		}
	})
	if err != nil {
		return err
	}
	a.stepCount++
	return nil
}

func (a *AdaGrad) GetState() (*checkpoints.OptimizerState, error) {
	return a.exportState(map[string]interface{}{"epsilon": a.epsilon}), nil
}

func (a *AdaGrad) LoadState(state *checkpoints.OptimizerState) error {
	params, err := a.importState(state)
	if err != nil {
		return err
	}
	a.epsilon = extractFloatParam(params, "epsilon", a.epsilon)
	return nil
}
