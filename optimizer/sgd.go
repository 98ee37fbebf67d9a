package optimizer

import (
	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/tensor"
)

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns plain SGD with learning rate 0.01
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{LearningRate: 0.01}
}

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	*base
	momentum  float64
	dampening float64
	nesterov  bool
}

// NewSGD creates a new SGD optimizer over params
func NewSGD(params []*tensor.Tensor, config SGDConfig) *SGD {
	return &SGD{
		base:      newBase("SGD", params, config.LearningRate, config.WeightDecay, "momentum"),
		momentum:  config.Momentum,
		dampening: config.Dampening,
		nesterov:  config.Nesterov,
	}
}

// Step performs v = m*v + (1-d)*g, then w -= lr*v (or lr*(g + m*v) with Nesterov)
func (s *SGD) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lr := float32(s.lr)
	m := float32(s.momentum)
	d := float32(1 - s.dampening)
	first := s.stepCount == 0

	err := s.eachGrad(func(i int, w, g []float32) {
		if s.momentum == 0 {
			for j := range w {
				w[j] -= lr * g[j]
			}
			return
		}
		v := s.slot("momentum", i)
		for j := range w {
			if first {
				v[j] = g[j]
			} else {
				v[j] = m*v[j] + d*g[j]
			}
			update := v[j]
			if s.nesterov {
				update = g[j] + m*v[j]
			}
			w[j] -= lr * update
		}
	})
	if err != nil {
		return err
	}
	s.stepCount++
	return nil
}

func (s *SGD) GetState() (*checkpoints.OptimizerState, error) {
	return s.exportState(map[string]interface{}{
		"momentum":  s.momentum,
		"dampening": s.dampening,
		"nesterov":  s.nesterov,
	}), nil
}

func (s *SGD) LoadState(state *checkpoints.OptimizerState) error {
	params, err := s.importState(state)
	if err != nil {
		return err
	}
	s.momentum = extractFloatParam(params, "momentum", s.momentum)
	s.dampening = extractFloatParam(params, "dampening", s.dampening)
	s.nesterov = extractBoolParam(params, "nesterov", s.nesterov)
	return nil
}
