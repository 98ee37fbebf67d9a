package optimizer

import (
	"math"

	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant for the squared gradient average
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// RMSProp divides the gradient by a running average of its magnitude
type RMSProp struct {
	*base
	alpha    float64
	epsilon  float64
	momentum float64
	centered bool
}

func NewRMSProp(params []*tensor.Tensor, config RMSPropConfig) *RMSProp {
	return &RMSProp{
		base:     newBase("RMSProp", params, config.LearningRate, config.WeightDecay, "squared_grad_avg", "momentum", "grad_avg"),
		alpha:    config.Alpha,
		epsilon:  config.Epsilon,
		momentum: config.Momentum,
		centered: config.Centered,
	}
}

func (r *RMSProp) Step() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	alpha := float32(r.alpha)
	err := r.eachGrad(func(i int, w, g []float32) {
		sq := r.slot("squared_grad_avg", i)
		var avg, buf []float32
		if r.centered {
			avg = r.slot("grad_avg", i)
		}
		if r.momentum > 0 {
			buf = r.slot("momentum", i)
		}
		for j := range w {
			sq[j] = alpha*sq[j] + (1-alpha)*g[j]*g[j]
			denom := float64(sq[j])
			if avg != nil {
				avg[j] = alpha*avg[j] + (1-alpha)*g[j]
				denom -= float64(avg[j]) * float64(avg[j])
			}
			step := float64(g[j]) / (math.Sqrt(math.Max(denom, 0)) + r.epsilon)
			if buf != nil {
				buf[j] = float32(r.momentum)*buf[j] + float32(step)
				step = float64(buf[j])
			}
			w[j] -= float32(r.lr * step)
		}
	})
	if err != nil {
		return err
	}
	r.stepCount++
	return nil
}

func (r *RMSProp) GetState() (*checkpoints.OptimizerState, error) {
	return r.exportState(map[string]interface{}{
		"alpha":    r.alpha,
		"epsilon":  r.epsilon,
		"momentum": r.momentum,
		"centered": r.centered,
	}), nil
}

func (r *RMSProp) LoadState(state *checkpoints.OptimizerState) error {
	params, err := r.importState(state)
	if err != nil {
		return err
	}
	r.alpha = extractFloatParam(params, "alpha", r.alpha)
	r.epsilon = extractFloatParam(params, "epsilon", r.epsilon)
	r.momentum = extractFloatParam(params, "momentum", r.momentum)
	r.centered = extractBoolParam(params, "centered", r.centered)
	return nil
}
