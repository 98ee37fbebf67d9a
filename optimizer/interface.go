// Package optimizer implements first-order optimizers over autograd
// parameters, with state export for checkpoints.
package optimizer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/tensor"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step updates every parameter that has a gradient
	Step() error

	// ZeroGrad clears the gradients of all parameters
	ZeroGrad()

	GetLR() float64
	SetLR(lr float64)

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint. Parameter
	// order must match the optimizer the state was taken from.
	LoadState(state *checkpoints.OptimizerState) error
}

// New builds an optimizer by name ("sgd", "adam", "nadam", "rmsprop",
// "adagrad", "adadelta") with its default configuration, overriding the
// learning rate, weight decay and (for SGD) momentum.
func New(name string, params []*tensor.Tensor, lr, momentum, weightDecay float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate, cfg.Momentum, cfg.WeightDecay = lr, momentum, weightDecay
		return NewSGD(params, cfg), nil
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate, cfg.WeightDecay = lr, weightDecay
		return NewAdam(params, cfg), nil
	case "nadam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate, cfg.WeightDecay = lr, weightDecay
		return NewNadam(params, cfg), nil
	case "rmsprop":
		cfg := DefaultRMSPropConfig()
		cfg.LearningRate, cfg.Momentum, cfg.WeightDecay = lr, momentum, weightDecay
		return NewRMSProp(params, cfg), nil
	case "adagrad":
		cfg := DefaultAdaGradConfig()
		cfg.LearningRate, cfg.WeightDecay = lr, weightDecay
		return NewAdaGrad(params, cfg), nil
	case "adadelta":
		cfg := DefaultAdaDeltaConfig()
		cfg.LearningRate, cfg.WeightDecay = lr, weightDecay
		return NewAdaDelta(params, cfg), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// base holds what every optimizer shares: parameters, learning rate,
// step counter and named per-parameter state buffers.
type base struct {
	kind        string
	params      []*tensor.Tensor
	lr          float64
	weightDecay float64
	stepCount   uint64
	slots       map[string][][]float32
	mu          sync.Mutex
}

func newBase(kind string, params []*tensor.Tensor, lr, weightDecay float64, slotNames ...string) *base {
	b := &base{
		kind:        kind,
		params:      params,
		lr:          lr,
		weightDecay: weightDecay,
		slots:       make(map[string][][]float32, len(slotNames)),
	}
	for _, name := range slotNames {
		b.slots[name] = make([][]float32, len(params))
	}
	return b
}

// slot returns the state buffer name for parameter i, allocating it on first use
func (b *base) slot(name string, i int) []float32 {
	buf := b.slots[name][i]
	if buf == nil {
		buf = make([]float32, b.params[i].NumElems)
		b.slots[name][i] = buf
	}
	return buf
}

// eachGrad calls update for every parameter with a gradient, passing the
// parameter data and its gradient with weight decay folded in.
func (b *base) eachGrad(update func(i int, w, g []float32)) error {
	for i, p := range b.params {
		if !p.RequiresGrad() || p.Grad() == nil {
			continue
		}
		w := p.Float32s()
		g := p.Grad().Float32s()
		if len(g) != len(w) {
			return fmt.Errorf("%w: parameter %d has %d elements but gradient has %d", tensor.ErrShapeMismatch, i, len(w), len(g))
		}
		if b.weightDecay != 0 {
			decayed := make([]float32, len(g))
			wd := float32(b.weightDecay)
			for j := range g {
				decayed[j] = g[j] + wd*w[j]
			}
			g = decayed
		}
		update(i, w, g)
	}
	return nil
}

func (b *base) ZeroGrad() {
	tensor.ZeroGrad(b.params)
}

func (b *base) GetLR() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lr
}

func (b *base) SetLR(lr float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lr = lr
}

func (b *base) GetStepCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stepCount
}

// exportState builds a checkpoint state with hyperparameters and every
// allocated slot, named "<slot>_<param index>".
func (b *base) exportState(hyper map[string]interface{}) *checkpoints.OptimizerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	params := map[string]interface{}{
		"learning_rate": b.lr,
		"weight_decay":  b.weightDecay,
		"step_count":    float64(b.stepCount),
	}
	for k, v := range hyper {
		params[k] = v
	}

	names := make([]string, 0, len(b.slots))
	for name := range b.slots {
		names = append(names, name)
	}
	sort.Strings(names)

	var data []checkpoints.OptimizerTensor
	for _, name := range names {
		for i, buf := range b.slots[name] {
			if buf == nil {
				continue
			}
			data = append(data, checkpoints.OptimizerTensor{
				Name:      name + "_" + strconv.Itoa(i),
				Shape:     append([]int(nil), b.params[i].Shape...),
				Data:      append([]float32(nil), buf...),
				StateType: name,
			})
		}
	}
	return &checkpoints.OptimizerState{Type: b.kind, Parameters: params, StateData: data}
}

// importState restores the shared fields and slots, returning the
// hyperparameter map for optimizer-specific fields.
func (b *base) importState(state *checkpoints.OptimizerState) (map[string]interface{}, error) {
	if state == nil {
		return nil, fmt.Errorf("optimizer state is nil")
	}
	if err := validateStateType(b.kind, state); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, st := range state.StateData {
		slots, ok := b.slots[st.StateType]
		if !ok {
			return nil, fmt.Errorf("%s has no state buffer %q", b.kind, st.StateType)
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(slots) {
			return nil, fmt.Errorf("state tensor %q does not match any of %d parameters", st.Name, len(slots))
		}
		if len(st.Data) != b.params[idx].NumElems {
			return nil, fmt.Errorf("%w: state tensor %q has %d elements, parameter has %d",
				tensor.ErrShapeMismatch, st.Name, len(st.Data), b.params[idx].NumElems)
		}
		slots[idx] = append([]float32(nil), st.Data...)
	}

	b.lr = extractFloatParam(state.Parameters, "learning_rate", b.lr)
	b.weightDecay = extractFloatParam(state.Parameters, "weight_decay", b.weightDecay)
	b.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", float64(b.stepCount)))
	return state.Parameters, nil
}

// extractBufferIndex extracts the parameter index from names like "momentum_0"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloatParam reads a numeric hyperparameter. JSON round trips turn
// every number into float64.
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return defaultValue
}

func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}
