package adapt

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/tsawler/go-adapt/layers"
	"github.com/tsawler/go-adapt/tensor"
	"github.com/tsawler/go-adapt/training"
)

// Network is a module tree built from a compiled layers.ModelSpec. Layer
// names of the form "block.N" are grouped into a training.Sequential child
// named "block"; other names become direct children. Dense layers flatten
// their input, matching ModelSpec shape inference.
type Network struct {
	spec     *layers.ModelSpec
	children []*training.Child
	flatten  []bool
	training bool
}

// NewNetworkFromSpec instantiates every layer of spec. rng seeds weight
// initialisation and dropout masks.
func NewNetworkFromSpec(spec *layers.ModelSpec, rng *rand.Rand) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("%w: network needs a compiled model spec", ErrInvalidConfig)
	}
	n := &Network{spec: spec, training: true}

	var (
		group    *training.Sequential
		groupKey string
	)
	for _, ls := range spec.Layers {
		m, err := newLayerModule(ls, rng)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", ls.Name, err)
		}
		prefix, index, nested := splitIndexedName(ls.Name)
		if nested {
			if group == nil || groupKey != prefix {
				if index != 0 {
					return nil, fmt.Errorf("%w: layer %s starts block %q at index %d", ErrInvalidConfig, ls.Name, prefix, index)
				}
				group, groupKey = training.NewSequential(), prefix
				if err := n.add(prefix, group, false); err != nil {
					return nil, err
				}
			} else if index != group.Len() {
				return nil, fmt.Errorf("%w: layer %s out of order in block %q", ErrInvalidConfig, ls.Name, prefix)
			}
			group.Add(m)
			continue
		}
		group = nil
		if err := n.add(ls.Name, m, ls.Type == layers.Dense && len(ls.InputShape) > 2); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Network) add(name string, m training.Module, flatten bool) error {
	for _, c := range n.children {
		if c.Name == name {
			return fmt.Errorf("%w: duplicate layer name %q", ErrInvalidConfig, name)
		}
	}
	n.children = append(n.children, training.NewChild(name, m))
	n.flatten = append(n.flatten, flatten)
	return nil
}

// splitIndexedName splits "feature_extractor.0" into ("feature_extractor", 0, true).
func splitIndexedName(name string) (string, int, bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, 0, false
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || strings.Contains(name[:i], ".") {
		return name, 0, false
	}
	return name[:i], idx, true
}

func newLayerModule(ls layers.LayerSpec, rng *rand.Rand) (training.Module, error) {
	p := ls.Parameters
	switch ls.Type {
	case layers.Dense:
		return training.NewLinear(layers.IntParam(p, "input_size", 0), layers.IntParam(p, "output_size", 0),
			layers.BoolParam(p, "use_bias", true), rng)
	case layers.Conv1D:
		return training.NewConv1D(layers.IntParam(p, "input_channels", 0), layers.IntParam(p, "output_channels", 0),
			layers.IntParam(p, "kernel_size", 0), layers.IntParam(p, "stride", 1), layers.IntParam(p, "padding", 0),
			layers.BoolParam(p, "use_bias", true), rng)
	case layers.AvgPool1D:
		k := layers.IntParam(p, "kernel_size", 0)
		return training.NewAvgPool1D(k, layers.IntParam(p, "stride", k)), nil
	case layers.MaxPool1D:
		k := layers.IntParam(p, "kernel_size", 0)
		return training.NewMaxPool1D(k, layers.IntParam(p, "stride", k)), nil
	case layers.ReLU:
		return training.NewReLU(), nil
	case layers.Sigmoid:
		return training.NewSigmoid(), nil
	case layers.Tanh:
		return training.NewTanh(), nil
	case layers.Softmax:
		return training.NewSoftmax(), nil
	case layers.Flatten:
		return training.NewFlatten(), nil
	case layers.Dropout:
		return training.NewDropout(layers.FloatParam(p, "rate", 0), rng)
	case layers.BatchNorm:
		return training.NewBatchNorm1d(layers.IntParam(p, "num_features", 0),
			layers.FloatParam(p, "eps", 1e-5), layers.FloatParam(p, "momentum", 0.1))
	case layers.GradientReversal:
		return NewGradientReversal(layers.FloatParam(p, "alpha", 1)), nil
	default:
		return nil, fmt.Errorf("%w: unsupported layer type %s", ErrInvalidConfig, ls.Type)
	}
}

func (n *Network) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	var err error
	for i, c := range n.children {
		if n.flatten[i] && len(out.Shape) > 2 {
			if out, err = tensor.FlattenAutograd(out); err != nil {
				return nil, err
			}
		}
		if out, err = c.Forward(out); err != nil {
			return nil, fmt.Errorf("module %s forward failed: %w", c.Name, err)
		}
	}
	return out, nil
}

func (n *Network) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, c := range n.children {
		params = append(params, c.Parameters()...)
	}
	return params
}

func (n *Network) Train() {
	n.training = true
	for _, c := range n.children {
		c.Train()
	}
}

func (n *Network) Eval() {
	n.training = false
	for _, c := range n.children {
		c.Eval()
	}
}

func (n *Network) IsTraining() bool            { return n.training }
func (n *Network) Children() []*training.Child { return n.children }

// Spec returns the model spec the network was built from.
func (n *Network) Spec() *layers.ModelSpec { return n.spec }
