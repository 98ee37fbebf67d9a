package adapt

import (
	"fmt"

	"github.com/tsawler/go-adapt/tensor"
	"github.com/tsawler/go-adapt/training"
)

// featureHooks captures the outputs of named submodules on every forward
// pass of the module they are attached to.
type featureHooks struct {
	names    []string
	handles  []*training.HookHandle
	captured []*tensor.Tensor
}

// attachFeatureHooks registers one hook per layer name. Every name is
// resolved before anything is attached, so an unknown name leaves the
// module untouched.
func attachFeatureHooks(module training.Module, names []string) (*featureHooks, error) {
	for _, name := range names {
		if _, err := training.FindModule(module, name); err != nil {
			return nil, fmt.Errorf("layer %q: %w", name, err)
		}
	}
	h := &featureHooks{names: names, captured: make([]*tensor.Tensor, len(names))}
	for i, name := range names {
		i := i
		handle, err := training.RegisterForwardHook(module, name, func(_ training.Module, _, output *tensor.Tensor) {
			h.captured[i] = output
		})
		if err != nil {
			h.remove()
			return nil, fmt.Errorf("layer %q: %w", name, err)
		}
		h.handles = append(h.handles, handle)
	}
	return h, nil
}

func (h *featureHooks) reset() {
	for i := range h.captured {
		h.captured[i] = nil
	}
}

// features flattens the captured outputs to [n, d_i] and concatenates them
// along the feature axis. It fails if a hooked layer did not run.
func (h *featureHooks) features() (*tensor.Tensor, error) {
	parts := make([]*tensor.Tensor, len(h.captured))
	for i, out := range h.captured {
		if out == nil {
			return nil, fmt.Errorf("layer %q produced no output during the forward pass", h.names[i])
		}
		var err error
		if len(out.Shape) == 1 {
			parts[i], err = tensor.ReshapeAutograd(out, []int{out.Shape[0], 1})
		} else {
			parts[i], err = tensor.FlattenAutograd(out)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", h.names[i], err)
		}
	}
	feats, err := tensor.ConcatAutograd(1, parts...)
	if err != nil {
		return nil, fmt.Errorf("concatenating features: %w", err)
	}
	return feats, nil
}

// forward runs module on x and returns its output with the hooked features.
func (h *featureHooks) forward(module training.Module, x *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	h.reset()
	out, err := module.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	feats, err := h.features()
	if err != nil {
		return nil, nil, err
	}
	return out, feats, nil
}

func (h *featureHooks) remove() {
	for _, handle := range h.handles {
		handle.Remove()
	}
	h.handles = nil
}
