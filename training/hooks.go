package training

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tsawler/go-adapt/tensor"
)

// ErrModuleNotFound is returned when a dotted module path does not resolve
// to a submodule.
var ErrModuleNotFound = errors.New("module not found")

// ForwardHook observes the output of a submodule each time it runs.
type ForwardHook func(module Module, input, output *tensor.Tensor)

// Container is implemented by modules that hold named submodules. Containers
// must run their children through Child.Forward so hooks fire.
type Container interface {
	Children() []*Child
}

// Child is a named submodule slot inside a container.
type Child struct {
	Name   string
	Module Module

	hooks  []hookEntry
	nextID int
}

type hookEntry struct {
	id int
	fn ForwardHook
}

// NewChild wraps module under name.
func NewChild(name string, module Module) *Child {
	return &Child{Name: name, Module: module}
}

// Forward runs the wrapped module and then every registered hook.
func (c *Child) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output, err := c.Module.Forward(input)
	if err != nil {
		return nil, err
	}
	for _, h := range c.hooks {
		h.fn(c.Module, input, output)
	}
	return output, nil
}

func (c *Child) Parameters() []*tensor.Tensor { return c.Module.Parameters() }
func (c *Child) Train()                       { c.Module.Train() }
func (c *Child) Eval()                        { c.Module.Eval() }
func (c *Child) IsTraining() bool             { return c.Module.IsTraining() }

// HookHandle detaches a registered hook.
type HookHandle struct {
	child *Child
	id    int
}

// Remove detaches the hook. Calling it more than once is a no-op.
func (h *HookHandle) Remove() {
	if h == nil || h.child == nil {
		return
	}
	hooks := h.child.hooks
	for i, e := range hooks {
		if e.id == h.id {
			h.child.hooks = append(hooks[:i:i], hooks[i+1:]...)
			break
		}
	}
	h.child = nil
}

// RegisterForwardHook attaches hook to the submodule of root at path
// (dot-separated child names, e.g. "feature_extractor.2").
func RegisterForwardHook(root Module, path string, hook ForwardHook) (*HookHandle, error) {
	child, err := findChild(root, path)
	if err != nil {
		return nil, err
	}
	child.nextID++
	child.hooks = append(child.hooks, hookEntry{id: child.nextID, fn: hook})
	return &HookHandle{child: child, id: child.nextID}, nil
}

// FindModule returns the submodule of root at path.
func FindModule(root Module, path string) (Module, error) {
	child, err := findChild(root, path)
	if err != nil {
		return nil, err
	}
	return child.Module, nil
}

func findChild(root Module, path string) (*Child, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty module path", ErrModuleNotFound)
	}
	var (
		current Module = root
		found   *Child
	)
	for _, part := range strings.Split(path, ".") {
		container, ok := current.(Container)
		if !ok {
			return nil, fmt.Errorf("%w: %q (%T has no children)", ErrModuleNotFound, path, current)
		}
		found = nil
		for _, c := range container.Children() {
			if c.Name == part {
				found = c
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("%w: %q (no child %q)", ErrModuleNotFound, path, part)
		}
		current = found.Module
	}
	return found, nil
}

// NamedModules lists every submodule of root depth-first with its dotted path.
func NamedModules(root Module) []string {
	var names []string
	walkChildren(root, "", func(name string, _ Module) {
		names = append(names, name)
	})
	return names
}

// NamedParameters lists the trainable parameters of root with dotted names
// ("fc.weight", "feature_extractor.0.bias").
func NamedParameters(root Module) []NamedTensor {
	var out []NamedTensor
	collect := func(prefix string, m Module) {
		if _, ok := m.(Container); ok {
			return
		}
		params := m.Parameters()
		var names []string
		if namer, ok := m.(ParameterNamer); ok {
			names = namer.ParameterNames()
		}
		for i, p := range params {
			name := fmt.Sprintf("param%d", i)
			if i < len(names) {
				name = names[i]
			}
			out = append(out, NamedTensor{Name: joinPath(prefix, name), Tensor: p})
		}
	}
	collect("", root)
	walkChildren(root, "", collect)
	return out
}

// NamedBuffers lists the non-trainable state of root with dotted names.
func NamedBuffers(root Module) []NamedTensor {
	var out []NamedTensor
	collect := func(prefix string, m Module) {
		if b, ok := m.(BufferedModule); ok {
			for _, nt := range b.Buffers() {
				out = append(out, NamedTensor{Name: joinPath(prefix, nt.Name), Tensor: nt.Tensor})
			}
		}
	}
	collect("", root)
	walkChildren(root, "", collect)
	return out
}

func walkChildren(m Module, prefix string, visit func(name string, m Module)) {
	container, ok := m.(Container)
	if !ok {
		return
	}
	for _, c := range container.Children() {
		name := joinPath(prefix, c.Name)
		visit(name, c.Module)
		walkChildren(c.Module, name, visit)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
