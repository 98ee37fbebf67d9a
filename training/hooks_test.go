package training

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/tensor"
)

// twoStage is a small container with named children, like a model that
// exposes a feature extractor and a classifier head.
type twoStage struct {
	children []*Child
	training bool
}

func newTwoStage(t *testing.T) *twoStage {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	l1, err := NewLinear(4, 6, true, rng)
	require.NoError(t, err)
	head, err := NewLinear(6, 2, true, rng)
	require.NoError(t, err)
	return &twoStage{
		children: []*Child{
			NewChild("features", NewSequential(l1, NewReLU())),
			NewChild("head", head),
		},
		training: true,
	}
}

func (m *twoStage) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.children[0].Forward(x)
	if err != nil {
		return nil, err
	}
	return m.children[1].Forward(h)
}

func (m *twoStage) Parameters() []*tensor.Tensor {
	return append(m.children[0].Parameters(), m.children[1].Parameters()...)
}
func (m *twoStage) Train()             { m.training = true }
func (m *twoStage) Eval()              { m.training = false }
func (m *twoStage) IsTraining() bool   { return m.training }
func (m *twoStage) Children() []*Child { return m.children }

func TestForwardHooks(t *testing.T) {
	model := newTwoStage(t)
	input, _ := tensor.RandomNormal([]int{3, 4}, 0, 1, rand.New(rand.NewSource(1)))

	t.Run("hook captures output", func(t *testing.T) {
		var captured *tensor.Tensor
		handle, err := RegisterForwardHook(model, "features", func(_ Module, _, output *tensor.Tensor) {
			captured = output
		})
		require.NoError(t, err)
		defer handle.Remove()

		_, err = model.Forward(input)
		require.NoError(t, err)
		require.NotNil(t, captured)
		assert.Equal(t, []int{3, 6}, captured.Shape)
		assert.True(t, captured.RequiresGrad(), "captured features must stay in the graph")
	})

	t.Run("nested path", func(t *testing.T) {
		calls := 0
		handle, err := RegisterForwardHook(model, "features.0", func(m Module, in, out *tensor.Tensor) {
			calls++
			_, isLinear := m.(*Linear)
			assert.True(t, isLinear)
			assert.Same(t, input, in)
		})
		require.NoError(t, err)
		_, err = model.Forward(input)
		require.NoError(t, err)
		handle.Remove()
		handle.Remove()
		_, err = model.Forward(input)
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("removing one hook keeps the others", func(t *testing.T) {
		var a, b int
		ha, _ := RegisterForwardHook(model, "head", func(Module, *tensor.Tensor, *tensor.Tensor) { a++ })
		hb, _ := RegisterForwardHook(model, "head", func(Module, *tensor.Tensor, *tensor.Tensor) { b++ })
		ha.Remove()
		_, err := model.Forward(input)
		require.NoError(t, err)
		hb.Remove()
		assert.Equal(t, 0, a)
		assert.Equal(t, 1, b)
	})

	t.Run("unknown names", func(t *testing.T) {
		for _, path := range []string{"", "classifier", "features.7", "head.weight"} {
			_, err := RegisterForwardHook(model, path, func(Module, *tensor.Tensor, *tensor.Tensor) {})
			assert.True(t, errors.Is(err, ErrModuleNotFound), "path %q: %v", path, err)
		}
	})
}

func TestModuleTreeNames(t *testing.T) {
	model := newTwoStage(t)

	assert.Equal(t, []string{"features", "features.0", "features.1", "head"}, NamedModules(model))

	var names []string
	for _, nt := range NamedParameters(model) {
		names = append(names, nt.Name)
	}
	assert.Equal(t, []string{"features.0.weight", "features.0.bias", "head.weight", "head.bias"}, names)

	m, err := FindModule(model, "head")
	require.NoError(t, err)
	assert.IsType(t, &Linear{}, m)
}
