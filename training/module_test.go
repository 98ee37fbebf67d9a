package training

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/tensor"
)

func TestLinearModule(t *testing.T) {
	t.Run("forward computes xW + b", func(t *testing.T) {
		linear, err := NewLinear(3, 2, true, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		copy(linear.weight.Float32s(), []float32{1, 0, 0, 1, 1, 1})
		copy(linear.bias.Float32s(), []float32{0.5, -0.5})

		input, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{1, 2, 3, 4, 5, 6})
		output, err := linear.Forward(input)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, output.Shape)
		assert.InDeltaSlice(t, []float32{4.5, 4.5, 10.5, 10.5}, output.Float32s(), 1e-6)
	})

	t.Run("without bias", func(t *testing.T) {
		linear, err := NewLinear(2, 1, false, nil)
		require.NoError(t, err)
		assert.Nil(t, linear.bias)
		assert.Len(t, linear.Parameters(), 1)
		assert.Equal(t, []string{"weight"}, linear.ParameterNames())
	})

	t.Run("rejects wrong input width", func(t *testing.T) {
		linear, err := NewLinear(4, 2, true, nil)
		require.NoError(t, err)
		input, _ := tensor.Zeros([]int{3, 5}, tensor.Float32)
		_, err = linear.Forward(input)
		require.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("same seed gives same weights", func(t *testing.T) {
		a, _ := NewLinear(5, 3, true, rand.New(rand.NewSource(42)))
		b, _ := NewLinear(5, 3, true, rand.New(rand.NewSource(42)))
		assert.Equal(t, a.weight.Float32s(), b.weight.Float32s())
	})
}

func TestConv1DModule(t *testing.T) {
	conv, err := NewConv1D(2, 10, 8, 1, 0, true, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	input, _ := tensor.RandomNormal([]int{4, 2, 100}, 0, 1, rand.New(rand.NewSource(4)))

	output, err := conv.Forward(input)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 10, 93}, output.Shape)

	pool := NewAvgPool1D(8, 0)
	pooled, err := pool.Forward(output)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 10, 11}, pooled.Shape)

	flat, err := NewFlatten().Forward(pooled)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 110}, flat.Shape)

	_, err = conv.Forward(flat)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestDropout(t *testing.T) {
	input, _ := tensor.Ones([]int{10, 20}, tensor.Float32)

	t.Run("training mode masks and rescales", func(t *testing.T) {
		d, err := NewDropout(0.5, rand.New(rand.NewSource(7)))
		require.NoError(t, err)
		out, err := d.Forward(input)
		require.NoError(t, err)
		zeros := 0
		for _, v := range out.Float32s() {
			if v == 0 {
				zeros++
			} else {
				assert.Equal(t, float32(2), v)
			}
		}
		assert.Greater(t, zeros, 50)
		assert.Less(t, zeros, 150)
	})

	t.Run("eval mode is identity", func(t *testing.T) {
		d, _ := NewDropout(0.5, nil)
		d.Eval()
		out, err := d.Forward(input)
		require.NoError(t, err)
		assert.Same(t, input, out)
	})

	t.Run("invalid probability", func(t *testing.T) {
		_, err := NewDropout(1, nil)
		require.Error(t, err)
	})
}

func TestSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	l1, _ := NewLinear(4, 3, true, rng)
	d, _ := NewDropout(0.2, rng)
	l2, _ := NewLinear(3, 2, false, rng)
	seq := NewSequential(l1, NewReLU(), d, l2)

	t.Run("children are named by position", func(t *testing.T) {
		assert.Equal(t, 4, seq.Len())
		names := make([]string, 0, seq.Len())
		for _, c := range seq.Children() {
			names = append(names, c.Name)
		}
		assert.Equal(t, []string{"0", "1", "2", "3"}, names)
	})

	t.Run("named parameters", func(t *testing.T) {
		var names []string
		for _, nt := range NamedParameters(seq) {
			names = append(names, nt.Name)
		}
		if diff := cmp.Diff([]string{"0.weight", "0.bias", "3.weight"}, names); diff != "" {
			t.Errorf("parameter names mismatch (-want +got):\n%s", diff)
		}
		assert.Len(t, seq.Parameters(), 3)
	})

	t.Run("train and eval propagate", func(t *testing.T) {
		seq.Eval()
		assert.False(t, seq.IsTraining())
		assert.False(t, d.IsTraining())
		seq.Train()
		assert.True(t, d.IsTraining())
	})

	t.Run("forward shape", func(t *testing.T) {
		input, _ := tensor.RandomNormal([]int{5, 4}, 0, 1, rng)
		out, err := seq.Forward(input)
		require.NoError(t, err)
		assert.Equal(t, []int{5, 2}, out.Shape)
	})
}
