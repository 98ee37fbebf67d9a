package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/tensor"
)

// checkModuleGradients compares the analytic gradients of sum(w * f(x))
// with central differences, for the input and every parameter.
func checkModuleGradients(t *testing.T, f func() (*tensor.Tensor, error), inputs ...*tensor.Tensor) {
	t.Helper()
	const eps = 1e-2

	out, err := f()
	require.NoError(t, err)
	weights, err := tensor.RandomNormal(out.Shape, 0, 1, rand.New(rand.NewSource(99)))
	require.NoError(t, err)
	objective := func() float64 {
		y, err := f()
		require.NoError(t, err)
		s := 0.0
		for i, v := range y.Float32s() {
			s += float64(v) * float64(weights.Float32s()[i])
		}
		return s
	}

	tensor.ZeroGrad(inputs)
	prod, err := tensor.MulAutograd(out, weights)
	require.NoError(t, err)
	loss, err := tensor.SumAutograd(prod)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())

	for k, in := range inputs {
		require.NotNil(t, in.Grad(), "input %d has no gradient", k)
		analytic := in.Grad().Float32s()
		data := in.Float32s()
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := objective()
			data[i] = orig - eps
			minus := objective()
			data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			tol := 2e-2 * math.Max(1, math.Abs(numeric))
			if math.Abs(numeric-float64(analytic[i])) > tol {
				t.Errorf("input %d element %d: analytic %f, numeric %f", k, i, analytic[i], numeric)
			}
		}
	}
}

func TestBatchNorm1d(t *testing.T) {
	t.Run("training normalizes each feature", func(t *testing.T) {
		bn, err := NewBatchNorm1d(3, 0, 0)
		require.NoError(t, err)
		x, _ := tensor.RandomNormal([]int{16, 3}, 5, 2, rand.New(rand.NewSource(1)))
		out, err := bn.Forward(x)
		require.NoError(t, err)

		data := out.Float32s()
		for j := 0; j < 3; j++ {
			mean, sq := 0.0, 0.0
			for i := 0; i < 16; i++ {
				v := float64(data[i*3+j])
				mean += v
				sq += v * v
			}
			mean /= 16
			assert.InDelta(t, 0, mean, 1e-4)
			assert.InDelta(t, 1, sq/16-mean*mean, 1e-2)
		}
	})

	t.Run("running statistics move toward the batch", func(t *testing.T) {
		bn, _ := NewBatchNorm1d(2, 1e-5, 0.5)
		x, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 10, 3, 10})
		_, err := bn.Forward(x)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{1, 5}, bn.runningMean.Float32s(), 1e-6)
		// unbiased variance of {1,3} is 2, of {10,10} is 0
		assert.InDeltaSlice(t, []float32{1.5, 0.5}, bn.runningVar.Float32s(), 1e-6)
	})

	t.Run("eval and single samples use running statistics", func(t *testing.T) {
		bn, _ := NewBatchNorm1d(2, 1e-5, 0.1)
		one, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{2, -2})
		out, err := bn.Forward(one)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{2, -2}, out.Float32s(), 1e-4)

		bn.Eval()
		x, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
		out, err = bn.Forward(x)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{1, 2, 3, 4}, out.Float32s(), 1e-4)
		assert.Equal(t, []float32{0, 0}, bn.runningMean.Float32s())
	})

	t.Run("buffers and parameter names", func(t *testing.T) {
		bn, _ := NewBatchNorm1d(4, 0, 0)
		assert.Equal(t, []string{"weight", "bias"}, bn.ParameterNames())
		buffers := bn.Buffers()
		require.Len(t, buffers, 2)
		assert.Equal(t, "running_mean", buffers[0].Name)
		assert.Equal(t, "running_var", buffers[1].Name)
	})

	t.Run("rejects wrong width", func(t *testing.T) {
		bn, _ := NewBatchNorm1d(4, 0, 0)
		x, _ := tensor.Zeros([]int{2, 3}, tensor.Float32)
		_, err := bn.Forward(x)
		require.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("gradients match finite differences", func(t *testing.T) {
		rng := rand.New(rand.NewSource(12))
		bn, _ := NewBatchNorm1d(3, 1e-5, 0.1)
		copy(bn.gamma.Float32s(), []float32{1.5, 0.5, -1})
		copy(bn.beta.Float32s(), []float32{0.1, 0.2, 0.3})
		x, _ := tensor.RandomNormal([]int{5, 3}, 0, 1, rng)
		x.SetRequiresGrad(true)
		checkModuleGradients(t, func() (*tensor.Tensor, error) { return bn.Forward(x) }, x, bn.gamma, bn.beta)

		bn.Eval()
		checkModuleGradients(t, func() (*tensor.Tensor, error) { return bn.Forward(x) }, x, bn.gamma, bn.beta)
	})
}
