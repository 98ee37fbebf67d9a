package adapt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/tensor"
)

func TestGradientReversal(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	t.Run("identity forward, negated gradient", func(t *testing.T) {
		for _, alpha := range []float64{1, 0.5, 0} {
			x, err := tensor.RandomNormal([]int{2, 3}, 0, 1, rng)
			require.NoError(t, err)
			x.SetRequiresGrad(true)

			y, err := ReverseGradient(x, alpha)
			require.NoError(t, err)
			assert.Equal(t, x.Float32s(), y.Float32s())
			assert.NotSame(t, x, y)

			sum, err := tensor.SumAutograd(y)
			require.NoError(t, err)
			require.NoError(t, sum.Backward())
			for _, g := range x.Grad().Float32s() {
				assert.InDelta(t, -alpha, g, 1e-6, "alpha %g", alpha)
			}
		}
	})

	t.Run("module uses current alpha", func(t *testing.T) {
		grl := NewGradientReversal(1)
		grl.Alpha = 2
		x, err := tensor.NewTensor([]int{1, 2}, tensor.Float32, []float32{1, -1})
		require.NoError(t, err)
		x.SetRequiresGrad(true)

		y, err := grl.Forward(x)
		require.NoError(t, err)
		sum, err := tensor.SumAutograd(y)
		require.NoError(t, err)
		require.NoError(t, sum.Backward())
		assert.Equal(t, []float32{-2, -2}, x.Grad().Float32s())
		assert.Empty(t, grl.Parameters())

		grl.Eval()
		assert.False(t, grl.IsTraining())
	})

	t.Run("rejects int tensors", func(t *testing.T) {
		x, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{1, 2})
		require.NoError(t, err)
		_, err = ReverseGradient(x, 1)
		assert.ErrorIs(t, err, tensor.ErrDType)
	})
}

func TestAlphaSchedules(t *testing.T) {
	constant := ConstantAlpha(0.3)
	assert.Equal(t, 0.3, constant(0))
	assert.Equal(t, 0.3, constant(1))

	ramp := ProgressiveAlpha(10)
	assert.InDelta(t, 0, ramp(0), 1e-12)
	assert.InDelta(t, 2/(1+math.Exp(-10))-1, ramp(1), 1e-12)
	assert.Less(t, ramp(0.1), ramp(0.5))
	assert.Less(t, ramp(1), 1.0)
}
