package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weightedSum reduces out to a scalar with fixed pseudo-random weights so
// that every output element contributes a distinct gradient.
func weightedSum(out *Tensor) (*Tensor, error) {
	rng := rand.New(rand.NewSource(int64(out.NumElems)))
	w, err := RandomNormal(out.Shape, 0, 1, rng)
	if err != nil {
		return nil, err
	}
	prod, err := MulAutograd(out, w)
	if err != nil {
		return nil, err
	}
	return SumAutograd(prod)
}

// checkGradients compares analytic gradients of f against central finite differences.
func checkGradients(t *testing.T, name string, f func() (*Tensor, error), inputs ...*Tensor) {
	t.Helper()

	for _, in := range inputs {
		in.SetRequiresGrad(true)
		in.grad = nil
	}
	out, err := f()
	require.NoError(t, err, name)
	loss, err := weightedSum(out)
	require.NoError(t, err, name)
	require.NoError(t, loss.Backward(), name)

	const eps = 1e-2
	for k, in := range inputs {
		require.NotNil(t, in.Grad(), "%s: input %d has no gradient", name, k)
		data := in.Float32s()
		analytic := in.Grad().Float32s()
		for i := range data {
			orig := data[i]

			data[i] = orig + eps
			outPlus, err := f()
			require.NoError(t, err)
			lp, err := weightedSum(outPlus)
			require.NoError(t, err)

			data[i] = orig - eps
			outMinus, err := f()
			require.NoError(t, err)
			lm, err := weightedSum(outMinus)
			require.NoError(t, err)

			data[i] = orig

			numeric := (float64(lp.Float32s()[0]) - float64(lm.Float32s()[0])) / (2 * eps)
			diff := math.Abs(numeric - float64(analytic[i]))
			tol := 2e-2 * math.Max(1, math.Abs(numeric))
			if diff > tol {
				t.Errorf("%s: input %d element %d: analytic %f, numeric %f", name, k, i, analytic[i], numeric)
			}
		}
	}
}

func randomTensor(t *testing.T, seed int64, shape ...int) *Tensor {
	t.Helper()
	x, err := RandomNormal(shape, 0, 1, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return x
}

func TestAutogradBackward(t *testing.T) {
	t.Run("Simple addition backward", func(t *testing.T) {
		x1, _ := NewTensor([]int{1}, Float32, []float32{3.0})
		x2, _ := NewTensor([]int{1}, Float32, []float32{4.0})
		x1.SetRequiresGrad(true)
		x2.SetRequiresGrad(true)

		y, err := AddAutograd(x1, x2)
		require.NoError(t, err)
		require.True(t, y.RequiresGrad())
		require.False(t, y.IsLeaf())

		require.NoError(t, y.Backward())
		assert.Equal(t, float32(1), x1.Grad().Float32s()[0])
		assert.Equal(t, float32(1), x2.Grad().Float32s()[0])
	})

	t.Run("Product rule", func(t *testing.T) {
		x, _ := NewTensor([]int{1}, Float32, []float32{3.0})
		x.SetRequiresGrad(true)

		// y = x * x, dy/dx = 2x
		y, err := MulAutograd(x, x)
		require.NoError(t, err)
		require.NoError(t, y.Backward())
		assert.Equal(t, float32(6), x.Grad().Float32s()[0])
	})

	t.Run("Gradients accumulate until cleared", func(t *testing.T) {
		x, _ := NewTensor([]int{1}, Float32, []float32{2.0})
		x.SetRequiresGrad(true)

		for i := 0; i < 2; i++ {
			y, err := ScaleAutograd(x, 5)
			require.NoError(t, err)
			require.NoError(t, y.Backward())
		}
		assert.Equal(t, float32(10), x.Grad().Float32s()[0])

		ZeroGrad([]*Tensor{x})
		assert.Nil(t, x.Grad())
	})

	t.Run("Constants receive no gradient", func(t *testing.T) {
		x, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
		c, _ := NewTensor([]int{2}, Float32, []float32{3, 4})
		x.SetRequiresGrad(true)

		y, err := MulAutograd(x, c)
		require.NoError(t, err)
		s, err := SumAutograd(y)
		require.NoError(t, err)
		require.NoError(t, s.Backward())
		assert.Equal(t, []float32{3, 4}, x.Grad().Float32s())
		assert.Nil(t, c.Grad())
	})

	t.Run("Backward needs a scalar", func(t *testing.T) {
		x, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
		x.SetRequiresGrad(true)
		y, err := ScaleAutograd(x, 2)
		require.NoError(t, err)
		require.ErrorIs(t, y.Backward(), ErrShapeMismatch)
	})

	t.Run("No graph", func(t *testing.T) {
		x, _ := NewTensor([]int{1}, Float32, []float32{1})
		require.Error(t, x.Backward())
	})

	t.Run("Detach cuts the graph", func(t *testing.T) {
		x, _ := NewTensor([]int{1}, Float32, []float32{1})
		x.SetRequiresGrad(true)
		y, err := ScaleAutograd(x, 3)
		require.NoError(t, err)
		d := y.Detach()
		assert.False(t, d.RequiresGrad())
		assert.True(t, d.IsLeaf())
	})
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	t.Run("broadcast add and mul", func(t *testing.T) {
		a := randomTensor(t, 1, 3, 4)
		b := randomTensor(t, 2, 4)
		checkGradients(t, "add", func() (*Tensor, error) { return AddAutograd(a, b) }, a, b)
		checkGradients(t, "sub", func() (*Tensor, error) { return SubAutograd(a, b) }, a, b)
		checkGradients(t, "mul", func() (*Tensor, error) { return MulAutograd(a, b) }, a, b)
	})

	t.Run("matmul", func(t *testing.T) {
		a := randomTensor(t, 3, 3, 4)
		b := randomTensor(t, 4, 4, 2)
		checkGradients(t, "matmul", func() (*Tensor, error) { return MatMulAutograd(a, b) }, a, b)
	})

	t.Run("activations", func(t *testing.T) {
		x := randomTensor(t, 5, 2, 5)
		checkGradients(t, "sigmoid", func() (*Tensor, error) { return SigmoidAutograd(x) }, x)
		checkGradients(t, "tanh", func() (*Tensor, error) { return TanhAutograd(x) }, x)
		checkGradients(t, "softmax", func() (*Tensor, error) { return SoftmaxAutograd(x) }, x)
	})

	t.Run("relu away from the kink", func(t *testing.T) {
		x, _ := NewTensor([]int{2, 3}, Float32, []float32{-1.5, 0.7, 2.1, -0.3, 1.2, -2.2})
		checkGradients(t, "relu", func() (*Tensor, error) { return ReLUAutograd(x) }, x)
	})

	t.Run("outer product", func(t *testing.T) {
		a := randomTensor(t, 6, 3, 4)
		b := randomTensor(t, 7, 3, 2)
		checkGradients(t, "outer", func() (*Tensor, error) { return OuterAutograd(a, b) }, a, b)
	})

	t.Run("concat and reshape", func(t *testing.T) {
		a := randomTensor(t, 8, 2, 3)
		b := randomTensor(t, 9, 2, 2)
		checkGradients(t, "concat", func() (*Tensor, error) {
			c, err := ConcatAutograd(1, a, b)
			if err != nil {
				return nil, err
			}
			return ReshapeAutograd(c, []int{5, 2})
		}, a, b)
	})

	t.Run("mean", func(t *testing.T) {
		x := randomTensor(t, 10, 3, 3)
		checkGradients(t, "mean", func() (*Tensor, error) { return MeanAutograd(x) }, x)
	})
}

func TestOuterProductLayout(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, Float32, []float32{1, 2})
	b, _ := NewTensor([]int{1, 3}, Float32, []float32{10, 20, 30})

	out, err := OuterAutograd(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6}, out.Shape)
	assert.Equal(t, []float32{10, 20, 30, 20, 40, 60}, out.Float32s())
}
