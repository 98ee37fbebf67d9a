package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvOutputLength(t *testing.T) {
	tests := []struct {
		name                            string
		length, kernel, stride, padding int
		expected                        int
	}{
		{"valid conv", 100, 8, 1, 0, 93},
		{"padded conv", 10, 3, 1, 1, 10},
		{"strided pool", 93, 8, 8, 0, 11},
		{"zero stride treated as one", 5, 2, 0, 0, 4},
		{"kernel too long", 7, 8, 8, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ConvOutputLength(tt.length, tt.kernel, tt.stride, tt.padding))
		})
	}
}

func TestConv1DForward(t *testing.T) {
	t.Run("single channel with bias", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 1, 4}, Float32, []float32{1, 2, 3, 4})
		w, _ := NewTensor([]int{1, 1, 2}, Float32, []float32{1, -1})
		b, _ := NewTensor([]int{1}, Float32, []float32{0.5})

		out, err := Conv1DAutograd(x, w, b, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 1, 3}, out.Shape)
		assert.Equal(t, []float32{-0.5, -0.5, -0.5}, out.Float32s())
	})

	t.Run("channels are summed", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 2, 3}, Float32, []float32{1, 2, 3, 10, 20, 30})
		w, _ := NewTensor([]int{1, 2, 1}, Float32, []float32{1, 1})

		out, err := Conv1DAutograd(x, w, nil, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []float32{11, 22, 33}, out.Float32s())
	})

	t.Run("channel mismatch", func(t *testing.T) {
		x, _ := Zeros([]int{1, 2, 5}, Float32)
		w, _ := Zeros([]int{4, 3, 2}, Float32)
		_, err := Conv1DAutograd(x, w, nil, 1, 0)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("kernel longer than input", func(t *testing.T) {
		x, _ := Zeros([]int{1, 1, 3}, Float32)
		w, _ := Zeros([]int{1, 1, 5}, Float32)
		_, err := Conv1DAutograd(x, w, nil, 1, 0)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestPool1DForward(t *testing.T) {
	x, _ := NewTensor([]int{1, 1, 7}, Float32, []float32{1, 3, 2, 8, 5, 4, 9})

	avg, err := AvgPool1DAutograd(x, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3}, avg.Shape)
	assert.Equal(t, []float32{2, 5, 4.5}, avg.Float32s())

	maxed, err := MaxPool1DAutograd(x, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 8, 5}, maxed.Float32s())

	_, err = AvgPool1DAutograd(x, 8, 0)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestConvGradients(t *testing.T) {
	t.Run("conv1d", func(t *testing.T) {
		x := randomTensor(t, 11, 2, 2, 9)
		w := randomTensor(t, 12, 3, 2, 3)
		b := randomTensor(t, 13, 3)
		checkGradients(t, "conv1d", func() (*Tensor, error) { return Conv1DAutograd(x, w, b, 1, 0) }, x, w, b)
	})

	t.Run("conv1d strided and padded", func(t *testing.T) {
		x := randomTensor(t, 14, 1, 1, 8)
		w := randomTensor(t, 15, 2, 1, 3)
		checkGradients(t, "conv1d-strided", func() (*Tensor, error) { return Conv1DAutograd(x, w, nil, 2, 1) }, x, w)
	})

	t.Run("avg pool", func(t *testing.T) {
		x := randomTensor(t, 16, 2, 3, 8)
		checkGradients(t, "avgpool", func() (*Tensor, error) { return AvgPool1DAutograd(x, 4, 0) }, x)
	})

	t.Run("max pool routes to the winner", func(t *testing.T) {
		x, _ := NewTensor([]int{1, 1, 4}, Float32, []float32{1, 5, 7, 2})
		x.SetRequiresGrad(true)

		out, err := MaxPool1DAutograd(x, 2, 0)
		require.NoError(t, err)
		s, err := SumAutograd(out)
		require.NoError(t, err)
		require.NoError(t, s.Backward())
		assert.Equal(t, []float32{0, 1, 1, 0}, x.Grad().Float32s())
	})

	t.Run("feature extractor chain", func(t *testing.T) {
		x := randomTensor(t, 17, 2, 1, 20)
		w := randomTensor(t, 18, 4, 1, 4)
		checkGradients(t, "chain", func() (*Tensor, error) {
			h, err := Conv1DAutograd(x, w, nil, 1, 0)
			if err != nil {
				return nil, err
			}
			h, err = TanhAutograd(h)
			if err != nil {
				return nil, err
			}
			h, err = AvgPool1DAutograd(h, 4, 0)
			if err != nil {
				return nil, err
			}
			return FlattenAutograd(h)
		}, x, w)
	})
}
