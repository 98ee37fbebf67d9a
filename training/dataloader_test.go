package training

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tsawler/go-adapt/tensor"
)

func newRangeDataset(t *testing.T, n int, withLabels bool) *TensorDataset {
	t.Helper()
	data := make([]float32, n*2)
	labels := make([]int32, n)
	for i := 0; i < n; i++ {
		data[2*i] = float32(i)
		data[2*i+1] = float32(-i)
		labels[i] = int32(i % 3)
	}
	x, err := tensor.NewTensor([]int{n, 2}, tensor.Float32, data)
	require.NoError(t, err)
	var y *tensor.Tensor
	if withLabels {
		y, err = tensor.NewTensor([]int{n}, tensor.Int32, labels)
		require.NoError(t, err)
	}
	ds, err := NewTensorDataset(x, y)
	require.NoError(t, err)
	return ds
}

func TestTensorDataset(t *testing.T) {
	ds := newRangeDataset(t, 5, true)
	assert.Equal(t, 5, ds.Len())

	x, y, err := ds.Get(3)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, -3}, x.Float32s())
	assert.Equal(t, []int32{0}, y.Int32s())

	t.Run("label count mismatch", func(t *testing.T) {
		x, _ := tensor.Zeros([]int{4, 2}, tensor.Float32)
		y, _ := tensor.Zeros([]int{3}, tensor.Int32)
		_, err := NewTensorDataset(x, y)
		require.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("unlabelled", func(t *testing.T) {
		ds := newRangeDataset(t, 3, false)
		_, y, err := ds.Get(0)
		require.NoError(t, err)
		assert.Nil(t, y)
	})
}

func TestDataLoader(t *testing.T) {
	t.Run("sequential batches", func(t *testing.T) {
		dl, err := NewDataLoader(newRangeDataset(t, 10, true), 4, false, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, dl.Len())

		var sizes []int
		for dl.HasNext() {
			b, err := dl.Next()
			require.NoError(t, err)
			sizes = append(sizes, b.Size())
		}
		assert.Equal(t, []int{4, 4, 2}, sizes)
		b, err := dl.Next()
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("shuffle is a seeded permutation", func(t *testing.T) {
		order := func(seed int64) []int {
			dl, err := NewDataLoader(newRangeDataset(t, 12, true), 5, true, rand.New(rand.NewSource(seed)))
			require.NoError(t, err)
			var seen []int
			for dl.HasNext() {
				b, err := dl.Next()
				require.NoError(t, err)
				for i, idx := range b.Indices {
					assert.Equal(t, float32(idx), b.Data.Float32s()[2*i])
				}
				seen = append(seen, b.Indices...)
			}
			return seen
		}
		a, b := order(3), order(3)
		assert.Equal(t, a, b)
		sorted := append([]int(nil), a...)
		sort.Ints(sorted)
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, sorted)
	})

	t.Run("cycling never runs dry", func(t *testing.T) {
		dl, err := NewDataLoader(newRangeDataset(t, 3, false), 2, true, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		for i := 0; i < 7; i++ {
			b, err := dl.NextCycling()
			require.NoError(t, err)
			require.NotNil(t, b)
			assert.Nil(t, b.Labels)
		}
	})

	t.Run("cycling fixed size batches", func(t *testing.T) {
		dl, err := NewDataLoader(newRangeDataset(t, 3, true), 2, true, rand.New(rand.NewSource(2)))
		require.NoError(t, err)

		seen := map[int]int{}
		for i := 0; i < 3; i++ {
			b, err := dl.NextCyclingN(4)
			require.NoError(t, err)
			assert.Equal(t, 4, b.Size())
			assert.Equal(t, 4, b.Labels.NumElems)
			for _, idx := range b.Indices {
				seen[idx]++
			}
		}
		// 12 draws over 3 samples visit each sample exactly 4 times
		assert.Equal(t, map[int]int{0: 4, 1: 4, 2: 4}, seen)

		_, err = dl.NextCyclingN(0)
		require.Error(t, err)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := NewDataLoader(newRangeDataset(t, 3, true), 0, false, nil)
		require.Error(t, err)
	})
}

func TestDataLoaderIterator(t *testing.T) {
	t.Run("full epoch", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		dl, err := NewDataLoader(newRangeDataset(t, 9, true), 2, true, rand.New(rand.NewSource(4)))
		require.NoError(t, err)
		count, samples := 0, 0
		for b := range dl.Iterator(context.Background()) {
			count++
			samples += b.Size()
		}
		assert.Equal(t, 5, count)
		assert.Equal(t, 9, samples)
		assert.NoError(t, dl.Err())
	})

	t.Run("cancellation stops the producer", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		dl, err := NewDataLoader(newRangeDataset(t, 50, true), 1, false, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		ch := dl.Iterator(ctx)
		<-ch
		cancel()
		for range ch {
		}
	})
}

func TestRandomSplit(t *testing.T) {
	ds := newRangeDataset(t, 10, true)
	train, held, err := RandomSplit(ds, 0.2, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 2, held.Len())

	seen := map[float32]bool{}
	for _, sub := range []*SubsetDataset{train, held} {
		for i := 0; i < sub.Len(); i++ {
			x, _, err := sub.Get(i)
			require.NoError(t, err)
			seen[x.Float32s()[0]] = true
		}
	}
	assert.Len(t, seen, 10)

	dl, err := NewDataLoader(held, 2, false, nil)
	require.NoError(t, err)
	b, err := dl.Next()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, b.Data.Shape)

	_, _, err = RandomSplit(ds, 1, nil)
	require.Error(t, err)
}
