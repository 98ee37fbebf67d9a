package training

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-adapt/tensor"
)

// SubsetDataset exposes a subset of an underlying dataset by index.
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubsetDataset wraps original, exposing only the given indices in order.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= original.Len() {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, original.Len())
		}
	}
	return &SubsetDataset{originalDataset: original, indices: append([]int(nil), indices...)}, nil
}

func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

func (sd *SubsetDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}

// Select gathers a batch through the underlying dataset when it supports it
func (sd *SubsetDataset) Select(indices []int) (*tensor.Tensor, *tensor.Tensor, error) {
	sel, ok := sd.originalDataset.(batchSelector)
	if !ok {
		return nil, nil, fmt.Errorf("underlying dataset %T cannot select batches", sd.originalDataset)
	}
	mapped := make([]int, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(sd.indices) {
			return nil, nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
		}
		mapped[i] = sd.indices[idx]
	}
	return sel.Select(mapped)
}

// RandomSplit shuffles the dataset indices with rng and splits off
// holdout (a fraction in (0, 1)) of them. At least one sample lands on
// each side.
func RandomSplit(dataset Dataset, holdout float64, rng *rand.Rand) (*SubsetDataset, *SubsetDataset, error) {
	n := dataset.Len()
	if holdout <= 0 || holdout >= 1 {
		return nil, nil, fmt.Errorf("holdout fraction must be in (0, 1), got %g", holdout)
	}
	if n < 2 {
		return nil, nil, fmt.Errorf("cannot split a dataset of %d samples", n)
	}
	perm := rngOrDefault(rng).Perm(n)
	k := int(float64(n) * holdout)
	if k < 1 {
		k = 1
	}
	if k > n-1 {
		k = n - 1
	}
	train, err := NewSubsetDataset(dataset, perm[k:])
	if err != nil {
		return nil, nil, err
	}
	held, err := NewSubsetDataset(dataset, perm[:k])
	if err != nil {
		return nil, nil, err
	}
	return train, held, nil
}
