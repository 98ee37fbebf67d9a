package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-adapt/tensor"
)

// Dataset interface defines methods that all datasets must implement.
// label may be nil for unlabelled (target domain) data.
type Dataset interface {
	Len() int                                                           // Total number of samples
	Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) // Returns a single sample
}

// batchSelector is implemented by datasets that can gather a batch directly.
type batchSelector interface {
	Select(indices []int) (data *tensor.Tensor, labels *tensor.Tensor, err error)
}

// TensorDataset serves rows of a batched data tensor [N, ...] with optional
// Int32 labels [N].
type TensorDataset struct {
	data   *tensor.Tensor
	labels *tensor.Tensor
}

// NewTensorDataset wraps data and labels. labels may be nil.
func NewTensorDataset(data, labels *tensor.Tensor) (*TensorDataset, error) {
	if data == nil || len(data.Shape) < 1 {
		return nil, fmt.Errorf("%w: dataset needs a batched data tensor", tensor.ErrShapeMismatch)
	}
	if labels != nil && (len(labels.Shape) != 1 || labels.Shape[0] != data.Shape[0]) {
		return nil, fmt.Errorf("%w: %d samples but labels of shape %v", tensor.ErrShapeMismatch, data.Shape[0], labels.Shape)
	}
	return &TensorDataset{data: data, labels: labels}, nil
}

func (ds *TensorDataset) Len() int {
	return ds.data.Shape[0]
}

func (ds *TensorDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	data, labels, err := ds.Select([]int{idx})
	if err != nil {
		return nil, nil, err
	}
	sample, err := data.Reshape(data.Shape[1:])
	if err != nil {
		return nil, nil, err
	}
	if labels == nil {
		return sample, nil, nil
	}
	label, err := labels.Reshape([]int{1})
	if err != nil {
		return nil, nil, err
	}
	return sample, label, nil
}

func (ds *TensorDataset) Select(indices []int) (*tensor.Tensor, *tensor.Tensor, error) {
	data, err := tensor.IndexSelect(ds.data, indices)
	if err != nil {
		return nil, nil, err
	}
	if ds.labels == nil {
		return data, nil, nil
	}
	labels, err := tensor.IndexSelect(ds.labels, indices)
	if err != nil {
		return nil, nil, err
	}
	return data, labels, nil
}

// Batch represents a batch of data and labels. Labels is nil for unlabelled data.
type Batch struct {
	Data    *tensor.Tensor
	Labels  *tensor.Tensor
	Indices []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return b.Data.Shape[0]
}

// DataLoader provides batching and seeded shuffling
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	err       error
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. rng drives shuffling and may be nil.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if dataset.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	dl := &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rngOrDefault(rng),
		indices:   indices,
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Reset rewinds the loader and reshuffles when shuffling is enabled
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := append([]int(nil), dl.indices[dl.position:batchEnd]...)
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// NextCycling returns the next batch, starting a new reshuffled epoch when
// the current one is exhausted. It is used to pair an unbounded stream of
// target batches with source batches.
func (dl *DataLoader) NextCycling() (*Batch, error) {
	if !dl.HasNext() {
		dl.Reset()
	}
	return dl.Next()
}

// NextCyclingN returns a batch of exactly n samples, wrapping into new
// reshuffled epochs as often as needed.
func (dl *DataLoader) NextCyclingN(n int) (*Batch, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", n)
	}
	dl.mutex.Lock()
	batchIndices := make([]int, 0, n)
	for len(batchIndices) < n {
		if dl.position >= len(dl.indices) {
			dl.position = 0
			if dl.shuffle {
				dl.rng.Shuffle(len(dl.indices), func(i, j int) {
					dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
				})
			}
		}
		take := n - len(batchIndices)
		if rest := len(dl.indices) - dl.position; take > rest {
			take = rest
		}
		batchIndices = append(batchIndices, dl.indices[dl.position:dl.position+take]...)
		dl.position += take
	}
	dl.mutex.Unlock()

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if sel, ok := dl.dataset.(batchSelector); ok {
		data, labels, err := sel.Select(indices)
		if err != nil {
			return nil, err
		}
		return &Batch{Data: data, Labels: labels, Indices: indices}, nil
	}

	firstData, firstLabel, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}
	batchData, err := tensor.Zeros(append([]int{len(indices)}, firstData.Shape...), firstData.DType)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}
	var batchLabels *tensor.Tensor
	if firstLabel != nil {
		batchLabels, err = tensor.Zeros([]int{len(indices) * firstLabel.NumElems}, firstLabel.DType)
		if err != nil {
			return nil, fmt.Errorf("failed to create batch labels tensor: %w", err)
		}
	}

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if err := copyInto(batchData, data, i); err != nil {
			return nil, fmt.Errorf("failed to copy data for sample %d: %w", idx, err)
		}
		if batchLabels != nil {
			if label == nil {
				return nil, fmt.Errorf("sample %d has no label", idx)
			}
			if err := copyInto(batchLabels, label, i); err != nil {
				return nil, fmt.Errorf("failed to copy label for sample %d: %w", idx, err)
			}
		}
	}
	return &Batch{Data: batchData, Labels: batchLabels, Indices: indices}, nil
}

// copyInto copies a sample tensor into a specific position in the batch tensor
func copyInto(batchTensor, sampleTensor *tensor.Tensor, batchIndex int) error {
	if batchTensor.DType != sampleTensor.DType {
		return fmt.Errorf("%w: batch %s, sample %s", tensor.ErrDType, batchTensor.DType, sampleTensor.DType)
	}
	sampleSize := sampleTensor.NumElems
	offset := batchIndex * sampleSize
	if offset+sampleSize > batchTensor.NumElems {
		return fmt.Errorf("%w: sample of %d elements does not fit batch slot %d", tensor.ErrShapeMismatch, sampleSize, batchIndex)
	}

	switch batchTensor.DType {
	case tensor.Float32:
		copy(batchTensor.Float32s()[offset:offset+sampleSize], sampleTensor.Float32s())
	case tensor.Int32:
		copy(batchTensor.Int32s()[offset:offset+sampleSize], sampleTensor.Int32s())
	default:
		return fmt.Errorf("%w: unsupported dtype for batch copying: %s", tensor.ErrDType, batchTensor.DType)
	}
	return nil
}

// Iterator streams one epoch of batches. The goroutine exits when the
// epoch ends, a batch fails to load (see Err) or ctx is cancelled.
func (dl *DataLoader) Iterator(ctx context.Context) <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)

		dl.Reset()
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				dl.mutex.Lock()
				dl.err = err
				dl.mutex.Unlock()
				return
			}
			select {
			case batchChan <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return batchChan
}

// Err returns the error that stopped the last Iterator, if any
func (dl *DataLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.err
}
