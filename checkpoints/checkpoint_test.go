package checkpoints

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/layers"
	"github.com/tsawler/go-adapt/tensor"
)

func sampleCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{4, 1, 16}).
		Named("tiny").
		AddConv1D(2, 3, 1, 0, true, "conv").
		AddAvgPool1D(2, 0, "pool").
		AddDense(3, true, "fc").
		Compile()
	require.NoError(t, err)

	return &Checkpoint{
		ModelSpec: spec,
		Weights: []WeightTensor{
			{Name: "conv.weight", Shape: []int{2, 1, 3}, Data: []float32{0.1, -0.2, 0.3, 0.4, -0.5, 0.6}, Layer: "conv", Type: "weight"},
			{Name: "conv.bias", Shape: []int{2}, Data: []float32{0, 1}, Layer: "conv", Type: "bias"},
			{Name: "projection.features", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}, Layer: "projection", Type: "features"},
		},
		TrainingState: TrainingState{Epoch: 3, Step: 12, LearningRate: 0.01, BestLoss: 0.25, BestAccuracy: 0.875, TotalSteps: 40},
		OptimizerState: &OptimizerState{
			Type:       "SGD",
			Parameters: map[string]interface{}{"learning_rate": 0.01, "momentum": 0.9},
			StateData: []OptimizerTensor{
				{Name: "velocity_0", Shape: []int{2}, Data: []float32{0.5, -0.5}, StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     FormatVersion,
			Framework:   FrameworkName,
			RunID:       "run-1",
			Method:      "DANN",
			CreatedAt:   time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
			Description: "unit test",
			Tags:        []string{"a", "b"},
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			want := sampleCheckpoint(t)
			path := filepath.Join(t.TempDir(), "model.ckpt")

			saver := NewCheckpointSaver(format)
			require.NoError(t, saver.SaveCheckpoint(want, path))

			got, err := saver.LoadCheckpoint(path)
			require.NoError(t, err)
			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Checkpoint{}, "ModelSpec")); diff != "" {
				t.Errorf("checkpoint mismatch (-want +got):\n%s", diff)
			}
			require.NotNil(t, got.ModelSpec)
			assert.Equal(t, want.ModelSpec.TotalParameters, got.ModelSpec.TotalParameters)
			assert.Equal(t, want.ModelSpec.OutputShape, got.ModelSpec.OutputShape)
			conv, ok := got.ModelSpec.Layer("conv")
			require.True(t, ok)
			assert.Equal(t, 3, layers.IntParam(conv.Parameters, "kernel_size", 0))

			detected, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want.Weights, detected.Weights)
			assert.Equal(t, "DANN", detected.Metadata.Method)
		})
	}
}

func TestSaveFillsMetadata(t *testing.T) {
	cp := &Checkpoint{Weights: []WeightTensor{}}
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, NewCheckpointSaver(FormatJSON).SaveCheckpoint(cp, path))

	assert.Equal(t, FrameworkName, cp.Metadata.Framework)
	assert.Equal(t, FormatVersion, cp.Metadata.Version)
	assert.False(t, cp.Metadata.CreatedAt.IsZero())
	_, err := uuid.Parse(cp.Metadata.RunID)
	assert.NoError(t, err)
}

func TestDecodeErrors(t *testing.T) {
	t.Run("bad json", func(t *testing.T) {
		_, err := NewCheckpointSaver(FormatJSON).Decode(bytes.NewReader([]byte("{not json")))
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("missing header", func(t *testing.T) {
		_, err := UnmarshalBinary([]byte("nope"))
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("truncated binary", func(t *testing.T) {
		raw, err := MarshalBinary(sampleCheckpoint(t))
		require.NoError(t, err)
		_, err = UnmarshalBinary(raw[:len(raw)-7])
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("truncated file on load", func(t *testing.T) {
		raw, err := MarshalBinary(sampleCheckpoint(t))
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "broken.bin")
		require.NoError(t, os.WriteFile(path, raw[:len(binaryMagic)+3], 0o644))
		_, err = Load(path)
		assert.ErrorIs(t, err, ErrFormat)
	})
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("BIN")
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("onnx")
	assert.Error(t, err)
}

func TestNewWeightTensor(t *testing.T) {
	x, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	w := NewWeightTensor("feature_extractor.0.weight", x)
	assert.Equal(t, "feature_extractor.0", w.Layer)
	assert.Equal(t, "weight", w.Type)

	x.Float32s()[0] = 42
	assert.Equal(t, float32(1), w.Data[0], "weights are copied")

	plain := NewWeightTensor("scale", x)
	assert.Equal(t, "", plain.Layer)
	assert.Equal(t, "scale", plain.Type)
}

func TestRestoreWeights(t *testing.T) {
	newTarget := func() map[string]*tensor.Tensor {
		w, _ := tensor.Zeros([]int{2, 2}, tensor.Float32)
		b, _ := tensor.Zeros([]int{2}, tensor.Float32)
		return map[string]*tensor.Tensor{"fc.weight": w, "fc.bias": b}
	}
	weights := []WeightTensor{
		{Name: "fc.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "fc.bias", Shape: []int{2}, Data: []float32{5, 6}},
	}

	t.Run("copies values", func(t *testing.T) {
		targets := newTarget()
		require.NoError(t, RestoreWeights(weights, targets))
		assert.Equal(t, []float32{1, 2, 3, 4}, targets["fc.weight"].Float32s())
		assert.Equal(t, []float32{5, 6}, targets["fc.bias"].Float32s())
	})

	t.Run("missing weight", func(t *testing.T) {
		targets := newTarget()
		require.Error(t, RestoreWeights(weights[:1], targets))
		assert.Equal(t, []float32{0, 0, 0, 0}, targets["fc.weight"].Float32s())
	})

	t.Run("extra weight", func(t *testing.T) {
		extra := append(append([]WeightTensor{}, weights...), WeightTensor{Name: "other", Shape: []int{1}, Data: []float32{1}})
		require.Error(t, RestoreWeights(extra, newTarget()))
	})

	t.Run("shape mismatch", func(t *testing.T) {
		bad := []WeightTensor{weights[0], {Name: "fc.bias", Shape: []int{3}, Data: []float32{1, 2, 3}}}
		err := RestoreWeights(bad, newTarget())
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})

	t.Run("duplicate", func(t *testing.T) {
		err := RestoreWeights(append(append([]WeightTensor{}, weights...), weights[0]), newTarget())
		assert.ErrorIs(t, err, ErrFormat)
	})
}
