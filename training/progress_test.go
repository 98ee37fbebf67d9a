package training

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/layers"
)

type recordedEpochs struct {
	runID  string
	epochs []TrainingMetrics
}

func (r *recordedEpochs) RecordEpoch(_ context.Context, runID string, m TrainingMetrics) error {
	r.runID = runID
	r.epochs = append(r.epochs, m)
	return nil
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/2", 4)
	pb.Update(2, map[string]float64{"loss": 0.5, "train_acc": 0.25})

	line := pb.line()
	assert.Contains(t, line, "Epoch 1/2:  50%")
	assert.Contains(t, line, "2/4")
	assert.Contains(t, line, "loss=0.500")
	assert.Contains(t, line, "train_acc=25.00%")
	assert.Less(t, strings.Index(line, "loss="), strings.Index(line, "train_acc="), "metrics are sorted")

	pb.Finish()
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "4/4")
}

func TestProgressRecorderForwards(t *testing.T) {
	var buf bytes.Buffer
	next := &recordedEpochs{}
	pr := NewProgressRecorder(&buf, "dann", 2, next)

	require.NoError(t, pr.RecordEpoch(context.Background(), "run-1", TrainingMetrics{Epoch: 0, TrainLoss: 1}))
	require.NoError(t, pr.RecordEpoch(context.Background(), "run-1", TrainingMetrics{Epoch: 1, TrainLoss: 0.5}))

	assert.Equal(t, "run-1", next.runID)
	assert.Len(t, next.epochs, 2)
	assert.Contains(t, buf.String(), "2/2")
}

func TestModelArchitecturePrinting(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{1, 2, 100}).
		AddConv1D(10, 8, 1, 0, true, "feature_extractor.0").
		AddReLU("feature_extractor.1").
		AddAvgPool1D(8, 0, "feature_extractor.2").
		AddDense(5, true, "fc").
		Compile()
	require.NoError(t, err)

	var buf bytes.Buffer
	NewModelArchitecturePrinter(&buf, "ToyCNN").PrintArchitecture(spec)
	out := buf.String()

	assert.Contains(t, out, "ToyCNN(")
	assert.Contains(t, out, "(feature_extractor.0): Conv1d(2, 10, kernel_size=(8,), stride=(1,), padding=(0,), bias=true)")
	assert.Contains(t, out, "(feature_extractor.1): ReLU()")
	assert.Contains(t, out, "(feature_extractor.2): AvgPool1d(kernel_size=(8,), stride=(8,))")
	assert.Contains(t, out, "(fc): Linear(in_features=110, out_features=5, bias=true)")
	assert.Contains(t, out, "Total parameters: 725")
}

func TestFormatParameterCount(t *testing.T) {
	assert.Equal(t, "999", formatParameterCount(999))
	assert.Equal(t, "1.5K", formatParameterCount(1500))
	assert.Equal(t, "2.0M", formatParameterCount(2000000))
}
