package layers_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/layers"
)

func TestCompileToyNetwork(t *testing.T) {
	tests := []struct {
		name       string
		channels   int
		length     int
		classes    int
		flatLength int
	}{
		{"two channels", 2, 100, 5, 110},
		{"one channel", 1, 120, 3, 140},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := layers.NewModelBuilder([]int{20, tt.channels, tt.length}).
				Named("ToyCNN").
				AddConv1D(10, 8, 1, 0, true, "feature_extractor.0").
				AddReLU("feature_extractor.1").
				AddAvgPool1D(8, 0, "feature_extractor.2").
				AddFlatten("flatten").
				AddDense(tt.classes, true, "fc").
				Compile()
			require.NoError(t, err)

			assert.True(t, model.Compiled)
			assert.Equal(t, []int{20, tt.classes}, model.OutputShape)

			flat, ok := model.Layer("flatten")
			require.True(t, ok)
			assert.Equal(t, []int{20, tt.flatLength}, flat.OutputShape)

			conv, _ := model.Layer("feature_extractor.0")
			if diff := cmp.Diff([][]int{{10, tt.channels, 8}, {10}}, conv.ParameterShapes); diff != "" {
				t.Errorf("conv parameter shapes (-want +got):\n%s", diff)
			}
			want := int64(10*tt.channels*8 + 10 + tt.flatLength*tt.classes + tt.classes)
			assert.Equal(t, want, model.TotalParameters)
		})
	}
}

func TestCompileDomainClassifier(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{16, 110}).
		AddGradientReversal(1, "grl").
		AddDense(100, true, "0").
		AddBatchNorm(100, 1e-5, 0.1, "1").
		AddReLU("2").
		AddDropout(0.2, "3").
		AddDense(1, true, "4").
		AddSigmoid("5").
		Compile()
	require.NoError(t, err)
	assert.Equal(t, []int{16, 1}, model.OutputShape)
	assert.Equal(t, int64(110*100+100+200+100+1), model.TotalParameters)

	t.Run("batch norm width must match", func(t *testing.T) {
		_, err := layers.NewModelBuilder([]int{4, 10}).AddBatchNorm(12, 0, 0, "bn").Compile()
		require.Error(t, err)
	})
}

func TestCompileErrors(t *testing.T) {
	_, err := layers.NewModelBuilder([]int{1, 2, 5}).Compile()
	require.Error(t, err, "empty model")

	_, err = layers.NewModelBuilder([]int{1, 2, 5}).AddConv1D(4, 8, 1, 0, true, "conv").Compile()
	require.Error(t, err, "kernel longer than input")

	_, err = layers.NewModelBuilder([]int{1, 10}).AddConv1D(4, 3, 1, 0, true, "conv").Compile()
	require.Error(t, err, "conv on 2D input")

	_, err = layers.NewModelBuilder([]int{1, 10}).AddDense(0, true, "fc").Compile()
	require.Error(t, err, "missing output size")
}

func TestBuilderDoesNotShareParameters(t *testing.T) {
	builder := layers.NewModelBuilder([]int{2, 6}).AddDense(3, true, "fc")
	first, err := builder.Compile()
	require.NoError(t, err)
	first.Layers[0].Parameters["output_size"] = 99

	second, err := builder.Compile()
	require.NoError(t, err)
	assert.Equal(t, 3, layers.IntParam(second.Layers[0].Parameters, "output_size", 0))
}

func TestModelSpecJSONRoundTrip(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{4, 1, 16}).
		AddConv1D(2, 3, 1, 1, false, "conv").
		AddMaxPool1D(2, 2, "pool").
		AddDense(2, true, "fc").
		Compile()
	require.NoError(t, err)

	raw, err := json.Marshal(model)
	require.NoError(t, err)
	var decoded layers.ModelSpec
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, model.TotalParameters, decoded.TotalParameters)
	conv, _ := decoded.Layer("conv")
	assert.Equal(t, 3, layers.IntParam(conv.Parameters, "kernel_size", 0))
	assert.False(t, layers.BoolParam(conv.Parameters, "use_bias", true))
	assert.Equal(t, layers.MaxPool1D, decoded.Layers[1].Type)
}

func TestSummary(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{1, 4}).Named("tiny").AddDense(2, true, "fc").AddTanh("act").Compile()
	require.NoError(t, err)
	summary := model.Summary()
	assert.True(t, strings.HasPrefix(summary, "Model Summary:"))
	assert.Contains(t, summary, "Name: tiny")
	assert.Contains(t, summary, "Layer 2: act (Tanh)")
	assert.Contains(t, summary, "Total Parameters: 10")

	assert.Equal(t, "Model not compiled", (&layers.ModelSpec{}).Summary())
}

func TestLayerTypeString(t *testing.T) {
	assert.Equal(t, "GradientReversal", layers.GradientReversal.String())
	assert.Equal(t, "AvgPool1D", layers.AvgPool1D.String())
	assert.Equal(t, "Unknown", layers.LayerType(42).String())
}
