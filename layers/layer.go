package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv1D
	ReLU
	Softmax
	MaxPool1D
	Dropout
	BatchNorm
	Sigmoid
	Tanh
	AvgPool1D
	Flatten
	GradientReversal
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv1D:
		return "Conv1D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool1D:
		return "MaxPool1D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	case AvgPool1D:
		return "AvgPool1D"
	case Flatten:
		return "Flatten"
	case GradientReversal:
		return "GradientReversal"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"` // dotted module path, e.g. "feature_extractor.0"
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Name   string      `json:"name,omitempty"`
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// LayerFactory creates layer specifications (configuration only)
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification. inputSize 0 is
// inferred at compile time.
func (lf *LayerFactory) CreateDenseSpec(inputSize, outputSize int, useBias bool, name string) LayerSpec {
	params := map[string]interface{}{
		"output_size": outputSize,
		"use_bias":    useBias,
	}
	if inputSize > 0 {
		params["input_size"] = inputSize
	}
	return LayerSpec{Type: Dense, Name: name, Parameters: params}
}

// CreateConv1DSpec creates a Conv1D layer specification
func (lf *LayerFactory) CreateConv1DSpec(outputChannels, kernelSize, stride, padding int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Conv1D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	}
}

// CreatePoolSpec creates an AvgPool1D or MaxPool1D specification. stride 0
// means stride = kernelSize.
func (lf *LayerFactory) CreatePoolSpec(kind LayerType, kernelSize, stride int, name string) LayerSpec {
	if stride <= 0 {
		stride = kernelSize
	}
	return LayerSpec{
		Type: kind,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	}
}

// CreateActivationSpec creates a parameterless layer specification
// (ReLU, Sigmoid, Tanh, Flatten)
func (lf *LayerFactory) CreateActivationSpec(kind LayerType, name string) LayerSpec {
	return LayerSpec{Type: kind, Name: name, Parameters: map[string]interface{}{}}
}

// CreateSoftmaxSpec creates a softmax activation specification
func (lf *LayerFactory) CreateSoftmaxSpec(axis int, name string) LayerSpec {
	return LayerSpec{
		Type:       Softmax,
		Name:       name,
		Parameters: map[string]interface{}{"axis": axis},
	}
}

// CreateDropoutSpec creates a dropout layer specification
func (lf *LayerFactory) CreateDropoutSpec(rate float64, name string) LayerSpec {
	return LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	}
}

// CreateBatchNormSpec creates a batch normalization specification
func (lf *LayerFactory) CreateBatchNormSpec(numFeatures int, eps, momentum float64, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
		},
	}
}

// CreateGradientReversalSpec creates a gradient reversal specification
func (lf *LayerFactory) CreateGradientReversalSpec(alpha float64, name string) LayerSpec {
	return LayerSpec{
		Type:       GradientReversal,
		Name:       name,
		Parameters: map[string]interface{}{"alpha": alpha},
	}
}

// ModelBuilder assembles and compiles a ModelSpec
type ModelBuilder struct {
	name       string
	layers     []LayerSpec
	inputShape []int
	factory    *LayerFactory
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the
// batch dimension.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: append([]int(nil), inputShape...),
		factory:    NewFactory(),
	}
}

// Named sets the model name used in summaries
func (mb *ModelBuilder) Named(name string) *ModelBuilder {
	mb.name = name
	return mb
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer; its input size is computed during compilation
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDenseSpec(0, outputSize, useBias, name))
}

func (mb *ModelBuilder) AddConv1D(outputChannels, kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateConv1DSpec(outputChannels, kernelSize, stride, padding, useBias, name))
}

func (mb *ModelBuilder) AddAvgPool1D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreatePoolSpec(AvgPool1D, kernelSize, stride, name))
}

func (mb *ModelBuilder) AddMaxPool1D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreatePoolSpec(MaxPool1D, kernelSize, stride, name))
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateActivationSpec(ReLU, name))
}

func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateActivationSpec(Sigmoid, name))
}

func (mb *ModelBuilder) AddTanh(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateActivationSpec(Tanh, name))
}

func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateActivationSpec(Flatten, name))
}

func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateSoftmaxSpec(axis, name))
}

func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateDropoutSpec(rate, name))
}

func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps, momentum float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateBatchNormSpec(numFeatures, eps, momentum, name))
}

func (mb *ModelBuilder) AddGradientReversal(alpha float64, name string) *ModelBuilder {
	return mb.AddLayer(mb.factory.CreateGradientReversalSpec(alpha, name))
}

// Compile computes every layer's shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, fmt.Errorf("input shape %v needs a batch and at least one feature dimension", mb.inputShape)
	}

	model := &ModelSpec{
		Name:       mb.name,
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	for i, layer := range mb.layers {
		params := make(map[string]interface{}, len(layer.Parameters))
		for k, v := range layer.Parameters {
			params[k] = v
		}
		layer.Parameters = params
		model.Layers[i] = layer
	}

	currentShape := model.InputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}
		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true
	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv1D:
		return computeConv1DInfo(layer, inputShape)
	case AvgPool1D, MaxPool1D:
		return computePoolInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case Flatten:
		return []int{inputShape[0], flatSize(inputShape)}, nil, 0, nil
	case ReLU, Sigmoid, Tanh, Softmax, Dropout, GradientReversal:
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func flatSize(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}

// computeDenseInfo flattens all non-batch dimensions into the input size
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := IntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := BoolParam(layer.Parameters, "use_bias", true)

	inputSize := flatSize(inputShape)
	if declared := IntParam(layer.Parameters, "input_size", 0); declared != 0 && declared != inputSize {
		return nil, nil, 0, fmt.Errorf("declared input_size %d but input %v flattens to %d", declared, inputShape, inputSize)
	}
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computeConv1DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv1D layer requires 3D input [batch, channels, length], got %v", inputShape)
	}
	outputChannels := IntParam(layer.Parameters, "output_channels", 0)
	kernelSize := IntParam(layer.Parameters, "kernel_size", 0)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("Conv1D needs positive output_channels and kernel_size")
	}
	stride := IntParam(layer.Parameters, "stride", 1)
	padding := IntParam(layer.Parameters, "padding", 0)
	useBias := BoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	span := inputShape[2] + 2*padding - kernelSize
	if span < 0 {
		return nil, nil, 0, fmt.Errorf("kernel size %d exceeds padded input length %d", kernelSize, inputShape[2]+2*padding)
	}
	outputLength := span/stride + 1

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}
	return []int{inputShape[0], outputChannels, outputLength}, paramShapes, paramCount, nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("%s requires 3D input [batch, channels, length], got %v", layer.Type, inputShape)
	}
	kernelSize := IntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("%s needs a positive kernel_size", layer.Type)
	}
	stride := IntParam(layer.Parameters, "stride", kernelSize)
	if inputShape[2] < kernelSize {
		return nil, nil, 0, fmt.Errorf("pool kernel %d exceeds input length %d", kernelSize, inputShape[2])
	}
	outputLength := (inputShape[2]-kernelSize)/stride + 1
	return []int{inputShape[0], inputShape[1], outputLength}, nil, 0, nil
}

// computeBatchNormInfo validates num_features against dimension 1
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	numFeatures := IntParam(layer.Parameters, "num_features", 0)
	if numFeatures != inputShape[1] {
		return nil, nil, 0, fmt.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, inputShape[1])
	}
	// running_mean and running_var are buffers, not parameters
	return append([]int(nil), inputShape...), [][]int{{numFeatures}, {numFeatures}}, int64(2 * numFeatures), nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	if ms.Name != "" {
		fmt.Fprintf(&sb, "Name: %s\n", ms.Name)
	}
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n\n", layer.ParameterCount)
	}
	return sb.String()
}

// Layer returns the layer with the given name
func (ms *ModelSpec) Layer(name string) (LayerSpec, bool) {
	for _, l := range ms.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return LayerSpec{}, false
}

// IntParam reads an integer parameter. JSON round trips turn numbers into
// float64, so both are accepted.
func IntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func BoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

func FloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return defaultValue
}
