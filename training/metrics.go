package training

import (
	"fmt"

	"github.com/tsawler/go-adapt/tensor"
)

// MetricType represents different classification metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per [true_class][predicted_class]
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds predicted and true Int32 label vectors of equal length
func (cm *ConfusionMatrix) Update(predicted, trueLabels *tensor.Tensor) error {
	if predicted.DType != tensor.Int32 || trueLabels.DType != tensor.Int32 {
		return fmt.Errorf("%w: confusion matrix expects Int32 labels", tensor.ErrDType)
	}
	if predicted.NumElems != trueLabels.NumElems {
		return fmt.Errorf("%w: %d predictions for %d labels", tensor.ErrShapeMismatch, predicted.NumElems, trueLabels.NumElems)
	}
	truth := trueLabels.Int32s()
	for i, p := range predicted.Int32s() {
		t := truth[i]
		if t < 0 || int(t) >= cm.NumClasses || p < 0 || int(p) >= cm.NumClasses {
			return fmt.Errorf("label pair (%d, %d) at index %d outside [0, %d)", t, p, i, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric computes metric from the current counts
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macro(cm.precision)
	case MacroRecall:
		return cm.macro(cm.recall)
	case MacroF1:
		p, r := cm.macro(cm.precision), cm.macro(cm.recall)
		if p+r == 0 {
			return 0
		}
		return 2 * p * r / (p + r)
	case MicroF1:
		// Single-label micro precision and recall both equal accuracy.
		return cm.GetAccuracy()
	default:
		return 0
	}
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// precision returns tp/(tp+fp) for class and whether it is defined
func (cm *ConfusionMatrix) precision(class int) (float64, bool) {
	predicted := 0
	for t := 0; t < cm.NumClasses; t++ {
		predicted += cm.Matrix[t][class]
	}
	if predicted == 0 {
		return 0, false
	}
	return float64(cm.Matrix[class][class]) / float64(predicted), true
}

func (cm *ConfusionMatrix) recall(class int) (float64, bool) {
	actual := 0
	for p := 0; p < cm.NumClasses; p++ {
		actual += cm.Matrix[class][p]
	}
	if actual == 0 {
		return 0, false
	}
	return float64(cm.Matrix[class][class]) / float64(actual), true
}

// macro averages f over the classes where it is defined
func (cm *ConfusionMatrix) macro(f func(class int) (float64, bool)) float64 {
	sum, n := 0.0, 0
	for c := 0; c < cm.NumClasses; c++ {
		if v, ok := f(c); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// AccuracyScore returns the fraction of equal entries in two Int32 label vectors
func AccuracyScore(predicted, trueLabels *tensor.Tensor) (float64, error) {
	if predicted.NumElems != trueLabels.NumElems {
		return 0, fmt.Errorf("%w: %d predictions for %d labels", tensor.ErrShapeMismatch, predicted.NumElems, trueLabels.NumElems)
	}
	if predicted.DType != tensor.Int32 || trueLabels.DType != tensor.Int32 {
		return 0, fmt.Errorf("%w: accuracy expects Int32 labels", tensor.ErrDType)
	}
	truth := trueLabels.Int32s()
	correct := 0
	for i, p := range predicted.Int32s() {
		if p == truth[i] {
			correct++
		}
	}
	return float64(correct) / float64(predicted.NumElems), nil
}
