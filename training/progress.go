package training

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-adapt/layers"
)

// ProgressBar renders a single-line text progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line())
}

// line formats the bar without the carriage return
func (pb *ProgressBar) line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	if percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ProgressRecorder is an EpochRecorder that draws one bar across the run
// and forwards every epoch to Next when set.
type ProgressRecorder struct {
	Next EpochRecorder
	bar  *ProgressBar
}

// NewProgressRecorder creates a recorder drawing to out for a run of epochs
func NewProgressRecorder(out io.Writer, description string, epochs int, next EpochRecorder) *ProgressRecorder {
	return &ProgressRecorder{Next: next, bar: NewProgressBar(out, description, epochs)}
}

func (pr *ProgressRecorder) RecordEpoch(ctx context.Context, runID string, m TrainingMetrics) error {
	pr.bar.Update(m.Epoch+1, map[string]float64{
		"loss":       m.TrainLoss,
		"align_loss": m.AlignLoss,
		"train_acc":  m.TrainAccuracy,
	})
	if pr.bar.current >= pr.bar.total {
		fmt.Fprintln(pr.bar.out)
	}
	if pr.Next != nil {
		return pr.Next.RecordEpoch(ctx, runID, m)
	}
	return nil
}

// ModelArchitecturePrinter prints a PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	out       io.Writer
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(out io.Writer, modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{out: out, modelName: modelName}
}

// PrintArchitecture prints the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	fmt.Fprintf(p.out, "%s(\n", p.modelName)
	for i, layer := range modelSpec.Layers {
		fmt.Fprintf(p.out, "  %s\n", p.formatLayer(layer, i))
	}
	fmt.Fprintf(p.out, ")\n\n")

	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Input size (MB): %.3f\n", shapeSizeMB(modelSpec.InputShape))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec, index int) string {
	params := layer.Parameters
	name := layer.Name
	if name == "" {
		name = fmt.Sprintf("%d", index)
	}
	switch layer.Type {
	case layers.Conv1D:
		return fmt.Sprintf("(%s): Conv1d(%d, %d, kernel_size=(%d,), stride=(%d,), padding=(%d,), bias=%t)",
			name, layers.IntParam(params, "input_channels", 0), layers.IntParam(params, "output_channels", 0),
			layers.IntParam(params, "kernel_size", 0), layers.IntParam(params, "stride", 1),
			layers.IntParam(params, "padding", 0), layers.BoolParam(params, "use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			name, layers.IntParam(params, "input_size", 0), layers.IntParam(params, "output_size", 0),
			layers.BoolParam(params, "use_bias", true))
	case layers.AvgPool1D, layers.MaxPool1D:
		kind := "AvgPool1d"
		if layer.Type == layers.MaxPool1D {
			kind = "MaxPool1d"
		}
		return fmt.Sprintf("(%s): %s(kernel_size=(%d,), stride=(%d,))",
			name, kind, layers.IntParam(params, "kernel_size", 0), layers.IntParam(params, "stride", 0))
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm1d(%d, eps=%g, momentum=%g)",
			name, layers.IntParam(params, "num_features", 0),
			layers.FloatParam(params, "eps", 1e-5), layers.FloatParam(params, "momentum", 0.1))
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%g)", name, layers.FloatParam(params, "rate", 0))
	case layers.Softmax:
		return fmt.Sprintf("(%s): Softmax(dim=%d)", name, layers.IntParam(params, "axis", -1))
	case layers.GradientReversal:
		return fmt.Sprintf("(%s): GradientReversal(alpha=%g)", name, layers.FloatParam(params, "alpha", 1))
	default:
		return fmt.Sprintf("(%s): %s()", name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// shapeSizeMB estimates a float32 tensor size in MB
func shapeSizeMB(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}
