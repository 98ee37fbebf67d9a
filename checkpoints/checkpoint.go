// Package checkpoints saves and restores model weights, optimizer state and
// training progress as JSON or as a compact protobuf-wire binary.
package checkpoints

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-adapt/layers"
	"github.com/tsawler/go-adapt/tensor"
)

// ErrFormat is returned when a checkpoint file cannot be decoded.
var ErrFormat = errors.New("invalid checkpoint format")

// FrameworkName is stamped into the metadata of every saved checkpoint.
const FrameworkName = "go-adapt"

// FormatVersion is the current checkpoint layout version.
const FormatVersion = "1.0.0"

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" and "binary" (or "bin") to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "bin":
		return FormatBinary, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a named model tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "projection", etc.
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	Method      string    `json:"method,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewMetadata stamps framework, version, creation time and a fresh run id.
func NewMetadata(method, description string, tags ...string) CheckpointMetadata {
	return CheckpointMetadata{
		Version:     FormatVersion,
		Framework:   FrameworkName,
		RunID:       uuid.NewString(),
		Method:      method,
		CreatedAt:   time.Now().UTC(),
		Description: description,
		Tags:        tags,
	}
}

// NewWeightTensor copies t under name. Layer and Type are split from the
// last dot of the name ("fc.bias" gives layer "fc", type "bias").
func NewWeightTensor(name string, t *tensor.Tensor) WeightTensor {
	layer, typ := "", name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		layer, typ = name[:i], name[i+1:]
	}
	return WeightTensor{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Float32s()...),
		Layer: layer,
		Type:  typ,
	}
}

// RestoreWeights copies every checkpoint weight into the target of the same
// name. Missing, extra or differently shaped tensors are errors and leave
// the targets untouched.
func RestoreWeights(weights []WeightTensor, targets map[string]*tensor.Tensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		if _, dup := byName[w.Name]; dup {
			return fmt.Errorf("%w: duplicate weight %q", ErrFormat, w.Name)
		}
		byName[w.Name] = w
	}
	for name, target := range targets {
		w, ok := byName[name]
		if !ok {
			return fmt.Errorf("checkpoint has no weight %q", name)
		}
		if !tensor.SameShape(w.Shape, target.Shape) || len(w.Data) != target.NumElems {
			return fmt.Errorf("%w: weight %q has shape %v in checkpoint, %v in model",
				tensor.ErrShapeMismatch, name, w.Shape, target.Shape)
		}
	}
	if len(byName) != len(targets) {
		for name := range byName {
			if _, ok := targets[name]; !ok {
				return fmt.Errorf("checkpoint weight %q does not exist in model", name)
			}
		}
	}
	for name, target := range targets {
		copy(target.Float32s(), byName[name].Data)
	}
	return nil
}

// CheckpointSaver handles saving and loading model checkpoints in one format
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = FrameworkName
		checkpoint.Metadata.Version = FormatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	if err := cs.Encode(file, checkpoint); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()
	return cs.Decode(file)
}

// Encode writes checkpoint to w in the saver's format
func (cs *CheckpointSaver) Encode(w io.Writer, checkpoint *Checkpoint) error {
	switch cs.format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(checkpoint); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %w", err)
		}
		return nil
	case FormatBinary:
		raw, err := MarshalBinary(checkpoint)
		if err != nil {
			return err
		}
		_, err = w.Write(raw)
		return err
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Decode reads a checkpoint in the saver's format from r
func (cs *CheckpointSaver) Decode(r io.Reader) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		return &checkpoint, nil
	case FormatBinary:
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return UnmarshalBinary(raw)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load reads a checkpoint, detecting its format from the first bytes.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	if bytes.HasPrefix(raw, binaryMagic) {
		return UnmarshalBinary(raw)
	}
	return NewCheckpointSaver(FormatJSON).Decode(bytes.NewReader(raw))
}
