package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-adapt/optimizer"
	"github.com/tsawler/go-adapt/tensor"
)

// ErrNonFiniteLoss is returned when a training step produces NaN or Inf.
var ErrNonFiniteLoss = errors.New("loss is not finite")

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs        int
	PrintEvery    int  // Log step losses at debug level every N batches
	ValidateEvery int  // Run validation every N epochs (0 = no validation)
	EarlyStopping bool // Enable early stopping based on validation loss
	Patience      int  // Number of epochs to wait for improvement before stopping

	Logger    *zap.Logger
	Scheduler LRScheduler
	Recorder  EpochRecorder
	RunID     string
}

// TrainingMetrics holds metrics for a single epoch. Accuracies are
// fractions in [0, 1].
type TrainingMetrics struct {
	Epoch         int           `json:"epoch"`
	TrainLoss     float64       `json:"train_loss"`
	TaskLoss      float64       `json:"task_loss"`
	AlignLoss     float64       `json:"align_loss"`
	TrainAccuracy float64       `json:"train_accuracy"`
	ValidLoss     float64       `json:"valid_loss"`
	ValidAccuracy float64       `json:"valid_accuracy"`
	LearningRate  float64       `json:"learning_rate"`
	EpochDuration time.Duration `json:"epoch_duration"`
	BatchCount    int           `json:"batch_count"`
}

// EpochRecorder persists per-epoch metrics, e.g. into a run history store.
type EpochRecorder interface {
	RecordEpoch(ctx context.Context, runID string, m TrainingMetrics) error
}

// StepResult is what an Objective produces for one batch.
type StepResult struct {
	Loss      *tensor.Tensor // scalar to backpropagate
	TaskLoss  float64
	AlignLoss float64
	Output    *tensor.Tensor // logits used for train accuracy, may be nil
}

// Objective computes the loss of one training batch. progress is the
// fraction of the run completed, in [0, 1].
type Objective interface {
	Step(ctx context.Context, batch *Batch, progress float64) (*StepResult, error)
}

// modeSwitcher is implemented by objectives owning modules besides the
// trained model (e.g. a domain classifier).
type modeSwitcher interface {
	Train()
	Eval()
}

// SupervisedObjective is the plain source-only objective criterion(model(x), y).
type SupervisedObjective struct {
	Model     Module
	Criterion Loss
}

func (s *SupervisedObjective) Step(ctx context.Context, batch *Batch, progress float64) (*StepResult, error) {
	if batch.Labels == nil {
		return nil, fmt.Errorf("supervised step needs labels")
	}
	output, err := s.Model.Forward(batch.Data)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, err := s.Criterion.Forward(output, batch.Labels)
	if err != nil {
		return nil, fmt.Errorf("loss computation failed: %w", err)
	}
	v, err := loss.Item()
	if err != nil {
		return nil, err
	}
	return &StepResult{Loss: loss, TaskLoss: float64(v), Output: output}, nil
}

// Trainer manages the training process
type Trainer struct {
	model     Module
	optimizer optimizer.Optimizer
	objective Objective
	criterion Loss
	config    TrainingConfig
	logger    *zap.Logger
	baseLR    float64
	metrics   []TrainingMetrics
}

// NewTrainer creates a supervised Trainer
func NewTrainer(model Module, opt optimizer.Optimizer, criterion Loss, config TrainingConfig) *Trainer {
	return NewObjectiveTrainer(model, opt, &SupervisedObjective{Model: model, Criterion: criterion}, criterion, config)
}

// NewObjectiveTrainer creates a Trainer whose steps are computed by
// objective. criterion is used for validation and Evaluate.
func NewObjectiveTrainer(model Module, opt optimizer.Optimizer, objective Objective, criterion Loss, config TrainingConfig) *Trainer {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Scheduler == nil {
		config.Scheduler = &NoOpScheduler{}
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		objective: objective,
		criterion: criterion,
		config:    config,
		logger:    logger,
		baseLR:    opt.GetLR(),
	}
}

// Train runs the complete training loop. validLoader may be nil.
func (t *Trainer) Train(ctx context.Context, trainLoader, validLoader *DataLoader) error {
	if t.config.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", t.config.Epochs)
	}
	t.logger.Info("starting training",
		zap.Int("epochs", t.config.Epochs),
		zap.Int("batches_per_epoch", trainLoader.Len()),
		zap.String("scheduler", t.config.Scheduler.GetName()))

	bestValidLoss := math.Inf(1)
	patienceCounter := 0
	plateau, _ := t.config.Scheduler.(MetricScheduler)
	if plateau != nil {
		plateau.Reset()
	}

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		epochStart := time.Now()
		lr := t.config.Scheduler.GetLR(epoch, epoch*trainLoader.Len(), t.baseLR)
		t.optimizer.SetLR(lr)

		t.setTrain(true)
		metrics, err := t.trainEpoch(ctx, trainLoader, epoch)
		if err != nil {
			return fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}
		metrics.LearningRate = lr

		monitored := metrics.TrainLoss
		if validLoader != nil && t.config.ValidateEvery > 0 && (epoch+1)%t.config.ValidateEvery == 0 {
			metrics.ValidLoss, metrics.ValidAccuracy, err = t.Evaluate(ctx, validLoader)
			if err != nil {
				return fmt.Errorf("validation epoch %d failed: %w", epoch, err)
			}
			monitored = metrics.ValidLoss
		}
		metrics.EpochDuration = time.Since(epochStart)
		t.metrics = append(t.metrics, metrics)
		t.logEpoch(metrics)

		if t.config.Recorder != nil {
			if err := t.config.Recorder.RecordEpoch(ctx, t.config.RunID, metrics); err != nil {
				return fmt.Errorf("recording epoch %d failed: %w", epoch, err)
			}
		}
		if plateau != nil {
			plateau.Step(monitored, lr)
		}

		if t.config.EarlyStopping && metrics.ValidLoss > 0 {
			if metrics.ValidLoss < bestValidLoss {
				bestValidLoss = metrics.ValidLoss
				patienceCounter = 0
			} else {
				patienceCounter++
				if patienceCounter >= t.config.Patience {
					t.logger.Info("early stopping", zap.Int("epoch", epoch+1))
					break
				}
			}
		}
	}
	return nil
}

// trainEpoch runs one training epoch
func (t *Trainer) trainEpoch(ctx context.Context, trainLoader *DataLoader, epoch int) (TrainingMetrics, error) {
	var (
		totalLoss, taskLoss, alignLoss float64
		totalCorrect, accSamples       int
		totalSamples, batchCount       int
	)
	stepsPerEpoch := trainLoader.Len()
	totalSteps := float64(stepsPerEpoch * t.config.Epochs)

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for batch := range trainLoader.Iterator(stepCtx) {
		if err := ctx.Err(); err != nil {
			return TrainingMetrics{}, err
		}
		progress := float64(epoch*stepsPerEpoch+batchCount) / totalSteps

		t.optimizer.ZeroGrad()
		res, err := t.objective.Step(ctx, batch, progress)
		if err != nil {
			return TrainingMetrics{}, err
		}
		lossValue, err := res.Loss.Item()
		if err != nil {
			return TrainingMetrics{}, fmt.Errorf("failed to get loss value: %w", err)
		}
		if math.IsNaN(float64(lossValue)) || math.IsInf(float64(lossValue), 0) {
			return TrainingMetrics{}, fmt.Errorf("%w at epoch %d batch %d", ErrNonFiniteLoss, epoch, batchCount)
		}
		if err := res.Loss.Backward(); err != nil {
			return TrainingMetrics{}, fmt.Errorf("backward pass failed: %w", err)
		}
		if err := t.optimizer.Step(); err != nil {
			return TrainingMetrics{}, fmt.Errorf("optimizer step failed: %w", err)
		}

		n := batch.Size()
		totalLoss += float64(lossValue) * float64(n)
		taskLoss += res.TaskLoss * float64(n)
		alignLoss += res.AlignLoss * float64(n)
		totalSamples += n
		batchCount++

		if res.Output != nil && batch.Labels != nil {
			if correct, err := countCorrect(res.Output, batch.Labels); err == nil {
				totalCorrect += correct
				accSamples += n
			}
		}

		if t.config.PrintEvery > 0 && batchCount%t.config.PrintEvery == 0 {
			t.logger.Debug("step",
				zap.Int("epoch", epoch),
				zap.Int("batch", batchCount),
				zap.Float32("loss", lossValue),
				zap.Float64("task_loss", res.TaskLoss),
				zap.Float64("align_loss", res.AlignLoss),
				zap.Float64("progress", progress))
		}
	}
	if err := trainLoader.Err(); err != nil {
		return TrainingMetrics{}, err
	}
	if err := ctx.Err(); err != nil {
		return TrainingMetrics{}, err
	}
	if totalSamples == 0 {
		return TrainingMetrics{}, fmt.Errorf("epoch produced no batches")
	}

	m := TrainingMetrics{
		Epoch:      epoch,
		TrainLoss:  totalLoss / float64(totalSamples),
		TaskLoss:   taskLoss / float64(totalSamples),
		AlignLoss:  alignLoss / float64(totalSamples),
		BatchCount: batchCount,
	}
	if accSamples > 0 {
		m.TrainAccuracy = float64(totalCorrect) / float64(accSamples)
	}
	return m, nil
}

// countCorrect compares the argmax of [N, C] logits with Int32 labels
func countCorrect(output, target *tensor.Tensor) (int, error) {
	predicted, err := tensor.ArgMax(output)
	if err != nil {
		return 0, err
	}
	if predicted.NumElems != target.NumElems || target.DType != tensor.Int32 {
		return 0, fmt.Errorf("%w: %d predictions for %d labels", tensor.ErrShapeMismatch, predicted.NumElems, target.NumElems)
	}
	truth := target.Int32s()
	correct := 0
	for i, p := range predicted.Int32s() {
		if p == truth[i] {
			correct++
		}
	}
	return correct, nil
}

func (t *Trainer) setTrain(train bool) {
	ms, _ := t.objective.(modeSwitcher)
	if train {
		t.model.Train()
		if ms != nil {
			ms.Train()
		}
		return
	}
	t.model.Eval()
	if ms != nil {
		ms.Eval()
	}
}

func (t *Trainer) logEpoch(m TrainingMetrics) {
	fields := []zap.Field{
		zap.Int("epoch", m.Epoch+1),
		zap.Int("epochs", t.config.Epochs),
		zap.Float64("loss", m.TrainLoss),
		zap.Float64("task_loss", m.TaskLoss),
		zap.Float64("align_loss", m.AlignLoss),
		zap.Float64("train_accuracy", m.TrainAccuracy),
		zap.Float64("lr", m.LearningRate),
		zap.Duration("duration", m.EpochDuration),
		zap.Int("batches", m.BatchCount),
	}
	if m.ValidLoss > 0 {
		fields = append(fields, zap.Float64("valid_loss", m.ValidLoss), zap.Float64("valid_accuracy", m.ValidAccuracy))
	}
	t.logger.Info("epoch", fields...)
}

// GetMetrics returns all training metrics
func (t *Trainer) GetMetrics() []TrainingMetrics {
	return t.metrics
}

// Evaluate runs the model over a labelled loader and returns the mean
// criterion loss and accuracy. The model is left in eval mode.
func (t *Trainer) Evaluate(ctx context.Context, dataLoader *DataLoader) (float64, float64, error) {
	t.setTrain(false)

	var totalLoss float64
	var totalCorrect, totalSamples int

	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for batch := range dataLoader.Iterator(evalCtx) {
		if batch.Labels == nil {
			return 0, 0, fmt.Errorf("evaluation needs labels")
		}
		output, err := t.model.Forward(batch.Data)
		if err != nil {
			return 0, 0, fmt.Errorf("evaluation forward pass failed: %w", err)
		}
		loss, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("evaluation loss computation failed: %w", err)
		}
		lossValue, err := loss.Item()
		if err != nil {
			return 0, 0, err
		}
		correct, err := countCorrect(output, batch.Labels)
		if err != nil {
			return 0, 0, err
		}
		n := batch.Size()
		totalLoss += float64(lossValue) * float64(n)
		totalCorrect += correct
		totalSamples += n
	}
	if err := dataLoader.Err(); err != nil {
		return 0, 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if totalSamples == 0 {
		return 0, 0, fmt.Errorf("evaluation loader produced no batches")
	}
	return totalLoss / float64(totalSamples), float64(totalCorrect) / float64(totalSamples), nil
}

// Predict runs inference on a single batch in eval mode
func (t *Trainer) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	t.setTrain(false)
	output, err := t.model.Forward(input)
	if err != nil {
		return nil, err
	}
	return output.Detach(), nil
}
