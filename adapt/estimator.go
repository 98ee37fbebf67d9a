// Package adapt trains neural modules on a labelled source domain and an
// unlabelled target domain with DANN, CDAN or DeepJDOT alignment.
package adapt

import (
	"context"
	"fmt"
	"maps"
	"math"
	"math/rand"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/layers"
	"github.com/tsawler/go-adapt/optimizer"
	"github.com/tsawler/go-adapt/tensor"
	"github.com/tsawler/go-adapt/training"
)

// Estimator trains a module with a task loss on the source domain plus a
// domain alignment loss between source and target features.
type Estimator struct {
	method Method
	module training.Module
	cfg    Config
	align  alignment
	rng    *rand.Rand
	logger *zap.Logger

	initialized  bool
	fitted       bool
	featureWidth int
	nClasses     int
	optimizer    optimizer.Optimizer
	history      []training.TrainingMetrics

	// checkpoint state waiting for initialize
	pendingWeights   []checkpoints.WeightTensor
	pendingOptimizer *checkpoints.OptimizerState
}

// NewDANN builds a domain adversarial estimator.
func NewDANN(module training.Module, cfg Config, dann DANNConfig) (*Estimator, error) {
	dann.applyDefaults()
	if err := dann.validate(); err != nil {
		return nil, err
	}
	return newEstimator(MethodDANN, module, cfg, func(rng *rand.Rand) alignment {
		return &adversarial{cfg: dann.AdversarialConfig, rng: rng}
	})
}

// NewCDAN builds a conditional domain adversarial estimator.
func NewCDAN(module training.Module, cfg Config, cdan CDANConfig) (*Estimator, error) {
	cdan.applyDefaults()
	if cdan.MaxFeatures == 0 {
		cdan.MaxFeatures = 4096
	}
	if cdan.MaxFeatures < 0 {
		return nil, fmt.Errorf("%w: max features must be positive, got %d", ErrInvalidConfig, cdan.MaxFeatures)
	}
	if err := cdan.validate(); err != nil {
		return nil, err
	}
	return newEstimator(MethodCDAN, module, cfg, func(rng *rand.Rand) alignment {
		return &adversarial{cfg: cdan.AdversarialConfig, conditional: true, maxFeatures: cdan.MaxFeatures, rng: rng}
	})
}

// NewDeepJDOT builds an optimal transport estimator.
func NewDeepJDOT(module training.Module, cfg Config, jdot DeepJDOTConfig) (*Estimator, error) {
	jdot.applyDefaults()
	if err := jdot.validate(); err != nil {
		return nil, err
	}
	return newEstimator(MethodDeepJDOT, module, cfg, func(*rand.Rand) alignment {
		return &transport{cfg: jdot}
	})
}

func newEstimator(method Method, module training.Module, cfg Config, newAlign func(*rand.Rand) alignment) (*Estimator, error) {
	if module == nil {
		return nil, fmt.Errorf("%w: module is required", ErrInvalidConfig)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &Estimator{
		method: method,
		module: module,
		cfg:    cfg,
		align:  newAlign(rng),
		rng:    rng,
		logger: cfg.Logger.With(zap.String("method", string(method))),
	}, nil
}

// Method returns the adaptation method of the estimator.
func (e *Estimator) Method() Method { return e.method }

// Module returns the trained module.
func (e *Estimator) Module() training.Module { return e.module }

// DomainClassifier returns the domain classifier of an adversarial
// estimator once fitting has started, nil otherwise.
func (e *Estimator) DomainClassifier() training.Module {
	if a, ok := e.align.(*adversarial); ok {
		return a.classifier
	}
	return nil
}

// DomainInputSize is the width of the domain classifier input: the feature
// width for DANN and min(features * classes, max features) for CDAN. It is 0
// before fitting and for DeepJDOT.
func (e *Estimator) DomainInputSize() int {
	if a, ok := e.align.(*adversarial); ok {
		return a.inputSize
	}
	return 0
}

// Fitted reports whether a Fit call has completed.
func (e *Estimator) Fitted() bool { return e.fitted }

// History returns the per-epoch metrics of every Fit call so far.
func (e *Estimator) History() []training.TrainingMetrics {
	return append([]training.TrainingMetrics(nil), e.history...)
}

// Fit trains on source samples X with labels y and unlabelled target
// samples XTarget.
func (e *Estimator) Fit(X, y, XTarget *tensor.Tensor) (*Estimator, error) {
	return e.FitContext(context.Background(), X, y, XTarget)
}

// FitContext is Fit with cancellation, checked between steps.
func (e *Estimator) FitContext(ctx context.Context, X, y, XTarget *tensor.Tensor) (*Estimator, error) {
	if err := validateInputs(X, y, XTarget); err != nil {
		return nil, err
	}
	hooks, err := attachFeatureHooks(e.module, e.cfg.LayerNames)
	if err != nil {
		return nil, err
	}
	defer hooks.remove()

	if !e.initialized {
		if err := e.initialize(hooks, X); err != nil {
			return nil, err
		}
	}
	if err := checkLabels(y, e.nClasses); err != nil {
		return nil, err
	}

	source, err := training.NewTensorDataset(X, y)
	if err != nil {
		return nil, err
	}
	targetSet, err := training.NewTensorDataset(XTarget, nil)
	if err != nil {
		return nil, err
	}

	var trainSet training.Dataset = source
	var validLoader *training.DataLoader
	if e.cfg.ValidationSplit > 0 {
		train, held, err := training.RandomSplit(source, e.cfg.ValidationSplit, e.rng)
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
		trainSet = train
		if validLoader, err = training.NewDataLoader(held, e.cfg.BatchSize, false, nil); err != nil {
			return nil, err
		}
	}
	trainLoader, err := training.NewDataLoader(trainSet, e.cfg.BatchSize, true, e.rng)
	if err != nil {
		return nil, err
	}
	targetLoader, err := training.NewDataLoader(targetSet, e.cfg.BatchSize, true, e.rng)
	if err != nil {
		return nil, err
	}

	runID := e.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	tc := training.TrainingConfig{
		Epochs:     e.cfg.MaxEpochs,
		PrintEvery: 1,
		Logger:     e.logger,
		Scheduler:  e.cfg.Scheduler,
		Recorder:   e.cfg.Recorder,
		RunID:      runID,
	}
	if validLoader != nil {
		tc.ValidateEvery = 1
	}

	e.optimizer.SetLR(e.cfg.LearningRate)
	objective := &domainObjective{
		module:    e.module,
		criterion: e.cfg.Criterion,
		hooks:     hooks,
		align:     e.align,
		target:    targetLoader,
	}
	trainer := training.NewObjectiveTrainer(e.module, e.optimizer, objective, e.cfg.Criterion, tc)

	e.logger.Info("fitting",
		zap.String("run_id", runID),
		zap.Int("source_samples", X.Shape[0]),
		zap.Int("target_samples", XTarget.Shape[0]),
		zap.Strings("layers", e.cfg.LayerNames),
		zap.Int("domain_input_size", e.DomainInputSize()))

	err = trainer.Train(ctx, trainLoader, validLoader)
	e.history = append(e.history, trainer.GetMetrics()...)
	e.module.Eval()
	e.align.eval()
	if err != nil {
		return nil, fmt.Errorf("%s fit: %w", e.method, err)
	}
	e.fitted = true
	return e, nil
}

// initialize runs a probe forward pass to size the alignment from the
// feature width and the number of classes, then builds the optimizer.
func (e *Estimator) initialize(hooks *featureHooks, X *tensor.Tensor) error {
	probe, err := tensor.Slice(X, 0, min(2, X.Shape[0]))
	if err != nil {
		return err
	}
	wasTraining := e.module.IsTraining()
	e.module.Eval()
	logits, feats, err := hooks.forward(e.module, probe)
	if wasTraining {
		e.module.Train()
	}
	if err != nil {
		return fmt.Errorf("probe forward pass failed: %w", err)
	}
	if len(logits.Shape) != 2 {
		return fmt.Errorf("%w: module output must be [n, classes], got %v", tensor.ErrShapeMismatch, logits.Shape)
	}
	e.featureWidth, e.nClasses = feats.Shape[1], logits.Shape[1]

	if err := e.align.setup(e.featureWidth, e.nClasses); err != nil {
		return err
	}
	params := append(append([]*tensor.Tensor(nil), e.module.Parameters()...), e.align.parameters()...)
	if e.optimizer, err = optimizer.New(e.cfg.Optimizer, params, e.cfg.LearningRate, e.cfg.Momentum, e.cfg.WeightDecay); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e.initialized = true
	e.logger.Debug("initialized",
		zap.Int("feature_width", e.featureWidth),
		zap.Int("classes", e.nClasses),
		zap.Int("parameters", len(params)))

	if e.pendingWeights != nil {
		if err := checkpoints.RestoreWeights(e.pendingWeights, e.alignTargets()); err != nil {
			return fmt.Errorf("restoring alignment weights: %w", err)
		}
		e.pendingWeights = nil
	}
	if e.pendingOptimizer != nil {
		if err := e.optimizer.LoadState(e.pendingOptimizer); err != nil {
			return fmt.Errorf("restoring optimizer: %w", err)
		}
		e.pendingOptimizer = nil
	}
	return nil
}

func validateInputs(X, y, XTarget *tensor.Tensor) error {
	if X == nil || y == nil || XTarget == nil {
		return fmt.Errorf("%w: X, y and XTarget are required", ErrInvalidConfig)
	}
	if X.DType != tensor.Float32 || XTarget.DType != tensor.Float32 {
		return fmt.Errorf("%w: samples must be Float32", tensor.ErrDType)
	}
	if len(X.Shape) < 2 || X.Shape[0] == 0 || len(XTarget.Shape) < 2 || XTarget.Shape[0] == 0 {
		return fmt.Errorf("%w: samples need a non-empty batch dimension, got %v and %v",
			tensor.ErrShapeMismatch, X.Shape, XTarget.Shape)
	}
	if !tensor.SameShape(X.Shape[1:], XTarget.Shape[1:]) {
		return fmt.Errorf("%w: source samples %v and target samples %v differ beyond the batch dimension",
			tensor.ErrShapeMismatch, X.Shape, XTarget.Shape)
	}
	if y.DType != tensor.Int32 {
		return fmt.Errorf("%w: labels must be Int32", tensor.ErrDType)
	}
	if len(y.Shape) != 1 || y.Shape[0] != X.Shape[0] {
		return fmt.Errorf("%w: %d source samples but labels of shape %v", tensor.ErrShapeMismatch, X.Shape[0], y.Shape)
	}
	return nil
}

func checkLabels(y *tensor.Tensor, nClasses int) error {
	for i, c := range y.Int32s() {
		if c < 0 || int(c) >= nClasses {
			return fmt.Errorf("%w: label %d at index %d is outside [0, %d)", ErrInvalidConfig, c, i, nClasses)
		}
	}
	return nil
}

// logits runs the module in eval mode over X in chunks of BatchSize.
func (e *Estimator) logits(X *tensor.Tensor) (*tensor.Tensor, error) {
	if X == nil || len(X.Shape) < 2 || X.Shape[0] == 0 {
		return nil, fmt.Errorf("%w: samples need a non-empty batch dimension", tensor.ErrShapeMismatch)
	}
	e.module.Eval()
	var chunks []*tensor.Tensor
	for start := 0; start < X.Shape[0]; start += e.cfg.BatchSize {
		chunk, err := tensor.Slice(X, start, min(start+e.cfg.BatchSize, X.Shape[0]))
		if err != nil {
			return nil, err
		}
		out, err := e.module.Forward(chunk)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed: %w", err)
		}
		if len(out.Shape) != 2 {
			return nil, fmt.Errorf("%w: module output must be [n, classes], got %v", tensor.ErrShapeMismatch, out.Shape)
		}
		chunks = append(chunks, out.Detach())
	}
	return tensor.Concat(0, chunks...)
}

// Predict returns the predicted class of every sample as Int32 [n].
func (e *Estimator) Predict(X *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := e.logits(X)
	if err != nil {
		return nil, err
	}
	return tensor.ArgMax(out)
}

// PredictProba returns class probabilities [n, classes].
func (e *Estimator) PredictProba(X *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := e.logits(X)
	if err != nil {
		return nil, err
	}
	return tensor.Softmax(out)
}

// Score returns the accuracy of Predict(X) against y.
func (e *Estimator) Score(X, y *tensor.Tensor) (float64, error) {
	if y == nil || X == nil || len(X.Shape) == 0 || y.NumElems != X.Shape[0] {
		return 0, fmt.Errorf("%w: label count does not match sample count", tensor.ErrShapeMismatch)
	}
	pred, err := e.Predict(X)
	if err != nil {
		return 0, err
	}
	return training.AccuracyScore(pred, y)
}

// moduleTargets lists the module parameters and buffers by dotted name.
func (e *Estimator) moduleTargets() map[string]*tensor.Tensor {
	targets := make(map[string]*tensor.Tensor)
	for _, nt := range training.NamedParameters(e.module) {
		targets[nt.Name] = nt.Tensor
	}
	for _, nt := range training.NamedBuffers(e.module) {
		targets[nt.Name] = nt.Tensor
	}
	return targets
}

// alignTargets lists the alignment modules and fixed tensors by name.
func (e *Estimator) alignTargets() map[string]*tensor.Tensor {
	targets := make(map[string]*tensor.Tensor)
	modules, fixed := e.align.state()
	for prefix, m := range modules {
		for _, nt := range training.NamedParameters(m) {
			targets[prefix+"."+nt.Name] = nt.Tensor
		}
		for _, nt := range training.NamedBuffers(m) {
			targets[prefix+"."+nt.Name] = nt.Tensor
		}
	}
	for _, nt := range fixed {
		targets[nt.Name] = nt.Tensor
	}
	return targets
}

// Checkpoint captures the module, alignment and optimizer state.
func (e *Estimator) Checkpoint() (*checkpoints.Checkpoint, error) {
	if !e.initialized {
		return nil, ErrNotFitted
	}
	cp := &checkpoints.Checkpoint{
		Metadata: checkpoints.NewMetadata(string(e.method), fmt.Sprintf("%s estimator", e.method)),
	}
	if e.cfg.RunID != "" {
		cp.Metadata.RunID = e.cfg.RunID
	}
	if s, ok := e.module.(interface{ Spec() *layers.ModelSpec }); ok {
		cp.ModelSpec = s.Spec()
	}
	for _, targets := range []map[string]*tensor.Tensor{e.moduleTargets(), e.alignTargets()} {
		for _, name := range slices.Sorted(maps.Keys(targets)) {
			cp.Weights = append(cp.Weights, checkpoints.NewWeightTensor(name, targets[name]))
		}
	}

	state, err := e.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("optimizer state: %w", err)
	}
	cp.OptimizerState = state

	ts := checkpoints.TrainingState{
		Epoch:        len(e.history),
		Step:         int(e.optimizer.GetStepCount()),
		LearningRate: float32(e.optimizer.GetLR()),
		BestLoss:     float32(math.Inf(1)),
	}
	for _, m := range e.history {
		ts.TotalSteps += m.BatchCount
		ts.BestLoss = float32(math.Min(float64(ts.BestLoss), m.TrainLoss))
		ts.BestAccuracy = float32(math.Max(float64(ts.BestAccuracy), math.Max(m.TrainAccuracy, m.ValidAccuracy)))
	}
	if len(e.history) == 0 {
		ts.BestLoss = 0
	}
	cp.TrainingState = ts
	return cp, nil
}

// LoadCheckpoint restores module weights immediately. Alignment weights and
// optimizer state are restored now if the estimator is initialized, or at
// the start of the next Fit otherwise.
func (e *Estimator) LoadCheckpoint(cp *checkpoints.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", checkpoints.ErrFormat)
	}
	if cp.Metadata.Method != "" && Method(cp.Metadata.Method) != e.method {
		return fmt.Errorf("%w: checkpoint is for %s, estimator is %s", ErrInvalidConfig, cp.Metadata.Method, e.method)
	}
	moduleTargets := e.moduleTargets()
	var moduleWeights, alignWeights []checkpoints.WeightTensor
	for _, w := range cp.Weights {
		if _, ok := moduleTargets[w.Name]; ok {
			moduleWeights = append(moduleWeights, w)
		} else {
			alignWeights = append(alignWeights, w)
		}
	}
	if err := checkpoints.RestoreWeights(moduleWeights, moduleTargets); err != nil {
		return fmt.Errorf("restoring module weights: %w", err)
	}

	if !e.initialized {
		e.pendingWeights = alignWeights
		if e.pendingWeights == nil {
			e.pendingWeights = []checkpoints.WeightTensor{}
		}
		e.pendingOptimizer = cp.OptimizerState
		return nil
	}
	if err := checkpoints.RestoreWeights(alignWeights, e.alignTargets()); err != nil {
		return fmt.Errorf("restoring alignment weights: %w", err)
	}
	if cp.OptimizerState != nil {
		if err := e.optimizer.LoadState(cp.OptimizerState); err != nil {
			return fmt.Errorf("restoring optimizer: %w", err)
		}
	}
	return nil
}
