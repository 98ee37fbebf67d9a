package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-adapt/adapt"
	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/config"
	"github.com/tsawler/go-adapt/datasets"
	"github.com/tsawler/go-adapt/history"
	"github.com/tsawler/go-adapt/training"
)

// runOptions are the flags shared by fit and compare. They override the
// config file when set.
type runOptions struct {
	epochs     int
	batchSize  int
	lr         float64
	optimizer  string
	seed       int64
	layers     []string
	samples    int
	checkpoint string
	format     string
	db         string
	noHistory  bool
	timeout    time.Duration
}

func (o *runOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&o.epochs, "epochs", "e", 0, "Training epochs")
	f.IntVarP(&o.batchSize, "batch-size", "b", 0, "Batch size")
	f.Float64Var(&o.lr, "lr", 0, "Learning rate")
	f.StringVar(&o.optimizer, "optimizer", "", "Optimizer: sgd, adam, nadam, rmsprop, adagrad, adadelta")
	f.Int64Var(&o.seed, "seed", 0, "Seed for data, weights and shuffling")
	f.StringSliceVar(&o.layers, "layers", nil, "Layers whose outputs are aligned")
	f.IntVar(&o.samples, "samples", 0, "Samples per domain")
	f.StringVar(&o.checkpoint, "checkpoint", "", "Write a checkpoint to this path")
	f.StringVar(&o.format, "format", "", "Checkpoint format: json or binary")
	f.StringVar(&o.db, "db", "", "History database path")
	f.BoolVar(&o.noHistory, "no-history", false, "Do not record the run")
	f.DurationVar(&o.timeout, "timeout", 0, "Abort training after this long")
}

// apply copies the flags the user set onto cfg.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("epochs") {
		cfg.Training.Epochs = o.epochs
	}
	if f.Changed("batch-size") {
		cfg.Training.BatchSize = o.batchSize
	}
	if f.Changed("lr") {
		cfg.Training.LearningRate = o.lr
	}
	if f.Changed("optimizer") {
		cfg.Training.Optimizer = o.optimizer
	}
	if f.Changed("seed") {
		cfg.Training.Seed = o.seed
		cfg.Data.Seed = o.seed
	}
	if f.Changed("layers") {
		cfg.Training.LayerNames = o.layers
	}
	if f.Changed("samples") {
		cfg.Data.SourceSamples, cfg.Data.TargetSamples = o.samples, o.samples
	}
	if f.Changed("checkpoint") {
		cfg.Output.CheckpointPath = o.checkpoint
	}
	if f.Changed("format") {
		cfg.Output.CheckpointFormat = o.format
	}
	if f.Changed("db") {
		cfg.Output.HistoryDB = o.db
	}
	if o.noHistory {
		cfg.Output.HistoryDB = ""
	}
}

func (o *runOptions) context() (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(context.Background(), o.timeout)
	}
	return context.WithCancel(context.Background())
}

// result summarises one trained estimator.
type result struct {
	Method         adapt.Method
	RunID          string
	SourceAccuracy float64
	TargetAccuracy float64
	TargetF1       float64
	Confusion      *training.ConfusionMatrix
	FinalLoss      float64
	Checkpoint     string
	Duration       time.Duration
}

// experiment trains one method on shared data.
type experiment struct {
	cfg      *config.Config
	data     *datasets.Pair
	store    *history.Store // nil disables recording
	logger   *zap.Logger
	progress io.Writer // nil disables the progress bar
}

func openStore(cfg *config.Config) (*history.Store, error) {
	if cfg.Output.HistoryDB == "" {
		return nil, nil
	}
	store, err := history.Open(cfg.Output.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return store, nil
}

// checkpointPath inserts the method before the extension when several
// methods share one configured path.
func checkpointPath(path string, method adapt.Method, perMethod bool) string {
	if path == "" || !perMethod {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + string(method) + ext
}

func (e *experiment) run(ctx context.Context, method adapt.Method, perMethodCheckpoint bool) (*result, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := e.logger.With(zap.String("run_id", runID), zap.String("method", string(method)))

	model, err := adapt.NewToyCNN(e.cfg.ToyCNNConfig(), rand.New(rand.NewSource(e.cfg.Training.Seed)))
	if err != nil {
		return nil, err
	}

	var recorder training.EpochRecorder
	if e.store != nil {
		if err := e.store.StartRun(ctx, history.Run{ID: runID, Method: string(method), Config: e.cfg.YAML()}); err != nil {
			return nil, err
		}
		recorder = e.store
	}
	if e.progress != nil {
		recorder = training.NewProgressRecorder(e.progress, string(method), e.cfg.Training.Epochs, recorder)
	}

	fail := func(err error) (*result, error) {
		if e.store != nil {
			if ferr := e.store.FinishRun(context.WithoutCancel(ctx), runID, history.StatusFailed, -1); ferr != nil {
				log.Warn("failed to mark run as failed", zap.Error(ferr))
			}
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	base, err := e.cfg.EstimatorConfig(log, recorder, runID)
	if err != nil {
		return fail(err)
	}
	est, err := e.cfg.NewEstimator(method, model, base)
	if err != nil {
		return fail(err)
	}
	src, tgt := e.data.Source, e.data.Target
	if _, err := est.FitContext(ctx, src.X, src.Y, tgt.X); err != nil {
		return fail(err)
	}

	res := &result{Method: method, RunID: runID}
	if res.SourceAccuracy, err = est.Score(src.X, src.Y); err != nil {
		return fail(err)
	}
	pred, err := est.Predict(tgt.X)
	if err != nil {
		return fail(err)
	}
	res.Confusion = training.NewConfusionMatrix(e.cfg.Data.NClasses)
	if err := res.Confusion.Update(pred, tgt.Y); err != nil {
		return fail(err)
	}
	res.TargetAccuracy = res.Confusion.GetAccuracy()
	res.TargetF1 = res.Confusion.GetMetric(training.MacroF1)
	if h := est.History(); len(h) > 0 {
		res.FinalLoss = h[len(h)-1].TrainLoss
	}

	if path := checkpointPath(e.cfg.Output.CheckpointPath, method, perMethodCheckpoint); path != "" {
		if err := saveCheckpoint(est, e.cfg, path); err != nil {
			return fail(err)
		}
		res.Checkpoint = path
	}
	if e.store != nil {
		if err := e.store.FinishRun(ctx, runID, history.StatusFinished, res.TargetAccuracy); err != nil {
			return nil, err
		}
	}
	res.Duration = time.Since(start)
	log.Info("run finished",
		zap.Float64("source_accuracy", res.SourceAccuracy),
		zap.Float64("target_accuracy", res.TargetAccuracy),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func saveCheckpoint(est *adapt.Estimator, cfg *config.Config, path string) error {
	format, err := checkpoints.ParseFormat(cfg.Output.CheckpointFormat)
	if err != nil {
		return err
	}
	cp, err := est.Checkpoint()
	if err != nil {
		return err
	}
	cp.Metadata.Description = fmt.Sprintf("%s on synthetic signals (%d channels, length %d, %d classes)",
		est.Method(), cfg.Data.NChannels, cfg.Data.InputSize, cfg.Data.NClasses)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return checkpoints.NewCheckpointSaver(format).SaveCheckpoint(cp, path)
}

func printConfusion(w io.Writer, cm *training.ConfusionMatrix) {
	fmt.Fprintf(w, "%10s", "true\\pred")
	for j := 0; j < cm.NumClasses; j++ {
		fmt.Fprintf(w, "%6d", j)
	}
	fmt.Fprintln(w)
	for i, row := range cm.Matrix {
		fmt.Fprintf(w, "%10d", i)
		for _, n := range row {
			fmt.Fprintf(w, "%6d", n)
		}
		fmt.Fprintln(w)
	}
}
