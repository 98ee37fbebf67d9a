package adapt

import (
	"context"
	"fmt"

	"github.com/tsawler/go-adapt/tensor"
	"github.com/tsawler/go-adapt/training"
)

// domainObjective pairs every source batch with a target batch of the same
// size and adds the alignment loss to the task loss.
type domainObjective struct {
	module    training.Module
	criterion training.Loss
	hooks     *featureHooks
	align     alignment
	target    *training.DataLoader
}

func (o *domainObjective) Step(ctx context.Context, batch *training.Batch, progress float64) (*training.StepResult, error) {
	if batch.Labels == nil {
		return nil, fmt.Errorf("source batch has no labels")
	}
	targetBatch, err := o.target.NextCyclingN(batch.Size())
	if err != nil {
		return nil, fmt.Errorf("drawing target batch: %w", err)
	}

	logitsS, featS, err := o.hooks.forward(o.module, batch.Data)
	if err != nil {
		return nil, fmt.Errorf("source forward pass failed: %w", err)
	}
	logitsT, featT, err := o.hooks.forward(o.module, targetBatch.Data)
	if err != nil {
		return nil, fmt.Errorf("target forward pass failed: %w", err)
	}

	taskLoss, err := o.criterion.Forward(logitsS, batch.Labels)
	if err != nil {
		return nil, fmt.Errorf("task loss: %w", err)
	}
	alignLoss, err := o.align.loss(
		domainPass{features: featS, logits: logitsS, labels: batch.Labels},
		domainPass{features: featT, logits: logitsT},
		progress)
	if err != nil {
		return nil, fmt.Errorf("alignment loss: %w", err)
	}
	total, err := tensor.AddAutograd(taskLoss, alignLoss)
	if err != nil {
		return nil, err
	}

	task, err := taskLoss.Item()
	if err != nil {
		return nil, err
	}
	al, err := alignLoss.Item()
	if err != nil {
		return nil, err
	}
	return &training.StepResult{
		Loss:      total,
		TaskLoss:  float64(task),
		AlignLoss: float64(al),
		Output:    logitsS,
	}, nil
}

func (o *domainObjective) Train() { o.align.train() }
func (o *domainObjective) Eval()  { o.align.eval() }
