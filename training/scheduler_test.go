package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpochSchedulers(t *testing.T) {
	const baseLR = 0.1
	tests := []struct {
		name      string
		scheduler LRScheduler
		want      map[int]float64 // epoch -> lr
	}{
		{
			name:      "StepLR",
			scheduler: NewStepLRScheduler(2, 0.1),
			want:      map[int]float64{0: 0.1, 1: 0.1, 2: 0.01, 3: 0.01, 6: 0.0001},
		},
		{
			name:      "ExponentialLR",
			scheduler: NewExponentialLRScheduler(0.9),
			want:      map[int]float64{0: 0.1, 1: 0.09, 3: 0.0729, 5: 0.059049},
		},
		{
			name:      "CosineAnnealingLR",
			scheduler: NewCosineAnnealingLRScheduler(4, 0.001),
			want:      map[int]float64{0: 0.1, 2: 0.0505, 4: 0.001, 9: 0.001},
		},
		{
			name:      "InverseDecayLR",
			scheduler: NewInverseDecayScheduler(10),
			want: map[int]float64{
				0:  0.1,
				5:  0.1 / math.Pow(6, 0.75),
				10: 0.1 / math.Pow(11, 0.75),
				20: 0.1 / math.Pow(11, 0.75),
			},
		},
		{
			name:      "ConstantLR",
			scheduler: &NoOpScheduler{},
			want:      map[int]float64{0: 0.1, 50: 0.1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.scheduler.GetName())
			for epoch, want := range tt.want {
				assert.InDelta(t, want, tt.scheduler.GetLR(epoch, 0, baseLR), 1e-9, "epoch %d", epoch)
			}
		})
	}
}

func TestSchedulerDefaults(t *testing.T) {
	assert.Equal(t, &StepLRScheduler{StepSize: 30, Gamma: 0.1}, NewStepLRScheduler(0, 2))
	assert.Equal(t, &ExponentialLRScheduler{Gamma: 0.95}, NewExponentialLRScheduler(1))
	assert.Equal(t, &CosineAnnealingLRScheduler{TMax: 100}, NewCosineAnnealingLRScheduler(-1, -1))
	assert.Equal(t, 1, NewInverseDecayScheduler(0).TotalEpochs)
}

func TestReduceLROnPlateau(t *testing.T) {
	t.Run("min", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")
		assert.Equal(t, 0.1, s.GetLR(0, 0, 0.1), "uninitialised scheduler returns the base rate")

		lr := 0.1
		for i, step := range []struct {
			metric float64
			want   float64
		}{
			{1.0, 0.1},
			{0.98, 0.1},  // improved
			{0.99, 0.1},  // one bad epoch
			{0.99, 0.05}, // patience exhausted
			{0.985, 0.05},
			{0.5, 0.05},
		} {
			lr = s.Step(step.metric, lr)
			assert.Equal(t, step.want, lr, "step %d", i)
		}
		assert.Equal(t, 0.05, s.GetLR(10, 0, 0.1))
	})

	t.Run("max", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(0.1, 1, 0, "max")
		lr := s.Step(0.5, 1)
		lr = s.Step(0.6, lr)
		assert.Equal(t, 1.0, lr)
		lr = s.Step(0.55, lr)
		assert.InDelta(t, 0.1, lr, 1e-12)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		s := NewReduceLROnPlateauScheduler(2, 0, -1, "sideways")
		assert.Equal(t, 0.1, s.Factor)
		assert.Equal(t, 10, s.Patience)
		assert.Equal(t, 1e-4, s.Threshold)
		assert.Equal(t, "min", s.Mode)
		assert.Equal(t, "ReduceLROnPlateau", s.GetName())
	})
}

func TestReduceLROnPlateauReset(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 1, 0, "min")
	lr := s.Step(1, 0.2)
	lr = s.Step(2, lr)
	require.InDelta(t, 0.1, lr, 1e-12)

	s.Reset()
	assert.Equal(t, 0.2, s.GetLR(0, 0, 0.2))
	assert.Equal(t, 0.3, s.Step(5, 0.3), "first metric after a reset starts a new run")
}
