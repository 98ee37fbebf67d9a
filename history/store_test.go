package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-adapt/training"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func epoch(i int, loss float64) training.TrainingMetrics {
	return training.TrainingMetrics{
		Epoch:         i,
		TrainLoss:     loss,
		TaskLoss:      loss * 0.75,
		AlignLoss:     loss * 0.25,
		TrainAccuracy: 0.5,
		LearningRate:  0.01,
		EpochDuration: 120 * time.Millisecond,
		BatchCount:    3,
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	start := time.Unix(1700000000, 42)
	require.NoError(t, s.StartRun(ctx, Run{ID: "a", Method: "dann", Config: "epochs: 2", StartedAt: start}))

	run, err := s.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.True(t, run.StartedAt.Equal(start))
	assert.True(t, run.FinishedAt.IsZero())
	assert.Equal(t, -1.0, run.TargetAccuracy)

	want := []training.TrainingMetrics{epoch(0, 1.5), epoch(1, 1.2)}
	for _, m := range want {
		require.NoError(t, s.RecordEpoch(ctx, "a", m))
	}
	got, err := s.Epochs(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("epochs mismatch (-want +got):\n%s", diff)
	}

	t.Run("re-recording an epoch replaces it", func(t *testing.T) {
		require.NoError(t, s.RecordEpoch(ctx, "a", epoch(1, 0.9)))
		got, err := s.Epochs(ctx, "a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 0.9, got[1].TrainLoss)
	})

	require.NoError(t, s.FinishRun(ctx, "a", StatusFinished, 0.8))
	run, err = s.GetRun(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, run.Status)
	assert.Equal(t, 0.8, run.TargetAccuracy)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Unix(1700000000, 0)
	for i, method := range []string{"dann", "cdan", "deepjdot"} {
		id := method + "-run"
		require.NoError(t, s.StartRun(ctx, Run{ID: id, Method: method, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
		for e := 0; e <= i; e++ {
			require.NoError(t, s.RecordEpoch(ctx, id, epoch(e, float64(10-e))))
		}
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "deepjdot", runs[0].Method)
	assert.Equal(t, 3, runs[0].Epochs)
	assert.Equal(t, 8.0, runs[0].FinalEpoch.TrainLoss)
	assert.Equal(t, "dann", runs[2].Method)
	assert.Equal(t, 1, runs[2].Epochs)

	limited, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, s.DeleteRun(ctx, "cdan-run"))
	runs, err = s.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.RecordEpoch(ctx, "missing", epoch(0, 1)), ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", StatusFailed, -1), ErrRunNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, "missing"), ErrRunNotFound)
	assert.Error(t, s.StartRun(ctx, Run{}))

	require.NoError(t, s.StartRun(ctx, Run{ID: "dup", Method: "dann"}))
	assert.Error(t, s.StartRun(ctx, Run{ID: "dup", Method: "dann"}), "duplicate id")
}

func TestConcurrentRecorders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ids := []string{"r0", "r1", "r2", "r3"}
	for _, id := range ids {
		require.NoError(t, s.StartRun(ctx, Run{ID: id, Method: "dann"}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids)*5)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for e := 0; e < 5; e++ {
				errs <- s.RecordEpoch(ctx, id, epoch(e, 1))
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		got, err := s.Epochs(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got, 5)
	}
}

func TestReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StartRun(ctx, Run{ID: "persist", Method: "cdan"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
	run, err := s.GetRun(ctx, "persist")
	require.NoError(t, err)
	assert.Equal(t, "cdan", run.Method)
}
