package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollup(t *testing.T) {
	tests := []struct {
		name     string
		numRuns  int
		statuses []domain.RunStatus
		want     Counters
	}{
		{
			name:     "no runs",
			numRuns:  3,
			statuses: nil,
			want:     Counters{},
		},
		{
			name:     "in flight",
			numRuns:  3,
			statuses: []domain.RunStatus{domain.RunPassed, domain.RunFailed, domain.RunRunning},
			want:     Counters{Total: 3, Passed: 1, Failed: 1, Terminal: 2},
		},
		{
			name:     "all terminal",
			numRuns:  3,
			statuses: []domain.RunStatus{domain.RunPassed, domain.RunFailed, domain.RunError},
			want:     Counters{Total: 3, Passed: 1, Failed: 2, Terminal: 3, Complete: true},
		},
		{
			name:     "timeout counts as failed",
			numRuns:  2,
			statuses: []domain.RunStatus{domain.RunTimeout, domain.RunPending},
			want:     Counters{Total: 2, Failed: 1, Terminal: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rollup(tt.numRuns, tt.statuses)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, got.Passed+got.Failed, got.Total)
		})
	}
}

// setupTask stores a running task with runs already moved to the given statuses
func setupTask(t *testing.T, store *taskstore.Store, statuses ...domain.RunStatus) (*domain.Task, []int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	task := &domain.Task{Name: "t", FilePath: "/t.zip", Agent: "oracle", NumRuns: len(statuses)}
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, len(statuses))
	require.NoError(t, err)
	require.NoError(t, store.MarkTaskStarted(ctx, task.ID, len(ids), now))

	for i, s := range statuses {
		if s == domain.RunPending {
			continue
		}
		require.NoError(t, store.StartRun(ctx, ids[i], now))
		if s.IsTerminal() {
			require.NoError(t, store.FinishRun(ctx, ids[i], taskstore.RunResult{Status: s}, now))
		}
	}
	return task, ids
}

func TestRecompute_CompletesWhenAllTerminal(t *testing.T) {
	ctx := context.Background()
	store, err := taskstore.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	task, ids := setupTask(t, store, domain.RunPassed, domain.RunFailed, domain.RunRunning)

	var res Result
	require.NoError(t, store.InTx(ctx, func(tx *taskstore.Tx) error {
		res, err = Recompute(ctx, tx, task.ID, time.Now().UTC())
		return err
	}))
	assert.Equal(t, domain.TaskRunning, res.Status)
	assert.False(t, res.Completed)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)
	assert.Equal(t, 1, got.PassedRuns)
	assert.Equal(t, 1, got.FailedRuns)

	// third run errors out
	require.NoError(t, store.FinishRun(ctx, ids[2], taskstore.RunResult{Status: domain.RunError}, time.Now().UTC()))
	require.NoError(t, store.InTx(ctx, func(tx *taskstore.Tx) error {
		res, err = Recompute(ctx, tx, task.ID, time.Now().UTC())
		return err
	}))
	assert.True(t, res.Completed)

	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 3, got.TotalRuns)
	assert.Equal(t, 1, got.PassedRuns)
	assert.Equal(t, 2, got.FailedRuns)
	require.NotNil(t, got.CompletedAt)
	firstCompletedAt := *got.CompletedAt

	// a second recompute is a no-op for status and timestamp
	require.NoError(t, store.InTx(ctx, func(tx *taskstore.Tx) error {
		res, err = Recompute(ctx, tx, task.ID, time.Now().Add(time.Hour).UTC())
		return err
	}))
	assert.False(t, res.Completed)
	assert.Equal(t, domain.TaskCompleted, res.Status)

	got, err = store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, firstCompletedAt.Equal(*got.CompletedAt))
}

func TestRecompute_LeavesPendingTaskAlone(t *testing.T) {
	ctx := context.Background()
	store, err := taskstore.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()

	task := &domain.Task{Name: "t", FilePath: "/t.zip", Agent: "oracle", NumRuns: 1}
	require.NoError(t, store.CreateTask(ctx, task))

	res, err := Recompute(ctx, store, task.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, res.Status)
	assert.False(t, res.Completed)
}
