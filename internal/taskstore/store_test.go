package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTask(name string, runs int) *domain.Task {
	return &domain.Task{
		Name:             name,
		Description:      "prints hello",
		OriginalFilename: name + ".zip",
		FilePath:         "/uploads/" + name + ".zip",
		FileSize:         2048,
		Model:            "openai/gpt-4o",
		Agent:            "terminus-2",
		Harness:          "harbor",
		NumRuns:          runs,
	}
}

func TestStore_CreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("hello-world", 3)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NotZero(t, task.ID)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, "hello-world", got.Name)
	assert.Equal(t, "prints hello", got.Description)
	assert.Equal(t, int64(2048), got.FileSize)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 3, got.NumRuns)
	assert.Nil(t, got.StartedAt)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Minute)
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask(context.Background(), 99)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestStore_ListTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, name := range []string{"a", "b", "c"} {
		task := newTask(name, 1)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateTask(ctx, task))
		if name == "b" {
			require.NoError(t, store.SetTaskStatus(ctx, task.ID, domain.TaskRunning))
		}
	}

	all, err := store.ListTasks(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Name, "newest first")

	running, err := store.ListTasks(ctx, ListOptions{Status: domain.TaskRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].Name)

	page, err := store.ListTasks(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Name)
}

func TestStore_CreateRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 4)
	require.NoError(t, store.CreateTask(ctx, task))

	ids, err := store.CreateRuns(ctx, task.ID, 4)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	runs, err := store.ListRuns(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for i, run := range runs {
		assert.Equal(t, i+1, run.RunNumber)
		assert.Equal(t, domain.RunPending, run.Status)
		assert.Equal(t, ids[i], run.ID)
	}

	// run numbers are unique per task
	_, err = store.CreateRuns(ctx, task.ID, 1)
	assert.Error(t, err)
}

func TestStore_StartRunGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, 1)
	require.NoError(t, err)

	require.NoError(t, store.StartRun(ctx, ids[0], time.Now().UTC()))

	err = store.StartRun(ctx, ids[0], time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "second start must be refused, got %v", err)

	run, err := store.GetRun(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
}

func TestStore_FinishRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, 1)
	require.NoError(t, err)

	dur := 12.5
	result := RunResult{
		Status:          domain.RunFailed,
		TestsTotal:      3,
		TestsPassed:     1,
		TestsFailed:     2,
		DurationSeconds: &dur,
		Logs:            "output",
		ErrorMessage:    domain.StringPtr("Exit code: 1"),
	}

	// pending runs cannot be finished by default
	err = store.FinishRun(ctx, ids[0], result, time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	require.NoError(t, store.StartRun(ctx, ids[0], time.Now().UTC()))
	require.NoError(t, store.FinishRun(ctx, ids[0], result, time.Now().UTC()))

	run, err := store.GetRun(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, 3, run.TestsTotal)
	assert.Equal(t, 2, run.TestsFailed)
	require.NotNil(t, run.DurationSeconds)
	assert.Equal(t, 12.5, *run.DurationSeconds)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "Exit code: 1", *run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)

	// terminal is terminal
	err = store.FinishRun(ctx, ids[0], RunResult{Status: domain.RunPassed}, time.Now().UTC())
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestStore_FinishRunFromPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, 1)
	require.NoError(t, err)

	err = store.FinishRun(ctx, ids[0], RunResult{Status: domain.RunError}, time.Now().UTC(),
		domain.RunPending, domain.RunRunning)
	require.NoError(t, err)

	run, err := store.GetRun(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RunError, run.Status)
	assert.Nil(t, run.ErrorMessage)
}

func TestStore_FinishRunTruncatesLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, 1)
	require.NoError(t, err)
	require.NoError(t, store.StartRun(ctx, ids[0], time.Now().UTC()))

	big := make([]byte, domain.LogByteBudget*2)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, store.FinishRun(ctx, ids[0], RunResult{Status: domain.RunPassed, Logs: string(big)}, time.Now().UTC()))

	run, err := store.GetRun(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, run.Logs, domain.LogByteBudget)
}

func TestStore_RequeueRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, 1)
	require.NoError(t, err)
	id := ids[0]

	// only running runs take the retry edge
	assert.True(t, errors.Is(store.RequeueRun(ctx, id, 3), domain.ErrInvalidTransition))

	for i := 1; i <= 2; i++ {
		require.NoError(t, store.StartRun(ctx, id, time.Now().UTC()))
		require.NoError(t, store.RequeueRun(ctx, id, 2))

		run, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RunPending, run.Status)
		assert.Equal(t, i, run.RetryCount)
		assert.Nil(t, run.StartedAt)
	}

	// budget exhausted
	require.NoError(t, store.StartRun(ctx, id, time.Now().UTC()))
	assert.True(t, errors.Is(store.RequeueRun(ctx, id, 2), domain.ErrInvalidTransition))
}

func TestStore_ResetTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 2)
	require.NoError(t, store.CreateTask(ctx, task))
	_, err := store.CreateRuns(ctx, task.ID, 2)
	require.NoError(t, err)
	require.NoError(t, store.MarkTaskStarted(ctx, task.ID, 2, time.Now().UTC()))

	// running tasks cannot be reset
	assert.True(t, errors.Is(store.ResetTask(ctx, task.ID), domain.ErrInvalidTransition))

	require.NoError(t, store.UpdateTaskCounters(ctx, task.ID, 2, 1, 1))
	changed, err := store.CompleteTask(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, store.ResetTask(ctx, task.ID))

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Zero(t, got.TotalRuns)
	assert.Zero(t, got.PassedRuns)
	assert.Zero(t, got.FailedRuns)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	runs, err := store.ListRuns(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_CompleteTaskIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.MarkTaskStarted(ctx, task.ID, 1, time.Now().UTC()))

	changed, err := store.CompleteTask(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.CompleteTask(ctx, task.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestStore_DeleteTaskCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 2)
	require.NoError(t, store.CreateTask(ctx, task))
	ids, err := store.CreateRuns(ctx, task.ID, 2)
	require.NoError(t, err)

	require.NoError(t, store.DeleteTask(ctx, task.ID))

	_, err = store.GetRun(ctx, ids[0])
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	assert.True(t, errors.Is(store.DeleteTask(ctx, task.ID), domain.ErrNotFound))
}

func TestStore_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := newTask("t", 2)
	require.NoError(t, store.CreateTask(ctx, task))

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.CreateRuns(ctx, task.ID, 2); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	runs, err := store.ListRuns(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a := newTask("a", 2)
	require.NoError(t, store.CreateTask(ctx, a))
	b := newTask("b", 1)
	require.NoError(t, store.CreateTask(ctx, b))
	ids, err := store.CreateRuns(ctx, a.ID, 2)
	require.NoError(t, err)
	require.NoError(t, store.StartRun(ctx, ids[0], time.Now().UTC()))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 2, stats.Tasks[domain.TaskPending])
	assert.Equal(t, 2, stats.TotalRuns)
	assert.Equal(t, 1, stats.Runs[domain.RunRunning])
	assert.Equal(t, 1, stats.Runs[domain.RunPending])
}

func TestStore_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tbench.db")

	store, err := New(path)
	require.NoError(t, err)

	task := newTask("persisted", 1)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Name)
}
