package intake

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreator struct {
	mu      sync.Mutex
	created []orchestrator.NewTask
	bodies  []string
	started []int64
	fail    bool
}

func (f *fakeCreator) CreateTask(_ context.Context, req orchestrator.NewTask) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, domain.ErrInvalidTask
	}
	body, err := io.ReadAll(req.Archive)
	if err != nil {
		return nil, err
	}
	f.created = append(f.created, req)
	f.bodies = append(f.bodies, string(body))
	return &domain.Task{ID: int64(len(f.created)), Name: req.Name, NumRuns: req.NumRuns}, nil
}

func (f *fakeCreator) StartTask(_ context.Context, id int64) (*orchestrator.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return &orchestrator.StartResult{}, nil
}

func (f *fakeCreator) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.created {
		names = append(names, c.Name)
	}
	return names
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestIngest_CreatesTaskAndMovesArchive(t *testing.T) {
	dir := t.TempDir()
	creator := &fakeCreator{}
	w, err := NewWatcher(Config{Dir: dir, DefaultRuns: 3, AutoStart: true}, creator)
	require.NoError(t, err)
	defer w.Stop()

	path := filepath.Join(dir, "hello-world.zip")
	writeFile(t, path, "PK")

	task, err := w.Ingest(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "hello-world", task.Name)

	require.Len(t, creator.created, 1)
	assert.Equal(t, 3, creator.created[0].NumRuns)
	assert.Equal(t, "hello-world.zip", creator.created[0].Filename)
	assert.Equal(t, "PK", creator.bodies[0])
	assert.Equal(t, []int64{1}, creator.started)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, DoneDir, "hello-world.zip"))
}

func TestIngest_FailureMovesToFailed(t *testing.T) {
	dir := t.TempDir()
	creator := &fakeCreator{fail: true}
	w, err := NewWatcher(Config{Dir: dir}, creator)
	require.NoError(t, err)
	defer w.Stop()

	path := filepath.Join(dir, "broken.zip")
	writeFile(t, path, "PK")

	_, err = w.Ingest(context.Background(), path)
	assert.True(t, errors.Is(err, domain.ErrInvalidTask))
	assert.FileExists(t, filepath.Join(dir, FailedDir, "broken.zip"))
	assert.Empty(t, creator.started)
}

func TestScan_IngestsExistingArchives(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.zip"), "b")
	writeFile(t, filepath.Join(dir, "a.zip"), "a")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	creator := &fakeCreator{}
	w, err := NewWatcher(Config{Dir: dir}, creator)
	require.NoError(t, err)
	defer w.Stop()

	tasks, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, []string{"a", "b"}, creator.names())
	assert.Empty(t, creator.started, "auto start is off")
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestScan_MatchesExtensionInAnyCase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "upper.ZIP"), "u")
	writeFile(t, filepath.Join(dir, "mixed.Zip"), "m")
	writeFile(t, filepath.Join(dir, "lower.zip"), "l")
	writeFile(t, filepath.Join(dir, "archive.zip.txt"), "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "folder.zip"), 0755))

	creator := &fakeCreator{}
	w, err := NewWatcher(Config{Dir: dir}, creator)
	require.NoError(t, err)
	defer w.Stop()

	tasks, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
	assert.ElementsMatch(t, []string{"upper", "mixed", "lower"}, creator.names())
	assert.FileExists(t, filepath.Join(dir, DoneDir, "upper.ZIP"))
	assert.FileExists(t, filepath.Join(dir, "archive.zip.txt"))
	assert.DirExists(t, filepath.Join(dir, "folder.zip"))
}

func TestIsArchive(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"task.zip", true},
		{"task.ZIP", true},
		{"/drop/task.Zip", true},
		{"task.zip.part", false},
		{"task.tar.gz", false},
		{"zip", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isArchive(tt.name))
		})
	}
}

func TestWatcher_PicksUpNewArchives(t *testing.T) {
	dir := t.TempDir()
	creator := &fakeCreator{}
	w, err := NewWatcher(Config{Dir: dir, Debounce: 20 * time.Millisecond}, creator)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the scan a moment before dropping files
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "dropped.zip"), "PK")
	writeFile(t, filepath.Join(dir, "readme.md"), "ignored")

	require.Eventually(t, func() bool {
		return len(creator.names()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dropped"}, creator.names())

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, DoneDir, "dropped.zip"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestNewWatcher_RequiresDir(t *testing.T) {
	_, err := NewWatcher(Config{}, &fakeCreator{})
	assert.Error(t, err)
}
