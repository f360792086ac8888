// Package intake turns task archives dropped into a folder into tasks.
package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/rs/zerolog"
)

// Subdirectories of the watch dir that ingested archives are moved into
const (
	DoneDir   = ".done"
	FailedDir = ".failed"
)

// Creator is the part of the orchestrator the watcher drives
type Creator interface {
	CreateTask(ctx context.Context, req orchestrator.NewTask) (*domain.Task, error)
	StartTask(ctx context.Context, taskID int64) (*orchestrator.StartResult, error)
}

// Config configures a Watcher
type Config struct {
	Dir         string
	AutoStart   bool
	DefaultRuns int
	Debounce    time.Duration
}

// Watcher monitors a drop folder for new task archives
type Watcher struct {
	cfg     Config
	creator Creator
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	// debounce state
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	ingestMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates the drop folder if needed and a watcher on it
func NewWatcher(cfg Config, creator Creator) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("intake: watch_dir is not set")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.DefaultRuns <= 0 {
		cfg.DefaultRuns = 1
	}
	for _, dir := range []string{cfg.Dir, filepath.Join(cfg.Dir, DoneDir), filepath.Join(cfg.Dir, FailedDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("intake: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", cfg.Dir, err)
	}

	return &Watcher{
		cfg:     cfg,
		creator: creator,
		watcher: fw,
		logger:  logging.Component("intake"),
		pending: make(map[string]struct{}),
	}, nil
}

// Run ingests archives already in the folder, then watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	w.Start(ctx)
	defer w.Stop()

	if _, err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger.Info().Str("dir", w.cfg.Dir).Bool("auto_start", w.cfg.AutoStart).Msg("watching for task archives")

	<-ctx.Done()
	return nil
}

// Start begins watching for file changes
func (w *Watcher) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn().Err(err).Msg("watch error")
			}
		}
	}()
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
	w.wg.Wait()
}

// Scan ingests every archive currently in the folder
func (w *Watcher) Scan(ctx context.Context) ([]*domain.Task, error) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, e := range entries {
		if e.Type().IsRegular() && isArchive(e.Name()) {
			matches = append(matches, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}
	sort.Strings(matches)

	var tasks []*domain.Task
	for _, path := range matches {
		task, err := w.Ingest(ctx, path)
		if err != nil {
			w.logger.Error().Err(err).Str("file", path).Msg("ingest failed")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ingest creates a task from one archive and moves the archive out of the
// folder, into .done on success or .failed otherwise
func (w *Watcher) Ingest(ctx context.Context, path string) (*domain.Task, error) {
	w.ingestMu.Lock()
	defer w.ingestMu.Unlock()

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	task, err := w.create(ctx, path)
	dest := DoneDir
	if err != nil {
		dest = FailedDir
	}
	if mvErr := os.Rename(path, filepath.Join(w.cfg.Dir, dest, filepath.Base(path))); mvErr != nil {
		w.logger.Warn().Err(mvErr).Str("file", path).Msg("moving ingested archive")
	}
	if err != nil {
		return nil, err
	}

	w.logger.Info().Int64("task_id", task.ID).Str("file", filepath.Base(path)).Msg("task created from drop folder")

	if w.cfg.AutoStart {
		if _, err := w.creator.StartTask(ctx, task.ID); err != nil {
			return task, fmt.Errorf("starting task %d: %w", task.ID, err)
		}
	}
	return task, nil
}

func (w *Watcher) create(ctx context.Context, path string) (*domain.Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	base := filepath.Base(path)
	return w.creator.CreateTask(ctx, orchestrator.NewTask{
		Name:     strings.TrimSuffix(base, filepath.Ext(base)),
		NumRuns:  w.cfg.DefaultRuns,
		Filename: base,
		Archive:  f,
	})
}

// isArchive matches the .zip extension in any case
func isArchive(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isArchive(event.Name) {
		return
	}
	// only files directly in the folder, not the .done/.failed subdirectories
	if filepath.Dir(event.Name) != filepath.Clean(w.cfg.Dir) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}

	// copies in progress keep pushing the timer out
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if w.ctx == nil || w.ctx.Err() != nil {
		return
	}

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if _, err := w.Ingest(w.ctx, path); err != nil && !os.IsNotExist(err) {
			w.logger.Error().Err(err).Str("file", path).Msg("ingest failed")
		}
	}
}
