package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/events"
)

// NewTask is a task submission. Archive is the zipped job definition.
type NewTask struct {
	Name        string
	Description string
	Model       string
	Agent       string
	NumRuns     int
	Filename    string
	Archive     io.Reader
}

// CreateTask stores the archive under the upload directory and records a
// pending task
func (o *Orchestrator) CreateTask(ctx context.Context, req NewTask) (*domain.Task, error) {
	if req.Archive == nil {
		return nil, fmt.Errorf("%w: archive is required", domain.ErrInvalidTask)
	}
	if !strings.HasSuffix(strings.ToLower(req.Filename), ".zip") {
		return nil, fmt.Errorf("%w: file must be a zip archive", domain.ErrInvalidTask)
	}

	agent := req.Agent
	if agent == "" {
		agent = o.cfg.DefaultAgent
	}
	model := req.Model
	if model == "" && agent != domain.AgentOracle {
		model = o.cfg.DefaultModel
	}

	task := &domain.Task{
		Name:             req.Name,
		Description:      req.Description,
		OriginalFilename: filepath.Base(req.Filename),
		Model:            model,
		Agent:            agent,
		Harness:          domain.HarnessForAgent(agent),
		NumRuns:          req.NumRuns,
		Status:           domain.TaskPending,
		CreatedAt:        o.now(),
		// placeholder so Validate can run before the upload is written
		FilePath: req.Filename,
	}
	if err := task.Validate(o.cfg.MaxRunsPerTask); err != nil {
		return nil, err
	}

	path, size, err := o.saveUpload(req.Filename, req.Archive)
	if err != nil {
		return nil, err
	}
	task.FilePath = path
	task.FileSize = size

	if err := o.store.CreateTask(ctx, task); err != nil {
		os.Remove(path)
		return nil, err
	}

	o.logger.Info().
		Int64("task_id", task.ID).
		Str("name", task.Name).
		Int("runs", task.NumRuns).
		Str("model", task.Model).
		Str("agent", task.Agent).
		Msg("task created")
	o.events.Publish(events.Event{Type: events.TaskCreated, TaskID: task.ID, Status: string(task.Status)})
	return task, nil
}

// DeleteTask removes a task with its runs and its uploaded archive
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID int64) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := o.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}

	if o.ownsUpload(task.FilePath) {
		if err := os.Remove(task.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.logger.Warn().Err(err).Str("path", task.FilePath).Msg("failed to delete task archive")
		}
	}

	o.logger.Info().Int64("task_id", taskID).Msg("task deleted")
	o.events.Publish(events.Event{Type: events.TaskDeleted, TaskID: taskID})
	return nil
}

func (o *Orchestrator) saveUpload(filename string, r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(o.cfg.UploadDir, 0755); err != nil {
		return "", 0, fmt.Errorf("creating upload dir: %w", err)
	}

	dest := filepath.Join(o.cfg.UploadDir, uuid.NewString()+"_"+filepath.Base(filename))
	f, err := os.Create(dest)
	if err != nil {
		return "", 0, fmt.Errorf("saving upload: %w", err)
	}

	src := r
	if o.cfg.MaxUploadSize > 0 {
		src = io.LimitReader(r, o.cfg.MaxUploadSize+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return "", 0, fmt.Errorf("saving upload: %w", err)
	}
	if o.cfg.MaxUploadSize > 0 && n > o.cfg.MaxUploadSize {
		os.Remove(dest)
		return "", 0, fmt.Errorf("%w: archive exceeds %d bytes", domain.ErrInvalidTask, o.cfg.MaxUploadSize)
	}
	return dest, n, nil
}

func (o *Orchestrator) ownsUpload(path string) bool {
	if o.cfg.UploadDir == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(o.cfg.UploadDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}
