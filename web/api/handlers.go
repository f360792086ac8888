package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hochfrequenz/tbench-runner/internal/dispatch"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/jobqueue"
	"github.com/hochfrequenz/tbench-runner/internal/observer"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
)

// defaultNumRuns applies when an upload does not say how many runs it wants
const defaultNumRuns = 10

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID               int64      `json:"id" yaml:"id"`
	Name             string     `json:"name" yaml:"name"`
	Description      string     `json:"description,omitempty" yaml:"description,omitempty"`
	OriginalFilename string     `json:"original_filename" yaml:"original_filename"`
	FileSize         int64      `json:"file_size" yaml:"file_size"`
	Model            string     `json:"model" yaml:"model"`
	Agent            string     `json:"agent" yaml:"agent"`
	Harness          string     `json:"harness" yaml:"harness"`
	NumRuns          int        `json:"num_runs" yaml:"num_runs"`
	Status           string     `json:"status" yaml:"status"`
	CreatedAt        time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	TotalRuns        int        `json:"total_runs" yaml:"total_runs"`
	PassedRuns       int        `json:"passed_runs" yaml:"passed_runs"`
	FailedRuns       int        `json:"failed_runs" yaml:"failed_runs"`
	PassRate         float64    `json:"pass_rate" yaml:"pass_rate"`
}

// TaskDetailResponse is a task with its runs
type TaskDetailResponse struct {
	TaskResponse `yaml:",inline"`
	Runs         []RunResponse `json:"runs" yaml:"runs"`
}

// RunResponse is the API response for a run. Logs are only filled for single-run lookups.
type RunResponse struct {
	ID              int64      `json:"id" yaml:"id"`
	TaskID          int64      `json:"task_id" yaml:"task_id"`
	RunNumber       int        `json:"run_number" yaml:"run_number"`
	Status          string     `json:"status" yaml:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	TestsTotal      int        `json:"tests_total" yaml:"tests_total"`
	TestsPassed     int        `json:"tests_passed" yaml:"tests_passed"`
	TestsFailed     int        `json:"tests_failed" yaml:"tests_failed"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count" yaml:"retry_count"`
	Logs            string     `json:"logs,omitempty" yaml:"logs,omitempty"`
}

// StartResponse describes a started task and how its runs were dispatched
type StartResponse struct {
	Task         TaskResponse `json:"task" yaml:"task"`
	Enqueued     int          `json:"enqueued" yaml:"enqueued"`
	FailedRunIDs []int64      `json:"failed_run_ids,omitempty" yaml:"failed_run_ids,omitempty"`
	Stagger      string       `json:"stagger" yaml:"stagger"`
}

// RedispatchResponse describes a redispatch of pending runs
type RedispatchResponse struct {
	TaskID       int64   `json:"task_id" yaml:"task_id"`
	Enqueued     int     `json:"enqueued" yaml:"enqueued"`
	FailedRunIDs []int64 `json:"failed_run_ids,omitempty" yaml:"failed_run_ids,omitempty"`
	Stagger      string  `json:"stagger" yaml:"stagger"`
}

// StatsResponse is the API response for overall status
type StatsResponse struct {
	TotalTasks int               `json:"total_tasks" yaml:"total_tasks"`
	TotalRuns  int               `json:"total_runs" yaml:"total_runs"`
	Tasks      map[string]int    `json:"tasks" yaml:"tasks"`
	Runs       map[string]int    `json:"runs" yaml:"runs"`
	Queue      *jobqueue.Depth   `json:"queue,omitempty" yaml:"queue,omitempty"`
	Worker     *observer.Metrics `json:"worker,omitempty" yaml:"worker,omitempty"`
}

// TaskToResponse converts a task for output
func TaskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:               t.ID,
		Name:             t.Name,
		Description:      t.Description,
		OriginalFilename: t.OriginalFilename,
		FileSize:         t.FileSize,
		Model:            t.Model,
		Agent:            t.Agent,
		Harness:          t.Harness,
		NumRuns:          t.NumRuns,
		Status:           string(t.Status),
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
		TotalRuns:        t.TotalRuns,
		PassedRuns:       t.PassedRuns,
		FailedRuns:       t.FailedRuns,
		PassRate:         t.PassRate(),
	}
}

// RunToResponse converts a run for output, with logs when withLogs is set
func RunToResponse(r *domain.Run, withLogs bool) RunResponse {
	resp := RunResponse{
		ID:              r.ID,
		TaskID:          r.TaskID,
		RunNumber:       r.RunNumber,
		Status:          string(r.Status),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		TestsTotal:      r.TestsTotal,
		TestsPassed:     r.TestsPassed,
		TestsFailed:     r.TestsFailed,
		DurationSeconds: r.DurationSeconds,
		ErrorMessage:    r.ErrorMessage,
		RetryCount:      r.RetryCount,
	}
	if withLogs {
		resp.Logs = r.Logs
	}
	return resp
}

// StatsToResponse converts store stats for output
func StatsToResponse(st *taskstore.Stats) StatsResponse {
	resp := StatsResponse{
		TotalTasks: st.TotalTasks,
		TotalRuns:  st.TotalRuns,
		Tasks:      make(map[string]int, len(st.Tasks)),
		Runs:       make(map[string]int, len(st.Runs)),
	}
	for k, v := range st.Tasks {
		resp.Tasks[string(k)] = v
	}
	for k, v := range st.Runs {
		resp.Runs[string(k)] = v
	}
	return resp
}

// StartToResponse converts a start result for output
func StartToResponse(res *orchestrator.StartResult) StartResponse {
	return StartResponse{
		Task:         TaskToResponse(res.Task),
		Enqueued:     len(res.Report.Enqueued),
		FailedRunIDs: failedIDs(res.Report),
		Stagger:      res.Report.Stagger.String(),
	}
}

// ReportToRedispatch converts a redispatch report for output
func ReportToRedispatch(r dispatch.Report) RedispatchResponse {
	return RedispatchResponse{
		TaskID:       r.TaskID,
		Enqueued:     len(r.Enqueued),
		FailedRunIDs: failedIDs(r),
		Stagger:      r.Stagger.String(),
	}
}

func failedIDs(r dispatch.Report) []int64 {
	if len(r.Failed) == 0 {
		return nil
	}
	return r.FailedIDs()
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) listModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, domain.AvailableModels)
	}
}

func (s *Server) listAgentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, domain.AvailableAgents)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		opts := taskstore.ListOptions{Status: domain.TaskStatus(q.Get("status"))}
		if opts.Status != "" && !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", opts.Status))
			return
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}
		if v := q.Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid offset")
				return
			}
			opts.Offset = n
		}

		tasks, err := s.svc.ListTasks(r.Context(), opts)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}

		resp := make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			resp[i] = TaskToResponse(t)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) createTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize+1<<20)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "expected multipart form: "+err.Error())
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()

		numRuns := defaultNumRuns
		if v := r.FormValue("num_runs"); v != "" {
			numRuns, err = strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "num_runs must be an integer")
				return
			}
		}

		task, err := s.svc.CreateTask(r.Context(), orchestrator.NewTask{
			Name:        r.FormValue("name"),
			Description: r.FormValue("description"),
			Model:       r.FormValue("model"),
			Agent:       r.FormValue("agent"),
			NumRuns:     numRuns,
			Filename:    header.Filename,
			Archive:     file,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, TaskToResponse(task))
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		task, err := s.svc.GetTask(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		runs, err := s.svc.ListRuns(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}

		resp := TaskDetailResponse{TaskResponse: TaskToResponse(task), Runs: make([]RunResponse, len(runs))}
		for i, run := range runs {
			resp.Runs[i] = RunToResponse(run, false)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) deleteTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.svc.DeleteTask(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) startTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := s.svc.StartTask(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, StartToResponse(res))
	}
}

func (s *Server) retryTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		task, err := s.svc.RetryTask(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TaskToResponse(task))
	}
}

func (s *Server) redispatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		report, err := s.svc.RedispatchPending(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ReportToRedispatch(report))
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "taskID")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		runs, err := s.svc.ListRuns(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		resp := make([]RunResponse, len(runs))
		for i, run := range runs {
			resp[i] = RunToResponse(run, false)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*domain.Run, bool) {
	taskID, err := pathID(r, "taskID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	runID, err := pathID(r, "runID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	run, err := s.svc.GetRun(r.Context(), taskID, runID)
	if err != nil {
		s.writeDomainError(w, err)
		return nil, false
	}
	return run, true
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookupRun(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, RunToResponse(run, true))
	}
}

func (s *Server) runLogsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookupRun(w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(run.Logs))
	}
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.svc.Stats(r.Context())
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		resp := StatsToResponse(stats)

		if s.queue != nil {
			depth, err := s.queue.Depth(r.Context())
			if err != nil {
				s.logger.Warn().Err(err).Msg("reading queue depth")
			} else {
				resp.Queue = &depth
			}
		}
		if s.observer != nil {
			m := s.observer.GetMetrics()
			resp.Worker = &m
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
