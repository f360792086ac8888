package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// querier is the subset shared by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement; Store runs them on the pool, Tx inside a transaction
type queries struct {
	q querier
}

// Store provides SQLite-backed task and run persistence
type Store struct {
	queries
	db     *sql.DB
	logger zerolog.Logger
}

// Tx exposes the store operations inside one transaction
type Tx struct {
	queries
	tx *sql.Tx
}

// SQL exposes the underlying transaction for packages sharing it
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// New opens the database at dbPath, creating parent directories and the schema.
// Write transactions begin IMMEDIATE so a read-modify-write on a task row
// cannot interleave with another writer.
func New(dbPath string) (*Store, error) {
	if dbPath == ":memory:" {
		return OpenInMemory()
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return open(db)
}

// OpenInMemory opens a private in-memory database, used by tests
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(ON)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}

	// one connection, otherwise every connection sees its own empty database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return open(db)
}

func open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{
		queries: queries{q: db},
		db:      db,
		logger:  logging.Component("taskstore"),
	}, nil
}

// DB returns the connection pool so sibling stores can share the database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in a transaction, committing if fn returns nil
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{queries: queries{q: tx}, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const taskColumns = `id, name, description, original_filename, file_path, file_size, model, agent, harness,
	num_runs, status, created_at, started_at, completed_at, total_runs, passed_runs, failed_runs`

// CreateTask inserts a new task and sets its ID
func (q queries) CreateTask(ctx context.Context, task *domain.Task) error {
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO tasks (name, description, original_filename, file_path, file_size, model, agent, harness,
			num_runs, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.Name,
		nullString(task.Description),
		task.OriginalFilename,
		task.FilePath,
		task.FileSize,
		task.Model,
		task.Agent,
		task.Harness,
		task.NumRuns,
		string(task.Status),
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	task.ID = id
	return nil
}

// GetTask retrieves a task by ID
func (q queries) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, domain.ErrNotFound)
	}
	return task, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Status domain.TaskStatus
	Limit  int
	Offset int
}

// ListTasks returns tasks matching opts, newest first
func (q queries) ListTasks(ctx context.Context, opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task; its runs go with it
func (q queries) DeleteTask(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("task %d: %w", id, domain.ErrNotFound))
}

// MarkTaskStarted moves a pending task to running and records its run count
func (q queries) MarkTaskStarted(ctx context.Context, id int64, totalRuns int, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, total_runs = ?
		WHERE id = ? AND status = ?
	`, string(domain.TaskRunning), now, totalRuns, id, string(domain.TaskPending))
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("start task %d: %w", id, domain.ErrInvalidTransition))
}

// SetTaskStatus overwrites a task's status without any guard
func (q queries) SetTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	res, err := q.q.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return requireAffected(res, fmt.Errorf("task %d: %w", id, domain.ErrNotFound))
}

// ResetTask deletes all runs of a completed or failed task and returns it to pending
func (q queries) ResetTask(ctx context.Context, id int64) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = NULL, completed_at = NULL,
			total_runs = 0, passed_runs = 0, failed_runs = 0
		WHERE id = ? AND status IN (?, ?)
	`, string(domain.TaskPending), id, string(domain.TaskCompleted), string(domain.TaskFailed))
	if err != nil {
		return err
	}
	if err := requireAffected(res, fmt.Errorf("reset task %d: %w", id, domain.ErrInvalidTransition)); err != nil {
		return err
	}

	_, err = q.q.ExecContext(ctx, `DELETE FROM runs WHERE task_id = ?`, id)
	return err
}

// UpdateTaskCounters writes the rollup counters
func (q queries) UpdateTaskCounters(ctx context.Context, id int64, total, passed, failed int) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE tasks SET total_runs = ?, passed_runs = ?, failed_runs = ? WHERE id = ?
	`, total, passed, failed, id)
	return err
}

// CompleteTask moves a running task to completed. It reports whether the row changed.
func (q queries) CompleteTask(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, completed_at = ? WHERE id = ? AND status = ?
	`, string(domain.TaskCompleted), now, id, string(domain.TaskRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Stats summarises tasks and runs by status
type Stats struct {
	TotalTasks int
	TotalRuns  int
	Tasks      map[domain.TaskStatus]int
	Runs       map[domain.RunStatus]int
}

// Stats counts tasks and runs grouped by status
func (q queries) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Tasks: make(map[domain.TaskStatus]int),
		Runs:  make(map[domain.RunStatus]int),
	}

	rows, err := q.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Tasks[domain.TaskStatus(status)] = n
		stats.TotalTasks += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Runs[domain.RunStatus(status)] = n
		stats.TotalRuns += n
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var status string
	var description sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.Name, &description, &task.OriginalFilename, &task.FilePath, &task.FileSize,
		&task.Model, &task.Agent, &task.Harness, &task.NumRuns, &status, &task.CreatedAt, &startedAt, &completedAt,
		&task.TotalRuns, &task.PassedRuns, &task.FailedRuns)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.Description = description.String
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	return &task, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
