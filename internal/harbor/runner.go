// Package harbor runs one job definition through the Harbor CLI and turns
// its jobs directory into a domain.Outcome.
package harbor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/logging"
	"github.com/rs/zerolog"
)

// Config configures the Harbor runner
type Config struct {
	Binary      string
	Environment string
	JobsDir     string
	APIKey      string
	APIBaseURL  string
	// WaitDelay bounds how long output pipes may stay open after the process is killed
	WaitDelay time.Duration
}

// OutputFunc receives each line the backend prints
type OutputFunc func(stream, line string)

// Runner executes job definitions with Harbor
type Runner struct {
	cfg      Config
	onOutput OutputFunc
	logger   zerolog.Logger
}

// NewRunner creates a Runner
func NewRunner(cfg Config) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "harbor"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 10 * time.Second
	}
	return &Runner{cfg: cfg, logger: logging.Component("harbor")}
}

// SetOnOutput registers a callback for streamed output
func (r *Runner) SetOnOutput(fn OutputFunc) {
	r.onOutput = fn
}

// BuildCommand returns the argv for one single-attempt Harbor run. Oracle
// runs take no model.
func (r *Runner) BuildCommand(taskDir string, spec domain.JobSpec, jobsDir string) []string {
	args := []string{
		r.cfg.Binary, "run",
		"--path", taskDir,
		"--agent", spec.Agent,
		"--jobs-dir", jobsDir,
		"--n-attempts", "1",
		"--n-concurrent", "1",
	}
	if r.cfg.Environment != "" {
		args = append(args, "--env", r.cfg.Environment)
	}
	if spec.Agent != domain.AgentOracle && spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	return args
}

// Env returns the process environment with the API credentials set
func (r *Runner) Env() []string {
	env := os.Environ()
	if r.cfg.APIKey != "" {
		env = append(env, "OPENAI_API_KEY="+r.cfg.APIKey, "OPENROUTER_API_KEY="+r.cfg.APIKey)
	}
	if r.cfg.APIBaseURL != "" {
		env = append(env, "OPENAI_API_BASE="+r.cfg.APIBaseURL)
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "PATH="+filepath.Join(home, ".local", "bin")+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
	return env
}

// Execute extracts the archive, runs Harbor with the given timeout and parses
// the result. A failing job is a Success=false outcome; an error is returned
// only when the run could not be launched or ctx was cancelled.
func (r *Runner) Execute(ctx context.Context, spec domain.JobSpec, timeout time.Duration) (domain.Outcome, error) {
	start := time.Now()

	workDir, err := os.MkdirTemp("", "tbench_")
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	taskDir, err := Extract(spec.FilePath, workDir)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("extracting %s: %w", spec.FilePath, err)
	}

	jobsDir, err := r.prepareJobsDir(spec)
	if err != nil {
		return domain.Outcome{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := r.BuildCommand(taskDir, spec, jobsDir)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = r.Env()
	cmd.WaitDelay = r.cfg.WaitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.Outcome{}, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return domain.Outcome{}, err
	}

	r.logger.Info().
		Str("run", spec.Label()).
		Str("agent", spec.Agent).
		Str("model", spec.Model).
		Dur("timeout", timeout).
		Str("command", strings.Join(argv, " ")).
		Msg("starting harbor run")

	if err := cmd.Start(); err != nil {
		return domain.Outcome{}, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.streamOutput(stdout, "stdout", &stdoutBuf)
	}()
	go func() {
		defer wg.Done()
		r.streamOutput(stderr, "stderr", &stderrBuf)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start).Seconds()

	if ctx.Err() != nil {
		return domain.Outcome{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r.logger.Warn().Str("run", spec.Label()).Float64("seconds", duration).Msg("harbor run timed out")
		return domain.Outcome{
			TimedOut:        true,
			Error:           domain.StringPtr("Timeout"),
			Logs:            fmt.Sprintf("Task timed out after %d seconds\n%s\n%s", int(timeout.Seconds()), stdoutBuf.String(), stderrBuf.String()),
			DurationSeconds: duration,
		}, nil
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return domain.Outcome{}, fmt.Errorf("waiting for harbor: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	res := ParseResults(jobsDir)
	logs := stdoutBuf.String() + "\n" + stderrBuf.String()
	if res.TestLogs != "" {
		logs += "\n\n=== TEST OUTPUT ===\n" + res.TestLogs
	}

	outcome := domain.Outcome{
		Success:         res.Reward > 0,
		Reward:          res.Reward,
		TestsTotal:      res.TestsTotal,
		TestsPassed:     res.TestsPassed,
		TestsFailed:     res.TestsFailed,
		Logs:            logs,
		DurationSeconds: duration,
	}
	if exitCode != 0 {
		outcome.Error = domain.StringPtr(fmt.Sprintf("Exit code: %d", exitCode))
	}

	r.logger.Info().
		Str("run", spec.Label()).
		Int("exit_code", exitCode).
		Float64("reward", res.Reward).
		Int("tests_passed", res.TestsPassed).
		Int("tests_total", res.TestsTotal).
		Float64("seconds", duration).
		Msg("harbor run finished")
	return outcome, nil
}

// prepareJobsDir returns an empty jobs directory for spec. Retries reuse the
// run's label, so trials left by an earlier attempt are removed first.
func (r *Runner) prepareJobsDir(spec domain.JobSpec) (string, error) {
	jobsDir := filepath.Join(r.cfg.JobsDir, spec.Label())
	if err := os.RemoveAll(jobsDir); err != nil {
		return "", fmt.Errorf("clearing jobs dir: %w", err)
	}
	if err := os.MkdirAll(jobsDir, 0755); err != nil {
		return "", fmt.Errorf("creating jobs dir: %w", err)
	}
	return jobsDir, nil
}

func (r *Runner) streamOutput(rd io.Reader, stream string, buf *strings.Builder) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if r.onOutput != nil {
			r.onOutput(stream, line)
		}
	}
	// keep the pipe drained if a line overflowed the scanner
	io.Copy(io.Discard, rd)
}
