package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/hochfrequenz/tbench-runner/internal/config"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/internal/orchestrator"
	"github.com/hochfrequenz/tbench-runner/internal/taskstore"
	"github.com/hochfrequenz/tbench-runner/web/api"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage benchmark tasks",
}

var createCmd = &cobra.Command{
	Use:   "create ARCHIVE",
	Short: "Upload a zipped task definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show TASK",
	Short: "Show a task and its runs",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var startCmd = &cobra.Command{
	Use:   "start TASK",
	Short: "Create and dispatch the runs of a pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var retryCmd = &cobra.Command{
	Use:   "retry TASK",
	Short: "Reset a completed or failed task to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var deleteCmd = &cobra.Command{
	Use:   "delete TASK",
	Short: "Delete a task, its runs and its archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var redispatchCmd = &cobra.Command{
	Use:   "redispatch TASK",
	Short: "Enqueue the pending runs of a running task again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRedispatch,
}

var runsCmd = &cobra.Command{
	Use:   "runs TASK",
	Short: "List the runs of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuns,
}

var logsCmd = &cobra.Command{
	Use:   "logs TASK RUN",
	Short: "Print the captured output of a run",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task and run counts by status",
	RunE:  runStats,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the selectable models and agents",
	RunE:  runCatalog,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

var (
	createName        string
	createDescription string
	createModel       string
	createAgent       string
	createRuns        int
	createStart       bool

	listStatus string
	listLimit  int
	listOffset int

	initForce bool
)

func init() {
	createCmd.Flags().StringVar(&createName, "name", "", "task name (default: archive name)")
	createCmd.Flags().StringVar(&createDescription, "description", "", "task description")
	createCmd.Flags().StringVar(&createModel, "model", "", "model ID (default from config)")
	createCmd.Flags().StringVar(&createAgent, "agent", "", "agent ID (default from config)")
	createCmd.Flags().IntVarP(&createRuns, "runs", "n", 10, "number of runs")
	createCmd.Flags().BoolVar(&createStart, "start", false, "start the task right away")

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, running, completed, failed, cancelled)")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of tasks")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "number of tasks to skip")

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")

	taskCmd.AddCommand(createCmd, listCmd, showCmd, startCmd, retryCmd, deleteCmd, redispatchCmd)
	rootCmd.AddCommand(taskCmd, runsCmd, logsCmd, statsCmd, catalogCmd, initCmd)
}

// withApp opens the shared components for one command invocation
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app, p *printer) error) error {
	p, err := newPrinter(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a, p)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s ID %q", what, s)
	}
	return id, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	path := args[0]
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		name := createName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		task, err := a.orchestrator.CreateTask(ctx, orchestrator.NewTask{
			Name:        name,
			Description: createDescription,
			Model:       createModel,
			Agent:       createAgent,
			NumRuns:     createRuns,
			Filename:    filepath.Base(path),
			Archive:     f,
		})
		if err != nil {
			return err
		}

		if !createStart {
			return p.task(task, nil)
		}
		res, err := a.orchestrator.StartTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("task %d created but not started: %w", task.ID, err)
		}
		return p.started(api.StartToResponse(res))
	})
}

func runList(cmd *cobra.Command, args []string) error {
	status := domain.TaskStatus(listStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		tasks, err := a.orchestrator.ListTasks(ctx, taskstore.ListOptions{
			Status: status,
			Limit:  listLimit,
			Offset: listOffset,
		})
		if err != nil {
			return err
		}
		if len(tasks) == 0 && p.format == "table" {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found")
			return nil
		}
		return p.tasks(tasks)
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		task, err := a.orchestrator.GetTask(ctx, id)
		if err != nil {
			return err
		}
		runs, err := a.orchestrator.ListRuns(ctx, id)
		if err != nil {
			return err
		}
		return p.task(task, runs)
	})
}

func runStart(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		res, err := a.orchestrator.StartTask(ctx, id)
		if err != nil {
			return err
		}
		return p.started(api.StartToResponse(res))
	})
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		task, err := a.orchestrator.RetryTask(ctx, id)
		if err != nil {
			return err
		}
		return p.task(task, nil)
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		if err := a.orchestrator.DeleteTask(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted task %d\n", id)
		return nil
	})
}

func runRedispatch(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		report, err := a.orchestrator.RedispatchPending(ctx, id)
		if err != nil {
			return err
		}
		return p.redispatched(api.ReportToRedispatch(report))
	})
}

func runRuns(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		runs, err := a.orchestrator.ListRuns(ctx, id)
		if err != nil {
			return err
		}
		return p.runs(runs)
	})
}

func runLogs(cmd *cobra.Command, args []string) error {
	taskID, err := parseID(args[0], "task")
	if err != nil {
		return err
	}
	runID, err := parseID(args[1], "run")
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		run, err := a.orchestrator.GetRun(ctx, taskID, runID)
		if err != nil {
			return err
		}
		if run.Logs == "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "(no output captured)")
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), run.Logs)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app, p *printer) error {
		stats, err := a.orchestrator.Stats(ctx)
		if err != nil {
			return err
		}
		resp := api.StatsToResponse(stats)
		depth, err := a.queue.Depth(ctx)
		if err != nil {
			return err
		}
		resp.Queue = &depth
		return p.stats(resp)
	})
}

func runCatalog(cmd *cobra.Command, args []string) error {
	p, err := newPrinter(outputFormat, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	catalog := struct {
		Models []domain.ModelInfo `json:"models" yaml:"models"`
		Agents []domain.AgentInfo `json:"agents" yaml:"agents"`
	}{domain.AvailableModels, domain.AvailableAgents}

	return p.print(catalog, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "MODEL\tNAME\tPROVIDER")
		for _, m := range domain.AvailableModels {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, m.Provider)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "AGENT\tNAME\tHARNESS")
		for _, ag := range domain.AvailableAgents {
			fmt.Fprintf(w, "%s\t%s\t%s\n", ag.ID, ag.Name, ag.Harness)
		}
	})
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
