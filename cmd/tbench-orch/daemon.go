package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hochfrequenz/tbench-runner/internal/intake"
	"github.com/hochfrequenz/tbench-runner/web/api"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute queued runs and run the maintenance jobs",
	RunE:  runWorker,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch [DIR]",
	Short: "Create tasks from archives dropped into a folder",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var (
	workerConcurrency int

	servePort       int
	serveHost       string
	serveWithWorker bool
	serveWithWatch  bool

	watchAutoStart bool
	watchRuns      int
)

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "concurrent runs (default from config)")

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind to (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also execute runs in this process")
	serveCmd.Flags().BoolVar(&serveWithWatch, "with-watch", false, "also watch the configured intake folder")
	serveCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "concurrent runs with --with-worker (default from config)")

	watchCmd.Flags().BoolVar(&watchAutoStart, "start", false, "start tasks as soon as they are created")
	watchCmd.Flags().IntVarP(&watchRuns, "runs", "n", 0, "runs per task (default from config)")

	rootCmd.AddCommand(workerCmd, serveCmd, watchCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// addWorker runs the worker pool and the maintenance scheduler in g
func addWorker(ctx context.Context, g *errgroup.Group, a *app) error {
	w, err := a.newWorker(workerConcurrency)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}
	m, err := a.newMaintenance()
	if err != nil {
		return fmt.Errorf("creating maintenance: %w", err)
	}

	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return m.Run(ctx) })
	return nil
}

func addWatcher(ctx context.Context, g *errgroup.Group, a *app, cfg intake.Config) error {
	if cfg.Dir == "" {
		return errors.New("no intake folder configured (set intake.watch_dir or pass DIR)")
	}
	if cfg.DefaultRuns <= 0 {
		cfg.DefaultRuns = a.cfg.Intake.DefaultRuns
	}
	watcher, err := intake.NewWatcher(cfg, a.orchestrator)
	if err != nil {
		return fmt.Errorf("watching %s: %w", cfg.Dir, err)
	}
	g.Go(func() error { return watcher.Run(ctx) })
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if err := addWorker(gctx, g, a); err != nil {
		return err
	}
	return g.Wait()
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	host := serveHost
	if host == "" {
		host = a.cfg.Web.Host
	}
	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	opts := []api.Option{api.WithQueue(a.queue)}
	if serveWithWorker {
		if err := addWorker(gctx, g, a); err != nil {
			return err
		}
		opts = append(opts, api.WithObserver(a.observer))
	}
	if serveWithWatch {
		err := addWatcher(gctx, g, a, intake.Config{
			Dir:         a.cfg.Intake.WatchDir,
			AutoStart:   a.cfg.Intake.AutoStart,
			DefaultRuns: a.cfg.Intake.DefaultRuns,
		})
		if err != nil {
			return err
		}
	}

	server := api.NewServer(api.Config{
		Addr:          fmt.Sprintf("%s:%d", host, port),
		MaxUploadSize: a.cfg.General.MaxUploadSize,
		JSONLogs:      a.cfg.Log.JSON,
	}, a.orchestrator, a.bus, opts...)

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s:%d\n", host, port)
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := intake.Config{
		Dir:         a.cfg.Intake.WatchDir,
		AutoStart:   a.cfg.Intake.AutoStart || watchAutoStart,
		DefaultRuns: watchRuns,
	}
	if len(args) == 1 {
		cfg.Dir = args[0]
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if err := addWatcher(gctx, g, a, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for task archives\n", cfg.Dir)
	return g.Wait()
}
