package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/covscan/internal/gateway"
	"github.com/CosmoTheDev/covscan/internal/queue"
	"github.com/CosmoTheDev/covscan/internal/webhook"
)

var (
	serveAddr    string
	serveLogDir  string
	serveWorkers int
	serveKeep    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the covscan webhook daemon",
	Long: `Starts the covscan daemon: the push webhook endpoint, a pool of scan
workers draining the job queue, maintenance cron jobs and a REST + SSE API.

Point your repository webhooks at:
  POST /webhook              unauthenticated
  POST /webhook/github       X-Hub-Signature-256 checked against webhook.github_secret
  POST /webhook/gitlab       X-Gitlab-Token checked against webhook.gitlab_token
  POST /webhook/gitee        token or timestamp signature checked against webhook.gitee_secret
Add ?sync=1 to run the scan inside the request and get the coverage back.

Quick API reference:
  GET    /health                    queue depth, workers and environment state
  GET    /api/jobs                  recent jobs (?repo= ?state= ?limit=)
  GET    /api/jobs/{id}             one job with attempts and notification deliveries
  GET    /api/routes                routing rules and targets
  GET    /api/routes/resolve        which rule matches (?repo_url= ?name=)
  POST   /api/routes/reload         re-read the routing file
  GET    /api/environment           shared environment handle
  DELETE /api/environment           tear the shared environment down
  GET    /api/maintenance           maintenance task status
  POST   /api/maintenance/{name}    run reap, prune or probe now
  GET    /events                    SSE stream of job events
  GET    /reports/...               stored coverage reports`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "",
		"listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveLogDir, "log-dir", "",
		"directory for daemon logs (overrides server.log_dir)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0,
		"number of scan workers (overrides queue.workers)")
	serveCmd.Flags().BoolVar(&serveKeep, "keep-workspace", false,
		"leave per-job workspaces in place for debugging")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Println("\nShutting down covscan gracefully...")
		cancel()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveLogDir != "" {
		cfg.Server.LogDir = serveLogDir
	}
	if serveWorkers > 0 {
		cfg.Queue.Workers = serveWorkers
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 1
	}

	logFilePath, closeLog, err := setupServeFileLogger(cfg.Server.LogDir)
	if err != nil {
		return fmt.Errorf("initialising logger: %w", err)
	}
	defer closeLog()

	s, err := buildStack(ctx, cfg, stackOptions{keepWorkspace: serveKeep})
	if err != nil {
		return err
	}
	defer s.Close()

	s.routes.WatchSignals(ctx)

	pool := queue.NewPool(s.queue, cfg.Queue.Workers, s.pipeline.Handle)
	gw := gateway.New(cfg.Server.Addr, gateway.Deps{
		Scans:   s.pipeline,
		Routes:  s.routes,
		Jobs:    s.jobs,
		Env:     s.env,
		Queue:   s.queue,
		Workers: pool,
		Verifier: webhook.NewVerifier(webhook.Secrets{
			GitHub: cfg.Webhook.GitHubSecret,
			GitLab: cfg.Webhook.GitLabToken,
			Gitee:  cfg.Webhook.GiteeSecret,
		}),
		Broadcaster: s.events,
		Tasks:       gateway.MaintenanceTasks(cfg.Maintenance, s.housekeeping(), s.events.Send),
		ReportsDir:  s.artifacts.Dir(),
	})

	snap := s.routes.Snapshot()
	fmt.Printf("covscan serve starting\n")
	fmt.Printf("  Listen     : %s\n", cfg.Server.Addr)
	fmt.Printf("  Queue      : %s (%d workers)\n", backendName(cfg.Queue.Backend), cfg.Queue.Workers)
	fmt.Printf("  Database   : %s\n", s.db.Driver())
	fmt.Printf("  Routing    : %s (%d rules)\n", snap.Source, len(snap.Rules()))
	fmt.Printf("  Reports    : %s\n", s.artifacts.Dir())
	fmt.Printf("  Logs       : %s\n\n", logFilePath)
	fmt.Println("Press Ctrl+C to stop gracefully.")
	fmt.Println()

	slog.Info("covscan logger initialised", "file", logFilePath)
	return gw.Start(ctx)
}

func backendName(b string) string {
	if b == "" {
		return "db"
	}
	return b
}

func setupServeFileLogger(logDir string) (string, func(), error) {
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	ts := time.Now().UTC().Format("20060102-150405")
	runLogPath := filepath.Join(logDir, fmt.Sprintf("covscan-%s.log", ts))
	runFile, err := os.OpenFile(runLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening run log file: %w", err)
	}

	latestPath := filepath.Join(logDir, "covscan.log")
	latestFile, err := os.OpenFile(latestPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runFile.Close()
		return "", nil, fmt.Errorf("opening latest log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, runFile, latestFile), &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)

	cleanup := func() {
		_ = latestFile.Close()
		_ = runFile.Close()
	}
	return runLogPath, cleanup, nil
}
