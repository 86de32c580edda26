package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/CosmoTheDev/covscan/internal/artifacts"
	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/internal/environment"
	"github.com/CosmoTheDev/covscan/internal/gateway"
	"github.com/CosmoTheDev/covscan/internal/jobstore"
	"github.com/CosmoTheDev/covscan/internal/notify"
	"github.com/CosmoTheDev/covscan/internal/pipeline"
	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/internal/queue"
	"github.com/CosmoTheDev/covscan/internal/repository"
	"github.com/CosmoTheDev/covscan/internal/routing"
	"github.com/CosmoTheDev/covscan/internal/scanner"
)

// stack holds every long-lived component of a covscan process.
type stack struct {
	cfg       *config.Config
	db        database.DB
	routes    *routing.Resolver
	env       *environment.Manager
	cache     *repository.SourceCache
	coord     *scanner.Coordinator
	queue     queue.Queue
	jobs      *jobstore.Store
	artifacts *artifacts.Store
	pipeline  *pipeline.Pipeline
	events    *gateway.Broadcaster
}

type stackOptions struct {
	// queueBackend overrides cfg.Queue.Backend when set.
	queueBackend  string
	keepWorkspace bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func environmentOptions(cfg *config.Config) environment.Options {
	return environment.Options{
		Name:         cfg.Environment.Name,
		Image:        cfg.Environment.Image,
		Workspace:    cfg.Environment.Workspace,
		CacheDir:     cfg.Environment.CacheDir,
		Docker:       cfg.Environment.Docker,
		ReadyTimeout: time.Duration(cfg.Environment.ReadySeconds) * time.Second,
	}
}

// buildStack opens the database, loads routing and wires the scan pipeline.
// The caller must Close the stack.
func buildStack(ctx context.Context, cfg *config.Config, opts stackOptions) (*stack, error) {
	s := &stack{cfg: cfg, events: gateway.NewBroadcaster()}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if s.routes, err = routing.New(cfg.Routing.File, defaultTarget(cfg)); err != nil {
		return nil, fmt.Errorf("loading routing table: %w", err)
	}

	inv := process.NewExec()
	envOpts := environmentOptions(cfg)
	s.env = environment.NewManager(envOpts, inv)
	s.cache = repository.NewSourceCache(cfg.Git.CacheDir, func(repoURL string) string {
		provider, err := repository.DetectProvider(repoURL)
		if err != nil {
			return ""
		}
		return repository.TokenForProvider(cfg, provider, repoURL)
	})
	s.coord = scanner.NewCoordinator(scanner.Options{
		Workspace:     cfg.Environment.Workspace,
		BuildTool:     cfg.Build.Tool,
		ExtraArgs:     cfg.Build.ExtraArgs,
		SourceTimeout: time.Duration(cfg.Git.TimeoutSeconds) * time.Second,
	}, s.cache, s.env, func(requestID string) scanner.Environment {
		return environment.NewIsolated(envOpts, requestID, inv)
	}, inv)

	qcfg := cfg.Queue
	if opts.queueBackend != "" {
		qcfg.Backend = opts.queueBackend
	}
	if s.queue, err = queue.New(qcfg, db); err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}

	s.jobs = jobstore.New(db)
	if s.artifacts, err = artifacts.New(ctx, cfg.Storage, cfg.Server.PublicURL); err != nil {
		return nil, fmt.Errorf("opening report storage: %w", err)
	}

	var status pipeline.StatusReporter
	if cfg.Git.ReportStatus {
		reporters, err := repository.NewReporters(cfg)
		if err != nil {
			return nil, fmt.Errorf("commit status reporters: %w", err)
		}
		status = reporters
	}

	s.pipeline = pipeline.New(pipeline.Options{
		RetryBase:     time.Duration(cfg.Queue.RetryBaseSeconds) * time.Second,
		KeepWorkspace: opts.keepWorkspace,
	}, pipeline.Deps{
		Runner:    s.coord,
		Router:    s.routes,
		Notifier:  notify.NewDispatcher(cfg.Notify),
		Queue:     s.queue,
		History:   s.jobs,
		Artifacts: s.artifacts,
		Status:    status,
		Publish:   s.events.Publish,
	})
	s.coord.SetObserver(s.pipeline.Observe)

	ok = true
	return s, nil
}

// housekeeping exposes the maintenance operations of the wired components.
func (s *stack) housekeeping() gateway.Housekeeping {
	h := gateway.Housekeeping{
		PruneCache:   s.cache.Prune,
		PruneReports: s.artifacts.Prune,
		PruneJobs:    s.jobs.Prune,
		Probe:        s.env.Probe,
	}
	if dbq, ok := s.queue.(*queue.DBQueue); ok {
		h.Reap = dbq.ReapExpired
		h.PruneDead = dbq.PruneDead
	}
	return h
}

// Close waits for pending notifications and releases the queue and database.
func (s *stack) Close() {
	if s.pipeline != nil {
		s.pipeline.Wait()
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			slog.Warn("Closing queue failed", "error", err)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}
