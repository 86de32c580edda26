package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/models"
)

// ErrUnknownTask is returned by TriggerNow for an unregistered task name.
var ErrUnknownTask = errors.New("unknown maintenance task")

// Task is one housekeeping job run by the Scheduler. An empty Expr
// registers the task for manual triggering only.
type Task struct {
	Name string
	// Expr is a cron expression ("*/5 * * * *"), "@every 10m", "@hourly" or "@daily".
	Expr string
	Run  func(ctx context.Context) error
}

// TaskStatus is the last known state of a task.
type TaskStatus struct {
	Name      string `json:"name"`
	Expr      string `json:"expr,omitempty"`
	LastRunAt string `json:"last_run_at,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Runs      int    `json:"runs"`
}

// Scheduler registers maintenance tasks with robfig/cron. Every run records
// its status and broadcasts a "maintenance.ran" event.
type Scheduler struct {
	cron      *cron.Cron
	broadcast func(SSEEvent)

	mu     sync.Mutex
	tasks  map[string]Task
	status map[string]*TaskStatus
}

func newScheduler(tasks []Task, broadcast func(SSEEvent)) *Scheduler {
	s := &Scheduler{
		cron:      cron.New(),
		broadcast: broadcast,
		tasks:     make(map[string]Task, len(tasks)),
		status:    make(map[string]*TaskStatus, len(tasks)),
	}
	for _, t := range tasks {
		s.tasks[t.Name] = t
		s.status[t.Name] = &TaskStatus{Name: t.Name, Expr: t.Expr}
	}
	return s
}

// Start registers every scheduled task and starts the cron runner. Tasks
// with an invalid expression are skipped with a warning.
func (s *Scheduler) Start(ctx context.Context) error {
	registered := 0
	for _, t := range s.tasks {
		if t.Expr == "" {
			continue
		}
		t := t
		if _, err := s.cron.AddFunc(t.Expr, func() { s.run(ctx, t, "cron") }); err != nil {
			slog.Warn("scheduler: skipping task with invalid expression",
				"task", t.Name, "expr", t.Expr, "error", err)
			continue
		}
		registered++
	}
	s.cron.Start()
	slog.Info("gateway scheduler started", "tasks_registered", registered)
	return nil
}

// Stop halts the cron runner and waits for running tasks.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// TriggerNow runs the named task in the calling goroutine.
func (s *Scheduler) TriggerNow(ctx context.Context, name string) (TaskStatus, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return s.run(ctx, t, "manual"), nil
}

// List returns the status of every task ordered by name.
func (s *Scheduler) List() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) run(ctx context.Context, t Task, trigger string) TaskStatus {
	started := time.Now()
	err := t.Run(ctx)

	s.mu.Lock()
	st := s.status[t.Name]
	st.Runs++
	st.LastRunAt = started.UTC().Format(time.RFC3339)
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	snap := *st
	s.mu.Unlock()

	if err != nil {
		slog.Warn("scheduler: task failed", "task", t.Name, "trigger", trigger, "error", err)
	} else {
		slog.Debug("scheduler: task done", "task", t.Name, "trigger", trigger, "took", time.Since(started))
	}
	if s.broadcast != nil {
		s.broadcast(SSEEvent{Type: "maintenance.ran", Payload: map[string]any{
			"task":    t.Name,
			"trigger": trigger,
			"status":  snap,
		}})
	}
	return snap
}

// validate checks that expr is parseable by robfig/cron without adding it
// permanently to any runner.
func validate(expr string) error {
	tmp := cron.New()
	id, err := tmp.AddFunc(expr, func() {})
	if err != nil {
		return err
	}
	tmp.Remove(id)
	return nil
}

// Housekeeping holds the maintenance operations of the wired components.
// Nil fields are skipped.
type Housekeeping struct {
	// Reap requeues db queue rows whose lease expired.
	Reap func(ctx context.Context) (int64, error)
	// PruneDead drops dead-lettered queue rows older than the cutoff.
	PruneDead    func(ctx context.Context, cutoff time.Time) (int64, error)
	PruneCache   func(maxIdle time.Duration) (int, error)
	PruneReports func(maxAge time.Duration) (int, error)
	PruneJobs    func(ctx context.Context, cutoff time.Time) (int64, error)
	Probe        func(ctx context.Context) models.EnvironmentHandle
}

// MaintenanceTasks builds the reap, prune and probe tasks from cfg. A task
// whose expression fails validation keeps manual triggering only.
func MaintenanceTasks(cfg config.MaintenanceConfig, h Housekeeping, broadcast func(SSEEvent)) []Task {
	var tasks []Task
	add := func(name, expr string, run func(ctx context.Context) error) {
		if expr != "" {
			if err := validate(expr); err != nil {
				slog.Warn("scheduler: invalid maintenance schedule", "task", name, "expr", expr, "error", err)
				expr = ""
			}
		}
		tasks = append(tasks, Task{Name: name, Expr: expr, Run: run})
	}

	if h.Reap != nil {
		add("reap", cfg.ReapSchedule, func(ctx context.Context) error {
			n, err := h.Reap(ctx)
			if err != nil {
				return fmt.Errorf("reaping expired leases: %w", err)
			}
			if n > 0 {
				slog.Info("Requeued jobs with expired leases", "count", n)
			}
			return nil
		})
	}

	if h.PruneCache != nil || h.PruneReports != nil || h.PruneJobs != nil || h.PruneDead != nil {
		add("prune", cfg.PruneSchedule, func(ctx context.Context) error {
			return prune(ctx, cfg, h)
		})
	}

	if h.Probe != nil {
		var last models.EnvironmentState
		var mu sync.Mutex
		add("probe", cfg.ProbeSchedule, func(ctx context.Context) error {
			handle := h.Probe(ctx)
			mu.Lock()
			changed := handle.State != last
			last = handle.State
			mu.Unlock()
			if changed {
				slog.Info("gateway: environment state changed", "state", handle.State, "id", handle.ID)
				if broadcast != nil {
					broadcast(SSEEvent{Type: "environment.health", Payload: handle})
				}
			}
			return nil
		})
	}
	return tasks
}

func prune(ctx context.Context, cfg config.MaintenanceConfig, h Housekeeping) error {
	var errs []error
	if h.PruneCache != nil && cfg.CacheIdleDays > 0 {
		n, err := h.PruneCache(days(cfg.CacheIdleDays))
		if err != nil {
			errs = append(errs, fmt.Errorf("source cache: %w", err))
		} else if n > 0 {
			slog.Info("Pruned idle source cache entries", "count", n)
		}
	}
	if cfg.ReportDays <= 0 {
		return errors.Join(errs...)
	}
	cutoff := time.Now().Add(-days(cfg.ReportDays))
	if h.PruneReports != nil {
		n, err := h.PruneReports(days(cfg.ReportDays))
		if err != nil {
			errs = append(errs, fmt.Errorf("reports: %w", err))
		} else if n > 0 {
			slog.Info("Pruned old reports", "count", n)
		}
	}
	if h.PruneJobs != nil {
		if _, err := h.PruneJobs(ctx, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("job history: %w", err))
		}
	}
	if h.PruneDead != nil {
		if _, err := h.PruneDead(ctx, cutoff); err != nil {
			errs = append(errs, fmt.Errorf("dead jobs: %w", err))
		}
	}
	return errors.Join(errs...)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
