// Package gateway is the HTTP boundary of the daemon: the push webhook, a
// read-only job API, routing and environment controls, an SSE stream of job
// events and the maintenance scheduler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CosmoTheDev/covscan/internal/jobstore"
	"github.com/CosmoTheDev/covscan/internal/pipeline"
	"github.com/CosmoTheDev/covscan/internal/queue"
	"github.com/CosmoTheDev/covscan/internal/routing"
	"github.com/CosmoTheDev/covscan/internal/webhook"
	"github.com/CosmoTheDev/covscan/models"
)

// Scans accepts normalized push events.
type Scans interface {
	Submit(ctx context.Context, ev models.PushEvent) (models.ScanJob, routing.Match, error)
	Accept(ctx context.Context, ev models.PushEvent) (models.ScanJob, routing.Match)
	RunInline(ctx context.Context, job models.ScanJob) (pipeline.Report, error)
}

// Routes is the live routing table.
type Routes interface {
	Resolve(repoURL, repoName string) routing.Match
	Reload() error
	Snapshot() *routing.Snapshot
}

// Jobs reads job history.
type Jobs interface {
	Get(ctx context.Context, requestID string) (jobstore.Job, error)
	List(ctx context.Context, f jobstore.Filter) ([]jobstore.Job, error)
	Attempts(ctx context.Context, requestID string) ([]jobstore.Attempt, error)
	Deliveries(ctx context.Context, requestID string) ([]jobstore.Delivery, error)
}

// Environment is the shared execution environment.
type Environment interface {
	Handle() models.EnvironmentHandle
	Teardown(ctx context.Context) error
}

// Workers is the background worker pool.
type Workers interface {
	Run(ctx context.Context) error
	Busy() int
	Workers() int
}

// Deps are the collaborators of a Gateway. Scans and Routes are required.
type Deps struct {
	Scans    Scans
	Routes   Routes
	Jobs     Jobs
	Env      Environment
	Queue    queue.Queue
	Workers  Workers
	Verifier *webhook.Verifier
	// Broadcaster defaults to a fresh one; pass the one wired into the
	// pipeline to stream job events.
	Broadcaster *Broadcaster
	Tasks       []Task
	// ReportsDir is served read-only under /reports/ when set.
	ReportsDir string
}

// Gateway is the long-running daemon that combines:
//   - the worker pool draining the scan queue
//   - a cron Scheduler running maintenance tasks
//   - a REST + SSE HTTP server
type Gateway struct {
	addr        string
	deps        Deps
	scheduler   *Scheduler
	broadcaster *Broadcaster
	startedAt   time.Time
}

// New creates a Gateway listening on addr. Call Start() to begin serving.
func New(addr string, deps Deps) *Gateway {
	if addr == "" {
		addr = ":8080"
	}
	b := deps.Broadcaster
	if b == nil {
		b = NewBroadcaster()
	}
	if deps.Verifier == nil {
		deps.Verifier = webhook.NewVerifier(webhook.Secrets{})
	}
	return &Gateway{
		addr:        addr,
		deps:        deps,
		scheduler:   newScheduler(deps.Tasks, b.Send),
		broadcaster: b,
		startedAt:   time.Now(),
	}
}

// Handler returns the HTTP handler without starting anything else.
func (gw *Gateway) Handler() http.Handler { return buildHandler(gw) }

// Start runs the gateway until ctx is cancelled. It:
//  1. Starts the cron scheduler
//  2. Runs the worker pool in a background goroutine
//  3. Starts a ticker that pushes a status snapshot every 5s via SSE
//  4. Binds the HTTP server (blocks until shutdown)
func (gw *Gateway) Start(ctx context.Context) error {
	// 1. Start scheduler.
	if err := gw.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// 2. Run workers in background.
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if gw.deps.Workers == nil {
			return
		}
		if err := gw.deps.Workers.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("gateway: worker pool error", "error", err)
		}
		gw.broadcaster.Send(SSEEvent{Type: "workers.stopped"})
	}()

	// 3. Stats ticker.
	go gw.runStatsTicker(ctx)

	// 4. HTTP server.
	srv := &http.Server{
		Addr:              gw.addr,
		Handler:           buildHandler(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		gw.broadcaster.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("gateway: listening", "addr", gw.addr)
	gw.broadcaster.Send(SSEEvent{
		Type:    "gateway.started",
		Payload: map[string]string{"addr": gw.addr},
	})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	<-workersDone
	return nil
}

// runStatsTicker broadcasts a "status.update" SSE event every 5 seconds
// while at least one client is connected.
func (gw *Gateway) runStatsTicker(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if gw.broadcaster.Subscribers() == 0 {
				continue
			}
			gw.broadcaster.Send(SSEEvent{Type: "status.update", Payload: gw.currentStatus(ctx)})
		}
	}
}

func (gw *Gateway) currentStatus(ctx context.Context) Status {
	s := Status{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(gw.startedAt).Seconds()),
	}
	if w := gw.deps.Workers; w != nil {
		s.Workers = w.Workers()
		s.Busy = w.Busy()
	}
	if in, ok := gw.deps.Queue.(queue.Inspector); ok {
		st, err := in.Stats(ctx)
		if err != nil {
			slog.Debug("gateway: queue stats unavailable", "error", err)
		} else {
			s.Queue = &st
		}
	}
	if e := gw.deps.Env; e != nil {
		s.Environment = e.Handle()
	}
	if snap := gw.deps.Routes.Snapshot(); snap != nil {
		s.Routing = snap.Source
	}
	return s
}
