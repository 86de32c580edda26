package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CosmoTheDev/covscan/models"
)

// Action is what a worker does with a delivery after its handler returns.
type Action int

const (
	ActionAck Action = iota
	ActionRetry
	ActionFail
)

// Disposition is a handler's verdict on one job.
type Disposition struct {
	Action Action
	At     time.Time // ActionRetry: earliest next attempt
	Reason string    // ActionFail
}

// Done acknowledges the job.
func Done() Disposition { return Disposition{Action: ActionAck} }

// RetryAt reschedules the job for at.
func RetryAt(at time.Time) Disposition { return Disposition{Action: ActionRetry, At: at} }

// Drop fails the job permanently.
func Drop(reason string) Disposition { return Disposition{Action: ActionFail, Reason: reason} }

// Handler processes one job.
type Handler func(ctx context.Context, job models.ScanJob) Disposition

// Pool runs a fixed number of workers against a queue.
type Pool struct {
	q       Queue
	workers int
	handle  Handler
	busy    atomic.Int32
}

// NewPool creates a pool of n workers (at least one).
func NewPool(q Queue, n int, h Handler) *Pool {
	return &Pool{q: q, workers: max(n, 1), handle: h}
}

// Busy returns the number of workers currently running a handler.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Run blocks until ctx is cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	slog.Debug("queue: worker started", "worker", id)
	for {
		d, err := p.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			slog.Error("queue: dequeue failed", "worker", id, "error", err)
			t := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		p.busy.Add(1)
		disp := p.runHeld(ctx, d)
		p.busy.Add(-1)

		if ctx.Err() != nil {
			slog.Info("queue: shutting down mid-job, leaving it for redelivery",
				"request_id", d.Job.RequestID)
			return
		}
		if err := p.settle(ctx, d, disp); err != nil {
			slog.Error("queue: settling delivery failed",
				"request_id", d.Job.RequestID,
				"delivery", d.ID,
				"error", err,
			)
		}
	}
}

// runHeld runs the handler while keeping the delivery's lease alive. Losing
// the lease cancels the handler so the redelivered copy is the only run.
func (p *Pool) runHeld(ctx context.Context, d Delivery) Disposition {
	ext, ok := p.q.(Extender)
	if !ok || ext.HeartbeatInterval() <= 0 {
		return p.run(ctx, d.Job)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	beat := make(chan struct{})
	go func() {
		defer close(beat)
		t := time.NewTicker(ext.HeartbeatInterval())
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-jobCtx.Done():
				return
			case <-t.C:
			}
			err := ext.Extend(jobCtx, d)
			switch {
			case errors.Is(err, ErrLeaseLost):
				slog.Warn("queue: lease lost mid-job, cancelling",
					"request_id", d.Job.RequestID, "delivery", d.ID)
				cancel()
				return
			case err != nil && jobCtx.Err() == nil:
				slog.Warn("queue: extending lease failed",
					"request_id", d.Job.RequestID, "delivery", d.ID, "error", err)
			}
		}
	}()

	disp := p.run(jobCtx, d.Job)
	close(stop)
	<-beat
	return disp
}

func (p *Pool) run(ctx context.Context, job models.ScanJob) (disp Disposition) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue: handler panicked", "request_id", job.RequestID, "panic", r)
			disp = Drop(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return p.handle(ctx, job)
}

func (p *Pool) settle(ctx context.Context, d Delivery, disp Disposition) error {
	switch disp.Action {
	case ActionRetry:
		return p.q.Retry(ctx, d, disp.At)
	case ActionFail:
		return p.q.Fail(ctx, d, disp.Reason)
	default:
		return p.q.Ack(ctx, d)
	}
}
