// Package pipeline is the worker-side glue: it runs one scan attempt, decides
// between retry and a terminal outcome, persists the result and hands the
// outcome to the notification dispatcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/covscan/internal/artifacts"
	"github.com/CosmoTheDev/covscan/internal/coverage"
	"github.com/CosmoTheDev/covscan/internal/notify"
	"github.com/CosmoTheDev/covscan/internal/queue"
	"github.com/CosmoTheDev/covscan/internal/repository"
	"github.com/CosmoTheDev/covscan/internal/routing"
	"github.com/CosmoTheDev/covscan/models"
)

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job models.ScanJob) models.ScanResult
	Cleanup(requestID string)
}

// Router resolves a pushed repository to its scan configuration and targets.
type Router interface {
	Resolve(repoURL, repoName string) routing.Match
	Targets(ids []string) []models.NotificationTarget
}

// Notifier delivers a rendered message to targets.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Message, targets []models.NotificationTarget) []notify.DeliveryOutcome
}

// History persists job state.
type History interface {
	Create(ctx context.Context, job models.ScanJob, routingPattern string) error
	SetState(ctx context.Context, requestID string, state models.JobState, attempt int) error
	RecordAttempt(ctx context.Context, job models.ScanJob, res models.ScanResult, started time.Time) error
	Finish(ctx context.Context, job models.ScanJob, res models.ScanResult, out models.ScanOutcome, reportPath string) error
	RecordDeliveries(ctx context.Context, requestID string, outcomes []notify.DeliveryOutcome) error
}

// ArtifactStore keeps a copy of a finished job's report.
type ArtifactStore interface {
	Save(ctx context.Context, job models.ScanJob, res models.ScanResult) (artifacts.Saved, error)
}

// StatusReporter publishes a commit status.
type StatusReporter interface {
	Report(ctx context.Context, r repository.StatusReport)
}

// Event is a job progress notification for live subscribers.
type Event struct {
	Type      string                  `json:"type"` // job.state | job.retry | job.finished
	RequestID string                  `json:"request_id"`
	Repo      string                  `json:"repo"`
	Commit    string                  `json:"commit"`
	Attempt   int                     `json:"attempt"`
	State     models.JobState         `json:"state"`
	Outcome   models.OutcomeKind      `json:"outcome,omitempty"`
	Coverage  *models.CoverageSummary `json:"coverage,omitempty"`
	RetryAt   *time.Time              `json:"retry_at,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Deps are the collaborators of a Pipeline. Runner, Router, Notifier and
// Queue are required; the rest may be nil.
type Deps struct {
	Runner    Runner
	Router    Router
	Notifier  Notifier
	Queue     queue.Queue
	History   History
	Artifacts ArtifactStore
	Status    StatusReporter
	Publish   func(Event)
}

// Options tune retry and cleanup.
type Options struct {
	// RetryBase is the delay before the first retry; it doubles per attempt.
	RetryBase time.Duration
	// KeepWorkspace leaves per-job directories in place for debugging.
	KeepWorkspace bool
}

// Report is everything known about one finished attempt.
type Report struct {
	Job     models.ScanJob     `json:"job"`
	Result  models.ScanResult  `json:"result"`
	Outcome models.ScanOutcome `json:"outcome"`
	// RetryAt is set when the attempt failed transiently and was rescheduled.
	RetryAt *time.Time      `json:"retry_at,omitempty"`
	Saved   artifacts.Saved `json:"saved"`
}

// Pipeline ties the coordinator, aggregator, history and dispatcher together.
type Pipeline struct {
	opts Options
	deps Deps
	now  func() time.Time

	notifying sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Options, deps Deps) *Pipeline {
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Minute
	}
	return &Pipeline{opts: opts, deps: deps, now: time.Now}
}

// Submit resolves routing for ev, records a new QUEUED job and enqueues it.
func (p *Pipeline) Submit(ctx context.Context, ev models.PushEvent) (models.ScanJob, routing.Match, error) {
	job, match := p.Accept(ctx, ev)
	if err := p.deps.Queue.Enqueue(ctx, job, p.now()); err != nil {
		return job, match, fmt.Errorf("enqueue %s: %w", job.RequestID, err)
	}
	slog.Info("Scan queued",
		"request_id", job.RequestID,
		"repo", ev.RepoName,
		"branch", ev.Branch,
		"commit", ev.ShortCommit(),
		"route", match.Kind,
		"pattern", match.Pattern,
	)
	p.publish(Event{Type: "job.state", RequestID: job.RequestID, Repo: ev.RepoName, Commit: ev.CommitID, State: models.StateQueued})
	return job, match, nil
}

// Accept is NewJob plus a QUEUED history record. Jobs run with RunInline
// start here.
func (p *Pipeline) Accept(ctx context.Context, ev models.PushEvent) (models.ScanJob, routing.Match) {
	job, match := p.NewJob(ev)
	if h := p.deps.History; h != nil {
		if err := h.Create(ctx, job, match.Pattern); err != nil {
			slog.Warn("Failed to record job", "request_id", job.RequestID, "error", err)
		}
	}
	return job, match
}

// NewJob builds attempt zero of a job for ev with a fresh request id.
func (p *Pipeline) NewJob(ev models.PushEvent) (models.ScanJob, routing.Match) {
	match := p.deps.Router.Resolve(ev.RepoURL, ev.RepoName)
	return models.ScanJob{
		Event:     ev,
		Config:    match.Config,
		RequestID: uuid.NewString(),
	}, match
}

// Observe records a coordinator state transition. Wire it with
// Coordinator.SetObserver.
func (p *Pipeline) Observe(job models.ScanJob, state models.JobState) {
	if h := p.deps.History; h != nil {
		if err := h.SetState(context.Background(), job.RequestID, state, job.Attempt); err != nil {
			slog.Warn("Failed to record job state", "request_id", job.RequestID, "state", state, "error", err)
		}
	}
	p.publish(Event{
		Type: "job.state", RequestID: job.RequestID, Repo: job.Event.RepoName,
		Commit: job.Event.CommitID, Attempt: job.Attempt, State: state,
	})
}

// Handle is the queue.Handler for scan jobs.
func (p *Pipeline) Handle(ctx context.Context, job models.ScanJob) queue.Disposition {
	rep := p.Execute(ctx, job)
	switch {
	case rep.RetryAt != nil:
		return queue.RetryAt(*rep.RetryAt)
	case rep.Outcome.Kind == models.OutcomeFailed:
		return queue.Drop(string(rep.Outcome.Failure) + ": " + rep.Outcome.Error)
	default:
		return queue.Done()
	}
}

// RunInline executes job to a terminal outcome in the calling goroutine,
// sleeping between retries. Used by the CLI and synchronous webhooks.
func (p *Pipeline) RunInline(ctx context.Context, job models.ScanJob) (Report, error) {
	for {
		rep := p.Execute(ctx, job)
		if rep.RetryAt == nil {
			return rep, nil
		}
		t := time.NewTimer(time.Until(*rep.RetryAt))
		select {
		case <-ctx.Done():
			t.Stop()
			return rep, ctx.Err()
		case <-t.C:
		}
		job = job.NextAttempt()
	}
}

// Execute runs one attempt. A transient failure with retries left returns a
// Report with RetryAt set and nothing else happens. Otherwise the terminal
// state is persisted before the notification is dispatched in the
// background, so a slow or failing chat endpoint never changes it.
func (p *Pipeline) Execute(ctx context.Context, job models.ScanJob) Report {
	log := slog.With("request_id", job.RequestID, "attempt", job.Attempt)
	started := p.now()
	res := p.deps.Runner.Run(ctx, job)
	if h := p.deps.History; h != nil {
		if err := h.RecordAttempt(ctx, job, res, started); err != nil {
			log.Warn("Failed to record attempt", "error", err)
		}
	}
	rep := Report{Job: job, Result: res}

	if res.Failed() && res.FailureKind.Transient() && job.Attempt < job.Config.MaxRetries {
		at := p.now().Add(p.backoff(job.Attempt))
		rep.RetryAt = &at
		log.Warn("Scan attempt failed, retrying",
			"failure", res.FailureKind,
			"error", res.Error,
			"retry_at", at.Format(time.RFC3339),
			"max_retries", job.Config.MaxRetries,
		)
		p.Observe(job, models.StateQueued)
		p.publish(Event{
			Type: "job.retry", RequestID: job.RequestID, Repo: job.Event.RepoName, Commit: job.Event.CommitID,
			Attempt: job.Attempt, State: res.State, RetryAt: &at, Error: res.Error,
		})
		p.cleanup(job.RequestID)
		return rep
	}

	rep.Outcome = outcomeOf(&rep.Result)
	if rep.Outcome.Succeeded() && p.deps.Artifacts != nil {
		saved, err := p.deps.Artifacts.Save(ctx, job, rep.Result)
		if err != nil {
			log.Warn("Failed to persist report", "error", err)
		}
		rep.Saved = saved
	}
	p.cleanup(job.RequestID)

	if h := p.deps.History; h != nil {
		if err := h.Finish(ctx, job, rep.Result, rep.Outcome, rep.Saved.XMLPath); err != nil {
			log.Error("Failed to record job outcome", "error", err)
		}
	}
	log.Info("Scan finished",
		"state", rep.Result.State,
		"outcome", rep.Outcome.Kind,
		"strategy", rep.Result.StrategyUsed,
		"failure", rep.Outcome.Failure,
	)
	p.publish(Event{
		Type: "job.finished", RequestID: job.RequestID, Repo: job.Event.RepoName, Commit: job.Event.CommitID,
		Attempt: job.Attempt, State: rep.Result.State, Outcome: rep.Outcome.Kind,
		Coverage: rep.Outcome.Summary, Error: rep.Outcome.Error,
	})

	p.notifying.Add(1)
	go func() {
		defer p.notifying.Done()
		p.announce(context.WithoutCancel(ctx), rep)
	}()
	return rep
}

// Wait blocks until background notifications have finished.
func (p *Pipeline) Wait() { p.notifying.Wait() }

func (p *Pipeline) announce(ctx context.Context, rep Report) {
	job := rep.Job
	if s := p.deps.Status; s != nil {
		s.Report(ctx, statusReport(rep))
	}
	targets := p.deps.Router.Targets(job.Config.NotificationTargets)
	if !anyEnabled(targets) {
		slog.Warn("Scan report reaches no enabled notification target",
			"request_id", job.RequestID, "repo", job.Config.RepoIdentity, "targets", job.Config.NotificationTargets)
		if len(targets) == 0 {
			return
		}
	}
	msg := notify.BuildMessage(job, rep.Result, rep.Outcome, rep.Saved.URL)
	outcomes := p.deps.Notifier.Notify(ctx, msg, targets)
	if h := p.deps.History; h != nil {
		if err := h.RecordDeliveries(ctx, job.RequestID, outcomes); err != nil {
			slog.Warn("Failed to record deliveries", "request_id", job.RequestID, "error", err)
		}
	}
}

func anyEnabled(targets []models.NotificationTarget) bool {
	for _, t := range targets {
		if t.Enabled {
			return true
		}
	}
	return false
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	return p.opts.RetryBase << min(attempt, 16)
}

func (p *Pipeline) cleanup(requestID string) {
	if !p.opts.KeepWorkspace {
		p.deps.Runner.Cleanup(requestID)
	}
}

func (p *Pipeline) publish(e Event) {
	if p.deps.Publish != nil {
		p.deps.Publish(e)
	}
}

// outcomeOf maps a terminal result to its outcome. A report that cannot be
// read downgrades a DONE result to CompletedNoReport; any other aggregation
// error fails the job.
func outcomeOf(res *models.ScanResult) models.ScanOutcome {
	if res.Failed() {
		kind := res.FailureKind
		if kind == models.FailureNone {
			kind = models.FailureInternal
		}
		return models.Failed(kind, res.Error)
	}
	if len(res.ArtifactPaths) == 0 {
		return models.CompletedNoReport("the build produced no coverage report")
	}
	sum, err := coverage.Aggregate(res.ArtifactPaths...)
	switch {
	case err == nil:
		return models.Completed(sum)
	case errors.Is(err, coverage.ErrReportUnavailable):
		return models.CompletedNoReport(err.Error())
	default:
		res.State = models.StateFailed
		res.FailureKind = models.FailureInternal
		res.Error = err.Error()
		return models.Failed(models.FailureInternal, err.Error())
	}
}

func statusReport(rep Report) repository.StatusReport {
	r := repository.StatusReport{
		RepoURL:   rep.Job.Event.RepoURL,
		Commit:    rep.Job.Event.CommitID,
		Branch:    rep.Job.Event.Branch,
		TargetURL: rep.Saved.URL,
	}
	switch rep.Outcome.Kind {
	case models.OutcomeCompleted:
		line := rep.Outcome.Summary.LinePct
		r.State = repository.StateSuccess
		r.Coverage = &line
		r.Description = fmt.Sprintf("line coverage %.2f%%", line)
	case models.OutcomeCompletedNoReport:
		r.State = repository.StateSuccess
		r.Description = "no coverage report produced"
	default:
		r.State = repository.StateFailure
		if rep.Outcome.Failure != models.FailureBuild {
			r.State = repository.StateError
		}
		r.Description = "coverage scan failed: " + string(rep.Outcome.Failure)
	}
	return r
}
