package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CosmoTheDev/covscan/internal/environment"
	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/internal/repository"
	"github.com/CosmoTheDev/covscan/models"
)

const maxRawOutput = 64 << 10

// Options configures a Coordinator.
type Options struct {
	// Workspace is the host directory holding one subdirectory per request.
	// It must be the directory mounted into the environments.
	Workspace string
	// BuildTool is the build binary name (default "mvn").
	BuildTool string
	// ExtraArgs are appended to every build command.
	ExtraArgs []string
	// SourceTimeout bounds checkout of one job (default 10m).
	SourceTimeout time.Duration
}

// Coordinator runs scan jobs. It is safe for concurrent use; each job works
// in <Workspace>/<RequestID>.
type Coordinator struct {
	opts      Options
	src       SourceAcquirer
	executors map[models.ExecutionStrategy]Executor
	observer  Observer
}

// NewCoordinator wires the strategies. shared may be nil (shared strategy
// unavailable); isolated may be nil (isolated strategy unavailable).
func NewCoordinator(opts Options, src SourceAcquirer, shared Environment,
	isolated func(requestID string) Environment, inv process.Invoker) *Coordinator {
	if opts.BuildTool == "" {
		opts.BuildTool = "mvn"
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 10 * time.Minute
	}
	return &Coordinator{
		opts: opts,
		src:  src,
		executors: map[models.ExecutionStrategy]Executor{
			models.StrategyShared:   &sharedExecutor{env: shared},
			models.StrategyIsolated: &isolatedExecutor{factory: isolated},
			models.StrategyLocal:    &localExecutor{inv: inv},
		},
	}
}

// SetObserver registers fn for state transitions. Call before Run.
func (c *Coordinator) SetObserver(fn Observer) { c.observer = fn }

// JobDir returns the per-request workspace directory.
func (c *Coordinator) JobDir(requestID string) string {
	return filepath.Join(c.opts.Workspace, requestID)
}

// Cleanup removes the per-request workspace directory.
func (c *Coordinator) Cleanup(requestID string) {
	if requestID == "" || strings.ContainsAny(requestID, `/\`) {
		return
	}
	if err := os.RemoveAll(c.JobDir(requestID)); err != nil {
		slog.Warn("Failed to remove job workspace", "request_id", requestID, "error", err)
	}
}

// Run executes one attempt of job. It never returns an error; failures are
// reported in the result's State and FailureKind.
func (c *Coordinator) Run(ctx context.Context, job models.ScanJob) models.ScanResult {
	start := time.Now()
	log := slog.With(
		"request_id", job.RequestID,
		"repo", job.Event.RepoName,
		"commit", job.Event.ShortCommit(),
		"attempt", job.Attempt,
	)

	srcDir := filepath.Join(c.JobDir(job.RequestID), "src")
	c.transition(job, models.StateAcquiringSource)
	co, err := c.acquire(ctx, job, srcDir)
	if err != nil {
		log.Error("Source acquisition failed", "error", err)
		return c.fail(job, models.ScanResult{SourceDir: srcDir}, err)
	}
	if co.FellBack {
		log.Warn("Scanning default branch tip instead of pushed commit", "checked_out", co.Commit)
	}

	c.transition(job, models.StateBuilding)
	result := models.ScanResult{SourceDir: srcDir, FellBack: co.FellBack}
	out, strategy, err := c.build(ctx, job, srcDir, log)
	result.StrategyUsed = strategy
	result.RawOutput = tail(out.Log, maxRawOutput)
	if err != nil {
		log.Error("Build did not complete", "strategy", strategy, "error", err)
		return c.fail(job, result, err)
	}

	c.transition(job, models.StateCollecting)
	artifact, found := locateArtifact(srcDir)
	switch {
	case found:
		result.ArtifactPaths = []string{artifact}
		if out.ExitCode != 0 {
			log.Warn("Build exited non-zero but produced a coverage report", "exit_code", out.ExitCode)
		}
	case out.ExitCode != 0:
		err := fmt.Errorf("exit code %d and no coverage report: %w", out.ExitCode, ErrBuildFailure)
		log.Error("Build failed", "strategy", strategy, "exit_code", out.ExitCode)
		return c.fail(job, result, err)
	default:
		log.Info("Build succeeded without a coverage report")
	}

	result.State = models.StateDone
	c.transition(job, models.StateDone)
	log.Info("Scan completed",
		"strategy", strategy,
		"artifacts", len(result.ArtifactPaths),
		"duration", fmt.Sprintf("%.1fs", time.Since(start).Seconds()),
	)
	return result
}

// acquire checks the source out under SourceTimeout. Hitting that deadline
// is a source acquisition failure, so the job is retried.
func (c *Coordinator) acquire(ctx context.Context, job models.ScanJob, srcDir string) (repository.Checkout, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.SourceTimeout)
	defer cancel()
	co, err := c.src.Acquire(actx, job.Event.RepoURL, job.Event.CommitID, job.Event.Branch, srcDir)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) &&
		!errors.Is(err, repository.ErrSourceAcquisition) {
		err = fmt.Errorf("checkout exceeded %s (%v): %w", c.opts.SourceTimeout, err, repository.ErrSourceAcquisition)
	}
	return co, err
}

// build walks the strategy chain from the configured strategy, falling
// through on ErrEnvironmentUnavailable.
func (c *Coordinator) build(ctx context.Context, job models.ScanJob, srcDir string, log *slog.Logger) (BuildOutput, models.ExecutionStrategy, error) {
	command := BuildCommand(c.opts.BuildTool, job.Config.BuildGoals, c.opts.ExtraArgs)

	var lastErr error
	for _, strategy := range job.Config.ExecutionStrategy.FallbackChain() {
		exec := c.executors[strategy]
		out, err := c.buildWith(ctx, exec, job, srcDir, command, log)
		if errors.Is(err, environment.ErrEnvironmentUnavailable) {
			log.Warn("Execution strategy unavailable; falling back", "strategy", strategy, "error", err)
			lastErr = err
			continue
		}
		return out, strategy, err
	}
	return BuildOutput{}, "", fmt.Errorf("all execution strategies unavailable: %w", lastErr)
}

// buildWith runs the build once and, if the descriptor references a parent
// that cannot be resolved, rewrites it standalone and runs exactly once more.
func (c *Coordinator) buildWith(ctx context.Context, exec Executor, job models.ScanJob, srcDir string, command []string, log *slog.Logger) (BuildOutput, error) {
	out, err := exec.Execute(ctx, job, srcDir, command)
	if err != nil || out.ExitCode == 0 || !needsStandaloneDescriptor(out.Log) {
		return out, err
	}
	rewritten, rerr := rewriteStandalone(srcDir)
	if rerr != nil || !rewritten {
		log.Warn("Descriptor problem detected but no rewrite possible", "error", rerr)
		return out, nil
	}
	log.Info("Retrying build with standalone descriptor", "strategy", exec.Strategy())
	retry, err := exec.Execute(ctx, job, srcDir, command)
	if err == nil {
		retry.Log = out.Log + "\n--- retry with standalone descriptor ---\n" + retry.Log
	}
	return retry, err
}

func (c *Coordinator) fail(job models.ScanJob, result models.ScanResult, err error) models.ScanResult {
	kind := Classify(err)
	result.FailureKind = kind
	result.Error = err.Error()
	if kind == models.FailureAbortedTimeout {
		result.State = models.StateAbortedTimeout
	} else {
		result.State = models.StateFailed
	}
	c.transition(job, result.State)
	return result
}

func (c *Coordinator) transition(job models.ScanJob, state models.JobState) {
	slog.Debug("Job state", "request_id", job.RequestID, "state", state)
	if c.observer != nil {
		c.observer(job, state)
	}
}
