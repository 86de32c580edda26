package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CosmoTheDev/covscan/internal/environment"
	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/models"
)

// sharedExecutor runs builds in the long-lived environment.
type sharedExecutor struct {
	env Environment
}

func (e *sharedExecutor) Strategy() models.ExecutionStrategy { return models.StrategyShared }

func (e *sharedExecutor) Execute(ctx context.Context, job models.ScanJob, srcDir string, command []string) (BuildOutput, error) {
	if e.env == nil {
		return BuildOutput{}, fmt.Errorf("no shared environment configured: %w", environment.ErrEnvironmentUnavailable)
	}
	h, err := e.env.EnsureRunning(ctx)
	if err != nil {
		return BuildOutput{}, err
	}
	return runIn(ctx, e.env, h, job, srcDir, command)
}

// isolatedExecutor creates a single-use environment per job.
type isolatedExecutor struct {
	factory func(requestID string) Environment
}

func (e *isolatedExecutor) Strategy() models.ExecutionStrategy { return models.StrategyIsolated }

func (e *isolatedExecutor) Execute(ctx context.Context, job models.ScanJob, srcDir string, command []string) (BuildOutput, error) {
	if e.factory == nil {
		return BuildOutput{}, fmt.Errorf("isolated environments disabled: %w", environment.ErrEnvironmentUnavailable)
	}
	env := e.factory(job.RequestID)
	defer func() {
		// Teardown must run even when ctx has expired.
		if err := env.Teardown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Isolated environment teardown failed", "request_id", job.RequestID, "error", err)
		}
	}()
	h, err := env.EnsureRunning(ctx)
	if err != nil {
		return BuildOutput{}, err
	}
	return runIn(ctx, env, h, job, srcDir, command)
}

func runIn(ctx context.Context, env Environment, h models.EnvironmentHandle, job models.ScanJob, srcDir string, command []string) (BuildOutput, error) {
	raw, err := env.RunInEnvironment(ctx, h, environment.JobSpec{
		RequestID: job.RequestID,
		SourceDir: srcDir,
		Command:   command,
		Timeout:   job.Config.Timeout(),
	})
	if errors.Is(err, environment.ErrExecutionTimeout) {
		return BuildOutput{Log: raw.Log}, fmt.Errorf("%v: %w", err, ErrAbortedTimeout)
	}
	if err != nil {
		return BuildOutput{Log: raw.Log}, err
	}
	return BuildOutput{ExitCode: raw.ExitCode, Log: raw.Log}, nil
}

// localExecutor runs the build tool in the worker process.
type localExecutor struct {
	inv process.Invoker
}

func (e *localExecutor) Strategy() models.ExecutionStrategy { return models.StrategyLocal }

func (e *localExecutor) Execute(ctx context.Context, job models.ScanJob, srcDir string, command []string) (BuildOutput, error) {
	if _, err := e.inv.LookPath(command[0]); err != nil {
		return BuildOutput{}, fmt.Errorf("%v: %w", err, environment.ErrEnvironmentUnavailable)
	}
	res, err := e.inv.Run(ctx, process.Command{
		Name:    command[0],
		Args:    command[1:],
		Dir:     srcDir,
		Timeout: job.Config.Timeout(),
	})
	if errors.Is(err, process.ErrTimeout) {
		return BuildOutput{Log: res.Output()}, fmt.Errorf("%v: %w", err, ErrAbortedTimeout)
	}
	if err != nil {
		return BuildOutput{Log: res.Output()}, err
	}
	return BuildOutput{ExitCode: res.ExitCode, Log: res.Output()}, nil
}
