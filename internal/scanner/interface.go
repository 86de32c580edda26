// Package scanner drives one coverage scan end to end: acquire source, run
// the build under the first available execution strategy, and collect the
// coverage artifact.
package scanner

import (
	"context"
	"errors"

	"github.com/CosmoTheDev/covscan/internal/environment"
	"github.com/CosmoTheDev/covscan/internal/process"
	"github.com/CosmoTheDev/covscan/internal/repository"
	"github.com/CosmoTheDev/covscan/models"
)

var (
	// ErrBuildFailure is a deterministic compile/build failure. Not retried.
	ErrBuildFailure = errors.New("build failed")
	// ErrAbortedTimeout means the build exceeded the job's timeout.
	ErrAbortedTimeout = errors.New("build timed out")
)

// SourceAcquirer materializes a repository at a commit into dest.
// *repository.SourceCache implements it.
type SourceAcquirer interface {
	Acquire(ctx context.Context, repoURL, commit, branch, dest string) (repository.Checkout, error)
}

// Environment is the part of *environment.Manager the coordinator uses.
type Environment interface {
	EnsureRunning(ctx context.Context) (models.EnvironmentHandle, error)
	RunInEnvironment(ctx context.Context, h models.EnvironmentHandle, spec environment.JobSpec) (environment.RawExecutionResult, error)
	Teardown(ctx context.Context) error
}

// Observer is told about every state transition of a job.
type Observer func(job models.ScanJob, state models.JobState)

// Executor runs a build command for one strategy. It returns
// environment.ErrEnvironmentUnavailable when the strategy cannot be used so
// the coordinator can fall through to the next one.
type Executor interface {
	Strategy() models.ExecutionStrategy
	Execute(ctx context.Context, job models.ScanJob, srcDir string, command []string) (BuildOutput, error)
}

// BuildOutput is the raw outcome of one build invocation.
type BuildOutput struct {
	ExitCode int
	Log      string
}

// Classify maps an error from any pipeline step to a FailureKind.
func Classify(err error) models.FailureKind {
	switch {
	case err == nil:
		return models.FailureNone
	case errors.Is(err, ErrAbortedTimeout):
		return models.FailureAbortedTimeout
	case errors.Is(err, ErrBuildFailure):
		return models.FailureBuild
	case errors.Is(err, environment.ErrEnvironmentUnavailable):
		return models.FailureEnvironmentUnavailable
	case errors.Is(err, repository.ErrSourceAcquisition):
		return models.FailureSourceAcquisition
	case errors.Is(err, environment.ErrNoResult), errors.Is(err, process.ErrNotFound):
		return models.FailureExecution
	}
	return models.FailureInternal
}
