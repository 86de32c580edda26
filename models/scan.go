package models

import "time"

// ExecutionStrategy selects where the build runs.
type ExecutionStrategy string

const (
	StrategyShared   ExecutionStrategy = "shared"   // long-lived environment reused across jobs
	StrategyIsolated ExecutionStrategy = "isolated" // fresh single-use environment
	StrategyLocal    ExecutionStrategy = "local"    // build tool runs in the worker process
)

// FallbackChain returns the strategies to try, in order, starting from s.
func (s ExecutionStrategy) FallbackChain() []ExecutionStrategy {
	switch s {
	case StrategyShared:
		return []ExecutionStrategy{StrategyShared, StrategyIsolated, StrategyLocal}
	case StrategyIsolated:
		return []ExecutionStrategy{StrategyIsolated, StrategyLocal}
	default:
		return []ExecutionStrategy{StrategyLocal}
	}
}

// ScanConfig is the resolved build/notification configuration for one
// repository. Values are copied out of the routing snapshot; callers may
// keep them without synchronisation.
type ScanConfig struct {
	RepoIdentity        string            `json:"repo_identity"        yaml:"repo_identity"        validate:"required"`
	BuildGoals          []string          `json:"build_goals"          yaml:"build_goals"          validate:"min=1,dive,required"`
	ExecutionStrategy   ExecutionStrategy `json:"execution_strategy"   yaml:"execution_strategy"   validate:"oneof=shared isolated local"`
	TimeoutSeconds      int               `json:"timeout_seconds"      yaml:"timeout_seconds"      validate:"min=1"`
	MaxRetries          int               `json:"max_retries"          yaml:"max_retries"          validate:"min=0,max=10"`
	NotificationTargets []string          `json:"notification_targets" yaml:"notification_targets" validate:"dive,required"`
}

// Clone returns a deep copy of c.
func (c ScanConfig) Clone() ScanConfig {
	c.BuildGoals = append([]string(nil), c.BuildGoals...)
	c.NotificationTargets = append([]string(nil), c.NotificationTargets...)
	return c
}

// Timeout returns TimeoutSeconds as a duration.
func (c ScanConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ScanJob is one unit of work on the queue. It is passed by value.
type ScanJob struct {
	Event     PushEvent  `json:"event"`
	Config    ScanConfig `json:"config"`
	RequestID string     `json:"request_id"`
	// Attempt is zero-based; a job may run MaxRetries+1 times in total.
	Attempt int `json:"attempt"`
}

// NextAttempt returns a copy of j for the following retry.
func (j ScanJob) NextAttempt() ScanJob {
	j.Attempt++
	return j
}

// JobState is a step of the per-job state machine.
type JobState string

const (
	StateQueued          JobState = "QUEUED"
	StateAcquiringSource JobState = "ACQUIRING_SOURCE"
	StateBuilding        JobState = "BUILDING"
	StateCollecting      JobState = "COLLECTING"
	StateDone            JobState = "DONE"
	StateFailed          JobState = "FAILED"
	StateAbortedTimeout  JobState = "ABORTED_TIMEOUT"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAbortedTimeout
}

// FailureKind classifies why a scan attempt did not complete.
type FailureKind string

const (
	FailureNone                   FailureKind = ""
	FailureEnvironmentUnavailable FailureKind = "environment_unavailable"
	FailureSourceAcquisition      FailureKind = "source_acquisition"
	FailureExecution              FailureKind = "execution"
	FailureBuild                  FailureKind = "build"
	FailureAbortedTimeout         FailureKind = "aborted_timeout"
	FailureInternal               FailureKind = "internal"
)

// Transient reports whether a job failing with k may be retried.
func (k FailureKind) Transient() bool {
	switch k {
	case FailureEnvironmentUnavailable, FailureSourceAcquisition, FailureExecution:
		return true
	default:
		return false
	}
}

// ScanResult is what the coordinator produces for one attempt.
type ScanResult struct {
	State         JobState          `json:"state"`
	StrategyUsed  ExecutionStrategy `json:"strategy_used,omitempty"`
	RawOutput     string            `json:"raw_output,omitempty"`
	ArtifactPaths []string          `json:"artifact_paths,omitempty"`
	SourceDir     string            `json:"source_dir,omitempty"`
	FellBack      bool              `json:"fell_back,omitempty"` // commit checkout fell back to default branch tip
	FailureKind   FailureKind       `json:"failure_kind,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Failed reports whether the attempt ended in FAILED or ABORTED_TIMEOUT.
func (r ScanResult) Failed() bool {
	return r.State == StateFailed || r.State == StateAbortedTimeout
}
