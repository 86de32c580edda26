package models

// OutcomeKind tags the variant held by a ScanOutcome.
type OutcomeKind string

const (
	OutcomeCompleted         OutcomeKind = "completed"
	OutcomeCompletedNoReport OutcomeKind = "no_reports"
	OutcomeFailed            OutcomeKind = "failed"
)

// ScanOutcome is the terminal result of a job. Exactly one variant applies:
// Completed carries a Summary, CompletedNoReport carries nothing, and Failed
// carries the failure kind and message.
type ScanOutcome struct {
	Kind    OutcomeKind      `json:"kind"`
	Summary *CoverageSummary `json:"summary,omitempty"`
	Failure FailureKind      `json:"failure,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Completed builds the success variant.
func Completed(s CoverageSummary) ScanOutcome {
	return ScanOutcome{Kind: OutcomeCompleted, Summary: &s}
}

// CompletedNoReport builds the variant for a build that produced no usable
// coverage data.
func CompletedNoReport(reason string) ScanOutcome {
	return ScanOutcome{Kind: OutcomeCompletedNoReport, Error: reason}
}

// Failed builds the failure variant.
func Failed(kind FailureKind, msg string) ScanOutcome {
	return ScanOutcome{Kind: OutcomeFailed, Failure: kind, Error: msg}
}

// Succeeded reports whether the outcome carries a coverage summary.
func (o ScanOutcome) Succeeded() bool {
	return o.Kind == OutcomeCompleted && o.Summary != nil
}
