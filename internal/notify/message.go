package notify

import (
	"fmt"
	"time"

	"github.com/CosmoTheDev/covscan/models"
)

const maxErrorExcerpt = 600

// BuildMessage renders the message variant for a finished job.
func BuildMessage(job models.ScanJob, result models.ScanResult, outcome models.ScanOutcome, reportURL string) Message {
	msg := Message{
		Repo:      firstNonEmpty(job.Event.RepoName, job.Config.RepoIdentity),
		RepoURL:   job.Event.RepoURL,
		Branch:    job.Event.Branch,
		Commit:    job.Event.CommitID,
		RequestID: job.RequestID,
		Strategy:  string(result.StrategyUsed),
		FellBack:  result.FellBack,
		Time:      time.Now().UTC(),
	}
	switch outcome.Kind {
	case models.OutcomeCompleted:
		msg.Kind = KindSuccess
		msg.Title = "Coverage report: " + msg.Repo
		msg.Summary = outcome.Summary
		msg.ReportURL = reportURL
	case models.OutcomeCompletedNoReport:
		msg.Kind = KindNoReport
		msg.Title = "No coverage data: " + msg.Repo
		msg.Error = firstNonEmpty(outcome.Error, "the build produced no coverage report")
	default:
		msg.Kind = KindFailure
		msg.Title = "Coverage scan failed: " + msg.Repo
		msg.Error = excerpt(fmt.Sprintf("[%s] %s", outcome.Failure, outcome.Error), result.RawOutput)
	}
	return msg
}

// excerpt joins the error with the tail of the build output, truncated.
func excerpt(errText, output string) string {
	s := errText
	if output != "" {
		s += "\n" + output
	}
	if len(s) <= maxErrorExcerpt {
		return s
	}
	head := len(errText)
	if head > maxErrorExcerpt/2 {
		head = maxErrorExcerpt / 2
	}
	rest := maxErrorExcerpt - head - 5
	return s[:head] + "\n...\n" + s[len(s)-rest:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v) }
