// Package jobstore persists scan job history: one row per request id plus
// its attempts and notification deliveries.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/internal/notify"
	"github.com/CosmoTheDev/covscan/models"
)

// ErrJobNotFound is returned when no job has the requested id.
var ErrJobNotFound = errors.New("job not found")

// Job is a scan_jobs row.
type Job struct {
	ID             int64   `db:"id"              json:"id"`
	RequestID      string  `db:"request_id"      json:"request_id"`
	Provider       string  `db:"provider"        json:"provider"`
	RepoURL        string  `db:"repo_url"        json:"repo_url"`
	RepoName       string  `db:"repo_name"       json:"repo_name"`
	Branch         string  `db:"branch"          json:"branch"`
	CommitID       string  `db:"commit_id"       json:"commit_id"`
	RoutingPattern string  `db:"routing_pattern" json:"routing_pattern"`
	Strategy       string  `db:"strategy"        json:"strategy"`
	State          string  `db:"state"           json:"state"`
	Attempts       int     `db:"attempts"        json:"attempts"`
	Outcome        string  `db:"outcome"         json:"outcome"`
	FailureKind    string  `db:"failure_kind"    json:"failure_kind,omitempty"`
	ErrorText      string  `db:"error_text"      json:"error,omitempty"`
	HasCoverage    int     `db:"has_coverage"    json:"-"`
	InstructionPct float64 `db:"instruction_pct" json:"-"`
	BranchPct      float64 `db:"branch_pct"      json:"-"`
	LinePct        float64 `db:"line_pct"        json:"-"`
	ComplexityPct  float64 `db:"complexity_pct"  json:"-"`
	MethodPct      float64 `db:"method_pct"      json:"-"`
	ClassPct       float64 `db:"class_pct"       json:"-"`
	ReportPath     string  `db:"report_path"     json:"report_path,omitempty"`
	CreatedAt      int64   `db:"created_at"      json:"created_at"`
	UpdatedAt      int64   `db:"updated_at"      json:"updated_at"`
	FinishedAt     int64   `db:"finished_at"     json:"finished_at,omitempty"`
}

// Summary returns the stored coverage, or nil when the job produced none.
func (j Job) Summary() *models.CoverageSummary {
	if j.HasCoverage == 0 {
		return nil
	}
	return &models.CoverageSummary{
		InstructionPct: j.InstructionPct,
		BranchPct:      j.BranchPct,
		LinePct:        j.LinePct,
		ComplexityPct:  j.ComplexityPct,
		MethodPct:      j.MethodPct,
		ClassPct:       j.ClassPct,
	}
}

// Attempt is a scan_attempts row.
type Attempt struct {
	ID          int64  `db:"id"           json:"id"`
	RequestID   string `db:"request_id"   json:"request_id"`
	Attempt     int    `db:"attempt"      json:"attempt"`
	Strategy    string `db:"strategy"     json:"strategy"`
	State       string `db:"state"        json:"state"`
	FailureKind string `db:"failure_kind" json:"failure_kind,omitempty"`
	ErrorText   string `db:"error_text"   json:"error,omitempty"`
	FellBack    int    `db:"fell_back"    json:"fell_back"`
	StartedAt   int64  `db:"started_at"   json:"started_at"`
	FinishedAt  int64  `db:"finished_at"  json:"finished_at"`
}

// Delivery is a notification_deliveries row.
type Delivery struct {
	ID        int64  `db:"id"         json:"id"`
	RequestID string `db:"request_id" json:"request_id"`
	TargetID  string `db:"target_id"  json:"target_id"`
	Status    string `db:"status"     json:"status"`
	Attempts  int    `db:"attempts"   json:"attempts"`
	ErrorText string `db:"error_text" json:"error,omitempty"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// Store reads and writes job history.
type Store struct {
	db  database.DB
	now func() time.Time
}

// New wraps db. The schema must already be migrated.
func New(db database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create records a newly accepted job in QUEUED state. Re-creating an
// existing request id resets it.
func (s *Store) Create(ctx context.Context, job models.ScanJob, routingPattern string) error {
	now := s.now().Unix()
	err := s.db.Upsert(ctx, "scan_jobs", Job{
		RequestID:      job.RequestID,
		Provider:       job.Event.Provider,
		RepoURL:        job.Event.RepoURL,
		RepoName:       job.Event.RepoName,
		Branch:         job.Event.Branch,
		CommitID:       job.Event.CommitID,
		RoutingPattern: routingPattern,
		State:          string(models.StateQueued),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, []string{"request_id"})
	if err != nil {
		return fmt.Errorf("recording job %s: %w", job.RequestID, err)
	}
	return nil
}

// SetState records a state transition.
func (s *Store) SetState(ctx context.Context, requestID string, state models.JobState, attempt int) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scan_jobs SET state = ?, attempts = ?, updated_at = ? WHERE request_id = ?`,
		string(state), attempt+1, s.now().Unix(), requestID)
	if err != nil {
		return fmt.Errorf("updating job %s state: %w", requestID, err)
	}
	return nil
}

// RecordAttempt stores the result of one coordinator run.
func (s *Store) RecordAttempt(ctx context.Context, job models.ScanJob, res models.ScanResult, started time.Time) error {
	fell := 0
	if res.FellBack {
		fell = 1
	}
	_, err := s.db.Insert(ctx, "scan_attempts", Attempt{
		RequestID:   job.RequestID,
		Attempt:     job.Attempt,
		Strategy:    string(res.StrategyUsed),
		State:       string(res.State),
		FailureKind: string(res.FailureKind),
		ErrorText:   res.Error,
		FellBack:    fell,
		StartedAt:   started.Unix(),
		FinishedAt:  s.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("recording attempt %d of %s: %w", job.Attempt, job.RequestID, err)
	}
	return nil
}

// finishRecord is the column set Finish overwrites.
type finishRecord struct {
	Strategy       string  `db:"strategy"`
	State          string  `db:"state"`
	Attempts       int     `db:"attempts"`
	Outcome        string  `db:"outcome"`
	FailureKind    string  `db:"failure_kind"`
	ErrorText      string  `db:"error_text"`
	HasCoverage    int     `db:"has_coverage"`
	InstructionPct float64 `db:"instruction_pct"`
	BranchPct      float64 `db:"branch_pct"`
	LinePct        float64 `db:"line_pct"`
	ComplexityPct  float64 `db:"complexity_pct"`
	MethodPct      float64 `db:"method_pct"`
	ClassPct       float64 `db:"class_pct"`
	ReportPath     string  `db:"report_path"`
	UpdatedAt      int64   `db:"updated_at"`
	FinishedAt     int64   `db:"finished_at"`
}

// Finish writes the terminal state and outcome.
func (s *Store) Finish(ctx context.Context, job models.ScanJob, res models.ScanResult, out models.ScanOutcome, reportPath string) error {
	now := s.now().Unix()
	rec := finishRecord{
		Strategy:    string(res.StrategyUsed),
		State:       string(res.State),
		Attempts:    job.Attempt + 1,
		Outcome:     string(out.Kind),
		FailureKind: string(out.Failure),
		ErrorText:   out.Error,
		ReportPath:  reportPath,
		UpdatedAt:   now,
		FinishedAt:  now,
	}
	if sum := out.Summary; sum != nil {
		rec.HasCoverage = 1
		rec.InstructionPct = sum.InstructionPct
		rec.BranchPct = sum.BranchPct
		rec.LinePct = sum.LinePct
		rec.ComplexityPct = sum.ComplexityPct
		rec.MethodPct = sum.MethodPct
		rec.ClassPct = sum.ClassPct
	}
	if err := s.db.Update(ctx, "scan_jobs", rec, "request_id = ?", job.RequestID); err != nil {
		return fmt.Errorf("finishing job %s: %w", job.RequestID, err)
	}
	return nil
}

// RecordDeliveries stores per-target notification outcomes.
func (s *Store) RecordDeliveries(ctx context.Context, requestID string, outcomes []notify.DeliveryOutcome) error {
	now := s.now().Unix()
	var errs []error
	for _, o := range outcomes {
		_, err := s.db.Insert(ctx, "notification_deliveries", Delivery{
			RequestID: requestID,
			TargetID:  o.TargetID,
			Status:    string(o.Status),
			Attempts:  o.Attempts,
			ErrorText: o.Error,
			CreatedAt: now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("recording delivery to %s: %w", o.TargetID, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the job with requestID.
func (s *Store) Get(ctx context.Context, requestID string) (Job, error) {
	var j Job
	err := s.db.Get(ctx, &j, `SELECT * FROM scan_jobs WHERE request_id = ?`, requestID)
	if errors.Is(err, database.ErrNoRows) {
		return Job{}, fmt.Errorf("%s: %w", requestID, ErrJobNotFound)
	}
	return j, err
}

// Filter narrows List.
type Filter struct {
	Repo  string
	State string
	Limit int
}

// List returns the most recent jobs first.
func (s *Store) List(ctx context.Context, f Filter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Repo != "" {
		where = append(where, "repo_name = ?")
		args = append(args, f.Repo)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, strings.ToUpper(f.State))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `SELECT * FROM scan_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit)

	jobs := []Job{}
	if err := s.db.Select(ctx, &jobs, q, args...); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// Attempts returns the recorded attempts of a job, oldest first.
func (s *Store) Attempts(ctx context.Context, requestID string) ([]Attempt, error) {
	out := []Attempt{}
	err := s.db.Select(ctx, &out, `SELECT * FROM scan_attempts WHERE request_id = ? ORDER BY attempt, id`, requestID)
	return out, err
}

// Deliveries returns the notification outcomes of a job.
func (s *Store) Deliveries(ctx context.Context, requestID string) ([]Delivery, error) {
	out := []Delivery{}
	err := s.db.Select(ctx, &out, `SELECT * FROM notification_deliveries WHERE request_id = ? ORDER BY id`, requestID)
	return out, err
}

// Prune deletes finished jobs (and their attempts and deliveries) that
// finished before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	c := cutoff.Unix()
	const old = `SELECT request_id FROM scan_jobs WHERE finished_at > 0 AND finished_at < ?`
	if _, err := s.db.Exec(ctx, `DELETE FROM scan_attempts WHERE request_id IN (`+old+`)`, c); err != nil {
		return 0, fmt.Errorf("pruning attempts: %w", err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM notification_deliveries WHERE request_id IN (`+old+`)`, c); err != nil {
		return 0, fmt.Errorf("pruning deliveries: %w", err)
	}
	n, err := s.db.Exec(ctx, `DELETE FROM scan_jobs WHERE finished_at > 0 AND finished_at < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("pruning jobs: %w", err)
	}
	return n, nil
}
