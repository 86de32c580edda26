package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/models"
)

const (
	statusReady  = "ready"
	statusLeased = "leased"
	statusDead   = "dead"

	claimBatch = 5
)

// queueRow maps the scan_queue table.
type queueRow struct {
	ID          int64  `db:"id"`
	RequestID   string `db:"request_id"`
	Payload     string `db:"payload"`
	Attempt     int    `db:"attempt"`
	Status      string `db:"status"`
	AvailableAt int64  `db:"available_at"`
	LeaseToken  string `db:"lease_token"`
	LeaseUntil  int64  `db:"lease_until"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// DBOptions tunes the database-backed queue.
type DBOptions struct {
	// Lease is how long a dequeued job stays invisible before the reaper
	// hands it to another worker.
	Lease        time.Duration
	PollInterval time.Duration
}

// DBQueue is a durable queue on the scan_queue table. A worker claims a row
// by writing a fresh lease token with a conditional UPDATE, so concurrent
// workers and processes never run the same delivery twice within a lease.
type DBQueue struct {
	db   database.DB
	opts DBOptions
	now  func() time.Time
	done chan struct{}
}

// NewDBQueue creates a queue over db. The schema must already be migrated.
func NewDBQueue(db database.DB, opts DBOptions) *DBQueue {
	if opts.Lease <= 0 {
		opts.Lease = time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &DBQueue{db: db, opts: opts, now: time.Now, done: make(chan struct{})}
}

func (q *DBQueue) Enqueue(ctx context.Context, job models.ScanJob, availableAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	now := q.now().Unix()
	_, err = q.db.Insert(ctx, "scan_queue", queueRow{
		RequestID:   job.RequestID,
		Payload:     string(payload),
		Attempt:     job.Attempt,
		Status:      statusReady,
		AvailableAt: availableAt.Unix(),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.RequestID, err)
	}
	return nil
}

func (q *DBQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		d, ok, err := q.claim(ctx)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		t := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return Delivery{}, ctx.Err()
		case <-q.done:
			t.Stop()
			return Delivery{}, ErrClosed
		case <-t.C:
		}
	}
}

func (q *DBQueue) claim(ctx context.Context) (Delivery, bool, error) {
	now := q.now()
	var candidates []queueRow
	err := q.db.Select(ctx, &candidates,
		`SELECT id FROM scan_queue WHERE status = 'ready' AND available_at <= ? ORDER BY available_at, id LIMIT `+strconv.Itoa(claimBatch),
		now.Unix())
	if err != nil {
		return Delivery{}, false, fmt.Errorf("listing ready jobs: %w", err)
	}
	for _, c := range candidates {
		token := uuid.NewString()
		n, err := q.db.Exec(ctx,
			`UPDATE scan_queue SET status = 'leased', lease_token = ?, lease_until = ?, updated_at = ? WHERE id = ? AND status = 'ready'`,
			token, now.Add(q.opts.Lease).Unix(), now.Unix(), c.ID)
		if err != nil {
			return Delivery{}, false, fmt.Errorf("claiming job %d: %w", c.ID, err)
		}
		if n == 0 {
			continue // another worker won
		}
		var row queueRow
		if err := q.db.Get(ctx, &row, `SELECT * FROM scan_queue WHERE id = ?`, c.ID); err != nil {
			return Delivery{}, false, fmt.Errorf("loading job %d: %w", c.ID, err)
		}
		var job models.ScanJob
		if err := json.Unmarshal([]byte(row.Payload), &job); err != nil {
			slog.Error("queue: dropping undecodable job", "id", row.ID, "error", err)
			_, _ = q.db.Exec(ctx,
				`UPDATE scan_queue SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?`,
				"undecodable payload: "+err.Error(), now.Unix(), row.ID)
			continue
		}
		return Delivery{ID: strconv.FormatInt(row.ID, 10), Job: job, receipt: token}, true, nil
	}
	return Delivery{}, false, nil
}

func (q *DBQueue) settle(ctx context.Context, d Delivery, query string, args ...any) error {
	id, err := strconv.ParseInt(d.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad delivery id %q: %w", d.ID, err)
	}
	token, _ := d.receipt.(string)
	n, err := q.db.Exec(ctx, query, append(args, id, token)...)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *DBQueue) Ack(ctx context.Context, d Delivery) error {
	return q.settle(ctx, d, `DELETE FROM scan_queue WHERE id = ? AND lease_token = ?`)
}

func (q *DBQueue) Retry(ctx context.Context, d Delivery, availableAt time.Time) error {
	next := d.Job.NextAttempt()
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	return q.settle(ctx, d,
		`UPDATE scan_queue SET status = 'ready', payload = ?, attempt = ?, available_at = ?, lease_token = '', lease_until = 0, updated_at = ? WHERE id = ? AND lease_token = ?`,
		string(payload), next.Attempt, availableAt.Unix(), q.now().Unix())
}

func (q *DBQueue) Fail(ctx context.Context, d Delivery, reason string) error {
	return q.settle(ctx, d,
		`UPDATE scan_queue SET status = 'dead', last_error = ?, lease_token = '', updated_at = ? WHERE id = ? AND lease_token = ?`,
		reason, q.now().Unix())
}

// Extend pushes the lease of a held delivery one full Lease into the future.
func (q *DBQueue) Extend(ctx context.Context, d Delivery) error {
	now := q.now()
	return q.settle(ctx, d,
		`UPDATE scan_queue SET lease_until = ?, updated_at = ? WHERE status = 'leased' AND id = ? AND lease_token = ?`,
		now.Add(q.opts.Lease).Unix(), now.Unix())
}

// HeartbeatInterval renews three times per lease.
func (q *DBQueue) HeartbeatInterval() time.Duration { return q.opts.Lease / 3 }

// ReapExpired returns leased rows whose lease has run out to the ready
// state. It returns the number of rows requeued.
func (q *DBQueue) ReapExpired(ctx context.Context) (int64, error) {
	now := q.now().Unix()
	n, err := q.db.Exec(ctx,
		`UPDATE scan_queue SET status = 'ready', lease_token = '', lease_until = 0, updated_at = ? WHERE status = 'leased' AND lease_until < ?`,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	if n > 0 {
		slog.Warn("queue: requeued jobs with expired leases", "count", n)
	}
	return n, nil
}

// PruneDead deletes dead rows last touched before cutoff.
func (q *DBQueue) PruneDead(ctx context.Context, cutoff time.Time) (int64, error) {
	return q.db.Exec(ctx, `DELETE FROM scan_queue WHERE status = 'dead' AND updated_at < ?`, cutoff.Unix())
}

func (q *DBQueue) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := q.db.Select(ctx, &rows, `SELECT status, COUNT(*) AS n FROM scan_queue GROUP BY status`); err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, r := range rows {
		switch r.Status {
		case statusReady:
			s.Ready = r.N
		case statusLeased:
			s.Leased = r.N
		case statusDead:
			s.Dead = r.N
		}
	}
	return s, nil
}

// Close stops blocked Dequeue calls. The database handle is owned by the
// caller.
func (q *DBQueue) Close() error {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	return nil
}
