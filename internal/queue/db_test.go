package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/database"
)

func newDBQueue(t *testing.T) *DBQueue {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	q := NewDBQueue(db, DBOptions{Lease: time.Minute, PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestDBQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("r1"), time.Now()))

	d := dequeueSoon(t, q)
	assert.Equal(t, "r1", d.Job.RequestID)
	assert.Equal(t, "abc123", d.Job.Event.CommitID)
	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Leased: 1}, st)

	require.NoError(t, q.Ack(ctx, d))
	st, _ = q.Stats(ctx)
	assert.Equal(t, Stats{}, st)
	assert.ErrorIs(t, q.Ack(ctx, d), ErrLeaseLost)
}

func TestDBQueueRetryReschedules(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("r1"), time.Now()))
	d := dequeueSoon(t, q)

	require.NoError(t, q.Retry(ctx, d, time.Now().Add(time.Hour)))
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	d2 := dequeueSoon(t, q)
	assert.Equal(t, 1, d2.Job.Attempt)
}

func TestDBQueueConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, job(string(rune('a'+i))), time.Now()))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				d, err := q.Dequeue(c)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.Job.RequestID]++
				mu.Unlock()
				_ = q.Ack(ctx, d)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "job %s delivered %d times", id, c)
	}
}

func TestDBQueueReapsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("r1"), time.Now()))
	stale := dequeueSoon(t, q)

	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	fresh := dequeueSoon(t, q)
	assert.Equal(t, "r1", fresh.Job.RequestID)
	assert.ErrorIs(t, q.Ack(ctx, stale), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, fresh))
}

func TestDBQueueFailAndPrune(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("r1"), time.Now()))
	d := dequeueSoon(t, q)
	require.NoError(t, q.Fail(ctx, d, "build failure"))

	st, _ := q.Stats(ctx)
	assert.Equal(t, Stats{Dead: 1}, st)
	n, err := q.PruneDead(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDBQueueExtendKeepsInFlightJobFromReaper(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("r1"), time.Now()))
	held := dequeueSoon(t, q)
	assert.Equal(t, 20*time.Second, q.HeartbeatInterval())

	start := time.Now()
	q.now = func() time.Time { return start.Add(50 * time.Second) }
	require.NoError(t, q.Extend(ctx, held))

	q.now = func() time.Time { return start.Add(100 * time.Second) }
	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "extended lease must not be reaped")

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "held job must not be redelivered")
	require.NoError(t, q.Ack(ctx, held))
}

func TestDBQueueExtendAfterReapReportsLeaseLost(t *testing.T) {
	ctx := context.Background()
	q := newDBQueue(t)
	require.NoError(t, q.Enqueue(ctx, job("r1"), time.Now()))
	stale := dequeueSoon(t, q)

	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Extend(ctx, stale), ErrLeaseLost)
}
