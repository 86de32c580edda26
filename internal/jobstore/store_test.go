package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/internal/notify"
	"github.com/CosmoTheDev/covscan/models"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return New(db)
}

func sampleJob(id string) models.ScanJob {
	return models.ScanJob{
		RequestID: id,
		Event: models.PushEvent{
			Provider: "github", RepoURL: "git@github.com:acme/api.git", RepoName: "api",
			CommitID: "abc123", Branch: "main",
		},
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := sampleJob("r1")

	require.NoError(t, s.Create(ctx, job, "api"))
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", got.State)
	assert.Equal(t, "api", got.RoutingPattern)
	assert.Nil(t, got.Summary())

	require.NoError(t, s.SetState(ctx, "r1", models.StateBuilding, 0))
	got, _ = s.Get(ctx, "r1")
	assert.Equal(t, "BUILDING", got.State)
	assert.Equal(t, 1, got.Attempts)

	res := models.ScanResult{State: models.StateDone, StrategyUsed: models.StrategyLocal, FellBack: true}
	require.NoError(t, s.RecordAttempt(ctx, job, res, time.Now()))

	sum := models.CoverageSummary{LinePct: 71.43, ClassPct: 100}
	require.NoError(t, s.Finish(ctx, job, res, models.Completed(sum), "/reports/api/abc123/jacoco.xml"))
	got, _ = s.Get(ctx, "r1")
	assert.Equal(t, "DONE", got.State)
	assert.Equal(t, "completed", got.Outcome)
	assert.Equal(t, "local", got.Strategy)
	require.NotNil(t, got.Summary())
	assert.Equal(t, 71.43, got.Summary().LinePct)
	assert.Positive(t, got.FinishedAt)
	assert.Equal(t, "api", got.RoutingPattern, "Finish leaves routing columns alone")
	assert.Equal(t, "git@github.com:acme/api.git", got.RepoURL)

	attempts, err := s.Attempts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].FellBack)
}

func TestFailureAndDeliveries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := sampleJob("r2").NextAttempt().NextAttempt()
	require.NoError(t, s.Create(ctx, job, ""))

	res := models.ScanResult{State: models.StateFailed, FailureKind: models.FailureBuild, Error: "mvn exited 1"}
	require.NoError(t, s.Finish(ctx, job, res, models.Failed(models.FailureBuild, "mvn exited 1"), ""))
	require.NoError(t, s.RecordDeliveries(ctx, "r2", []notify.DeliveryOutcome{
		{TargetID: "teamA", Status: notify.StatusFailed, Attempts: 3, Error: "timeout"},
		{TargetID: "teamB", Status: notify.StatusSkipped},
	}))

	got, err := s.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "FAILED", got.State)
	assert.Equal(t, "build", got.FailureKind)
	assert.Equal(t, 3, got.Attempts)

	ds, err := s.Deliveries(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "failed", ds[0].Status)
	assert.Equal(t, 3, ds[0].Attempts)
}

func TestListAndPrune(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	base := time.Unix(1_700_000_000, 0)
	for i, id := range []string{"a", "b", "c"} {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		require.NoError(t, s.Create(ctx, sampleJob(id), ""))
	}
	other := sampleJob("d")
	other.Event.RepoName = "web"
	require.NoError(t, s.Create(ctx, other, ""))

	all, err := s.List(ctx, Filter{Repo: "api"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].RequestID)

	s.now = func() time.Time { return base }
	require.NoError(t, s.Finish(ctx, sampleJob("a"), models.ScanResult{State: models.StateDone}, models.CompletedNoReport(""), ""))

	n, err := s.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrJobNotFound)

	queued, err := s.List(ctx, Filter{State: "queued"})
	require.NoError(t, err)
	assert.Len(t, queued, 3)
}
