package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/internal/database"
	"github.com/CosmoTheDev/covscan/internal/jobstore"
	"github.com/CosmoTheDev/covscan/internal/pipeline"
	"github.com/CosmoTheDev/covscan/internal/routing"
	"github.com/CosmoTheDev/covscan/internal/webhook"
	"github.com/CosmoTheDev/covscan/models"
)

const githubPush = `{
	"ref": "refs/heads/main",
	"after": "abc123",
	"commits": [],
	"repository": {"name": "frontend-web", "clone_url": "https://github.com/acme/frontend-web.git"}
}`

type fakeScans struct {
	mu        sync.Mutex
	submitted []models.PushEvent
	accepted  []models.PushEvent
	submitErr error
	report    pipeline.Report
	routes    *routing.Resolver
}

func (f *fakeScans) job(ev models.PushEvent) (models.ScanJob, routing.Match) {
	m := f.routes.Resolve(ev.RepoURL, ev.RepoName)
	return models.ScanJob{RequestID: "req-" + ev.CommitID, Event: ev, Config: m.Config}, m
}

func (f *fakeScans) Submit(ctx context.Context, ev models.PushEvent) (models.ScanJob, routing.Match, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, ev)
	f.mu.Unlock()
	job, m := f.job(ev)
	return job, m, f.submitErr
}

func (f *fakeScans) Accept(ctx context.Context, ev models.PushEvent) (models.ScanJob, routing.Match) {
	f.mu.Lock()
	f.accepted = append(f.accepted, ev)
	f.mu.Unlock()
	return f.job(ev)
}

func (f *fakeScans) RunInline(ctx context.Context, job models.ScanJob) (pipeline.Report, error) {
	rep := f.report
	rep.Job = job
	return rep, nil
}

type fakeEnv struct {
	handle    models.EnvironmentHandle
	tornDown  bool
	teardownE error
}

func (e *fakeEnv) Handle() models.EnvironmentHandle { return e.handle }

func (e *fakeEnv) Teardown(ctx context.Context) error {
	if e.teardownE != nil {
		return e.teardownE
	}
	e.tornDown = true
	e.handle = models.EnvironmentHandle{State: models.EnvStopped}
	return nil
}

type testGateway struct {
	gw    *Gateway
	scans *fakeScans
	jobs  *jobstore.Store
	env   *fakeEnv
}

func newTestGateway(t *testing.T, tasks ...Task) *testGateway {
	t.Helper()
	routes, err := routing.NewStatic(routing.File{
		Targets: []routing.FileTarget{{ID: "teamA", Endpoint: "https://open.feishu.cn/hook/teamA"}},
		Repos:   []routing.Rule{{Pattern: "frontend-*", Targets: []string{"teamA"}}},
	})
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	db, err := database.New(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "gateway.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tg := &testGateway{
		scans: &fakeScans{routes: routes},
		jobs:  jobstore.New(db),
		env:   &fakeEnv{handle: models.EnvironmentHandle{ID: "env-1", State: models.EnvRunning, StartedAt: time.Unix(1700000000, 0).UTC()}},
	}
	tg.gw = New(":0", Deps{
		Scans:    tg.scans,
		Routes:   routes,
		Jobs:     tg.jobs,
		Env:      tg.env,
		Verifier: webhook.NewVerifier(webhook.Secrets{GitHub: "s3cret"}),
		Tasks:    tasks,
	})
	return tg
}

func (tg *testGateway) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	buildHandler(tg.gw).ServeHTTP(rr, req)
	return rr
}

func decodeWebhook(t *testing.T, rr *httptest.ResponseRecorder) WebhookResponse {
	t.Helper()
	var resp WebhookResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAcceptsPush(t *testing.T) {
	tg := newTestGateway(t)
	rr := tg.do(http.MethodPost, "/webhook", githubPush, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decodeWebhook(t, rr)
	if resp.Status != statusAccepted || resp.RequestID != "req-abc123" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Route != routing.MatchNameGlob {
		t.Fatalf("expected name wildcard route, got %q", resp.Route)
	}
	if len(tg.scans.submitted) != 1 || tg.scans.submitted[0].Branch != "main" {
		t.Fatalf("expected one submitted main push, got %+v", tg.scans.submitted)
	}
}

func TestWebhookMalformedJSONIs400(t *testing.T) {
	tg := newTestGateway(t)
	rr := tg.do(http.MethodPost, "/webhook", `{"ref": `, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if resp := decodeWebhook(t, rr); resp.Status != statusError {
		t.Fatalf("expected error status, got %+v", resp)
	}
	if len(tg.scans.submitted) != 0 {
		t.Fatal("malformed payload must not be submitted")
	}
}

func TestWebhookIgnoresTagPush(t *testing.T) {
	tg := newTestGateway(t)
	body := strings.Replace(githubPush, "refs/heads/main", "refs/tags/v1.0.0", 1)
	rr := tg.do(http.MethodPost, "/webhook", body, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeWebhook(t, rr)
	if resp.Status != statusIgnored || resp.Reason != webhook.ReasonNotBranch {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(tg.scans.submitted) != 0 {
		t.Fatal("ignored event must not be submitted")
	}
}

func TestWebhookProviderSignature(t *testing.T) {
	tg := newTestGateway(t)

	rr := tg.do(http.MethodPost, "/webhook/github", githubPush, http.Header{
		"X-Hub-Signature-256": {sign("wrong", githubPush)},
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", rr.Code)
	}

	rr = tg.do(http.MethodPost, "/webhook/github", githubPush, http.Header{
		"X-Hub-Signature-256": {sign("s3cret", githubPush)},
		"X-Github-Event":      {"push"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("good signature: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if resp := decodeWebhook(t, rr); resp.Status != statusAccepted {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// No secret is configured for gitlab, so it rejects everything.
	rr = tg.do(http.MethodPost, "/webhook/gitlab", githubPush, http.Header{"X-Gitlab-Token": {"anything"}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unconfigured provider: expected 401, got %d", rr.Code)
	}
}

func TestWebhookEnqueueFailureStill200(t *testing.T) {
	tg := newTestGateway(t)
	tg.scans.submitErr = errors.New("queue unavailable")
	rr := tg.do(http.MethodPost, "/webhook", githubPush, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeWebhook(t, rr)
	if resp.Status != statusError || !strings.Contains(resp.Error, "queue unavailable") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestWebhookSyncRunsInline(t *testing.T) {
	tg := newTestGateway(t)
	sum := models.CoverageSummary{LinePct: 71.43}
	tg.scans.report = pipeline.Report{Outcome: models.Completed(sum)}

	rr := tg.do(http.MethodPost, "/webhook?sync=1", githubPush, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decodeWebhook(t, rr)
	if resp.Status != statusCompleted || resp.Outcome != models.OutcomeCompleted {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Coverage == nil || resp.Coverage.LinePct != 71.43 {
		t.Fatalf("expected coverage in response, got %+v", resp.Coverage)
	}
	if len(tg.scans.accepted) != 1 || len(tg.scans.submitted) != 0 {
		t.Fatal("sync webhook must run inline instead of enqueueing")
	}
}

func TestGetJobIncludesAttemptsAndDeliveries(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()
	job := models.ScanJob{
		RequestID: "r-42",
		Event:     models.PushEvent{Provider: "github", RepoURL: "https://github.com/acme/api.git", RepoName: "api", CommitID: "c1", Branch: "main"},
	}
	res := models.ScanResult{State: models.StateDone, StrategyUsed: models.StrategyShared}
	if err := tg.jobs.Create(ctx, job, "api"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tg.jobs.RecordAttempt(ctx, job, res, time.Now()); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := tg.jobs.Finish(ctx, job, res, models.Completed(models.CoverageSummary{LinePct: 50}), ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	rr := tg.do(http.MethodGet, "/api/jobs/r-42", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got struct {
		RequestID  string                  `json:"request_id"`
		State      string                  `json:"state"`
		Coverage   *models.CoverageSummary `json:"coverage"`
		Attempts   []jobstore.Attempt      `json:"attempt_history"`
		Deliveries []jobstore.Delivery     `json:"deliveries"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RequestID != "r-42" || got.State != "DONE" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Coverage == nil || got.Coverage.LinePct != 50 {
		t.Fatalf("expected coverage, got %+v", got.Coverage)
	}
	if len(got.Attempts) != 1 || got.Deliveries == nil {
		t.Fatalf("expected one attempt and an empty delivery list, got %+v / %+v", got.Attempts, got.Deliveries)
	}

	rr = tg.do(http.MethodGet, "/api/jobs?state=done", "", nil)
	var list struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil || list.Count != 1 {
		t.Fatalf("expected one DONE job, got %d (%v)", list.Count, err)
	}

	if rr := tg.do(http.MethodGet, "/api/jobs/missing", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing job: expected 404, got %d", rr.Code)
	}
}

func TestResolveRoute(t *testing.T) {
	tg := newTestGateway(t)
	rr := tg.do(http.MethodGet, "/api/routes/resolve?name=frontend-dashboard&repo_url=git@example.com:web/frontend-dashboard.git", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var m routing.Match
	if err := json.NewDecoder(rr.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != routing.MatchNameGlob || len(m.Config.NotificationTargets) != 1 || m.Config.NotificationTargets[0] != "teamA" {
		t.Fatalf("unexpected match: %+v", m)
	}

	if rr := tg.do(http.MethodGet, "/api/routes/resolve", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without parameters, got %d", rr.Code)
	}
}

func TestEnvironmentTeardown(t *testing.T) {
	tg := newTestGateway(t)
	rr := tg.do(http.MethodGet, "/api/environment", "", nil)
	var h models.EnvironmentHandle
	if err := json.NewDecoder(rr.Body).Decode(&h); err != nil || h.ID != "env-1" {
		t.Fatalf("unexpected handle %+v (%v)", h, err)
	}

	rr = tg.do(http.MethodDelete, "/api/environment", "", nil)
	if rr.Code != http.StatusOK || !tg.env.tornDown {
		t.Fatalf("expected teardown, got %d", rr.Code)
	}
}

func TestHealthReportsEnvironment(t *testing.T) {
	tg := newTestGateway(t)
	rr := tg.do(http.MethodGet, "/health", "", nil)
	var s Status
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Status != "ok" || s.Environment.State != models.EnvRunning || s.Routing != "static" {
		t.Fatalf("unexpected status: %+v", s)
	}
}

func TestTriggerMaintenanceTask(t *testing.T) {
	runs := 0
	tg := newTestGateway(t, Task{Name: "reap", Run: func(ctx context.Context) error {
		runs++
		return nil
	}})

	rr := tg.do(http.MethodPost, "/api/maintenance/reap", "", nil)
	if rr.Code != http.StatusOK || runs != 1 {
		t.Fatalf("expected one run, got code=%d runs=%d", rr.Code, runs)
	}
	var st TaskStatus
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil || st.Runs != 1 {
		t.Fatalf("unexpected status %+v (%v)", st, err)
	}

	if rr := tg.do(http.MethodPost, "/api/maintenance/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown task: expected 404, got %d", rr.Code)
	}
}
