package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/covscan/internal/config"
	"github.com/CosmoTheDev/covscan/models"
)

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(config.NotifyConfig{RetryDelayMs: 1})
}

func target(id, endpoint string) models.NotificationTarget {
	return models.NotificationTarget{
		ID: id, Kind: "feishu", Endpoint: endpoint,
		TimeoutSeconds: 2, RetryCount: 3, Enabled: true,
	}
}

func sampleMessage() Message {
	s := models.CoverageSummary{InstructionPct: 81.5, BranchPct: 60, LinePct: 71.43}
	return Message{
		Kind: KindSuccess, Title: "Coverage report: demo", Repo: "demo",
		Branch: "main", Commit: "abcdef0123456789", RequestID: "r-1",
		Summary: &s, Time: time.Now(),
	}
}

func TestDispatchDeliversOnFirstAttempt(t *testing.T) {
	var hits atomic.Int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	}))
	defer srv.Close()

	out := newTestDispatcher().Dispatch(context.Background(), target("t1", srv.URL), sampleMessage())
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, "interactive", body["msg_type"])
	_, signed := body["sign"]
	assert.False(t, signed)
}

func TestDispatchRetriesUpToRetryCount(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	out := newTestDispatcher().Dispatch(context.Background(), target("t1", srv.URL), sampleMessage())
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.EqualValues(t, 3, hits.Load())
	assert.Contains(t, out.Error, "502")
}

func TestDispatchTreatsNonZeroCodeAsFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"code":19021,"msg":"sign match fail"}`))
			return
		}
		_, _ = w.Write([]byte(`{"StatusCode":0,"StatusMessage":"success"}`))
	}))
	defer srv.Close()

	out := newTestDispatcher().Dispatch(context.Background(), target("t1", srv.URL), sampleMessage())
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestDispatchSkipsDisabledTarget(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tg := target("off", srv.URL)
	tg.Enabled = false
	out := newTestDispatcher().Dispatch(context.Background(), tg, sampleMessage())
	assert.Equal(t, StatusSkipped, out.Status)
	assert.Zero(t, out.Attempts)
	assert.Zero(t, hits.Load())
	assert.True(t, out.OK())
}

func TestDispatchAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tg := target("slow", srv.URL)
	tg.TimeoutSeconds = 1
	tg.RetryCount = 2
	start := time.Now()
	out := newTestDispatcher().Dispatch(context.Background(), tg, sampleMessage())
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDispatchSignsWhenSecretSet(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer srv.Close()

	d := newTestDispatcher()
	fs := NewFeishu(&http.Client{})
	fs.now = func() time.Time { return time.Unix(1700000000, 0) }
	d.Register(fs)

	tg := target("signed", srv.URL)
	tg.Secret = "s3cret"
	out := d.Dispatch(context.Background(), tg, sampleMessage())
	require.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, "1700000000", body["timestamp"])
	assert.Equal(t, FeishuSign("1700000000", "s3cret"), body["sign"])
}

func TestNotifyIsolatesTargets(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	off := target("off", ok.URL)
	off.Enabled = false
	outs := newTestDispatcher().Notify(context.Background(), sampleMessage(),
		[]models.NotificationTarget{target("good", ok.URL), target("bad", bad.URL), off})
	require.Len(t, outs, 3)
	assert.Equal(t, StatusDelivered, outs[0].Status)
	assert.Equal(t, StatusFailed, outs[1].Status)
	assert.Equal(t, StatusSkipped, outs[2].Status)

	err := Failures(outs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailure)
	assert.Contains(t, err.Error(), "bad")
}

func TestWebhookSenderSignsBody(t *testing.T) {
	var mu sync.Mutex
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sig = r.Header.Get("X-Covscan-Signature")
		mu.Unlock()
	}))
	defer srv.Close()

	tg := target("hook", srv.URL)
	tg.Kind = "webhook"
	tg.Secret = "k"
	out := newTestDispatcher().Dispatch(context.Background(), tg, sampleMessage())
	assert.Equal(t, StatusDelivered, out.Status)
	mu.Lock()
	defer mu.Unlock()
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
}

func TestUnknownKindFails(t *testing.T) {
	tg := target("x", "http://127.0.0.1:1")
	tg.Kind = "pager"
	out := newTestDispatcher().Dispatch(context.Background(), tg, sampleMessage())
	assert.Equal(t, StatusFailed, out.Status)
	assert.Zero(t, out.Attempts)
}
