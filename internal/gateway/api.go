package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/CosmoTheDev/covscan/internal/jobstore"
	"github.com/CosmoTheDev/covscan/internal/webhook"
	"github.com/CosmoTheDev/covscan/models"
)

const maxWebhookBody = 5 << 20

// buildHandler wires all REST and SSE routes onto a new ServeMux.
// Uses Go 1.22+ method-prefixed patterns ("GET /path", "POST /path").
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", gw.handleRoot)
	mux.HandleFunc("GET /health", gw.handleHealth)

	// Push notifications
	mux.HandleFunc("POST /webhook", gw.handleWebhook)
	mux.HandleFunc("POST /webhook/{provider}", gw.handleWebhook)

	// Job history
	mux.HandleFunc("GET /api/jobs", gw.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", gw.handleGetJob)

	// Routing table
	mux.HandleFunc("GET /api/routes", gw.handleListRoutes)
	mux.HandleFunc("GET /api/routes/resolve", gw.handleResolveRoute)
	mux.HandleFunc("POST /api/routes/reload", gw.handleReloadRoutes)

	// Shared environment
	mux.HandleFunc("GET /api/environment", gw.handleGetEnvironment)
	mux.HandleFunc("DELETE /api/environment", gw.handleTeardownEnvironment)

	// Maintenance
	mux.HandleFunc("GET /api/maintenance", gw.handleListTasks)
	mux.HandleFunc("POST /api/maintenance/{name}", gw.handleTriggerTask)

	// Server-Sent Events stream
	mux.HandleFunc("GET /events", gw.handleEvents)

	if dir := gw.deps.ReportsDir; dir != "" {
		mux.Handle("GET /reports/", http.StripPrefix("/reports/", http.FileServer(http.Dir(dir))))
	}
	return mux
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   "covscan",
		"status": "running",
		"endpoints": []string{
			"POST /webhook",
			"POST /webhook/{provider}",
			"GET /health",
			"GET /api/jobs",
			"GET /api/jobs/{id}",
			"GET /api/routes",
			"GET /api/routes/resolve",
			"POST /api/routes/reload",
			"GET /api/environment",
			"DELETE /api/environment",
			"GET /api/maintenance",
			"POST /api/maintenance/{name}",
			"GET /events",
			"GET /reports/",
		},
	})
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.currentStatus(r.Context()))
}

// handleWebhook accepts a push payload. A recognised event always gets a 200;
// only malformed or unauthenticated requests are rejected.
func (gw *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, WebhookResponse{Status: statusError, Error: "reading body: " + err.Error()})
		return
	}

	if provider := r.PathValue("provider"); provider != "" {
		if err := gw.deps.Verifier.Verify(strings.ToLower(provider), r.Header, body); err != nil {
			slog.Warn("gateway: webhook rejected", "provider", provider, "remote", r.RemoteAddr, "error", err)
			writeJSON(w, http.StatusUnauthorized, WebhookResponse{Status: statusError, Error: err.Error()})
			return
		}
	}

	ev, ign, err := webhook.NormalizeRequest(r.Header, body)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, webhook.ErrMalformedPayload) {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, WebhookResponse{Status: statusError, Error: err.Error()})
		return
	}
	if ign != nil {
		slog.Debug("gateway: webhook ignored", "reason", ign.Reason)
		writeJSON(w, http.StatusOK, WebhookResponse{Status: statusIgnored, Reason: ign.Reason})
		return
	}

	resp := WebhookResponse{Repo: ev.RepoName, Branch: ev.Branch, Commit: ev.CommitID}

	if truthy(r.URL.Query().Get("sync")) {
		job, match := gw.deps.Scans.Accept(r.Context(), ev)
		resp.RequestID = job.RequestID
		resp.Route = match.Kind
		rep, err := gw.deps.Scans.RunInline(r.Context(), job)
		if err != nil {
			resp.Status = statusError
			resp.Error = err.Error()
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Status = statusCompleted
		resp.Outcome = rep.Outcome.Kind
		resp.Coverage = rep.Outcome.Summary
		resp.ReportURL = rep.Saved.URL
		if rep.Outcome.Kind == models.OutcomeFailed {
			resp.Error = fmt.Sprintf("%s: %s", rep.Outcome.Failure, rep.Outcome.Error)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	job, match, err := gw.deps.Scans.Submit(r.Context(), ev)
	resp.RequestID = job.RequestID
	resp.Route = match.Kind
	if err != nil {
		slog.Error("gateway: enqueue failed", "request_id", job.RequestID, "error", err)
		resp.Status = statusError
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = statusAccepted
	writeJSON(w, http.StatusOK, resp)
}

func (gw *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if gw.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job history not configured")
		return
	}
	q := r.URL.Query()
	jobs, err := gw.deps.Jobs.List(r.Context(), jobstore.Filter{
		Repo:  strings.TrimSpace(q.Get("repo")),
		State: strings.ToUpper(strings.TrimSpace(q.Get("state"))),
		Limit: queryLimit(r, 50, 500),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{Job: j, Coverage: j.Summary()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (gw *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if gw.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job history not configured")
		return
	}
	id := r.PathValue("id")
	job, err := gw.deps.Jobs.Get(r.Context(), id)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attempts, err := gw.deps.Jobs.Attempts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	deliveries, err := gw.deps.Jobs.Deliveries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if attempts == nil {
		attempts = []jobstore.Attempt{}
	}
	if deliveries == nil {
		deliveries = []jobstore.Delivery{}
	}
	writeJSON(w, http.StatusOK, jobDetail{
		Job:        job,
		Coverage:   job.Summary(),
		Attempts:   attempts,
		Deliveries: deliveries,
	})
}

func (gw *Gateway) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	snap := gw.deps.Routes.Snapshot()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "routing table not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":    snap.Source,
		"loaded_at": snap.LoadedAt,
		"rules":     snap.Rules(),
		"targets":   snap.TargetIDs(),
	})
}

func (gw *Gateway) handleResolveRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repoURL := strings.TrimSpace(q.Get("repo_url"))
	name := strings.TrimSpace(q.Get("name"))
	if repoURL == "" && name == "" {
		writeError(w, http.StatusBadRequest, "repo_url or name is required")
		return
	}
	writeJSON(w, http.StatusOK, gw.deps.Routes.Resolve(repoURL, name))
}

func (gw *Gateway) handleReloadRoutes(w http.ResponseWriter, r *http.Request) {
	if err := gw.deps.Routes.Reload(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	snap := gw.deps.Routes.Snapshot()
	gw.broadcaster.Send(SSEEvent{Type: "routes.reloaded", Payload: map[string]any{
		"source":    snap.Source,
		"loaded_at": snap.LoadedAt,
	}})
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"source":    snap.Source,
		"loaded_at": snap.LoadedAt,
		"rules":     len(snap.Rules()),
	})
}

func (gw *Gateway) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	if gw.deps.Env == nil {
		writeError(w, http.StatusNotFound, "no shared environment configured")
		return
	}
	writeJSON(w, http.StatusOK, gw.deps.Env.Handle())
}

func (gw *Gateway) handleTeardownEnvironment(w http.ResponseWriter, r *http.Request) {
	if gw.deps.Env == nil {
		writeError(w, http.StatusNotFound, "no shared environment configured")
		return
	}
	if err := gw.deps.Env.Teardown(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h := gw.deps.Env.Handle()
	gw.broadcaster.Send(SSEEvent{Type: "environment.teardown", Payload: h})
	writeJSON(w, http.StatusOK, h)
}

func (gw *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": gw.scheduler.List()})
}

func (gw *Gateway) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	st, err := gw.scheduler.TriggerNow(r.Context(), r.PathValue("name"))
	if errors.Is(err, ErrUnknownTask) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch := gw.broadcaster.subscribe()
	if ch == nil {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer gw.broadcaster.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	connected, err := frameOf(SSEEvent{Type: "connected", Payload: gw.currentStatus(r.Context())})
	if err == nil {
		_, _ = w.Write(connected)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
