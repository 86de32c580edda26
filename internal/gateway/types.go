package gateway

import (
	"github.com/CosmoTheDev/covscan/internal/jobstore"
	"github.com/CosmoTheDev/covscan/internal/queue"
	"github.com/CosmoTheDev/covscan/models"
)

// Webhook response statuses.
const (
	statusAccepted  = "accepted"
	statusCompleted = "completed"
	statusIgnored   = "ignored"
	statusError     = "error"
)

// SSEEvent is serialised as JSON and pushed over the GET /events SSE stream.
type SSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// WebhookResponse is the body of every /webhook reply.
type WebhookResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`
	// Route is the routing rule kind that produced the scan config.
	Route string `json:"route,omitempty"`
	// Outcome, Coverage and ReportURL are only set for ?sync=1.
	Outcome   models.OutcomeKind      `json:"outcome,omitempty"`
	Coverage  *models.CoverageSummary `json:"coverage,omitempty"`
	ReportURL string                  `json:"report_url,omitempty"`
}

// Status is a live snapshot of the daemon.
type Status struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Workers       int                      `json:"workers"`
	Busy          int                      `json:"busy"`
	Queue         *queue.Stats             `json:"queue,omitempty"`
	Environment   models.EnvironmentHandle `json:"environment"`
	Routing       string                   `json:"routing_source,omitempty"`
}

// jobDetail is the GET /api/jobs/{id} body.
type jobDetail struct {
	jobstore.Job
	Coverage   *models.CoverageSummary `json:"coverage,omitempty"`
	Attempts   []jobstore.Attempt      `json:"attempt_history"`
	Deliveries []jobstore.Delivery     `json:"deliveries"`
}

// jobView is one row of GET /api/jobs.
type jobView struct {
	jobstore.Job
	Coverage *models.CoverageSummary `json:"coverage,omitempty"`
}
