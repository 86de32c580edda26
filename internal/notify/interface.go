// Package notify renders scan outcomes as chat messages and delivers them to
// routed targets with retry.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/CosmoTheDev/covscan/models"
)

// ErrDeliveryFailure is returned by senders for non-2xx responses and
// provider-reported error codes.
var ErrDeliveryFailure = errors.New("notification delivery failed")

// Message variants.
const (
	KindSuccess  = "success"
	KindFailure  = "failure"
	KindNoReport = "no_report"
)

// Message is the provider-neutral content of a notification.
type Message struct {
	Kind      string
	Title     string
	Repo      string
	RepoURL   string
	Branch    string
	Commit    string // full id; senders truncate for display
	RequestID string
	Strategy  string
	Summary   *models.CoverageSummary
	Error     string
	ReportURL string
	FellBack  bool
	Time      time.Time
}

// ShortCommit returns the first 8 characters of the commit.
func (m Message) ShortCommit() string {
	if len(m.Commit) > 8 {
		return m.Commit[:8]
	}
	return m.Commit
}

// Sender delivers one message to one target. Implementations do a single
// attempt; retry lives in the Dispatcher.
type Sender interface {
	Kind() string
	Send(ctx context.Context, target models.NotificationTarget, msg Message) error
}

// DeliveryStatus is the result of dispatching to one target.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusSkipped   DeliveryStatus = "skipped"
	StatusFailed    DeliveryStatus = "failed"
)

// DeliveryOutcome records what happened for one target. It never affects the
// scan's own status.
type DeliveryOutcome struct {
	TargetID string         `json:"target_id"`
	Status   DeliveryStatus `json:"status"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// OK reports whether the outcome counts as success (delivered or skipped).
func (o DeliveryOutcome) OK() bool { return o.Status != StatusFailed }
