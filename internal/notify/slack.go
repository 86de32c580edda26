package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/CosmoTheDev/covscan/models"
)

// SlackSender posts to a Slack incoming webhook URL.
type SlackSender struct {
	client *http.Client
}

// NewSlack creates a SlackSender.
func NewSlack(client *http.Client) *SlackSender { return &SlackSender{client: client} }

func (s *SlackSender) Kind() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, target models.NotificationTarget, msg Message) error {
	text := fmt.Sprintf("%s\nbranch %s @ %s", msg.Repo, msg.Branch, msg.ShortCommit())
	if msg.Summary != nil {
		sm := msg.Summary
		text += fmt.Sprintf("\nline %s | branch %s | instruction %s | method %s | class %s | complexity %s",
			pct(sm.LinePct), pct(sm.BranchPct), pct(sm.InstructionPct),
			pct(sm.MethodPct), pct(sm.ClassPct), pct(sm.ComplexityPct))
	}
	if msg.Error != "" {
		text += "\n```" + msg.Error + "```"
	}
	attachment := map[string]any{
		"color":  kindColor(msg.Kind),
		"title":  msg.Title,
		"text":   text,
		"footer": "covscan " + msg.RequestID,
		"ts":     msg.Time.Unix(),
	}
	if msg.ReportURL != "" {
		attachment["title_link"] = msg.ReportURL
	}
	payload := map[string]any{
		"text":        msg.Title,
		"attachments": []map[string]any{attachment},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req) // #nosec G107 -- endpoint is a configured Slack incoming webhook URL
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d: %w", resp.StatusCode, ErrDeliveryFailure)
	}
	return nil
}

func kindColor(kind string) string {
	switch kind {
	case KindSuccess:
		return "#2EB67D"
	case KindNoReport:
		return "#FFAA00"
	case KindFailure:
		return "#FF0000"
	default:
		return "#888888"
	}
}
