package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/CosmoTheDev/covscan/models"
)

// WebhookSender posts a plain JSON document to a generic HTTP endpoint with
// optional HMAC-SHA256 signing.
type WebhookSender struct {
	client *http.Client
}

// NewWebhook creates a WebhookSender.
func NewWebhook(client *http.Client) *WebhookSender { return &WebhookSender{client: client} }

func (w *WebhookSender) Kind() string { return "webhook" }

func (w *WebhookSender) Send(ctx context.Context, target models.NotificationTarget, msg Message) error {
	payload := map[string]any{
		"type":       msg.Kind,
		"title":      msg.Title,
		"repo":       msg.Repo,
		"repo_url":   msg.RepoURL,
		"branch":     msg.Branch,
		"commit":     msg.Commit,
		"request_id": msg.RequestID,
		"strategy":   msg.Strategy,
		"coverage":   msg.Summary,
		"error":      msg.Error,
		"url":        msg.ReportURL,
		"ts":         msg.Time.UTC().Format(time.RFC3339),
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
	if target.Secret != "" {
		mac := hmac.New(sha256.New, []byte(target.Secret))
		mac.Write(b)
		sig := hex.EncodeToString(mac.Sum(nil))
		req.Header.Set("X-Covscan-Signature", "sha256="+sig)
	}
	resp, err := w.client.Do(req) // #nosec G107 -- URL is a user-configured webhook endpoint
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d: %w", resp.StatusCode, ErrDeliveryFailure)
	}
	return nil
}
