package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/CosmoTheDev/covscan/models"
)

// FeishuSender posts interactive cards to Feishu/Lark custom bot webhooks.
type FeishuSender struct {
	client *http.Client
	now    func() time.Time
}

// NewFeishu creates a FeishuSender.
func NewFeishu(client *http.Client) *FeishuSender {
	return &FeishuSender{client: client, now: time.Now}
}

func (f *FeishuSender) Kind() string { return "feishu" }

// feishuResponse covers both the current {code,msg} and the legacy
// {StatusCode,StatusMessage} reply shapes.
type feishuResponse struct {
	Code          *int   `json:"code"`
	Msg           string `json:"msg"`
	StatusCode    *int   `json:"StatusCode"`
	StatusMessage string `json:"StatusMessage"`
}

func (f *FeishuSender) Send(ctx context.Context, target models.NotificationTarget, msg Message) error {
	payload := map[string]any{
		"msg_type": "interactive",
		"card":     RenderCard(msg),
	}
	if target.Secret != "" {
		ts := strconv.FormatInt(f.now().Unix(), 10)
		payload["timestamp"] = ts
		payload["sign"] = FeishuSign(ts, target.Secret)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := f.client.Do(req) // #nosec G107 -- endpoint comes from the routing table
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feishu returned HTTP %d: %w", resp.StatusCode, ErrDeliveryFailure)
	}

	var r feishuResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("feishu response not JSON: %w", ErrDeliveryFailure)
	}
	code, text := 0, ""
	switch {
	case r.Code != nil:
		code, text = *r.Code, r.Msg
	case r.StatusCode != nil:
		code, text = *r.StatusCode, r.StatusMessage
	}
	if code != 0 {
		return fmt.Errorf("feishu code %d %q: %w", code, text, ErrDeliveryFailure)
	}
	return nil
}

// FeishuSign computes the custom bot signature: HMAC-SHA256 keyed with
// "<timestamp>\n<secret>" over an empty message, base64 encoded.
func FeishuSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// RenderCard builds the card object for msg.
func RenderCard(msg Message) map[string]any {
	template := "green"
	switch msg.Kind {
	case KindFailure:
		template = "red"
	case KindNoReport:
		template = "orange"
	}

	elements := []any{
		fields(
			"**Repository**\n"+msg.Repo,
			"**Branch**\n"+msg.Branch,
			"**Commit**\n"+msg.ShortCommit(),
			"**Strategy**\n"+firstNonEmpty(msg.Strategy, "-"),
		),
	}

	if msg.Kind == KindSuccess && msg.Summary != nil {
		s := msg.Summary
		elements = append(elements,
			map[string]any{"tag": "hr"},
			fields(
				"**Instruction**\n"+pct(s.InstructionPct),
				"**Branch**\n"+pct(s.BranchPct),
				"**Line**\n"+pct(s.LinePct),
				"**Complexity**\n"+pct(s.ComplexityPct),
				"**Method**\n"+pct(s.MethodPct),
				"**Class**\n"+pct(s.ClassPct),
			),
		)
		if msg.ReportURL != "" {
			elements = append(elements, map[string]any{
				"tag": "action",
				"actions": []any{map[string]any{
					"tag":  "button",
					"text": map[string]any{"tag": "plain_text", "content": "View report"},
					"type": "primary",
					"url":  msg.ReportURL,
				}},
			})
		}
	} else if msg.Error != "" {
		elements = append(elements,
			map[string]any{"tag": "hr"},
			map[string]any{
				"tag":  "div",
				"text": map[string]any{"tag": "lark_md", "content": "**Error**\n```\n" + msg.Error + "\n```"},
			},
		)
	}

	note := "request " + msg.RequestID
	if msg.FellBack {
		note += " | pushed commit unavailable, scanned default branch tip"
	}
	elements = append(elements, map[string]any{
		"tag":      "note",
		"elements": []any{map[string]any{"tag": "plain_text", "content": note}},
	})

	return map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"header": map[string]any{
			"template": template,
			"title":    map[string]any{"tag": "plain_text", "content": msg.Title},
		},
		"elements": elements,
	}
}

func fields(items ...string) map[string]any {
	fs := make([]any, 0, len(items))
	for _, it := range items {
		fs = append(fs, map[string]any{
			"is_short": true,
			"text":     map[string]any{"tag": "lark_md", "content": it},
		})
	}
	return map[string]any{"tag": "div", "fields": fs}
}
