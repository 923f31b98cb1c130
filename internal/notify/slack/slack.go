// Package slack sends staff escalation alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/medrelay/internal/triage"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// ErrNoWebhook is returned by Notify when no webhook URL is configured.
var ErrNoWebhook = errors.New("slack: webhook url not configured")

// Notifier posts escalation alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify posts an escalation alert.
func (n *Notifier) Notify(ctx context.Context, al *triage.Alert) error {
	if n.webhookURL == "" {
		return ErrNoWebhook
	}
	return n.post(ctx, buildAlertMessage(al))
}

// ReportNotifyFailure posts a short notice that an alert could not be
// delivered through the primary channel. It is a no-op without a webhook.
func (n *Notifier) ReportNotifyFailure(ctx context.Context, al *triage.Alert, cause error) error {
	if n.webhookURL == "" {
		return nil
	}
	return n.post(ctx, buildFailureMessage(al, cause))
}

func (n *Notifier) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildAlertMessage(al *triage.Alert) map[string]any {
	return map[string]any{
		"text": fallbackText(al),
		"blocks": []map[string]any{
			headerBlock(al),
			{"type": "divider"},
			fieldsBlock(al),
			{"type": "divider"},
			messageBlock(al),
			{"type": "divider"},
			contextBlock(al),
		},
	}
}

func buildFailureMessage(al *triage.Alert, cause error) map[string]any {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	text := fmt.Sprintf("⚠️ Staff alert %s for %s could not be delivered: %s",
		al.ID, al.SenderID, truncate(reason, 500))
	return map[string]any{
		"text": text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
			contextBlock(al),
		},
	}
}

func fallbackText(al *triage.Alert) string {
	return fmt.Sprintf("%s urgency triage alert for %s", al.Urgency, al.SenderID)
}

func headerBlock(al *triage.Alert) map[string]any {
	text := fmt.Sprintf("%s %s", urgencyEmoji(string(al.Urgency)), fallbackText(al))
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(al *triage.Alert) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Sender:* %s", al.SenderID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Urgency:* %s", al.Urgency),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Red flags:* %s", listOrNone(al.RedFlags)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Symptoms:* %s", listOrNone(al.Symptoms)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func messageBlock(al *triage.Alert) map[string]any {
	text := truncate(al.Message, maxMessageLen)
	if text == "" {
		text = "_No message text._"
	}
	summary := truncate(al.Summary, maxMessageLen)

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Latest message*\n%s\n\n*Summary*\n%s", text, summary),
		},
	}
}

func contextBlock(al *triage.Alert) map[string]any {
	ts := al.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("medrelay • alert %s • %s", al.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func urgencyEmoji(urgency string) string {
	switch strings.ToUpper(urgency) {
	case "HIGH":
		return "\U0001f534" // red circle
	case "MEDIUM":
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return truncate(strings.Join(items, ", "), 500)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
