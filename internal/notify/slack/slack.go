// Package slack sends incident analysis notifications to Slack via incoming
// webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/sentinel/internal/incident"
)

const (
	maxExplanationLen = 3000
	httpTimeout       = 10 * time.Second
)

// Notifier sends classified incidents to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts an incident's analysis outcome to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, inc *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(inc)

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

func buildMessage(inc *incident.Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inc),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			explanationBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(inc *incident.Incident) map[string]any {
	emoji := severityEmoji(inc.Classification, inc.Severity)
	title := "Analysis Complete"
	if inc.Classification == incident.ClassificationNeedsReview {
		title = "Needs Review"
	}
	text := fmt.Sprintf("%s %s: %s", emoji, title, inc.Title)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inc *incident.Incident) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Classification:* %s", inc.Classification),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", inc.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %d", inc.Confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Source:* %s", inc.Source),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*MITRE:* %s", joinOrDash(inc.MitreTechniques)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*IOCs:* %d", len(inc.IOCs)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func explanationBlock(inc *incident.Incident) map[string]any {
	// the last system comment carries the verdict rationale
	var text string
	for i := len(inc.Comments) - 1; i >= 0; i-- {
		if inc.Comments[i].System {
			text = inc.Comments[i].Body
			break
		}
	}
	text = truncate(text, maxExplanationLen)
	if text == "" {
		text = "_No rationale available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rationale*\n\n%s", text),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	ts := inc.UpdatedAt
	if ts.IsZero() {
		ts = inc.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sentinel • incident %s • %s", inc.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(cls incident.Classification, severity incident.Severity) string {
	if cls == incident.ClassificationNeedsReview {
		return "\U0001f7e1" // yellow circle
	}
	switch severity {
	case incident.SeverityCritical, incident.SeverityHigh:
		return "\U0001f534" // red circle
	case incident.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func joinOrDash(ss []string) string {
	if len(ss) == 0 {
		return "-"
	}
	return strings.Join(ss, ", ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
