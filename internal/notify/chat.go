package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/airaware/airaware/internal/aerr"
	"github.com/airaware/airaware/internal/storage"
)

// ChatChannel posts alerts to a chat webhook. Slack and Discord differ only
// in the payload shape, so each runs as its own ChatChannel instance.
type ChatChannel struct {
	name         string
	webhookURL   string
	dashboardURL string
	client       *retryablehttp.Client
	payload      func(alert storage.Alert, dashboardURL string) any
}

// NewSlackChannel creates the Slack webhook channel.
func NewSlackChannel(webhookURL, dashboardURL string) *ChatChannel {
	return &ChatChannel{
		name:         "slack",
		webhookURL:   webhookURL,
		dashboardURL: dashboardURL,
		client:       newRetryClient(),
		payload:      slackPayload,
	}
}

// NewDiscordChannel creates the Discord webhook channel.
func NewDiscordChannel(webhookURL, dashboardURL string) *ChatChannel {
	return &ChatChannel{
		name:         "discord",
		webhookURL:   webhookURL,
		dashboardURL: dashboardURL,
		client:       newRetryClient(),
		payload:      discordPayload,
	}
}

func (c *ChatChannel) Name() string { return c.name }

func (c *ChatChannel) MinSeverity() storage.Severity { return storage.SeverityWarning }

// Targets returns the webhook itself as the single recipient.
func (c *ChatChannel) Targets(context.Context, storage.Alert) ([]Target, error) {
	return []Target{{ID: c.name + "-webhook"}}, nil
}

func (c *ChatChannel) Send(ctx context.Context, alert storage.Alert, _ Target) error {
	body, err := json.Marshal(c.payload(alert, c.dashboardURL))
	if err != nil {
		return aerr.Wrap(aerr.KindPermanent, "notify: marshal "+c.name+" payload", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return aerr.Wrap(aerr.KindPermanent, "notify: build "+c.name+" request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return aerr.Wrap(aerr.KindTransient, "notify: post "+c.name+" webhook", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	kind := aerr.KindTransient
	if permanentStatus(resp.StatusCode) {
		kind = aerr.KindPermanent
	}
	return aerr.Newf(kind, "notify: post "+c.name+" webhook", "status %d", resp.StatusCode)
}

func slackPayload(alert storage.Alert, dashboardURL string) any {
	return map[string]any{
		"text": fmt.Sprintf("*%s*\n%s", renderSubject(alert), renderBody(alert, dashboardURL)),
	}
}

func discordPayload(alert storage.Alert, dashboardURL string) any {
	return map[string]any{
		"embeds": []map[string]any{{
			"title":       renderSubject(alert),
			"description": renderBody(alert, dashboardURL),
			"color":       discordColor(alert.Severity),
		}},
	}
}

func discordColor(sev storage.Severity) int {
	switch sev {
	case storage.SeverityDanger:
		return 0x992D22 // dark red
	case storage.SeverityCritical:
		return 0xE74C3C // red
	case storage.SeverityWarning:
		return 0xE67E22 // orange
	default:
		return 0x95A5A6 // grey
	}
}
