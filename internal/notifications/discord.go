// Package notifications delivers session results to the people watching
// over the participant: a Discord ops channel, the caregiver's phone via
// push or SMS. Every notifier is nil-safe and disabled without config.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Discord is a simple Discord webhook notifier for the ops channel.
type Discord struct {
	webhookURL string
	logger     *log.Logger
	client     *http.Client
}

// NewDiscord creates a new Discord notifier. If webhookURL is empty,
// notifications are silently skipped.
func NewDiscord(webhookURL string, logger *log.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (d *Discord) Enabled() bool {
	return d != nil && d.webhookURL != ""
}

type discordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// send posts a message to the webhook asynchronously. Errors are logged
// but never reach the caller.
func (d *Discord) send(ctx context.Context, msg discordMessage) {
	if !d.Enabled() {
		return
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			d.logger.Printf("discord: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", d.webhookURL, bytes.NewReader(body))
		if err != nil {
			d.logger.Printf("discord: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Printf("discord: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			d.logger.Printf("discord: webhook returned status %d", resp.StatusCode)
		}
	}()
}

// SessionSummary is the per-session report posted to the ops channel.
type SessionSummary struct {
	SessionID  string
	DeviceID   string
	ScriptID   string
	Status     string
	TurnCount  int
	DurationMs int64
	Sentiment  string
	Error      string
}

func statusColor(status string) int {
	switch status {
	case "success":
		return 0x00FF00
	case "unattended":
		return 0xFFA500
	case "error":
		return 0xFF0000
	default:
		return 0x808080
	}
}

// NotifySessionEnded posts a summary embed after every session.
func (d *Discord) NotifySessionEnded(ctx context.Context, s SessionSummary) {
	fields := []embedField{
		{Name: "Device", Value: fmt.Sprintf("`%s`", s.DeviceID), Inline: true},
		{Name: "Script", Value: s.ScriptID, Inline: true},
		{Name: "Turns", Value: fmt.Sprintf("%d", s.TurnCount), Inline: true},
		{Name: "Duration", Value: fmt.Sprintf("%.1fs", float64(s.DurationMs)/1000), Inline: true},
	}
	if s.Sentiment != "" {
		fields = append(fields, embedField{Name: "Sentiment", Value: s.Sentiment, Inline: true})
	}
	if s.Error != "" {
		fields = append(fields, embedField{Name: "Error", Value: fmt.Sprintf("`%s`", s.Error)})
	}

	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("Session %s", s.Status),
			Description: fmt.Sprintf("Session `%s` finished", s.SessionID),
			Color:       statusColor(s.Status),
			Fields:      fields,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}

// NotifyUnattended pings the channel when nobody answered a check-in.
func (d *Discord) NotifyUnattended(ctx context.Context, deviceID, sessionID string) {
	msg := discordMessage{
		Content: "@here",
		Embeds: []discordEmbed{{
			Title:       "Unattended check-in",
			Description: fmt.Sprintf("No response during session `%s` on device `%s`.", sessionID, deviceID),
			Color:       0xFF0000,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	d.send(ctx, msg)
}
