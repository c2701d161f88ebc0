package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
)

const (
	colorWarning = 0xF1C40F
	colorError   = 0xE74C3C

	// Discord rejects embeds with longer descriptions.
	maxDescriptionLen = 4096
)

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSink posts alerts as embeds to a Discord webhook. Failed deliveries
// are logged and dropped.
type DiscordSink struct {
	webhookURL string
	rest       *resty.Client
	logger     *log.Logger
	metrics    metrics.RequestMetrics
}

var _ Sink = (*DiscordSink)(nil)

func NewDiscordSink(webhookURL string, timeout time.Duration, logger *log.Logger) *DiscordSink {
	return &DiscordSink{
		webhookURL: webhookURL,
		rest: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
		logger:  logger.WithModule("alert"),
		metrics: metrics.NewDefaultRequestMetrics("keyguard", "discord"),
	}
}

func (s *DiscordSink) Warn(ctx context.Context, title string, fields Fields) {
	s.send(ctx, colorWarning, "⚠️ "+title, fields)
}

func (s *DiscordSink) Error(ctx context.Context, title string, fields Fields) {
	s.send(ctx, colorError, "🚨 "+title, fields)
}

func (s *DiscordSink) send(ctx context.Context, color int, title string, fields Fields) {
	embed := discordEmbed{
		Title:       title,
		Description: truncate(fields.Description, maxDescriptionLen),
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range fields.pairs() {
		if p[0] == "description" {
			continue
		}
		embed.Fields = append(embed.Fields, discordField{Name: p[0], Value: p[1], Inline: true})
	}

	timer := s.metrics.RequestTimer("webhook")
	resp, err := s.rest.R().
		SetContext(ctx).
		SetBody(discordMessage{Username: "keyguard", Embeds: []discordEmbed{embed}}).
		Post(s.webhookURL)
	if err == nil && resp.IsError() {
		err = fmt.Errorf("http %s: %s", resp.Status(), resp.String())
	}
	s.metrics.Observe("webhook", timer, err)
	if err != nil {
		s.logger.Warn("failed to deliver alert", "title", title, "err", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
