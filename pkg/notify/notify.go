// Package notify forwards operator-facing cluster events — autoscaler
// recommendations, audit alerts — to an external notification sink.
// github.com/slack-go/slack backs the concrete Slack sink, called only
// through a narrow interface rather than directly from business logic.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Notifier sends a short operator-facing message to an external channel.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// SlackNotifier posts messages to a single Slack channel using a bot
// token.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	logger    *slog.Logger
}

// NewSlackNotifier creates a Slack-backed notifier. token is a bot token
// (xoxb-...), channelID the destination channel.
func NewSlackNotifier(token, channelID string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		client:    slack.New(token),
		channelID: channelID,
		logger:    logger,
	}
}

// Notify posts a message to the configured channel.
func (n *SlackNotifier) Notify(ctx context.Context, title, body string) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", title, body), false),
	)
	if err != nil {
		n.logger.Error("slack notify failed", "error", err, "channel", n.channelID)
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

// NoopNotifier discards every notification. Used when no notification
// sink is configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, title, body string) error { return nil }

// LoggingNotifier writes notifications to a structured logger instead of
// an external service — useful for local development and tests.
type LoggingNotifier struct {
	logger *slog.Logger
}

func NewLoggingNotifier(logger *slog.Logger) *LoggingNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingNotifier{logger: logger}
}

func (n *LoggingNotifier) Notify(ctx context.Context, title, body string) error {
	n.logger.Info("notification", "title", title, "body", body)
	return nil
}
