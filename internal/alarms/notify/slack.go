package notify

import (
	"context"
	"errors"

	"github.com/slack-go/slack"
)

// SlackChannel sends notifications to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
}

// NewSlackChannel constructs a Slack channel.
func NewSlackChannel(webhookURL string) (*SlackChannel, error) {
	if webhookURL == "" {
		return nil, errors.New("slack channel: empty webhook url")
	}
	return &SlackChannel{webhookURL: webhookURL}, nil
}

// Send posts the content as a Slack webhook message.
func (s *SlackChannel) Send(ctx context.Context, content string) error {
	if s == nil || s.webhookURL == "" {
		return errors.New("slack channel: empty webhook url")
	}
	return slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{Text: content})
}
