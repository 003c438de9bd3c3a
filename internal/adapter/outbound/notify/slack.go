package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Slack posts an approval request to an incoming-webhook channel as a
// Block Kit message with the signed approve/deny links.
type Slack struct {
	webhookURL string
	logger     *slog.Logger

	// post is swapped out in tests.
	post func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlack returns a webhook notifier.
func NewSlack(webhookURL string, logger *slog.Logger) *Slack {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slack{
		webhookURL: webhookURL,
		logger:     logger,
		post:       slack.PostWebhookContext,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, n Notification) {
	msg := s.message(n)
	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		s.logger.Warn("slack notification failed",
			"approvalId", n.Approval.ID, "error", err)
	}
}

func (s *Slack) message(n Notification) *slack.WebhookMessage {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, "Approval required", false, false))

	detail := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(
			"*Tool:* `%s`\n*Actor:* %s (%s)\n*Reason:* %s\n*Expires:* %s",
			n.Approval.ToolName,
			n.Approval.Actor.Name, n.Approval.Actor.Type,
			n.Reason,
			n.Approval.ExpiresAt.Format("2006-01-02 15:04:05 MST"),
		), false, false),
		nil, nil)

	argsJSON, err := json.Marshal(n.ArgsSummary)
	if err != nil {
		argsJSON = []byte("{}")
	}
	args := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType,
			"```"+truncate(string(argsJSON), 2000)+"```", false, false),
		nil, nil)

	links := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf(
			"<%s|Approve> · <%s|Deny>", n.ApproveURL, n.DenyURL), false, false),
		nil, nil)

	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("Approval required for %s", n.Approval.ToolName),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{header, detail, args, links}},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

var _ Notifier = (*Slack)(nil)
