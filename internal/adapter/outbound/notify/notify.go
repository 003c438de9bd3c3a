// Package notify delivers pending-approval notifications to a human
// channel. Delivery is fire-and-forget: failures are logged and never
// propagate to the approval response.
package notify

import (
	"context"
	"log/slog"

	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/approval"
)

// Notification describes one approval awaiting a human. ArgsSummary is
// the redacted view of the arguments; notifiers must render it, never the
// approval's raw args, because delivery leaves the box.
type Notification struct {
	Approval    approval.Approval
	ArgsSummary map[string]any
	ApproveURL  string
	DenyURL     string
	Reason      string
}

// Notifier delivers one notification. Implementations must not block the
// caller beyond ctx and must swallow their own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
	Name() string
}

// Local logs the approval to the gateway's own log. It is the default
// provider and the fallback when a remote channel is misconfigured.
type Local struct {
	logger *slog.Logger
}

// NewLocal returns a console notifier.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Notify(_ context.Context, n Notification) {
	l.logger.Info("approval required",
		"approvalId", n.Approval.ID,
		"tool", n.Approval.ToolName,
		"actor", n.Approval.Actor.Name,
		"reason", n.Reason,
		"approveUrl", n.ApproveURL,
		"denyUrl", n.DenyURL,
		"expiresAt", n.Approval.ExpiresAt,
	)
}

var _ Notifier = (*Local)(nil)
