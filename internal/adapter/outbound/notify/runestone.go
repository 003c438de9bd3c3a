package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Runestone forwards approval requests to an external control plane over
// HTTP. The control plane renders its own approval UI; this notifier only
// delivers the facts and the signed links.
type Runestone struct {
	apiURL string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewRunestone returns a control-plane notifier.
func NewRunestone(apiURL, apiKey string, logger *slog.Logger) *Runestone {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runestone{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (r *Runestone) Name() string { return "runestone" }

type runestonePayload struct {
	ApprovalID  string         `json:"approvalId"`
	Tool        string         `json:"tool"`
	ArgsSummary map[string]any `json:"argsSummary"`
	Actor       string         `json:"actor"`
	Reason      string         `json:"reason"`
	ApproveURL  string         `json:"approveUrl"`
	DenyURL     string         `json:"denyUrl"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

func (r *Runestone) Notify(ctx context.Context, n Notification) {
	body, err := json.Marshal(runestonePayload{
		ApprovalID:  n.Approval.ID,
		Tool:        n.Approval.ToolName,
		ArgsSummary: n.ArgsSummary,
		Actor:       n.Approval.Actor.Name,
		Reason:      n.Reason,
		ApproveURL:  n.ApproveURL,
		DenyURL:     n.DenyURL,
		ExpiresAt:   n.Approval.ExpiresAt,
	})
	if err != nil {
		r.logger.Warn("runestone payload marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.apiURL+"/approvals", bytes.NewReader(body))
	if err != nil {
		r.logger.Warn("runestone request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("runestone notification failed",
			"approvalId", n.Approval.ID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		r.logger.Warn("runestone notification rejected",
			"approvalId", n.Approval.ID, "status", resp.StatusCode)
		return
	}
	r.logger.Debug("runestone notification delivered",
		"approvalId", n.Approval.ID, "status", fmt.Sprint(resp.StatusCode))
}

var _ Notifier = (*Runestone)(nil)
