// Package audit defines the append-only audit record types and the sink
// interface they are written through.
package audit

import (
	"context"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/request"
)

// Decision values that appear only in audit entries, alongside the three
// policy decisions.
const (
	DecisionExecuted         = "executed"
	DecisionApprovalConsumed = "approval_consumed"
)

// ExecutionReceipt records when a tool actually ran.
type ExecutionReceipt struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// Entry is one audit record. Not every field is set for every shape:
// request entries carry the evaluation, execution entries add the receipt
// and result summary, approval-consumed entries add the approval id and
// the human's action.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"requestId,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Decision   string    `json:"decision"`
	ReasonCode string    `json:"reasonCode,omitempty"`

	HumanExplanation string `json:"humanExplanation,omitempty"`
	Remediation      string `json:"remediation,omitempty"`

	Actor       *request.Actor       `json:"actor,omitempty"`
	Origin      string               `json:"origin,omitempty"`
	Taint       []string             `json:"taint,omitempty"`
	ContextRefs []request.ContextRef `json:"contextRefs,omitempty"`
	RiskFlags   []string             `json:"riskFlags,omitempty"`

	// ArgsSummary is the redacted, truncated view of the arguments;
	// ArgsHash is the full hash for exact correlation.
	ArgsSummary map[string]any `json:"argsSummary,omitempty"`
	ArgsHash    string         `json:"argsHash,omitempty"`

	ResultSummary    string            `json:"resultSummary,omitempty"`
	ExecutionReceipt *ExecutionReceipt `json:"executionReceipt,omitempty"`

	ApprovalID string `json:"approvalId,omitempty"`
	// Action is "approved" or "denied" on approval_consumed entries.
	Action string `json:"action,omitempty"`

	// Injected by the sink.
	PolicyHash string `json:"policyHash,omitempty"`
	Version    string `json:"gatekeeperVersion,omitempty"`
}

// Sink receives audit entries. Implementations must be safe for concurrent
// use and must never propagate write failures to the request path.
type Sink interface {
	Write(ctx context.Context, entry Entry)
	Flush(ctx context.Context) error
	Close() error
}

// NewRequestEntry builds the record emitted after every policy evaluation.
func NewRequestEntry(env *request.Envelope, tool string, ev policy.Evaluation, argsSummary map[string]any, argsHash string) Entry {
	return Entry{
		Timestamp:        time.Now().UTC(),
		RequestID:        env.RequestID,
		Tool:             tool,
		Decision:         string(ev.Decision),
		ReasonCode:       ev.ReasonCode,
		HumanExplanation: ev.HumanExplanation,
		Remediation:      ev.Remediation,
		Actor:            &env.Actor,
		Origin:           env.Origin,
		Taint:            env.Taint,
		ContextRefs:      env.ContextRefs,
		RiskFlags:        ev.RiskFlags,
		ArgsSummary:      argsSummary,
		ArgsHash:         argsHash,
	}
}
