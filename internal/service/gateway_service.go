// Package service contains the request orchestrator that glues policy
// evaluation, approvals, idempotency, capability tokens, execution, and
// audit into one pipeline.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/approval"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/idempotency"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/notify"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/policyfile"
	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/tools"
	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/audit"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/capability"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/request"
)

// Reason codes the orchestrator adds on top of the evaluator's.
const (
	ReasonInvalidEnvelope       = "INVALID_ENVELOPE"
	ReasonInvalidArguments      = "INVALID_ARGUMENTS"
	ReasonIdempotencyConflict   = "IDEMPOTENCY_KEY_CONFLICT"
	ReasonIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	ReasonCapabilityTokenAllow  = "CAPABILITY_TOKEN_ALLOW"
	ReasonApprovalExpired       = "APPROVAL_EXPIRED"
	ReasonInternal              = "INTERNAL"
)

const evalCacheSize = 1024

// Response is the orchestrator's answer to one request: an HTTP status and
// the exact body bytes. Keeping the bytes rather than a value is what makes
// idempotent replays byte-identical.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Config carries the gateway's behavioral settings.
type Config struct {
	// Version is reported on /health and stamped into audit entries.
	Version string
	// DemoMode includes the signed approve/deny URLs in APPROVE responses.
	DemoMode bool
	// DefaultRole is applied to envelopes whose actor carries no role.
	DefaultRole string
}

// Deps wires the gateway to its collaborators.
type Deps struct {
	Registry    *tools.Registry
	Policy      *policyfile.Source
	Tokens      *capability.Service
	Approvals   *approval.Store
	Idempotency *idempotency.Store
	Audit       audit.Sink
	Notifier    notify.Notifier
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Gateway is the request orchestrator. The policy snapshot is held behind
// an atomic pointer; a reload swaps it in whole while in-flight requests
// continue on the snapshot they captured.
type Gateway struct {
	cfg       Config
	registry  *tools.Registry
	source    *policyfile.Source
	tokens    *capability.Service
	approvals *approval.Store
	idem      *idempotency.Store
	sink      audit.Sink
	notifier  notify.Notifier
	metrics   *Metrics
	logger    *slog.Logger

	snapshot  atomic.Pointer[policy.Snapshot]
	cache     *evalCache
	startedAt time.Time
	now       func() time.Time

	// beforeIdemCreate, when set, runs between the idempotency consult
	// and the pending create; tests interleave a competing request there.
	beforeIdemCreate func()
}

// NewGateway loads and compiles the initial policy and wires the expiry
// sweeper to the audit sink. It fails when the policy does not load; a
// gateway without rules must not serve.
func NewGateway(cfg Config, d Deps) (*Gateway, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	g := &Gateway{
		cfg:       cfg,
		registry:  d.Registry,
		source:    d.Policy,
		tokens:    d.Tokens,
		approvals: d.Approvals,
		idem:      d.Idempotency,
		sink:      d.Audit,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		logger:    d.Logger,
		cache:     newEvalCache(evalCacheSize),
		startedAt: time.Now(),
		now:       time.Now,
	}

	if err := g.ReloadPolicy(); err != nil {
		return nil, err
	}

	g.approvals.OnExpire = func(a approval.Approval) {
		g.sink.Write(context.Background(), audit.Entry{
			Timestamp:  g.now().UTC(),
			RequestID:  a.RequestID,
			Tool:       a.ToolName,
			Decision:   audit.DecisionApprovalConsumed,
			ReasonCode: ReasonApprovalExpired,
			Actor:      &a.Actor,
			ApprovalID: a.ID,
			Action:     "denied",
		})
		g.metrics.PendingApprovals.Set(float64(g.approvals.Count()))
	}

	return g, nil
}

// WithClock overrides the time source.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// ReloadPolicy loads, compiles, and atomically swaps the policy snapshot.
// On failure the previous snapshot stays in service.
func (g *Gateway) ReloadPolicy() error {
	p, err := g.source.Load()
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	snap, err := policy.Compile(p, g.logger)
	if err != nil {
		return fmt.Errorf("compile policy: %w", err)
	}
	g.snapshot.Store(snap)
	g.cache.Clear()
	g.logger.Info("policy loaded", "hash", snap.Hash, "tools", len(p.Tools))
	return nil
}

// Snapshot returns the policy snapshot current requests evaluate against.
func (g *Gateway) Snapshot() *policy.Snapshot {
	return g.snapshot.Load()
}

// PolicyHash returns the hash of the current snapshot, for audit stamping
// and the health endpoint.
func (g *Gateway) PolicyHash() string {
	return g.snapshot.Load().Hash
}

// Health is the /health endpoint payload.
type Health struct {
	Version          string            `json:"version"`
	PolicyHash       string            `json:"policyHash"`
	Uptime           string            `json:"uptime"`
	PendingApprovals int               `json:"pendingApprovals"`
	DemoMode         bool              `json:"demoMode"`
	Providers        map[string]string `json:"providers"`
}

// HealthInfo reports the gateway's liveness view.
func (g *Gateway) HealthInfo() Health {
	return Health{
		Version:          g.cfg.Version,
		PolicyHash:       g.PolicyHash(),
		Uptime:           time.Since(g.startedAt).Round(time.Second).String(),
		PendingApprovals: g.approvals.Count(),
		DemoMode:         g.cfg.DemoMode,
		Providers: map[string]string{
			"approval": g.notifier.Name(),
			"policy":   "file",
		},
	}
}

// ---------------------------------------------------------------------------
// Response bodies
// ---------------------------------------------------------------------------

type denialBody struct {
	ReasonCode       string `json:"reasonCode"`
	HumanExplanation string `json:"humanExplanation"`
	Remediation      string `json:"remediation,omitempty"`
}

type approvalRequestBody struct {
	Tool        string         `json:"tool"`
	Actor       request.Actor  `json:"actor"`
	ArgsSummary map[string]any `json:"argsSummary"`
	RequestID   string         `json:"requestId"`
}

// toolResponse is the normative response body. Decision-specific fields are
// omitted when empty.
type toolResponse struct {
	Decision         string   `json:"decision"`
	RequestID        string   `json:"requestId"`
	ReasonCode       string   `json:"reasonCode,omitempty"`
	HumanExplanation string   `json:"humanExplanation,omitempty"`
	Remediation      string   `json:"remediation,omitempty"`
	RiskFlags        []string `json:"riskFlags,omitempty"`
	DryRun           bool     `json:"dryRun,omitempty"`

	Success          *bool                   `json:"success,omitempty"`
	Result           map[string]any          `json:"result,omitempty"`
	Error            string                  `json:"error,omitempty"`
	ExecutionReceipt *audit.ExecutionReceipt `json:"executionReceipt,omitempty"`

	ApprovalID      string               `json:"approvalId,omitempty"`
	ExpiresAt       string               `json:"expiresAt,omitempty"`
	ApprovalRequest *approvalRequestBody `json:"approvalRequest,omitempty"`
	ApproveURL      string               `json:"approveUrl,omitempty"`
	DenyURL         string               `json:"denyUrl,omitempty"`

	Denial *denialBody `json:"denial,omitempty"`

	PolicyVersion  string `json:"policyVersion"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type errorBody struct {
	Error      string `json:"error"`
	ReasonCode string `json:"reasonCode,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

type callbackBody struct {
	Status           string                  `json:"status"`
	ApprovalID       string                  `json:"approvalId"`
	Tool             string                  `json:"tool"`
	Success          *bool                   `json:"success,omitempty"`
	Result           map[string]any          `json:"result,omitempty"`
	Error            string                  `json:"error,omitempty"`
	ExecutionReceipt *audit.ExecutionReceipt `json:"executionReceipt,omitempty"`
}

func (g *Gateway) respond(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("cannot marshal response", "error", err)
		return Response{
			Status: http.StatusInternalServerError,
			Body:   json.RawMessage(`{"error":"internal error","reasonCode":"INTERNAL"}`),
		}
	}
	return Response{Status: status, Body: body}
}

func (g *Gateway) respondError(status int, msg, reasonCode, requestID string) Response {
	return g.respond(status, errorBody{Error: msg, ReasonCode: reasonCode, RequestID: requestID})
}

func boolPtr(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// Tool request pipeline
// ---------------------------------------------------------------------------

// HandleTool runs the full pipeline for one POST /tool/{name} request:
// envelope validation, schema check, idempotency, evaluation, capability
// upgrade, audit, and the decision branch.
func (g *Gateway) HandleTool(ctx context.Context, toolName string, env *request.Envelope) Response {
	if err := env.Validate(); err != nil {
		return g.respondError(http.StatusBadRequest, err.Error(), ReasonInvalidEnvelope, env.RequestID)
	}
	if g.cfg.DefaultRole != "" && env.Actor.Role == "" {
		env.Actor.Role = g.cfg.DefaultRole
	}

	if _, known := g.registry.Get(toolName); !known {
		return g.respondError(http.StatusNotFound,
			fmt.Sprintf("unknown tool %q", toolName), policy.ReasonUnknownTool, env.RequestID)
	}
	if err := g.registry.ValidateArgs(toolName, env.Args); err != nil {
		return g.respondError(http.StatusForbidden, err.Error(), ReasonInvalidArguments, env.RequestID)
	}

	argsHash, err := canonical.HashArgs(env.Args)
	if err != nil {
		g.logger.Error("cannot hash args", "requestId", env.RequestID, "error", err)
		return g.respondError(http.StatusInternalServerError, "internal error", ReasonInternal, env.RequestID)
	}
	idemKey := env.EffectiveIdempotencyKey()

	if resp, done := g.consultIdempotency(idemKey, toolName, argsHash, env.RequestID); done {
		return resp
	}
	if g.beforeIdemCreate != nil {
		g.beforeIdemCreate()
	}
	if _, err := g.idem.CreatePending(idemKey, env.RequestID, toolName, argsHash); err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			// Lost the create race; the winner owns the key now. It may
			// already have completed, in which case its response replays.
			if resp, done := g.consultIdempotency(idemKey, toolName, argsHash, env.RequestID); done {
				return resp
			}
			return g.respondError(http.StatusConflict,
				"a request with this idempotency key is in progress", ReasonIdempotencyInProgress, env.RequestID)
		}
		g.logger.Error("cannot create idempotency record", "requestId", env.RequestID, "error", err)
		return g.respondError(http.StatusInternalServerError, "internal error", ReasonInternal, env.RequestID)
	}

	snap := g.Snapshot()
	ev := g.evaluate(snap, toolName, argsHash, env)
	ev = g.applyCapabilityToken(toolName, argsHash, env, ev)

	argsSummary := summarizeArgs(env.Args)
	g.sink.Write(ctx, audit.NewRequestEntry(env, toolName, ev, argsSummary, argsHash))
	g.metrics.RequestsTotal.WithLabelValues(toolName, string(ev.Decision)).Inc()

	resp := g.renderDecision(ctx, snap, toolName, argsHash, argsSummary, env, ev, idemKey)

	if err := g.idem.Complete(idemKey, resp.Status, resp.Body); err != nil {
		g.logger.Warn("cannot complete idempotency record", "requestId", env.RequestID, "error", err)
	}
	return resp
}

// consultIdempotency applies the replay protocol for an existing record.
// The second return is true when the caller should stop and use resp.
func (g *Gateway) consultIdempotency(key, toolName, argsHash, requestID string) (Response, bool) {
	rec, err := g.idem.Get(key)
	if err != nil {
		g.logger.Error("cannot read idempotency record", "requestId", requestID, "error", err)
		return g.respondError(http.StatusInternalServerError, "internal error", ReasonInternal, requestID), true
	}
	if rec == nil {
		return Response{}, false
	}
	if rec.ToolName != toolName || rec.ArgsHash != argsHash {
		return g.respondError(http.StatusConflict,
			"idempotency key was used with a different request", ReasonIdempotencyConflict, requestID), true
	}
	if rec.Status == idempotency.StatusCompleted {
		return Response{Status: rec.StatusCode, Body: rec.Body}, true
	}
	return g.respondError(http.StatusConflict,
		"a request with this idempotency key is in progress", ReasonIdempotencyInProgress, requestID), true
}

// evaluate consults the result cache before running the evaluator. The key
// includes the snapshot hash, so stale entries can never match.
func (g *Gateway) evaluate(snap *policy.Snapshot, toolName, argsHash string, env *request.Envelope) policy.Evaluation {
	key := evalCacheKey(snap.Hash, toolName, argsHash, env.Actor.EffectiveRole(), env.Taint)
	if ev, ok := g.cache.Get(key); ok {
		return ev
	}
	ev := policy.Evaluate(snap, toolName, env.Args, env)
	g.cache.Put(key, ev)
	return ev
}

// applyCapabilityToken upgrades APPROVE to ALLOW when the envelope carries
// a token that verifies for this exact call. An invalid token is flagged
// but never denies on its own.
func (g *Gateway) applyCapabilityToken(toolName, argsHash string, env *request.Envelope, ev policy.Evaluation) policy.Evaluation {
	if env.CapabilityToken == "" {
		return ev
	}
	res := g.tokens.Verify(capability.VerifyInput{
		Token:     env.CapabilityToken,
		Tool:      toolName,
		ArgsHash:  argsHash,
		ActorRole: env.Actor.EffectiveRole(),
		ActorName: env.Actor.Name,
	})

	// The evaluation may have come from the cache; never mutate its slice.
	flags := append([]string(nil), ev.RiskFlags...)
	if !res.Valid {
		ev.RiskFlags = append(flags, "capability_token_invalid:"+res.ReasonCode)
		return ev
	}
	if ev.Decision == policy.DecisionApprove {
		ev.Decision = policy.DecisionAllow
		ev.ReasonCode = ReasonCapabilityTokenAllow
		ev.Reason = "capability token pre-authorizes this call"
		ev.HumanExplanation = "A valid capability token pre-authorizes this exact tool call."
		ev.Remediation = ""
		ev.RiskFlags = append(flags, "capability_token")
		return ev
	}
	ev.RiskFlags = append(flags, "capability_token")
	return ev
}

// renderDecision produces the response for one evaluation, executing the
// tool or parking an approval as the decision demands.
func (g *Gateway) renderDecision(ctx context.Context, snap *policy.Snapshot, toolName, argsHash string, argsSummary map[string]any, env *request.Envelope, ev policy.Evaluation, idemKey string) Response {
	base := toolResponse{
		Decision:         string(ev.Decision),
		RequestID:        env.RequestID,
		ReasonCode:       ev.ReasonCode,
		HumanExplanation: ev.HumanExplanation,
		Remediation:      ev.Remediation,
		RiskFlags:        ev.RiskFlags,
		PolicyVersion:    snap.Hash,
		IdempotencyKey:   idemKey,
	}

	if env.DryRun {
		base.DryRun = true
		return g.respond(http.StatusOK, base)
	}

	switch ev.Decision {
	case policy.DecisionDeny:
		base.Denial = &denialBody{
			ReasonCode:       ev.ReasonCode,
			HumanExplanation: ev.HumanExplanation,
			Remediation:      ev.Remediation,
		}
		return g.respond(http.StatusForbidden, base)

	case policy.DecisionApprove:
		a, approveURL, denyURL, err := g.approvals.Create(approval.CreateInput{
			ToolName:       toolName,
			Args:           env.Args,
			Actor:          env.Actor,
			Context:        env.Context,
			RequestID:      env.RequestID,
			IdempotencyKey: idemKey,
		})
		if err != nil {
			g.logger.Error("cannot create approval", "requestId", env.RequestID, "error", err)
			return g.respondError(http.StatusInternalServerError, "internal error", ReasonInternal, env.RequestID)
		}
		g.metrics.PendingApprovals.Set(float64(g.approvals.Count()))

		go g.notifier.Notify(context.WithoutCancel(ctx), notify.Notification{
			Approval:    *a,
			ArgsSummary: argsSummary,
			ApproveURL:  approveURL,
			DenyURL:     denyURL,
			Reason:      ev.HumanExplanation,
		})

		base.ApprovalID = a.ID
		base.ExpiresAt = a.ExpiresAt.Format(time.RFC3339)
		base.ApprovalRequest = &approvalRequestBody{
			Tool:        toolName,
			Actor:       env.Actor,
			ArgsSummary: argsSummary,
			RequestID:   env.RequestID,
		}
		if g.cfg.DemoMode {
			base.ApproveURL = approveURL
			base.DenyURL = denyURL
		}
		return g.respond(http.StatusAccepted, base)

	case policy.DecisionAllow:
		res, receipt := g.execute(ctx, snap, toolName, env.Args)
		g.sink.Write(ctx, audit.Entry{
			Timestamp:        g.now().UTC(),
			RequestID:        env.RequestID,
			Tool:             toolName,
			Decision:         audit.DecisionExecuted,
			Actor:            &env.Actor,
			RiskFlags:        ev.RiskFlags,
			ArgsSummary:      argsSummary,
			ArgsHash:         argsHash,
			ResultSummary:    summarizeResult(res),
			ExecutionReceipt: receipt,
		})

		base.Success = boolPtr(res.Success)
		base.Result = res.Output
		base.Error = res.Error
		base.ExecutionReceipt = receipt
		return g.respond(http.StatusOK, base)
	}

	g.logger.Error("evaluation produced no decision", "requestId", env.RequestID, "decision", ev.Decision)
	return g.respondError(http.StatusInternalServerError, "internal error", ReasonInternal, env.RequestID)
}

// execute dispatches to the tool executor and times the run.
func (g *Gateway) execute(ctx context.Context, snap *policy.Snapshot, toolName string, args map[string]any) (tools.Result, *audit.ExecutionReceipt) {
	exec, ok := g.registry.Get(toolName)
	if !ok {
		return tools.Result{Success: false, Error: fmt.Sprintf("no executor for %q", toolName)}, nil
	}
	tp, _ := snap.Tool(toolName)

	started := g.now().UTC()
	res := exec.Execute(ctx, args, tp)
	completed := g.now().UTC()

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	g.metrics.ExecutionsTotal.WithLabelValues(toolName, outcome).Inc()

	return res, &audit.ExecutionReceipt{
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
}

// ---------------------------------------------------------------------------
// Approval callback pipeline
// ---------------------------------------------------------------------------

// HandleCallback consumes one approve/deny link. On approve it executes
// the frozen arguments against the policy snapshot current at consume time.
func (g *Gateway) HandleCallback(ctx context.Context, action, id, sig, exp string) Response {
	a, err := g.approvals.VerifyAndConsume(id, action, sig, exp)
	if err != nil {
		return g.callbackError(err)
	}
	g.metrics.PendingApprovals.Set(float64(g.approvals.Count()))

	if action == approval.ActionDeny {
		g.sink.Write(ctx, audit.Entry{
			Timestamp:  g.now().UTC(),
			RequestID:  a.RequestID,
			Tool:       a.ToolName,
			Decision:   audit.DecisionApprovalConsumed,
			Actor:      &a.Actor,
			ApprovalID: a.ID,
			Action:     "denied",
		})
		return g.respond(http.StatusOK, callbackBody{
			Status:     approval.StatusDenied,
			ApprovalID: a.ID,
			Tool:       a.ToolName,
		})
	}

	snap := g.Snapshot()
	res, receipt := g.execute(ctx, snap, a.ToolName, a.Args)

	argsHash, _ := canonical.HashArgs(a.Args)
	g.sink.Write(ctx, audit.Entry{
		Timestamp:        g.now().UTC(),
		RequestID:        a.RequestID,
		Tool:             a.ToolName,
		Decision:         audit.DecisionExecuted,
		Actor:            &a.Actor,
		ArgsSummary:      summarizeArgs(a.Args),
		ArgsHash:         argsHash,
		ResultSummary:    summarizeResult(res),
		ExecutionReceipt: receipt,
	})
	g.sink.Write(ctx, audit.Entry{
		Timestamp:     g.now().UTC(),
		RequestID:     a.RequestID,
		Tool:          a.ToolName,
		Decision:      audit.DecisionApprovalConsumed,
		Actor:         &a.Actor,
		ApprovalID:    a.ID,
		Action:        "approved",
		ResultSummary: summarizeResult(res),
	})

	return g.respond(http.StatusOK, callbackBody{
		Status:           approval.StatusApproved,
		ApprovalID:       a.ID,
		Tool:             a.ToolName,
		Success:          boolPtr(res.Success),
		Result:           res.Output,
		Error:            res.Error,
		ExecutionReceipt: receipt,
	})
}

// callbackError maps consume failures to the HTTP contract: missing 404,
// expired 410, replayed 409, bad signature or expiry 403, anything else 400.
func (g *Gateway) callbackError(err error) Response {
	var consumed *approval.AlreadyConsumedError
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return g.respondError(http.StatusNotFound, err.Error(), "", "")
	case errors.Is(err, approval.ErrExpired):
		return g.respondError(http.StatusGone, err.Error(), ReasonApprovalExpired, "")
	case errors.As(err, &consumed):
		return g.respondError(http.StatusConflict, err.Error(), "", "")
	case errors.Is(err, approval.ErrInvalidSignature), errors.Is(err, approval.ErrExpiryMismatch):
		return g.respondError(http.StatusForbidden, err.Error(), "", "")
	default:
		return g.respondError(http.StatusBadRequest, err.Error(), "", "")
	}
}

// ---------------------------------------------------------------------------
// Summaries
// ---------------------------------------------------------------------------

// summarizeArgs is the redacted, truncated view of the arguments that goes
// into audit entries and approval notifications.
func summarizeArgs(args map[string]any) map[string]any {
	redacted := canonical.RedactSecrets(args, 200)
	if m, ok := redacted.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": redacted}
}

const resultSummaryCap = 200

func summarizeResult(res tools.Result) string {
	if res.Success {
		return "success"
	}
	msg := res.Error
	if len(msg) > resultSummaryCap {
		msg = msg[:resultSummaryCap] + "..."
	}
	return "failed: " + msg
}
