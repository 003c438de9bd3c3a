// Package request contains the envelope types carried by every gateway
// request: the calling actor, the tool arguments, taint labels, and the
// retry/idempotency metadata.
package request

import (
	"fmt"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
)

// Actor identifies who is asking for a tool call.
type Actor struct {
	// Type is "agent" or "user".
	Type string `json:"type"`
	// Name is the actor's identifier (e.g., "navigator-agent").
	Name string `json:"name"`
	// Role selects the principal policy; when empty, Name is used.
	Role string `json:"role,omitempty"`
	// RunID optionally ties the request to an agent run.
	RunID string `json:"runId,omitempty"`
}

// EffectiveRole returns the key used for principal policy lookup.
func (a Actor) EffectiveRole() string {
	if a.Role != "" {
		return a.Role
	}
	return a.Name
}

// Origin values describe where the request content came from.
const (
	OriginUserDirect      = "user_direct"
	OriginModelInferred   = "model_inferred"
	OriginExternalContent = "external_content"
	OriginBackgroundJob   = "background_job"
)

// ContextRef points at a piece of context that influenced the request.
type ContextRef struct {
	Type  string   `json:"type"`
	ID    string   `json:"id"`
	Taint []string `json:"taint,omitempty"`
}

// Envelope is one tool request. It lives only for the duration of the
// request; durable state (approvals, idempotency records, audit entries)
// is derived from it.
type Envelope struct {
	RequestID       string         `json:"requestId"`
	Actor           Actor          `json:"actor"`
	Args            map[string]any `json:"args"`
	Context         map[string]any `json:"context,omitempty"`
	Origin          string         `json:"origin,omitempty"`
	Taint           []string       `json:"taint,omitempty"`
	ContextRefs     []ContextRef   `json:"contextRefs,omitempty"`
	IdempotencyKey  string         `json:"idempotencyKey,omitempty"`
	DryRun          bool           `json:"dryRun,omitempty"`
	CapabilityToken string         `json:"capabilityToken,omitempty"`
	Timestamp       *time.Time     `json:"timestamp,omitempty"`
}

// Validate checks the envelope's structural invariants. Unknown top-level
// fields are rejected at decode time by the transport (DisallowUnknownFields);
// this covers everything a decoder cannot express.
func (e *Envelope) Validate() error {
	if e.RequestID == "" {
		return fmt.Errorf("requestId is required")
	}
	if !canonical.IsUUID(e.RequestID) {
		return fmt.Errorf("requestId %q is not a valid UUID", e.RequestID)
	}
	switch e.Actor.Type {
	case "agent", "user":
	case "":
		return fmt.Errorf("actor.type is required")
	default:
		return fmt.Errorf("actor.type %q must be \"agent\" or \"user\"", e.Actor.Type)
	}
	if e.Actor.Name == "" {
		return fmt.Errorf("actor.name is required")
	}
	if e.Args == nil {
		return fmt.Errorf("args is required")
	}
	switch e.Origin {
	case "", OriginUserDirect, OriginModelInferred, OriginExternalContent, OriginBackgroundJob:
	default:
		return fmt.Errorf("origin %q is not recognized", e.Origin)
	}
	return nil
}

// Tainted reports whether the envelope carries any of the given taint labels.
func (e *Envelope) Tainted(labels ...string) bool {
	for _, l := range labels {
		for _, t := range e.Taint {
			if t == l {
				return true
			}
		}
	}
	return false
}

// EffectiveIdempotencyKey returns the idempotency key, defaulting to the
// request ID so that plain retries of the same request replay safely.
func (e *Envelope) EffectiveIdempotencyKey() string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	return e.RequestID
}
