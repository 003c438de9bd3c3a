// Package policy contains the gatekeeper rule model and the pure evaluator
// that turns (tool, args, envelope) into an allow/approve/deny decision.
package policy

// Decision is the outcome class of a policy evaluation.
type Decision string

const (
	// DecisionAllow permits the tool call to execute immediately.
	DecisionAllow Decision = "allow"
	// DecisionApprove parks the tool call until a human consents.
	DecisionApprove Decision = "approve"
	// DecisionDeny refuses the tool call.
	DecisionDeny Decision = "deny"
)

// Valid reports whether d is one of the three recognized decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionApprove, DecisionDeny:
		return true
	}
	return false
}

// Reason codes carried on evaluations and responses. Machine-readable;
// the prose lives in Evaluation.HumanExplanation.
const (
	ReasonUnknownTool               = "UNKNOWN_TOOL"
	ReasonTaintedExec               = "TAINTED_EXEC"
	ReasonTaintedWrite              = "TAINTED_WRITE"
	ReasonTaintedWriteSystemPath    = "TAINTED_WRITE_SYSTEM_PATH"
	ReasonTaintedInternalHost       = "TAINTED_INTERNAL_HOST"
	ReasonPrincipalDenyPattern      = "PRINCIPAL_DENY_PATTERN"
	ReasonPrincipalApprovalRequired = "PRINCIPAL_APPROVAL_REQUIRED"
	ReasonPrincipalToolNotAllowed   = "PRINCIPAL_TOOL_NOT_ALLOWED"
	ReasonGlobalDenyPattern         = "GLOBAL_DENY_PATTERN"
	ReasonToolDenyPattern           = "TOOL_DENY_PATTERN"
	ReasonCwdNotAllowed             = "CWD_NOT_ALLOWED"
	ReasonCommandNotAllowed         = "COMMAND_NOT_ALLOWED"
	ReasonTimeoutExceeded           = "TIMEOUT_EXCEEDED"
	ReasonMissingPath               = "MISSING_PATH"
	ReasonPathNotAllowed            = "PATH_NOT_ALLOWED"
	ReasonExtensionDenied           = "EXTENSION_DENIED"
	ReasonSizeExceeded              = "SIZE_EXCEEDED"
	ReasonMissingURL                = "MISSING_URL"
	ReasonInvalidURL                = "INVALID_URL"
	ReasonMethodNotAllowed          = "METHOD_NOT_ALLOWED"
	ReasonDomainDenied              = "DOMAIN_DENIED"
	ReasonDomainNotAllowed          = "DOMAIN_NOT_ALLOWED"
	ReasonCELConditionFailed        = "CEL_CONDITION_FAILED"
	ReasonPolicyAllow               = "POLICY_ALLOW"
	ReasonPolicyApprovalRequired    = "POLICY_APPROVAL_REQUIRED"
	ReasonPolicyDeny                = "POLICY_DENY"
)

// ToolPolicy configures the default decision and constraint sets for one tool.
// All constraint fields are optional; an empty set means "no constraint".
type ToolPolicy struct {
	// Decision is the default when no rule fires: allow, approve, or deny.
	Decision Decision `json:"decision" yaml:"decision"`

	// DenyPatterns are case-insensitive regexes matched against the
	// canonicalized args; any match denies.
	DenyPatterns []string `json:"deny_patterns,omitempty" yaml:"deny_patterns"`

	// CELConditions are CEL expressions over the variable `args`; every
	// condition must evaluate to true or the call is denied.
	CELConditions []string `json:"cel_conditions,omitempty" yaml:"cel_conditions"`

	// shell.exec constraints.
	AllowedCommands    []string `json:"allowed_commands,omitempty" yaml:"allowed_commands"`
	AllowedCwdPrefixes []string `json:"allowed_cwd_prefixes,omitempty" yaml:"allowed_cwd_prefixes"`
	MaxTimeoutMs       int64    `json:"max_timeout_ms,omitempty" yaml:"max_timeout_ms"`
	MaxOutputBytes     int64    `json:"max_output_bytes,omitempty" yaml:"max_output_bytes"`

	// files.write constraints.
	AllowedPaths   []string `json:"allowed_paths,omitempty" yaml:"allowed_paths"`
	DenyExtensions []string `json:"deny_extensions,omitempty" yaml:"deny_extensions"`
	MaxSizeBytes   int64    `json:"max_size_bytes,omitempty" yaml:"max_size_bytes"`

	// http.request constraints.
	AllowedMethods []string `json:"allowed_methods,omitempty" yaml:"allowed_methods"`
	AllowedDomains []string `json:"allowed_domains,omitempty" yaml:"allowed_domains"`
	DenyDomains    []string `json:"deny_domains,omitempty" yaml:"deny_domains"`
	DenyIPRanges   []string `json:"deny_ip_ranges,omitempty" yaml:"deny_ip_ranges"`
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes"`
	MaxRedirects   *int     `json:"max_redirects,omitempty" yaml:"max_redirects"`
	TimeoutMs      int64    `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
}

// AlertBudget caps how often a principal's activity may page a channel.
type AlertBudget struct {
	MaxPerHour        int      `json:"maxPerHour" yaml:"max_per_hour"`
	SeverityThreshold string   `json:"severityThreshold" yaml:"severity_threshold"`
	Channels          []string `json:"channels,omitempty" yaml:"channels"`
}

// PrincipalPolicy restricts what a role may do on top of the tool defaults.
type PrincipalPolicy struct {
	// AllowedTools, when non-empty, is an exhaustive allow list; tools not
	// listed are denied for this role. Empty inherits the tool default.
	AllowedTools []string `json:"allowedTools,omitempty" yaml:"allowed_tools"`
	// DenyPatterns are regexes matched against the canonicalized args.
	DenyPatterns []string `json:"denyPatterns,omitempty" yaml:"deny_patterns"`
	// RequireApproval lists tools that always need human approval for
	// this role, even when listed in AllowedTools.
	RequireApproval []string `json:"requireApproval,omitempty" yaml:"require_approval"`
	// AlertBudget optionally caps notification volume for this role.
	AlertBudget *AlertBudget `json:"alertBudget,omitempty" yaml:"alert_budget"`
}

// Policy is the full rule set: per-tool policies, per-role principal
// policies, and global deny patterns applied to every tool.
type Policy struct {
	Tools              map[string]ToolPolicy      `json:"tools" yaml:"tools"`
	Principals         map[string]PrincipalPolicy `json:"principals,omitempty" yaml:"principals"`
	GlobalDenyPatterns []string                   `json:"global_deny_patterns,omitempty" yaml:"global_deny_patterns"`
}

// Evaluation is the result of evaluating one request against a policy
// snapshot. It is deterministic for a given (tool, args, policy, envelope).
type Evaluation struct {
	Decision         Decision `json:"decision"`
	Reason           string   `json:"reason"`
	ReasonCode       string   `json:"reasonCode"`
	HumanExplanation string   `json:"humanExplanation"`
	Remediation      string   `json:"remediation,omitempty"`
	RiskFlags        []string `json:"riskFlags"`
}
