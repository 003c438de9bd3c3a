package policy

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/request"
)

// Tool names with built-in validators. Everything else is governed by
// patterns, principals, CEL conditions, and the configured default.
const (
	ToolShellExec   = "shell.exec"
	ToolFilesWrite  = "files.write"
	ToolHTTPRequest = "http.request"
)

// systemPathPrefixes are locations a tainted files.write may never touch,
// matched case-insensitively against the requested path.
var systemPathPrefixes = []string{
	"/etc/", "/usr/", "/bin/", "/sbin/", "/lib/", "/var/", "/root/",
	"/boot/", "/sys/", "/proc/", "/dev/",
	`c:\windows`, `c:\program files`, `c:\system32`,
}

// Evaluate decides what to do with one tool request. It is a pure function
// of its inputs, with no I/O, clock, or randomness: two calls with the same
// (toolName, args, snapshot, envelope) return the same evaluation.
//
// Rule groups run in a fixed order; within a group the first match wins:
// unknown tool, taint rules, principal rules, global deny patterns, tool
// deny patterns, per-tool validators (built-ins then CEL conditions), and
// finally the tool's configured default decision.
func Evaluate(snap *Snapshot, toolName string, args map[string]any, env *request.Envelope) Evaluation {
	tp, known := snap.Tool(toolName)
	if !known {
		return Evaluation{
			Decision:         DecisionDeny,
			Reason:           fmt.Sprintf("tool %q is not configured", toolName),
			ReasonCode:       ReasonUnknownTool,
			HumanExplanation: fmt.Sprintf("The tool %q is not known to this gateway.", toolName),
			Remediation:      "Add the tool to the policy file, or check the tool name for typos.",
			RiskFlags:        []string{"unknown_tool"},
		}
	}

	// JCS cannot fail on JSON-decoded argument maps; the fallback keeps the
	// pattern checks total for hand-built test inputs.
	canonicalArgs, err := canonical.Canonicalize(args)
	if err != nil {
		canonicalArgs = fmt.Sprintf("%v", args)
	}

	if env != nil && env.Tainted("external", "untrusted") {
		if ev, hit := evaluateTaint(toolName, args); hit {
			return ev
		}
	}

	if env != nil {
		if ev, hit := evaluatePrincipal(snap, toolName, canonicalArgs, env.Actor.EffectiveRole()); hit {
			return ev
		}
	}

	for _, p := range snap.globalPatterns {
		if p.Re.MatchString(canonicalArgs) {
			return Evaluation{
				Decision:         DecisionDeny,
				Reason:           fmt.Sprintf("arguments match global deny pattern %q", p.Source),
				ReasonCode:       ReasonGlobalDenyPattern,
				HumanExplanation: fmt.Sprintf("The request arguments match the globally blocked pattern %q.", p.Source),
				Remediation:      "This pattern is blocked for every tool. Rephrase the request without it.",
				RiskFlags:        []string{"global_pattern_match:" + p.Source},
			}
		}
	}

	for _, p := range snap.toolPatterns[toolName] {
		if p.Re.MatchString(canonicalArgs) {
			return Evaluation{
				Decision:         DecisionDeny,
				Reason:           fmt.Sprintf("arguments match deny pattern %q", p.Source),
				ReasonCode:       ReasonToolDenyPattern,
				HumanExplanation: fmt.Sprintf("The request arguments match the blocked pattern %q for %s.", p.Source, toolName),
				Remediation:      "Remove the blocked construct from the arguments, or ask an operator to relax the policy.",
				RiskFlags:        []string{"pattern_match:" + p.Source},
			}
		}
	}

	if ev, hit := evaluateValidators(toolName, tp, args); hit {
		return ev
	}

	for _, cond := range snap.toolConditions[toolName] {
		out, _, err := cond.Program.Eval(map[string]any{"args": args})
		ok := err == nil && out != nil && out.Value() == true
		if !ok {
			return Evaluation{
				Decision:         DecisionDeny,
				Reason:           fmt.Sprintf("cel condition %q not satisfied", cond.Expr),
				ReasonCode:       ReasonCELConditionFailed,
				HumanExplanation: fmt.Sprintf("The policy condition %q does not hold for these arguments.", cond.Expr),
				Remediation:      "Adjust the arguments to satisfy the policy condition.",
				RiskFlags:        []string{"cel_condition:" + cond.Expr},
			}
		}
	}

	return defaultEvaluation(toolName, tp)
}

// evaluateTaint applies the stricter rules for requests carrying external
// or untrusted content.
func evaluateTaint(toolName string, args map[string]any) (Evaluation, bool) {
	switch toolName {
	case ToolShellExec:
		return Evaluation{
			Decision:         DecisionApprove,
			Reason:           "shell execution with externally tainted input requires approval",
			ReasonCode:       ReasonTaintedExec,
			HumanExplanation: "This command was influenced by external content, so a human must approve it before it runs.",
			Remediation:      "Wait for an operator to approve, or re-issue the request from trusted input.",
			RiskFlags:        []string{"tainted_exec", "external_content"},
		}, true

	case ToolFilesWrite:
		path := stringArg(args, "path")
		if isSystemPath(path) {
			return Evaluation{
				Decision:         DecisionDeny,
				Reason:           fmt.Sprintf("tainted write to system path %q", path),
				ReasonCode:       ReasonTaintedWriteSystemPath,
				HumanExplanation: "Externally influenced content may not be written to system locations.",
				Remediation:      "Write to a workspace path instead.",
				RiskFlags:        []string{"tainted_write", "system_path", "external_content"},
			}, true
		}
		return Evaluation{
			Decision:         DecisionApprove,
			Reason:           "file write with externally tainted input requires approval",
			ReasonCode:       ReasonTaintedWrite,
			HumanExplanation: "This file content was influenced by external sources, so a human must approve the write.",
			Remediation:      "Wait for an operator to approve the write.",
			RiskFlags:        []string{"tainted_write", "external_content"},
		}, true

	case ToolHTTPRequest:
		if u, err := url.Parse(stringArg(args, "url")); err == nil && isInternalHostname(u.Hostname()) {
			return Evaluation{
				Decision:         DecisionDeny,
				Reason:           fmt.Sprintf("tainted request to internal host %q", u.Hostname()),
				ReasonCode:       ReasonTaintedInternalHost,
				HumanExplanation: "Externally influenced requests may not target internal network hosts.",
				Remediation:      "Target a public endpoint instead.",
				RiskFlags:        []string{"internal_host"},
			}, true
		}
	}
	return Evaluation{}, false
}

// evaluatePrincipal applies the role-based restrictions. An unknown role
// falls through to the remaining rule groups.
func evaluatePrincipal(snap *Snapshot, toolName, canonicalArgs, role string) (Evaluation, bool) {
	pp, ok := snap.Policy.Principals[role]
	if !ok {
		return Evaluation{}, false
	}

	for _, p := range snap.principalPatterns[role] {
		if p.Re.MatchString(canonicalArgs) {
			return Evaluation{
				Decision:         DecisionDeny,
				Reason:           fmt.Sprintf("arguments match deny pattern %q for role %q", p.Source, role),
				ReasonCode:       ReasonPrincipalDenyPattern,
				HumanExplanation: fmt.Sprintf("Your role %q is not permitted to use the pattern %q.", role, p.Source),
				Remediation:      "Ask an operator to adjust the role's deny patterns if this is legitimate.",
				RiskFlags:        []string{"principal_pattern_match", "role:" + role},
			}, true
		}
	}

	// RequireApproval takes precedence over AllowedTools membership.
	for _, t := range pp.RequireApproval {
		if t == toolName {
			return Evaluation{
				Decision:         DecisionApprove,
				Reason:           fmt.Sprintf("role %q requires approval for %s", role, toolName),
				ReasonCode:       ReasonPrincipalApprovalRequired,
				HumanExplanation: fmt.Sprintf("Your role %q needs human approval to use %s.", role, toolName),
				Remediation:      "Wait for an operator to approve the request.",
				RiskFlags:        []string{"principal_approval", "role:" + role},
			}, true
		}
	}

	if len(pp.AllowedTools) > 0 && !contains(pp.AllowedTools, toolName) {
		return Evaluation{
			Decision:         DecisionDeny,
			Reason:           fmt.Sprintf("tool %s is not in the allow list for role %q", toolName, role),
			ReasonCode:       ReasonPrincipalToolNotAllowed,
			HumanExplanation: fmt.Sprintf("Your role %q may not use %s.", role, toolName),
			Remediation:      "Use one of the tools allowed for your role, or request a role change.",
			RiskFlags:        []string{"principal_tool_not_allowed", "role:" + role},
		}, true
	}

	return Evaluation{}, false
}

// evaluateValidators applies the built-in per-tool argument validators.
// Schema-level validity (types, required fields beyond those checked here)
// is the orchestrator's job; these rules are the policy-level constraints.
func evaluateValidators(toolName string, tp ToolPolicy, args map[string]any) (Evaluation, bool) {
	switch toolName {
	case ToolShellExec:
		return validateShell(tp, args)
	case ToolFilesWrite:
		return validateFileWrite(tp, args)
	case ToolHTTPRequest:
		return validateHTTP(tp, args)
	}
	return Evaluation{}, false
}

func validateShell(tp ToolPolicy, args map[string]any) (Evaluation, bool) {
	if cwd := stringArg(args, "cwd"); cwd != "" && len(tp.AllowedCwdPrefixes) > 0 {
		if !hasAnyPrefix(cwd, tp.AllowedCwdPrefixes) {
			return denyValidator(ReasonCwdNotAllowed,
				fmt.Sprintf("cwd %q is not under an allowed prefix", cwd),
				"The working directory is outside the locations allowed by policy.",
				"Run the command from an allowed directory."), true
		}
	}

	if len(tp.AllowedCommands) > 0 {
		fields := strings.Fields(stringArg(args, "command"))
		first := ""
		if len(fields) > 0 {
			first = fields[0]
		}
		if !contains(tp.AllowedCommands, first) {
			return denyValidator(ReasonCommandNotAllowed,
				fmt.Sprintf("command %q is not in the allowed command list", first),
				fmt.Sprintf("The command %q is not on the allow list for shell execution.", first),
				"Use one of the allowed commands."), true
		}
	}

	if tp.MaxTimeoutMs > 0 {
		if timeout, ok := numberArg(args, "timeoutMs"); ok && int64(timeout) > tp.MaxTimeoutMs {
			return denyValidator(ReasonTimeoutExceeded,
				fmt.Sprintf("requested timeout %.0fms exceeds the %dms policy ceiling", timeout, tp.MaxTimeoutMs),
				"The requested timeout is longer than the policy allows.",
				fmt.Sprintf("Request a timeout of at most %dms.", tp.MaxTimeoutMs)), true
		}
	}

	return Evaluation{}, false
}

func validateFileWrite(tp ToolPolicy, args map[string]any) (Evaluation, bool) {
	path := stringArg(args, "path")
	if path == "" {
		return denyValidator(ReasonMissingPath,
			"files.write requires a path",
			"No destination path was provided.",
			"Provide the path argument."), true
	}

	if len(tp.AllowedPaths) > 0 && !hasAnyPrefix(path, tp.AllowedPaths) {
		return denyValidator(ReasonPathNotAllowed,
			fmt.Sprintf("path %q is not under an allowed root", path),
			"The destination path is outside the locations allowed by policy.",
			"Write under one of the allowed path roots."), true
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		for _, denied := range tp.DenyExtensions {
			if ext == normalizeExt(denied) {
				return denyValidator(ReasonExtensionDenied,
					fmt.Sprintf("extension %q is denied", ext),
					fmt.Sprintf("Files with the %s extension may not be written.", ext),
					"Use a different file type."), true
			}
		}
	}

	if tp.MaxSizeBytes > 0 {
		if size := int64(len(stringArg(args, "content"))); size > tp.MaxSizeBytes {
			return denyValidator(ReasonSizeExceeded,
				fmt.Sprintf("content is %d bytes, policy cap is %d", size, tp.MaxSizeBytes),
				"The file content is larger than the policy allows.",
				fmt.Sprintf("Keep the content under %d bytes.", tp.MaxSizeBytes)), true
		}
	}

	return Evaluation{}, false
}

func validateHTTP(tp ToolPolicy, args map[string]any) (Evaluation, bool) {
	rawURL := stringArg(args, "url")
	if rawURL == "" {
		return denyValidator(ReasonMissingURL,
			"http.request requires a url",
			"No URL was provided.",
			"Provide the url argument."), true
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return denyValidator(ReasonInvalidURL,
			fmt.Sprintf("url %q could not be parsed", rawURL),
			"The URL is malformed or uses an unsupported scheme.",
			"Provide an absolute http or https URL."), true
	}

	method := strings.ToUpper(stringArg(args, "method"))
	if method == "" {
		method = "GET"
	}
	if len(tp.AllowedMethods) > 0 && !containsFold(tp.AllowedMethods, method) {
		return denyValidator(ReasonMethodNotAllowed,
			fmt.Sprintf("method %s is not allowed", method),
			fmt.Sprintf("The HTTP method %s is not permitted by policy.", method),
			"Use one of the allowed methods."), true
	}

	host := strings.ToLower(u.Hostname())
	for _, d := range tp.DenyDomains {
		if host == strings.ToLower(d) {
			return denyValidator(ReasonDomainDenied,
				fmt.Sprintf("domain %q is denied", host),
				fmt.Sprintf("Requests to %s are blocked by policy.", host),
				"Target a different domain."), true
		}
	}

	if len(tp.AllowedDomains) > 0 {
		allowed := false
		for _, d := range tp.AllowedDomains {
			if DomainMatches(host, d) {
				allowed = true
				break
			}
		}
		if !allowed {
			return denyValidator(ReasonDomainNotAllowed,
				fmt.Sprintf("domain %q is not on the allow list", host),
				fmt.Sprintf("Requests to %s are not permitted by policy.", host),
				"Target one of the allowed domains."), true
		}
	}

	return Evaluation{}, false
}

func defaultEvaluation(toolName string, tp ToolPolicy) Evaluation {
	switch tp.Decision {
	case DecisionApprove:
		return Evaluation{
			Decision:         DecisionApprove,
			Reason:           fmt.Sprintf("%s requires approval by default", toolName),
			ReasonCode:       ReasonPolicyApprovalRequired,
			HumanExplanation: fmt.Sprintf("Policy requires human approval for %s.", toolName),
			Remediation:      "Wait for an operator to approve the request.",
			RiskFlags:        []string{},
		}
	case DecisionDeny:
		return Evaluation{
			Decision:         DecisionDeny,
			Reason:           fmt.Sprintf("%s is denied by default", toolName),
			ReasonCode:       ReasonPolicyDeny,
			HumanExplanation: fmt.Sprintf("Policy denies %s.", toolName),
			Remediation:      "Ask an operator to enable this tool if it is needed.",
			RiskFlags:        []string{},
		}
	default:
		return Evaluation{
			Decision:         DecisionAllow,
			Reason:           fmt.Sprintf("%s is allowed by policy", toolName),
			ReasonCode:       ReasonPolicyAllow,
			HumanExplanation: fmt.Sprintf("Policy allows %s.", toolName),
			RiskFlags:        []string{},
		}
	}
}

func denyValidator(code, reason, human, remediation string) Evaluation {
	return Evaluation{
		Decision:         DecisionDeny,
		Reason:           reason,
		ReasonCode:       code,
		HumanExplanation: human,
		Remediation:      remediation,
		RiskFlags:        []string{"validator:" + code},
	}
}

// DomainMatches reports whether host matches pattern. A bare pattern is an
// exact match; "*.example.com" and ".example.com" match subdomains of
// example.com but not the apex.
func DomainMatches(host, pattern string) bool {
	host = strings.ToLower(host)
	pattern = strings.ToLower(pattern)
	switch {
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(host, pattern[1:])
	case strings.HasPrefix(pattern, "."):
		return strings.HasSuffix(host, pattern)
	default:
		return host == pattern
	}
}

func isSystemPath(path string) bool {
	lower := strings.ToLower(path)
	for _, prefix := range systemPathPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// isInternalHostname reports whether host names something inside the local
// network: localhost-style names, *.local / *.internal, or any private IP
// literal.
func isInternalHostname(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return true
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}
	if _, ok := canonical.ParseIP(host); ok {
		return canonical.IsPrivateIP(host)
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
