package canonical

import (
	"fmt"
	"regexp"
)

const (
	// DefaultRedactMaxChars is the string truncation cap used for audit
	// argument summaries.
	DefaultRedactMaxChars = 200

	// redactMaxArrayLen caps how many array elements survive redaction.
	redactMaxArrayLen = 10

	redactedMarker = "[REDACTED]"
)

// sensitiveKeyPattern matches map keys whose values must never reach the
// audit log, regardless of content.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)password|secret|token|api[_-]?key|auth|credential|bearer`)

// tokenValuePattern matches string values that look like well-known
// credential formats (OpenAI, Stripe, Slack, GitHub, bearer headers).
var tokenValuePattern = regexp.MustCompile(`^(sk-|pk-|xox[pboa]-|ghp_|gho_|Bearer )`)

// RedactSecrets returns a copy of v safe for audit logging: values under
// sensitive keys and strings matching known token prefixes are replaced
// with "[REDACTED]", long strings are truncated with an elision marker
// recording the removed length, arrays are capped at ten elements, and
// nested maps are walked recursively. maxChars <= 0 selects the default cap.
func RedactSecrets(v any, maxChars int) any {
	if maxChars <= 0 {
		maxChars = DefaultRedactMaxChars
	}
	return redactValue(v, maxChars)
}

func redactValue(v any, maxChars int) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = redactedMarker
				continue
			}
			out[k] = redactValue(inner, maxChars)
		}
		return out
	case []any:
		n := len(val)
		if n > redactMaxArrayLen {
			n = redactMaxArrayLen
		}
		out := make([]any, 0, n+1)
		for _, inner := range val[:n] {
			out = append(out, redactValue(inner, maxChars))
		}
		if len(val) > redactMaxArrayLen {
			out = append(out, fmt.Sprintf("[+%d more]", len(val)-redactMaxArrayLen))
		}
		return out
	case string:
		return redactString(val, maxChars)
	default:
		return v
	}
}

func redactString(s string, maxChars int) string {
	if tokenValuePattern.MatchString(s) {
		return redactedMarker
	}
	if len(s) > maxChars {
		removed := len(s) - maxChars
		return fmt.Sprintf("%s...[%d chars truncated]", s[:maxChars], removed)
	}
	return s
}
