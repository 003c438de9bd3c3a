// Package tools contains the three safety-critical executors and their
// strict argument schemas. Executors never panic past their boundary;
// every failure becomes a structured Result.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

// Result is the uniform executor outcome. Execution failures are data, not
// errors: the decision was allow, the action merely failed.
type Result struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func failure(format string, a ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, a...)}
}

// Executor runs one tool under the constraints of its policy entry.
type Executor interface {
	Name() string
	Execute(ctx context.Context, args map[string]any, tp policy.ToolPolicy) Result
}

// Schemas are strict: unknown argument fields are rejected before any
// policy evaluation sees them.
var argSchemas = map[string]string{
	policy.ToolShellExec: `{
		"type": "object",
		"properties": {
			"command":   {"type": "string", "minLength": 1},
			"cwd":       {"type": "string"},
			"timeoutMs": {"type": "number", "minimum": 1}
		},
		"required": ["command"],
		"additionalProperties": false
	}`,
	policy.ToolFilesWrite: `{
		"type": "object",
		"properties": {
			"path":     {"type": "string", "minLength": 1},
			"content":  {"type": "string"},
			"encoding": {"type": "string", "enum": ["utf8", "base64"]}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`,
	policy.ToolHTTPRequest: `{
		"type": "object",
		"properties": {
			"url":     {"type": "string", "minLength": 1},
			"method":  {"type": "string"},
			"headers": {"type": "object", "additionalProperties": {"type": "string"}},
			"body":    {"type": "string"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`,
}

// Registry holds the executors and their compiled argument schemas.
type Registry struct {
	executors map[string]Executor
	schemas   map[string]*jsonschema.Schema
	logger    *slog.Logger
}

// NewRegistry compiles the schemas and registers the built-in executors.
func NewRegistry(logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		executors: map[string]Executor{},
		schemas:   map[string]*jsonschema.Schema{},
		logger:    logger,
	}

	for name, raw := range argSchemas {
		compiler := jsonschema.NewCompiler()
		resource := name + ".schema.json"
		if err := compiler.AddResource(resource, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		r.schemas[name] = schema
	}

	r.register(NewShell(logger))
	r.register(NewFileWrite(logger))
	r.register(NewHTTPRequest(logger))
	return r, nil
}

func (r *Registry) register(e Executor) {
	r.executors[e.Name()] = e
}

// Get returns the executor for a tool.
func (r *Registry) Get(name string) (Executor, bool) {
	e, ok := r.executors[name]
	return e, ok
}

// ValidateArgs checks args against the tool's strict schema. Unknown tools
// validate trivially; the evaluator already denies them.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if err := schema.Validate(normalizeForSchema(args)); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

// normalizeForSchema deep-copies args into the plain shapes the validator
// expects, so callers may pass maps built in Go code as well as decoded
// JSON.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeForSchema(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeForSchema(e)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
