// Package policyfile loads the declarative policy from YAML, resolving
// extends chains and principal includes, and watches the involved files
// for hot reload.
package policyfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

// Source loads a policy from one YAML file plus whatever it pulls in via
// extends and principals_file.
type Source struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	files []string // absolute paths read by the last successful Load
}

// NewSource creates a policy source rooted at path.
func NewSource(path string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{path: path, logger: logger}
}

// Path returns the configured root policy file path.
func (s *Source) Path() string {
	return s.path
}

// Files returns the absolute paths involved in the last successful Load.
// The watcher uses this to know which files to observe.
func (s *Source) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Load reads the policy file chain and returns the effective merged policy.
// Base files named by extends are applied first, the extending file last;
// list fields concatenate base-then-override, scalars override, maps merge
// recursively. Non-string entries in string lists are dropped with a
// warning. Include cycles are an error.
func (s *Source) Load() (policy.Policy, error) {
	var files []string
	raw, err := s.loadRaw(s.path, map[string]bool{}, &files)
	if err != nil {
		return policy.Policy{}, err
	}

	dropNonStrings(raw, "", s.logger)

	// Round-trip through YAML to decode the merged generic tree into the
	// typed policy.
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return policy.Policy{}, fmt.Errorf("re-marshal merged policy: %w", err)
	}
	var p policy.Policy
	if err := yaml.Unmarshal(buf, &p); err != nil {
		return policy.Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if len(p.Tools) == 0 {
		return policy.Policy{}, fmt.Errorf("policy %s defines no tools", s.path)
	}

	s.mu.Lock()
	s.files = files
	s.mu.Unlock()
	return p, nil
}

func (s *Source) loadRaw(path string, visited map[string]bool, files *[]string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if visited[abs] {
		return nil, fmt.Errorf("policy include cycle at %s", abs)
	}
	visited[abs] = true
	*files = append(*files, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", abs, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	dir := filepath.Dir(abs)

	// Bases listed in extends are merged in order, then this file overrides.
	merged := map[string]any{}
	for _, base := range extendsList(raw["extends"]) {
		basePath := base
		if !filepath.IsAbs(basePath) {
			basePath = filepath.Join(dir, basePath)
		}
		baseRaw, err := s.loadRaw(basePath, visited, files)
		if err != nil {
			return nil, err
		}
		merged = mergeRaw(merged, baseRaw)
	}
	delete(raw, "extends")

	if pf, ok := raw["principals_file"].(string); ok && pf != "" {
		ppPath := pf
		if !filepath.IsAbs(ppPath) {
			ppPath = filepath.Join(dir, ppPath)
		}
		absPP, err := filepath.Abs(ppPath)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ppPath, err)
		}
		*files = append(*files, absPP)
		ppData, err := os.ReadFile(absPP)
		if err != nil {
			return nil, fmt.Errorf("read principals file: %w", err)
		}
		var principals map[string]any
		if err := yaml.Unmarshal(ppData, &principals); err != nil {
			return nil, fmt.Errorf("parse %s: %w", absPP, err)
		}
		// Inline principals override the included file.
		if inline, ok := raw["principals"].(map[string]any); ok {
			raw["principals"] = mergeRaw(principals, inline)
		} else if principals != nil {
			raw["principals"] = principals
		}
	}
	delete(raw, "principals_file")

	return mergeRaw(merged, raw), nil
}

func extendsList(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// mergeRaw merges overlay onto base: maps merge recursively, slices
// concatenate base-then-overlay, everything else the overlay wins.
func mergeRaw(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range overlay {
		bv, exists := out[k]
		if !exists {
			out[k] = ov
			continue
		}
		bm, bIsMap := bv.(map[string]any)
		om, oIsMap := ov.(map[string]any)
		if bIsMap && oIsMap {
			out[k] = mergeRaw(bm, om)
			continue
		}
		bs, bIsSlice := bv.([]any)
		os_, oIsSlice := ov.([]any)
		if bIsSlice && oIsSlice {
			out[k] = append(append([]any{}, bs...), os_...)
			continue
		}
		out[k] = ov
	}
	return out
}

// dropNonStrings removes non-string elements from every list in the tree.
// All list-typed policy fields hold strings, so a stray number or map in
// one is an authoring mistake, warned about and skipped rather than failing
// the load.
func dropNonStrings(node map[string]any, prefix string, logger *slog.Logger) {
	for k, v := range node {
		field := k
		if prefix != "" {
			field = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			dropNonStrings(t, field, logger)
		case []any:
			kept := make([]any, 0, len(t))
			for _, e := range t {
				if s, ok := e.(string); ok {
					kept = append(kept, s)
					continue
				}
				logger.Warn("dropping non-string list entry", "field", field, "value", e)
			}
			node[k] = kept
		}
	}
}
