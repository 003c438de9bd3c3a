package tools

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

// FileWrite executes files.write with a symlink-escape defense: the nearest
// existing ancestor of the target is canonicalized and must still lie
// within a canonicalized allowed root.
type FileWrite struct {
	logger *slog.Logger
}

// NewFileWrite returns the files.write executor.
func NewFileWrite(logger *slog.Logger) *FileWrite {
	return &FileWrite{logger: logger}
}

func (f *FileWrite) Name() string { return policy.ToolFilesWrite }

func (f *FileWrite) Execute(_ context.Context, args map[string]any, tp policy.ToolPolicy) Result {
	path, _ := args["path"].(string)
	if path == "" {
		return failure("path is required")
	}
	content, _ := args["content"].(string)
	encoding, _ := args["encoding"].(string)
	if encoding == "" {
		encoding = "utf8"
	}

	var data []byte
	switch encoding {
	case "utf8":
		data = []byte(content)
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return failure("decode base64 content: %v", err)
		}
		data = decoded
	default:
		return failure("unsupported encoding %q", encoding)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return failure("resolve path: %v", err)
	}
	absPath = filepath.Clean(absPath)

	if len(tp.AllowedPaths) > 0 {
		if !underAnyRoot(absPath, tp.AllowedPaths) {
			return failure("path %s is outside the allowed roots", absPath)
		}
		// The prefix check above can be fooled by a symlinked directory
		// inside an allowed root. Canonicalize the nearest existing ancestor
		// and re-check against canonicalized roots.
		realAncestor, err := nearestExistingAncestorReal(absPath)
		if err != nil {
			return failure("canonicalize path: %v", err)
		}
		ok := false
		for _, root := range tp.AllowedPaths {
			realRoot, err := canonicalizeRoot(root)
			if err != nil {
				continue
			}
			if underRoot(realAncestor, realRoot) {
				ok = true
				break
			}
		}
		if !ok {
			return failure("path %s escapes the allowed roots via symlink", absPath)
		}
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return failure("create parent directories: %v", err)
	}
	if err := os.WriteFile(absPath, data, 0644); err != nil {
		return failure("write file: %v", err)
	}

	return Result{Success: true, Output: map[string]any{
		"path":         absPath,
		"bytesWritten": len(data),
	}}
}

// nearestExistingAncestorReal walks up from path to the first component
// that exists and returns its resolved (symlink-free) form, rejoined with
// the non-existing remainder.
func nearestExistingAncestorReal(path string) (string, error) {
	var missing []string
	current := path
	for {
		if _, err := os.Lstat(current); err == nil {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		missing = append([]string{filepath.Base(current)}, missing...)
		current = parent
	}
	real, err := filepath.EvalSymlinks(current)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, missing...)...), nil
}

// canonicalizeRoot resolves an allowed root; a root that does not exist yet
// is used as-is after cleaning.
func canonicalizeRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Clean(abs), nil
		}
		return "", err
	}
	return real, nil
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if underRoot(path, filepath.Clean(abs)) {
			return true
		}
	}
	return false
}

// underRoot reports whether path equals root or lies beneath it, with a
// separator-aware comparison so /workspace2 is not under /workspace.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}

var _ Executor = (*FileWrite)(nil)
