// Package audit provides the file-based audit sink: newline-delimited JSON
// appended to a daily-rotated file. Writes are best-effort; a failure is
// logged and the record dropped, never surfaced to the request path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	domainaudit "github.com/gatekeeper-sh/gatekeeper/internal/domain/audit"
)

const dateLayout = "2006-01-02"

// FileSink appends audit entries to {dir}/{YYYY-MM-DD}.jsonl, rotating when
// the entry's date changes. It injects the current policy hash and the
// gateway version into every record.
type FileSink struct {
	dir     string
	version string
	// policyHash is read per entry; it changes on policy reload.
	policyHash func() string
	logger     *slog.Logger

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	closed      bool

	recent *ringCache

	// OnDrop, when set, is called once per dropped record (metrics hook).
	OnDrop func()
}

// NewFileSink creates the audit directory if needed and returns a sink.
func NewFileSink(dir, version string, policyHash func() string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policyHash == nil {
		policyHash = func() string { return "" }
	}
	return &FileSink{
		dir:        dir,
		version:    version,
		policyHash: policyHash,
		logger:     logger,
		recent:     newRingCache(256),
	}, nil
}

// Write appends one entry. Failures log to stderr via the injected logger
// and drop the record; the request path never sees them.
func (s *FileSink) Write(_ context.Context, entry domainaudit.Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.PolicyHash = s.policyHash()
	entry.Version = s.version

	data, err := json.Marshal(entry)
	if err != nil {
		s.drop("marshal audit entry", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.drop("audit sink closed", nil)
		return
	}

	dateStr := entry.Timestamp.UTC().Format(dateLayout)
	if dateStr != s.currentDate {
		if err := s.rotateLocked(dateStr); err != nil {
			s.drop("rotate audit file", err)
			return
		}
	}

	if _, err := s.currentFile.Write(append(data, '\n')); err != nil {
		s.drop("write audit entry", err)
		return
	}
	s.recent.add(entry)
}

// Flush is a no-op for file sinks; the OS buffers are good enough for an
// operational log and Close still syncs.
func (s *FileSink) Flush(_ context.Context) error {
	return nil
}

// Close syncs and closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// Recent returns up to n recent entries, newest first.
func (s *FileSink) Recent(n int) []domainaudit.Entry {
	return s.recent.recentEntries(n)
}

func (s *FileSink) rotateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}
	path := filepath.Join(s.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentDate = dateStr
	return nil
}

func (s *FileSink) drop(msg string, err error) {
	s.logger.Error("audit record dropped: "+msg, "error", err)
	if s.OnDrop != nil {
		s.OnDrop()
	}
}

// Compile-time interface verification.
var _ domainaudit.Sink = (*FileSink)(nil)

// ringCache keeps the most recent entries in memory for the health and
// debug surfaces.
type ringCache struct {
	mu      sync.RWMutex
	entries []domainaudit.Entry
	size    int
	head    int
	count   int
}

func newRingCache(size int) *ringCache {
	return &ringCache{entries: make([]domainaudit.Entry, size), size: size}
}

func (c *ringCache) add(e domainaudit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

func (c *ringCache) recentEntries(n int) []domainaudit.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	out := make([]domainaudit.Entry, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		out[i] = c.entries[idx]
	}
	return out
}
