// Package idempotency persists one record per idempotency key so that a
// retried request replays its original response byte-for-byte instead of
// re-executing the tool.
//
// Records are never evicted. A pending record orphaned by a crash keeps its
// key returning 409 until an operator clears the idempotency directory.
package idempotency

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/fsstore"
	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
)

// Record statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// ErrConflict is returned by CreatePending when a record for the key
// already exists.
var ErrConflict = errors.New("idempotency record already exists")

// Record is one stored request outcome, keyed by sha256 of the caller's
// idempotency key. Body holds the exact response bytes so a replay is
// byte-identical.
type Record struct {
	Key        string          `json:"key"`
	RequestID  string          `json:"requestId"`
	ToolName   string          `json:"toolName"`
	ArgsHash   string          `json:"argsHash"`
	Status     string          `json:"status"`
	StatusCode int             `json:"statusCode,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Store keeps records one-per-file under a directory.
type Store struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates the idempotency directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := fsstore.EnsureDir(dir); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger, now: time.Now}, nil
}

// path hashes the key so filesystem-unsafe characters never reach the disk.
func (s *Store) path(key string) string {
	return filepath.Join(s.dir, canonical.SHA256Hex(key)+".json")
}

// Get returns the record for key, or nil when none exists.
func (s *Store) Get(key string) (*Record, error) {
	var r Record
	if err := fsstore.ReadJSON(s.path(key), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	return &r, nil
}

// CreatePending atomically creates a pending record for key. Of two
// concurrent requests with the same key exactly one succeeds; the other
// gets ErrConflict.
func (s *Store) CreatePending(key, requestID, toolName, argsHash string) (*Record, error) {
	now := s.now().UTC()
	r := &Record{
		Key:       key,
		RequestID: requestID,
		ToolName:  toolName,
		ArgsHash:  argsHash,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := fsstore.CreateJSONExclusive(s.path(key), r); err != nil {
		if errors.Is(err, fsstore.ErrExists) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create idempotency record: %w", err)
	}
	return r, nil
}

// Complete stores the outgoing response on the record for key. The body is
// kept verbatim so a replay serves exactly what the first caller received.
func (s *Store) Complete(key string, statusCode int, body []byte) error {
	r, err := s.Get(key)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("complete: no record for key")
	}
	r.Status = StatusCompleted
	r.StatusCode = statusCode
	r.Body = json.RawMessage(body)
	r.UpdatedAt = s.now().UTC()
	if err := fsstore.WriteJSONAtomic(s.path(key), r); err != nil {
		return fmt.Errorf("persist completed record: %w", err)
	}
	return nil
}
