// Package approval implements the durable approval lifecycle: pending
// records persisted one-per-file, HMAC-signed approve/deny URLs, and the
// single-use consume transition.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/fsstore"
	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/request"
)

// Status values for an approval.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
)

// Actions accepted by VerifyAndConsume.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// Consume errors, mapped by the transport to 404/410/403/403.
var (
	ErrNotFound         = fmt.Errorf("approval not found")
	ErrExpired          = fmt.Errorf("approval has expired")
	ErrInvalidSignature = fmt.Errorf("invalid signature")
	ErrExpiryMismatch   = fmt.Errorf("expiry mismatch")
)

// AlreadyConsumedError reports a second consume attempt; it maps to 409 and
// is the observable face of the single-use guarantee.
type AlreadyConsumedError struct {
	Status string
}

func (e *AlreadyConsumedError) Error() string {
	return "approval already " + e.Status
}

// Approval is one pending (or consumed) human decision, persisted as
// {DATA_DIR}/approvals/{id}.json.
type Approval struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"toolName"`
	Args           map[string]any `json:"args"`
	CanonicalArgs  string         `json:"canonicalArgs"`
	Actor          request.Actor  `json:"actor"`
	Context        map[string]any `json:"context,omitempty"`
	RequestID      string         `json:"requestId"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Status         string         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	ConsumedAt     *time.Time     `json:"consumedAt,omitempty"`
}

// CreateInput carries what the orchestrator knows when parking a request.
type CreateInput struct {
	ToolName       string
	Args           map[string]any
	Actor          request.Actor
	Context        map[string]any
	RequestID      string
	IdempotencyKey string
}

// Store manages approvals under one directory. Each approval's
// pending-to-terminal transition is serialized by a per-id lock, so consume
// happens at most once even under concurrent callbacks.
type Store struct {
	dir     string
	baseURL string
	secret  string
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// OnExpire, when set, is invoked for each approval the sweeper moves to
	// expired. The orchestrator uses it to emit the approval_consumed audit
	// entry.
	OnExpire func(a Approval)
}

// NewStore creates the approval directory if needed and returns a store.
func NewStore(dir, baseURL, secret string, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if err := fsstore.EnsureDir(dir); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
	}, nil
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// dropLock forgets the per-id mutex once the approval is terminal; later
// callers only read the terminal record, so serialization is no longer
// needed and the map must not grow with every id ever touched.
func (s *Store) dropLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create persists a new pending approval and returns it with its signed
// approve/deny URLs. The record is durable before the method returns.
func (s *Store) Create(in CreateInput) (*Approval, string, string, error) {
	canonicalArgs, err := canonical.Canonicalize(in.Args)
	if err != nil {
		return nil, "", "", fmt.Errorf("canonicalize args: %w", err)
	}

	now := s.now().UTC().Truncate(time.Second)
	a := &Approval{
		ID:             canonical.NewUUID(),
		ToolName:       in.ToolName,
		Args:           in.Args,
		CanonicalArgs:  canonicalArgs,
		Actor:          in.Actor,
		Context:        in.Context,
		RequestID:      in.RequestID,
		IdempotencyKey: in.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl).Truncate(time.Second),
	}

	if err := fsstore.WriteJSONAtomic(s.path(a.ID), a); err != nil {
		return nil, "", "", fmt.Errorf("persist approval: %w", err)
	}

	return a, s.signedURL(a, ActionApprove), s.signedURL(a, ActionDeny), nil
}

// signature computes the HMAC for one approval action. The payload binds
// tool, exact arguments, originating request, expiry, and the action, so a
// signed approve link can never be replayed as a deny or for other args.
func (s *Store) signature(a *Approval, action string) string {
	payload := strings.Join([]string{
		a.ToolName,
		a.CanonicalArgs,
		a.RequestID,
		a.ExpiresAt.Format(time.RFC3339),
		action,
	}, ":")
	return canonical.HMACSHA256Hex(payload, s.secret)
}

func (s *Store) signedURL(a *Approval, action string) string {
	exp := a.ExpiresAt.Format(time.RFC3339)
	return fmt.Sprintf("%s/%s/%s?sig=%s&exp=%s",
		s.baseURL, action, a.ID, s.signature(a, action), url.QueryEscape(exp))
}

// Get loads one approval by id.
func (s *Store) Get(id string) (*Approval, error) {
	var a Approval
	if err := fsstore.ReadJSON(s.path(id), &a); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load approval: %w", err)
	}
	return &a, nil
}

// VerifyAndConsume performs the single-use transition for one approval.
// Check order: existence, expiry, pending status, signature, expiry-param
// match; only then is the terminal status persisted. Signature comparison
// is constant-time.
func (s *Store) VerifyAndConsume(id, action, sig, exp string) (*Approval, error) {
	if action != ActionApprove && action != ActionDeny {
		return nil, fmt.Errorf("unknown action %q", action)
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if s.now().After(a.ExpiresAt) {
		if a.Status == StatusPending {
			a.Status = StatusExpired
			if err := fsstore.WriteJSONAtomic(s.path(id), a); err != nil {
				s.logger.Warn("cannot persist expired approval", "id", id, "error", err)
			}
		}
		s.dropLock(id)
		return nil, ErrExpired
	}

	if a.Status != StatusPending {
		s.dropLock(id)
		return nil, &AlreadyConsumedError{Status: a.Status}
	}

	if !canonical.HMACEqual(sig, s.signature(a, action)) {
		return nil, ErrInvalidSignature
	}
	if exp != a.ExpiresAt.Format(time.RFC3339) {
		return nil, ErrExpiryMismatch
	}

	consumedAt := s.now().UTC()
	a.ConsumedAt = &consumedAt
	if action == ActionApprove {
		a.Status = StatusApproved
	} else {
		a.Status = StatusDenied
	}
	if err := fsstore.WriteJSONAtomic(s.path(id), a); err != nil {
		return nil, fmt.Errorf("persist consumed approval: %w", err)
	}
	s.dropLock(id)
	return a, nil
}

// SweepExpired walks the approval directory and expires every pending
// record past its deadline, invoking OnExpire for each.
func (s *Store) SweepExpired() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("cannot read approval directory", "error", err)
		return
	}
	now := s.now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")

		lock := s.lockFor(id)
		lock.Lock()
		a, err := s.Get(id)
		if err != nil {
			lock.Unlock()
			continue
		}
		if a.Status != StatusPending {
			lock.Unlock()
			s.dropLock(id)
			continue
		}
		if !now.After(a.ExpiresAt) {
			lock.Unlock()
			continue
		}
		a.Status = StatusExpired
		if err := fsstore.WriteJSONAtomic(s.path(id), a); err != nil {
			s.logger.Warn("cannot persist expired approval", "id", id, "error", err)
			lock.Unlock()
			continue
		}
		lock.Unlock()
		s.dropLock(id)

		s.logger.Info("approval expired", "id", id, "tool", a.ToolName)
		if s.OnExpire != nil {
			s.OnExpire(*a)
		}
	}
}

// RunSweeper expires stale approvals every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

// Count returns the number of pending approvals, for the health endpoint.
func (s *Store) Count() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var a Approval
		if err := fsstore.ReadJSON(filepath.Join(s.dir, e.Name()), &a); err != nil {
			continue
		}
		if a.Status == StatusPending {
			count++
		}
	}
	return count
}
