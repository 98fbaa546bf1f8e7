package approval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore holds approval state in process memory with the same semantics
// as SQLiteStore. Used by tests and by embedded callers that do not need
// durability across restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	opts    options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{records: make(map[string]*Record), opts: defaultOptions()}
	for _, opt := range opts {
		opt(&s.opts)
	}
	return s
}

// CreatePending implements Store.
func (s *MemoryStore) CreatePending(ctx context.Context, requestID, policyHash, decisionHash string, expiresAt *time.Time) error {
	if err := validateIdentity(requestID, policyHash, decisionHash); err != nil {
		return err
	}
	now := s.opts.now()
	expiry := clampExpiry(expiresAt, now, s.opts.defaultTTL, s.opts.maxTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireStaleLocked(now)

	existing, ok := s.records[requestID]
	switch {
	case !ok:
		s.records[requestID] = &Record{
			RequestID:    requestID,
			PolicyHash:   policyHash,
			DecisionHash: decisionHash,
			State:        StatePending,
			CreatedAt:    now,
			ExpiresAt:    expiry,
		}
	case existing.State != StatePending:
		// Terminal record stays as-is.
	case existing.PolicyHash != policyHash || existing.DecisionHash != decisionHash:
		return &BindingConflictError{RequestID: requestID}
	default:
		existing.ExpiresAt = expiry
	}
	return nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(ctx context.Context, requestID string, state State, approverID *string) error {
	if requestID == "" {
		return fmt.Errorf("request_id must be a non-empty string")
	}
	if !state.Terminal() {
		return fmt.Errorf("approval: %q is not a terminal state", state)
	}
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[requestID]
	if !ok {
		return ErrNotFound
	}
	if existing.State != StatePending {
		if existing.State == state {
			return nil
		}
		return &TransitionError{RequestID: requestID, From: existing.State, To: state}
	}
	existing.State = state
	existing.ApproverID = approverID
	resolved := now
	existing.ResolvedAt = &resolved
	return nil
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(ctx context.Context, requestID string) (*Record, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request_id must be a non-empty string")
	}
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[requestID]
	if !ok {
		return nil, nil
	}
	if existing.State == StatePending && existing.ExpiresAt.Before(now) {
		existing.State = StateExpired
		resolved := now
		existing.ResolvedAt = &resolved
	}
	copied := *existing
	return &copied, nil
}

// ExpireExpired implements Store.
func (s *MemoryStore) ExpireExpired(ctx context.Context) (int64, error) {
	now := s.opts.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireStaleLocked(now), nil
}

func (s *MemoryStore) expireStaleLocked(now time.Time) int64 {
	var count int64
	for _, rec := range s.records {
		if rec.State == StatePending && rec.ExpiresAt.Before(now) {
			rec.State = StateExpired
			resolved := now
			rec.ResolvedAt = &resolved
			count++
		}
	}
	return count
}
