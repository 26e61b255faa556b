package approval

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"
)

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*Request
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Request)}
}

func (s *MemoryStore) InsertApproval(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ActionID]; ok {
		return fmt.Errorf("approval %s already exists", r.ActionID)
	}
	r.Parameters = maps.Clone(r.Parameters)
	s.byID[r.ActionID] = &r
	s.order = append(s.order, r.ActionID)
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, actionID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[actionID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownApprovalID, actionID)
	}
	return *r, nil
}

func (s *MemoryStore) ResolveApproval(_ context.Context, actionID string, res Resolution, by, comment string, at time.Time) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[actionID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownApprovalID, actionID)
	}
	if !r.Pending() {
		return Request{}, fmt.Errorf("%w: %s was %s", ErrAlreadyResolved, actionID, r.Resolution)
	}
	r.Resolution = res
	r.ResolvedBy = by
	r.ResolvedAt = &at
	r.ResolutionComment = comment
	return *r, nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, f ListFilter) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.order))
	for _, id := range s.order {
		if r := s.byID[id]; f.Match(*r) {
			out = append(out, *r)
		}
	}
	return out, nil
}
