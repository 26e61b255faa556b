package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// RunFilter selects runs. Empty fields match everything.
type RunFilter struct {
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// Active limits results to runs that are not terminal.
	Active bool `json:"active,omitempty"`
}

// Match reports whether r passes the filter.
func (f RunFilter) Match(r *Run) bool {
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Active && r.State.Terminal() {
		return false
	}
	return true
}

// RunStore persists runs so a suspended run survives a restart.
type RunStore interface {
	// SaveRun inserts or replaces a run.
	SaveRun(ctx context.Context, r *Run) error
	// GetRun returns ErrRunNotFound for unknown ids.
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns matching runs, oldest first.
	ListRuns(ctx context.Context, f RunFilter) ([]*Run, error)
}

// MemoryRunStore keeps runs in process memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*Run)}
}

func (s *MemoryRunStore) SaveRun(_ context.Context, r *Run) error {
	cp := r.Clone()
	s.mu.Lock()
	s.runs[r.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, f RunFilter) ([]*Run, error) {
	s.mu.RLock()
	out := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
