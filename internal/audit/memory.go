package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendEvent(_ context.Context, e Event) error {
	e.ControlsApplied = append([]string(nil), e.ControlsApplied...)
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) QueryEvents(_ context.Context, f Filter) (Page, error) {
	f = f.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := Page{Events: []Event{}, Offset: f.Offset, Limit: f.Limit}
	for _, e := range s.events {
		if !f.Match(e) {
			continue
		}
		if page.Total >= f.Offset && len(page.Events) < f.Limit {
			page.Events = append(page.Events, e)
		}
		page.Total++
	}
	return page, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) LastEvent(context.Context) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return nil, nil
	}
	e := s.events[len(s.events)-1]
	return &e, nil
}
