package rules

import (
	"context"
	"fmt"
	"sync"
)

// Store persists extracted rules and conflicts. The engine keeps an
// in-memory index over it and writes every change through.
type Store interface {
	// InsertRule stores r unless a rule with the same source document and
	// text exists, and returns whichever rule is stored.
	InsertRule(ctx context.Context, r Rule) (Rule, error)
	// ListRules returns rules in extraction order.
	ListRules(ctx context.Context) ([]Rule, error)
	// InsertConflict stores c unless the (baseline rule, rule) pair exists,
	// and returns whichever conflict is stored.
	InsertConflict(ctx context.Context, c Conflict) (Conflict, error)
	// UpdateConflict overwrites the resolution fields of c. It returns
	// ErrConflictNotFound for an unknown id.
	UpdateConflict(ctx context.Context, c Conflict) error
	// ListConflicts returns conflicts in detection order.
	ListConflicts(ctx context.Context) ([]Conflict, error)
}

// MemoryStore keeps rules and conflicts in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	rules     []Rule
	byKey     map[ruleKey]int
	conflicts []Conflict
	byPair    map[[2]string]int
	byID      map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:  make(map[ruleKey]int),
		byPair: make(map[[2]string]int),
		byID:   make(map[string]int),
	}
}

func (s *MemoryStore) InsertRule(_ context.Context, r Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byKey[r.key()]; ok {
		return s.rules[i], nil
	}
	s.byKey[r.key()] = len(s.rules)
	s.rules = append(s.rules, r)
	return r, nil
}

func (s *MemoryStore) ListRules(context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule{}, s.rules...), nil
}

func (s *MemoryStore) InsertConflict(_ context.Context, c Conflict) (Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := [2]string{c.BaselineRuleID, c.RuleID}
	if i, ok := s.byPair[pair]; ok {
		return s.conflicts[i], nil
	}
	s.byPair[pair] = len(s.conflicts)
	s.byID[c.ID] = len(s.conflicts)
	s.conflicts = append(s.conflicts, c)
	return c, nil
}

func (s *MemoryStore) UpdateConflict(_ context.Context, c Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, c.ID)
	}
	stored := &s.conflicts[i]
	stored.Resolution = c.Resolution
	stored.Notes = c.Notes
	stored.ResolvedAt = c.ResolvedAt
	return nil
}

func (s *MemoryStore) ListConflicts(context.Context) ([]Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conflict{}, s.conflicts...), nil
}

var _ Store = (*MemoryStore)(nil)
