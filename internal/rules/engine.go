package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/documents"
)

const instrumentationName = "github.com/fyrsmithlabs/gatewarden/internal/rules"

// Primary is the structured extraction strategy tried first.
type Primary interface {
	Extract(ctx context.Context, text, documentName string) ([]Candidate, error)
}

// DocumentSource supplies document text for ParseRules and Snapshot.
type DocumentSource interface {
	Text(ctx context.Context, id string) (documents.Document, string, error)
	List(ctx context.Context) ([]documents.Document, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records extraction counts on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore persists rules and conflicts in s instead of process memory.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// Engine owns the extracted rule collection and the conflicts detected
// against the baseline. Reads are served from memory; writes go to the
// store first.
type Engine struct {
	primary  Primary
	docs     DocumentSource
	baseline []BaselineRule
	store    Store
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.RWMutex
	rules     []Rule
	byKey     map[ruleKey]int
	conflicts []Conflict
	byPair    map[[2]string]int
	byID      map[string]int
}

// NewEngine creates an engine and loads what its store already holds.
// primary and docs may be nil: without a primary every extraction uses the
// keyword fallback, and without docs ParseRules is unavailable.
func NewEngine(ctx context.Context, primary Primary, docs DocumentSource, baseline []BaselineRule, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if len(baseline) == 0 {
		return nil, errors.New("rules: baseline rule set is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		primary:  primary,
		docs:     docs,
		baseline: append([]BaselineRule(nil), baseline...),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		now:      time.Now,
		byKey:    make(map[ruleKey]int),
		byPair:   make(map[[2]string]int),
		byID:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStore()
	}

	stored, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	for _, r := range stored {
		e.cacheRule(r)
	}
	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading conflicts: %w", err)
	}
	for _, c := range conflicts {
		e.cacheConflict(c)
	}
	e.updatePending()
	return e, nil
}

// cacheRule and cacheConflict must be called with mu held, or before the
// engine is shared.
func (e *Engine) cacheRule(r Rule) Rule {
	if i, ok := e.byKey[r.key()]; ok {
		return e.rules[i]
	}
	e.byKey[r.key()] = len(e.rules)
	e.rules = append(e.rules, r)
	return r
}

func (e *Engine) cacheConflict(c Conflict) Conflict {
	pair := [2]string{c.BaselineRuleID, c.RuleID}
	if i, ok := e.byPair[pair]; ok {
		return e.conflicts[i]
	}
	e.byPair[pair] = len(e.conflicts)
	e.byID[c.ID] = len(e.conflicts)
	e.conflicts = append(e.conflicts, c)
	return c
}

// Extract turns text into rules and merges them into the collection.
// The primary strategy runs when usePrimary is set and one is configured;
// its failure or an empty result falls back to keyword matching. The
// returned rules are the stored records, so re-extracting the same text
// returns the same ids without growing the collection.
func (e *Engine) Extract(ctx context.Context, text, documentID, documentName string, usePrimary bool) ([]Rule, error) {
	ctx, span := e.tracer.Start(ctx, "rules.Extract")
	defer span.End()

	candidates, method := e.tryPrimary(ctx, text, documentName, usePrimary)
	if len(candidates) == 0 {
		candidates, method = KeywordExtract(text), MethodFallback
	}
	span.SetAttributes(
		attribute.String("document_id", documentID),
		attribute.String("method", string(method)),
		attribute.Int("candidates", len(candidates)),
	)

	now := e.now().UTC()
	e.mu.Lock()
	out := make([]Rule, 0, len(candidates))
	added := 0
	for _, c := range candidates {
		r := Rule{
			ID:                 uuid.NewString(),
			ExternalID:         c.ExternalID,
			SourceDocumentID:   documentID,
			SourceDocumentName: documentName,
			Text:               c.Text,
			RuleType:           c.RuleType,
			KeyRequirements:    c.KeyRequirements,
			TimePeriods:        c.TimePeriods,
			Confidence:         c.Confidence,
			Method:             method,
			Context:            c.Context,
			ExtractedAt:        now,
		}
		if i, ok := e.byKey[r.key()]; ok {
			out = append(out, e.rules[i])
			continue
		}
		stored, err := e.store.InsertRule(ctx, r)
		if err != nil {
			e.mu.Unlock()
			span.RecordError(err)
			return nil, fmt.Errorf("storing rule from %s: %w", documentID, err)
		}
		out = append(out, e.cacheRule(stored))
		added++
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RulesExtracted.WithLabelValues(string(method)).Add(float64(len(candidates)))
	}
	e.logger.Info("rules extracted",
		zap.String("document_id", documentID),
		zap.String("method", string(method)),
		zap.Int("candidates", len(candidates)),
		zap.Int("added", added))
	return out, nil
}

// tryPrimary returns nil when the primary is disabled, fails or finds nothing.
func (e *Engine) tryPrimary(ctx context.Context, text, documentName string, usePrimary bool) ([]Candidate, Method) {
	if !usePrimary || e.primary == nil || strings.TrimSpace(text) == "" {
		return nil, MethodFallback
	}
	candidates, err := e.primary.Extract(ctx, text, documentName)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ServiceFailures.Inc()
		}
		e.logger.Warn("primary extraction failed, using fallback",
			zap.String("document", documentName),
			zap.Error(err))
		return nil, MethodFallback
	}
	if len(candidates) == 0 {
		e.logger.Info("primary extraction found no rules, using fallback",
			zap.String("document", documentName))
		return nil, MethodFallback
	}
	return candidates, MethodPrimary
}

// ParseRules extracts the document's text if needed and runs Extract on it.
func (e *Engine) ParseRules(ctx context.Context, documentID string, usePrimary bool) ([]Rule, error) {
	if e.docs == nil {
		return nil, errors.New("rules: no document source configured")
	}
	doc, text, err := e.docs.Text(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, text, doc.ID, doc.Name, usePrimary)
}

// Rules returns every extracted rule in extraction order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule{}, e.rules...)
}

// Baseline returns the baseline rule set.
func (e *Engine) Baseline() []BaselineRule {
	return append([]BaselineRule{}, e.baseline...)
}

// BaselineRule looks up one baseline rule.
func (e *Engine) BaselineRule(id string) (BaselineRule, error) {
	for _, b := range e.baseline {
		if b.ID == id {
			return b, nil
		}
	}
	return BaselineRule{}, fmt.Errorf("%w: %s", ErrBaselineNotFound, id)
}

// overlaps is the recall-oriented match between an extracted rule and a
// baseline rule. It only looks at the extracted text.
func overlaps(r Rule) bool {
	t := strings.ToLower(r.Text)
	return strings.Contains(t, "year") || strings.Contains(t, "retention")
}

// DetectConflicts registers a candidate conflict for each extracted rule
// that may overlap the baseline rule. A pair is registered once; later
// calls return the existing record.
func (e *Engine) DetectConflicts(ctx context.Context, baselineID string) ([]Conflict, error) {
	if _, err := e.BaselineRule(baselineID); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()

	out := []Conflict{}
	for _, r := range e.rules {
		if !overlaps(r) {
			continue
		}
		pair := [2]string{baselineID, r.ID}
		if i, ok := e.byPair[pair]; ok {
			out = append(out, e.conflicts[i])
			continue
		}
		c, err := e.store.InsertConflict(ctx, Conflict{
			ID:             uuid.NewString(),
			BaselineRuleID: baselineID,
			RuleID:         r.ID,
			ConflictType:   ConflictRetentionPeriod,
			DetectedAt:     now,
		})
		if err != nil {
			e.updatePending()
			return nil, fmt.Errorf("storing conflict for %s: %w", r.ID, err)
		}
		out = append(out, e.cacheConflict(c))
	}
	e.updatePending()
	return out, nil
}

// Conflicts returns every detected conflict in detection order.
func (e *Engine) Conflicts() []Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Conflict{}, e.conflicts...)
}

// Resolve records a human outcome. Re-resolving overwrites the outcome
// but keeps the id and detection time.
func (e *Engine) Resolve(ctx context.Context, conflictID string, res Resolution, notes string) (Conflict, error) {
	if !res.Valid() {
		return Conflict{}, fmt.Errorf("%w: %q (want use_baseline, use_soft or both)", ErrInvalidResolution, res)
	}

	now := e.now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()

	i, ok := e.byID[conflictID]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	c := e.conflicts[i]
	c.Resolution = res
	c.Notes = notes
	c.ResolvedAt = &now
	if err := e.store.UpdateConflict(ctx, c); err != nil {
		return Conflict{}, fmt.Errorf("storing resolution of %s: %w", conflictID, err)
	}
	e.conflicts[i] = c
	e.updatePending()

	e.logger.Info("conflict resolved",
		zap.String("conflict_id", conflictID),
		zap.String("resolution", string(res)))
	return c, nil
}

// ActiveRules returns the extracted rules still in force. A rule drops out
// only when a human chose the baseline over it and never chose it on
// another conflict.
func (e *Engine) ActiveRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	baselineWins := make(map[string]bool)
	softWins := make(map[string]bool)
	for _, c := range e.conflicts {
		switch c.Resolution {
		case UseBaseline:
			baselineWins[c.RuleID] = true
		case UseSoft:
			softWins[c.RuleID] = true
		}
	}

	out := []Rule{}
	for _, r := range e.rules {
		if baselineWins[r.ID] && !softWins[r.ID] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Snapshot is the operator view of the rule engine.
type Snapshot struct {
	Documents       []documents.Document `json:"documents"`
	ExtractedRules  []Rule               `json:"extracted_rules"`
	Conflicts       []Conflict           `json:"conflicts"`
	ActiveRuleCount int                  `json:"active_rules_count"`
}

// Snapshot returns documents (without bytes), rules and conflicts.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{
		Documents:       []documents.Document{},
		ExtractedRules:  e.Rules(),
		Conflicts:       e.Conflicts(),
		ActiveRuleCount: len(e.ActiveRules()),
	}
	if e.docs != nil {
		docs, err := e.docs.List(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		s.Documents = docs
	}
	return s, nil
}

// updatePending must be called with mu held.
func (e *Engine) updatePending() {
	if e.metrics == nil {
		return
	}
	n := 0
	for _, c := range e.conflicts {
		if !c.Resolved() {
			n++
		}
	}
	e.metrics.ConflictsPending.Set(float64(n))
}
