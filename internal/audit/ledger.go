package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/gatewarden/internal/audit"

// ErrInvalidEvent is returned for events missing a gate, action or decision.
var ErrInvalidEvent = errors.New("invalid audit event")

// Store persists ledger entries. Implementations must return entries in
// sequence order and never modify an appended entry.
type Store interface {
	AppendEvent(ctx context.Context, e Event) error
	QueryEvents(ctx context.Context, f Filter) (Page, error)
	// ListEvents returns every entry matching f, ignoring paging.
	ListEvents(ctx context.Context, f Filter) ([]Event, error)
	// LastEvent returns the newest entry, or nil for an empty ledger.
	LastEvent(ctx context.Context) (*Event, error)
}

// Sink receives entries after they are stored.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Ledger is the append-only gate ledger.
type Ledger struct {
	store  Store
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time

	appendCounter metric.Int64Counter
	sinkErrors    metric.Int64Counter

	mu   sync.Mutex
	seq  uint64
	head string
	last time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink adds a sink that receives every appended entry.
func WithSink(s Sink) Option {
	return func(l *Ledger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger opens a ledger over store, resuming the chain from its newest entry.
func NewLedger(ctx context.Context, store Store, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("audit store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
		head:   GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}

	last, err := store.LastEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading ledger head: %w", err)
	}
	if last != nil {
		l.seq = last.Sequence
		l.head = last.EntryHash
		l.last = last.Timestamp
	}

	meter := otel.Meter(instrumentationName)
	l.appendCounter, _ = meter.Int64Counter("gatewarden.audit.appends",
		metric.WithDescription("Ledger entries appended"))
	l.sinkErrors, _ = meter.Int64Counter("gatewarden.audit.sink_errors",
		metric.WithDescription("Ledger sink publish failures"))

	return l, nil
}

// Append assigns id, sequence, timestamp and chain hashes to e and stores it.
// Caller-supplied values for those fields are overwritten.
func (l *Ledger) Append(ctx context.Context, e Event) (Event, error) {
	if e.Gate == "" || e.Action == "" || e.Decision == "" {
		return Event{}, fmt.Errorf("%w: gate, action and decision are required", ErrInvalidEvent)
	}
	e.ControlsApplied = append([]string{}, e.ControlsApplied...)
	evidence, err := cloneEvidence(e.Evidence)
	if err != nil {
		return Event{}, fmt.Errorf("%w: evidence: %v", ErrInvalidEvent, err)
	}
	e.Evidence = evidence

	l.mu.Lock()
	ts := l.now().UTC()
	if ts.Before(l.last) {
		ts = l.last
	}
	e.ID = uuid.NewString()
	e.Sequence = l.seq + 1
	e.Timestamp = ts
	e.PreviousHash = l.head

	hash, err := ComputeHash(e)
	if err != nil {
		l.mu.Unlock()
		return Event{}, err
	}
	e.EntryHash = hash

	if err := l.store.AppendEvent(ctx, e); err != nil {
		l.mu.Unlock()
		return Event{}, fmt.Errorf("appending ledger entry: %w", err)
	}
	l.seq = e.Sequence
	l.head = e.EntryHash
	l.last = ts
	l.mu.Unlock()

	if l.appendCounter != nil {
		l.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gate", string(e.Gate)),
			attribute.String("decision", string(e.Decision)),
		))
	}

	for _, s := range l.sinks {
		if err := s.Publish(ctx, e); err != nil {
			if l.sinkErrors != nil {
				l.sinkErrors.Add(ctx, 1)
			}
			l.logger.Warn("ledger sink publish failed",
				zap.Uint64("sequence", e.Sequence),
				zap.Error(err))
		}
	}

	return e, nil
}

// cloneEvidence detaches evidence from the caller through a JSON round
// trip, so later mutation cannot change a hashed entry.
func cloneEvidence(in map[string]any) (map[string]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query returns one page of matching entries.
func (l *Ledger) Query(ctx context.Context, f Filter) (Page, error) {
	return l.store.QueryEvents(ctx, f.Normalize())
}

// Events returns every entry matching f in sequence order.
func (l *Ledger) Events(ctx context.Context, f Filter) ([]Event, error) {
	return l.store.ListEvents(ctx, f)
}

// Head returns the current sequence and chain head hash.
func (l *Ledger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.head
}

// Verify walks the full chain and reports the first broken entry.
func (l *Ledger) Verify(ctx context.Context) (VerifyResult, error) {
	events, err := l.store.ListEvents(ctx, Filter{})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("listing ledger: %w", err)
	}
	return VerifyChain(events), nil
}

// VerifyChain checks sequence continuity, predecessor links and entry hashes.
func VerifyChain(events []Event) VerifyResult {
	res := VerifyResult{Valid: true, Entries: len(events), Head: GenesisHash}
	prev := GenesisHash
	for i, e := range events {
		fail := func(reason string) VerifyResult {
			res.Valid = false
			res.BrokenAt = e.Sequence
			res.Reason = reason
			return res
		}
		if e.Sequence != uint64(i+1) {
			return fail(fmt.Sprintf("expected sequence %d, found %d", i+1, e.Sequence))
		}
		if e.PreviousHash != prev {
			return fail("previous_hash does not match predecessor")
		}
		want, err := ComputeHash(e)
		if err != nil {
			return fail(err.Error())
		}
		if want != e.EntryHash {
			return fail("entry_hash mismatch")
		}
		prev = e.EntryHash
		res.Head = prev
	}
	return res
}
