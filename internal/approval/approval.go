// Package approval holds suspended decisions awaiting a human.
//
// A Request is created when a gate returns REQUIRE_APPROVAL and is resolved
// exactly once. Resolved requests are kept as history. Resolution is a
// compare-and-set in the Store so two concurrent resolvers cannot both win.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownApprovalID is returned when no request has the given action id.
	ErrUnknownApprovalID = errors.New("unknown approval id")
	// ErrAlreadyResolved is returned when a request has already been resolved.
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// DefaultRejectComment is recorded when a rejection carries no comment.
const DefaultRejectComment = "Denied via UI"

// Resolution is the human outcome of a request.
type Resolution string

const (
	Approved Resolution = "APPROVED"
	Rejected Resolution = "REJECTED"
)

// ResumePoint says where in a run the continuation picks up.
type ResumePoint struct {
	Step  int    `json:"step"`
	Phase string `json:"phase"`
}

// Continuation links a request back to the suspended run.
type Continuation struct {
	RunID       string      `json:"run_id"`
	ResumePoint ResumePoint `json:"resume_point"`
}

// Request is one suspended decision.
type Request struct {
	ActionID     string         `json:"action_id"`
	Gate         gate.Gate      `json:"gate"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Continuation Continuation   `json:"continuation"`
	RequestedAt  time.Time      `json:"requested_at"`

	Resolution        Resolution `json:"resolution,omitempty"`
	ResolvedBy        string     `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	ResolutionComment string     `json:"resolution_comment,omitempty"`
}

// Pending reports whether the request still awaits a human.
func (r Request) Pending() bool {
	return r.Resolution == ""
}

// Status filters list results.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusAll      Status = ""
)

// ListFilter selects requests. Empty fields match everything.
type ListFilter struct {
	Status  Status
	Action  string
	ActorID string
	RunID   string
}

// Match reports whether r passes the filter.
func (f ListFilter) Match(r Request) bool {
	switch f.Status {
	case StatusPending:
		if !r.Pending() {
			return false
		}
	case StatusResolved:
		if r.Pending() {
			return false
		}
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.RunID != "" && r.Continuation.RunID != f.RunID {
		return false
	}
	return true
}

// Store persists requests.
type Store interface {
	InsertApproval(ctx context.Context, r Request) error
	GetApproval(ctx context.Context, actionID string) (Request, error)
	// ResolveApproval sets the resolution fields only if the request is
	// still pending, returning ErrAlreadyResolved otherwise.
	ResolveApproval(ctx context.Context, actionID string, res Resolution, by, comment string, at time.Time) (Request, error)
	ListApprovals(ctx context.Context, f ListFilter) ([]Request, error)
}

// Queue is the approval queue service.
type Queue struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewQueue creates a queue over store.
func NewQueue(store Store, logger *zap.Logger) (*Queue, error) {
	if store == nil {
		return nil, errors.New("approval store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, logger: logger, now: time.Now}, nil
}

// Enqueue stores a new pending request and returns it with its action id.
func (q *Queue) Enqueue(ctx context.Context, r Request) (Request, error) {
	if r.Action == "" || r.Gate == "" {
		return Request{}, errors.New("approval request needs a gate and an action")
	}
	r.ActionID = uuid.NewString()
	r.RequestedAt = q.now().UTC()
	r.Resolution = ""
	r.ResolvedBy = ""
	r.ResolvedAt = nil
	r.ResolutionComment = ""

	if err := q.store.InsertApproval(ctx, r); err != nil {
		return Request{}, fmt.Errorf("enqueue approval: %w", err)
	}
	q.logger.Info("approval requested",
		zap.String("action_id", r.ActionID),
		zap.String("action", r.Action),
		zap.String("run_id", r.Continuation.RunID))
	return r, nil
}

// Resolve records the human decision exactly once.
func (q *Queue) Resolve(ctx context.Context, actionID string, approved bool, resolver, comment string) (Request, error) {
	res := Approved
	if !approved {
		res = Rejected
		if strings.TrimSpace(comment) == "" {
			comment = DefaultRejectComment
		}
	}
	r, err := q.store.ResolveApproval(ctx, actionID, res, resolver, comment, q.now().UTC())
	if err != nil {
		return Request{}, err
	}
	q.logger.Info("approval resolved",
		zap.String("action_id", actionID),
		zap.String("resolution", string(res)),
		zap.String("resolved_by", resolver))
	return r, nil
}

// Get returns a request by action id.
func (q *Queue) Get(ctx context.Context, actionID string) (Request, error) {
	return q.store.GetApproval(ctx, actionID)
}

// List returns requests matching f, oldest first.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]Request, error) {
	return q.store.ListApprovals(ctx, f)
}

// PendingCount returns the number of unresolved requests.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	pending, err := q.store.ListApprovals(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
