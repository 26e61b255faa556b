package approval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := NewQueue(NewMemoryStore(), nil)
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *Queue, action, actor string) Request {
	t.Helper()
	r, err := q.Enqueue(context.Background(), Request{
		Gate:       gate.PreToolGate,
		Action:     action,
		ActorID:    actor,
		Parameters: map[string]any{"title": "Review Q4 policy"},
		Continuation: Continuation{
			RunID:       "run-1",
			ResumePoint: ResumePoint{Step: 0, Phase: "execute_tool"},
		},
	})
	require.NoError(t, err)
	return r
}

func TestQueue_EnqueueAndGet(t *testing.T) {
	q := newQueue(t)
	r := enqueue(t, q, "jira_create", "analyst_123")

	assert.NotEmpty(t, r.ActionID)
	assert.True(t, r.Pending())
	assert.False(t, r.RequestedAt.IsZero())

	got, err := q.Get(context.Background(), r.ActionID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.Continuation.RunID)
	assert.Equal(t, "execute_tool", got.Continuation.ResumePoint.Phase)

	_, err = q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownApprovalID)
}

func TestQueue_ResolveExactlyOnce(t *testing.T) {
	q := newQueue(t)
	r := enqueue(t, q, "jira_create", "analyst_123")
	ctx := context.Background()

	resolved, err := q.Resolve(ctx, r.ActionID, true, "user1", "")
	require.NoError(t, err)
	assert.Equal(t, Approved, resolved.Resolution)
	assert.Equal(t, "user1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = q.Resolve(ctx, r.ActionID, false, "user2", "too late")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = q.Resolve(ctx, r.ActionID, true, "user2", "")
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := q.Get(ctx, r.ActionID)
	require.NoError(t, err)
	assert.Equal(t, Approved, got.Resolution)
	assert.Equal(t, "user1", got.ResolvedBy)

	_, err = q.Resolve(ctx, "missing", true, "user1", "")
	assert.ErrorIs(t, err, ErrUnknownApprovalID)
}

func TestQueue_RejectDefaultComment(t *testing.T) {
	q := newQueue(t)
	r := enqueue(t, q, "jira_create", "analyst_123")

	resolved, err := q.Resolve(context.Background(), r.ActionID, false, "ui_user", "  ")
	require.NoError(t, err)
	assert.Equal(t, Rejected, resolved.Resolution)
	assert.Equal(t, DefaultRejectComment, resolved.ResolutionComment)
}

func TestQueue_ConcurrentResolveHasOneWinner(t *testing.T) {
	q := newQueue(t)
	r := enqueue(t, q, "jira_create", "analyst_123")

	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Resolve(context.Background(), r.ActionID, i%2 == 0, "racer", "")
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, ErrAlreadyResolved):
				already.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), already.Load())
}

func TestQueue_ListFilters(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	a := enqueue(t, q, "jira_create", "alice")
	enqueue(t, q, "write_draft", "bob")
	enqueue(t, q, "jira_create", "bob")

	_, err := q.Resolve(ctx, a.ActionID, true, "lead", "")
	require.NoError(t, err)

	count := func(f ListFilter) int {
		out, err := q.List(ctx, f)
		require.NoError(t, err)
		return len(out)
	}
	assert.Equal(t, 3, count(ListFilter{}))
	assert.Equal(t, 2, count(ListFilter{Status: StatusPending}))
	assert.Equal(t, 1, count(ListFilter{Status: StatusResolved}))
	assert.Equal(t, 1, count(ListFilter{Status: StatusPending, Action: "jira_create"}))
	assert.Equal(t, 2, count(ListFilter{ActorID: "bob"}))
	assert.Equal(t, 3, count(ListFilter{RunID: "run-1"}))

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q := newQueue(t)
	_, err := q.Enqueue(context.Background(), Request{Action: "jira_create"})
	assert.Error(t, err)

	_, err = NewQueue(nil, nil)
	assert.Error(t, err)
}
