package tools

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltinRegistry(cfg Config) *Registry {
	r := NewRegistry(cfg, nil)
	RegisterBuiltin(r)
	return r
}

func TestBuiltin_Results(t *testing.T) {
	r := newBuiltinRegistry(Config{})
	ctx := context.Background()

	tests := []struct {
		tool   string
		params map[string]any
		want   map[string]any
	}{
		{
			tool:   "sharepoint_read",
			params: map[string]any{"path": "/policies/draft/q4-policy.md"},
			want: map[string]any{
				"source_uri": "sharepoint:///policies/draft/q4-policy.md",
				"content":    "Draft policy template text...",
				"doc_hash":   "abc123",
			},
		},
		{
			tool:   "occ_query",
			params: map[string]any{"query": "capital reserve requirements baseline"},
			want: map[string]any{
				"source_uri": "occ://guidance/2024-xyz",
				"content":    "OCC guidance excerpt...",
				"doc_hash":   "def456",
			},
		},
		{
			tool:   "write_draft",
			params: map[string]any{"doc_id": "DOC-1", "text": "hello"},
			want:   map[string]any{"doc_id": "DOC-1", "status": "written_to_draft", "version_id": "v7"},
		},
		{
			tool:   "jira_create",
			params: map[string]any{"title": "Review Q4 policy", "description": "Please review draft"},
			want:   map[string]any{"issue_key": "COMPL-123", "status": "created"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got, err := r.Invoke(ctx, tt.tool, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	names := make([]string, 0, 4)
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"jira_create", "occ_query", "sharepoint_read", "write_draft"}, names)
}

func TestInvoke_Errors(t *testing.T) {
	r := newBuiltinRegistry(Config{})
	ctx := context.Background()

	_, err := r.Invoke(ctx, "email_send", map[string]any{"to": "x"})
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = r.Invoke(ctx, "jira_create", map[string]any{"title": "only a title"})
	assert.ErrorIs(t, err, ErrMissingParameter)
	assert.Contains(t, err.Error(), "jira_create.description")
}

func TestInvoke_RetriesRetryableErrors(t *testing.T) {
	r := NewRegistry(Config{MaxRetries: 2, BaseBackoff: time.Millisecond}, nil)
	var calls atomic.Int32
	require.NoError(t, r.Register(Tool{
		Name: "flaky",
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			if calls.Add(1) < 3 {
				return nil, Retryable(errors.New("503"))
			}
			return map[string]any{"ok": true}, nil
		},
	}))

	out, err := r.Invoke(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvoke_DoesNotRetryPermanentErrors(t *testing.T) {
	r := NewRegistry(Config{MaxRetries: 3, BaseBackoff: time.Millisecond}, nil)
	var calls atomic.Int32
	require.NoError(t, r.Register(Tool{
		Name: "broken",
		Fn: func(context.Context, map[string]any) (map[string]any, error) {
			calls.Add(1)
			return nil, errors.New("bad request")
		},
	}))

	_, err := r.Invoke(context.Background(), "broken", nil)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvoke_Timeout(t *testing.T) {
	r := NewRegistry(Config{Timeout: 20 * time.Millisecond, MaxRetries: 1, BaseBackoff: time.Millisecond}, nil)
	var calls atomic.Int32
	require.NoError(t, r.Register(Tool{
		Name: "slow",
		Fn: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	_, err := r.Invoke(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvoke_RateLimited(t *testing.T) {
	r := NewRegistry(Config{RatePerSecond: 1, Burst: 1}, nil)
	RegisterBuiltin(r)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	params := map[string]any{"query": "q"}
	_, err := r.Invoke(ctx, "occ_query", params)
	require.NoError(t, err)
	_, err = r.Invoke(ctx, "occ_query", params)
	assert.Error(t, err)
}

func TestRegister_Validation(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	assert.Error(t, r.Register(Tool{Name: "nofn"}))
	assert.Error(t, r.Register(Tool{Fn: func(context.Context, map[string]any) (map[string]any, error) { return nil, nil }}))
}
