package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
	"github.com/fyrsmithlabs/gatewarden/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewarden.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpen_Idempotent(t *testing.T) {
	s, path := openTestStore(t)
	require.NoError(t, s.Close())

	again, err := Open(path)
	require.NoError(t, err)
	defer again.Close()

	var version int
	require.NoError(t, again.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestLedger_PersistsAndResumesChain(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	ledger, err := audit.NewLedger(ctx, s, nil)
	require.NoError(t, err)

	_, err = ledger.Append(ctx, audit.Event{
		Gate: gate.SystemOutbound, Action: "sharepoint_read", ActorID: "analyst_123", RunID: "r1",
		Decision: gate.Allow, ControlsApplied: []string{"log_access"},
		Evidence: map[string]any{"policy_id": "bank_compliance_v1", "count": 2},
	})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, audit.Event{
		Gate: gate.SystemOutbound, Action: "email_send", ActorID: "analyst_123", RunID: "r2",
		Decision: gate.Deny, Reason: "tool not in allowlist",
	})
	require.NoError(t, err)
	seq, head := ledger.Head()
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	resumed, err := audit.NewLedger(ctx, reopened, nil)
	require.NoError(t, err)
	gotSeq, gotHead := resumed.Head()
	assert.Equal(t, seq, gotSeq)
	assert.Equal(t, head, gotHead)

	third, err := resumed.Append(ctx, audit.Event{
		Gate: gate.UserOutbound, Action: "pre_response", ActorID: "analyst_123", Decision: gate.Allow,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)
	assert.Equal(t, head, third.PreviousHash)

	vr, err := resumed.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, vr.Valid, vr.Reason)
	assert.Equal(t, 3, vr.Entries)
}

func TestLedger_QueryFilters(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	ledger, err := audit.NewLedger(ctx, s, nil, audit.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	require.NoError(t, err)

	for _, e := range []audit.Event{
		{Gate: gate.SystemOutbound, Action: "sharepoint_read", ActorID: "alice", Decision: gate.Allow},
		{Gate: gate.SystemInbound, Action: "sharepoint_read", ActorID: "alice", Decision: gate.Allow},
		{Gate: gate.SystemOutbound, Action: "email_send", ActorID: "bob", Decision: gate.Deny, Reason: "tool not in allowlist"},
		{Gate: gate.SystemOutbound, Action: "jira_create", ActorID: "bob", Decision: gate.RequireApproval,
			ControlsApplied: []string{"human_review"}},
	} {
		_, err := ledger.Append(ctx, e)
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		f     audit.Filter
		total int
	}{
		{"all", audit.Filter{}, 4},
		{"by gate", audit.Filter{Gate: gate.SystemOutbound}, 3},
		{"by decision", audit.Filter{Decision: gate.Deny}, 1},
		{"by actor", audit.Filter{ActorID: "bob"}, 2},
		{"text over controls", audit.Filter{Text: "HUMAN_REVIEW"}, 1},
		{"text over reason", audit.Filter{Text: "allowlist"}, 1},
		{"since inclusive", audit.Filter{Since: base.Add(2 * time.Minute)}, 3},
		{"until exclusive", audit.Filter{Until: base.Add(2 * time.Minute)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := ledger.Query(ctx, tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.total, page.Total)
			assert.Len(t, page.Events, tt.total)
		})
	}

	page, err := ledger.Query(ctx, audit.Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Events, 2)
	assert.Equal(t, uint64(2), page.Events[0].Sequence)

	page, err = ledger.Query(ctx, audit.Filter{Text: "sharepoint", Offset: 1, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Events, 1)
}

func TestApprovals_ResolveIsCompareAndSet(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	q, err := approval.NewQueue(s, nil)
	require.NoError(t, err)

	req, err := q.Enqueue(ctx, approval.Request{
		Gate:       gate.SystemOutbound,
		Action:     "jira_create",
		ActorID:    "analyst_123",
		Parameters: map[string]any{"title": "Review Q4 policy"},
		Continuation: approval.Continuation{
			RunID:       "run-1",
			ResumePoint: approval.ResumePoint{Step: 2, Phase: "pre_tool_approved"},
		},
	})
	require.NoError(t, err)

	got, err := q.Get(ctx, req.ActionID)
	require.NoError(t, err)
	assert.True(t, got.Pending())
	assert.Equal(t, "Review Q4 policy", got.Parameters["title"])
	assert.Equal(t, 2, got.Continuation.ResumePoint.Step)
	assert.WithinDuration(t, req.RequestedAt, got.RequestedAt, time.Microsecond)

	resolved, err := q.Resolve(ctx, req.ActionID, false, "reviewer", "")
	require.NoError(t, err)
	assert.Equal(t, approval.Rejected, resolved.Resolution)
	assert.Equal(t, approval.DefaultRejectComment, resolved.ResolutionComment)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = q.Resolve(ctx, req.ActionID, true, "someone", "")
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
	_, err = q.Resolve(ctx, "missing", true, "someone", "")
	assert.ErrorIs(t, err, approval.ErrUnknownApprovalID)

	pending, err := q.List(ctx, approval.ListFilter{Status: approval.StatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
	history, err := q.List(ctx, approval.ListFilter{Status: approval.StatusResolved, Action: "jira_create"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRuns_SaveListActive(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	r := &orchestrator.Run{
		ID: "run-1", ActorID: "a", SessionID: "s", State: orchestrator.StateAwaitingApproval,
		SuspendedOn: "act-1", Results: []orchestrator.StepResult{}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveRun(ctx, r))

	active, err := s.ListRuns(ctx, orchestrator.RunFilter{ActorID: "a", SessionID: "s", Active: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "act-1", active[0].SuspendedOn)

	r.State = orchestrator.StateCompleted
	r.SuspendedOn = ""
	require.NoError(t, s.SaveRun(ctx, r))

	active, err = s.ListRuns(ctx, orchestrator.RunFilter{ActorID: "a", SessionID: "s", Active: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateCompleted, got.State)

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)
}

// A run suspended by one process is resumed by another over the same file.
func TestSuspendedRunSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gatewarden.db")

	build := func(s *Store) *orchestrator.Orchestrator {
		ledger, err := audit.NewLedger(ctx, s, nil)
		require.NoError(t, err)
		queue, err := approval.NewQueue(s, nil)
		require.NoError(t, err)
		gw, err := policy.NewGateway(policy.Default(), "", nil)
		require.NoError(t, err)
		reg := tools.NewRegistry(tools.Config{}, nil)
		tools.RegisterBuiltin(reg)
		o, err := orchestrator.New(gw, ledger, queue, reg, s, nil)
		require.NoError(t, err)
		return o
	}

	first, err := Open(path)
	require.NoError(t, err)
	run, err := build(first).Start(ctx, orchestrator.RunConfig{
		ActorID:   "analyst_123",
		SessionID: "session_001",
		Steps: []orchestrator.Step{
			{Tool: "jira_create", Parameters: map[string]any{"title": "Review Q4 policy", "description": "Please review draft"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, orchestrator.StateAwaitingApproval, run.State)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	o := build(second)
	snap, err := o.CurrentState(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.SuspendedOn, snap.SuspendedOn)

	done, err := o.ResolveApproval(ctx, run.SuspendedOn, true, "user1", "")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateCompleted, done.State)
	assert.Equal(t, "COMPL-123", done.Results[0].Payload["issue_key"])

	evs, err := second.ListEvents(ctx, audit.Filter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, gate.Approved, evs[1].Decision)
	assert.Equal(t, audit.VerifyChain(evs).Valid, true)
}

// Uploaded documents, extracted rules and conflict resolutions are reloaded
// by a second process over the same file.
func TestRulesAndDocumentsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gatewarden.db")
	baseline, err := rules.DefaultBaseline()
	require.NoError(t, err)

	build := func(s *Store) (*documents.Store, *rules.Engine) {
		docs := documents.NewStore(nil, documents.WithBackend(s))
		e, err := rules.NewEngine(ctx, nil, docs, baseline, nil, rules.WithStore(s))
		require.NoError(t, err)
		return docs, e
	}

	first, err := Open(path)
	require.NoError(t, err)
	docs, e := build(first)
	doc, err := docs.Add(ctx, "retention.txt", "text/plain", []byte("Retention: 3 years\nPolicy owners meet monthly"))
	require.NoError(t, err)
	extracted, err := e.ParseRules(ctx, doc.ID, false)
	require.NoError(t, err)
	require.NotEmpty(t, extracted)
	found, err := e.DetectConflicts(ctx, "BASE-RET-001")
	require.NoError(t, err)
	require.Len(t, found, 1)
	_, err = e.Resolve(ctx, found[0].ID, rules.UseBaseline, "floor wins")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	docs, e = build(second)

	listed, err := docs.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, doc.ID, listed[0].ID)
	assert.Equal(t, documents.StatusExtracted, listed[0].Status)
	require.NotNil(t, listed[0].ExtractedText)
	assert.Contains(t, *listed[0].ExtractedText, "Retention: 3 years")

	reloaded := e.Rules()
	require.Len(t, reloaded, len(extracted))
	for i := range extracted {
		assert.Equal(t, extracted[i].ID, reloaded[i].ID)
		assert.Equal(t, extracted[i].Text, reloaded[i].Text)
		assert.Equal(t, extracted[i].RuleType, reloaded[i].RuleType)
		assert.Equal(t, extracted[i].TimePeriods, reloaded[i].TimePeriods)
		assert.True(t, extracted[i].ExtractedAt.Equal(reloaded[i].ExtractedAt))
	}

	conflicts := e.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, found[0].ID, conflicts[0].ID)
	assert.Equal(t, rules.UseBaseline, conflicts[0].Resolution)
	assert.Equal(t, "floor wins", conflicts[0].Notes)
	require.NotNil(t, conflicts[0].ResolvedAt)

	again, err := e.ParseRules(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, extracted[0].ID, again[0].ID)
	assert.Len(t, e.Rules(), len(extracted))

	_, err = e.Resolve(ctx, "missing", rules.UseSoft, "")
	assert.ErrorIs(t, err, rules.ErrConflictNotFound)
	require.NoError(t, docs.Remove(ctx, doc.ID))
	_, err = docs.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, documents.ErrNotFound)
}
