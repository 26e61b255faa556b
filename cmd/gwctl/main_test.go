package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/evidence"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	api "github.com/fyrsmithlabs/gatewarden/internal/http"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
	"github.com/fyrsmithlabs/gatewarden/internal/tools"
)

// newTestServer serves a fully wired in-memory API.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	ledger, err := audit.NewLedger(ctx, audit.NewMemoryStore(), logger)
	require.NoError(t, err)
	queue, err := approval.NewQueue(approval.NewMemoryStore(), logger)
	require.NoError(t, err)
	gw, err := policy.NewGateway(policy.Default(), "", logger)
	require.NoError(t, err)
	reg := tools.NewRegistry(tools.Config{}, logger)
	tools.RegisterBuiltin(reg)
	orch, err := orchestrator.New(gw, ledger, queue, reg, orchestrator.NewMemoryRunStore(), logger)
	require.NoError(t, err)
	exporter, err := evidence.NewExporter(ledger, queue, orch, gw, logger)
	require.NoError(t, err)
	docs := documents.NewStore(logger)
	baseline, err := rules.DefaultBaseline()
	require.NoError(t, err)
	engine, err := rules.NewEngine(context.Background(), nil, docs, baseline, logger)
	require.NoError(t, err)

	srv, err := api.NewServer(api.Services{
		Orchestrator: orch,
		Approvals:    queue,
		Ledger:       ledger,
		Evidence:     exporter,
		Policy:       gw,
		Documents:    docs,
		Rules:        engine,
	}, logger, &api.Config{Version: "test"})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// execute runs gwctl against ts and returns combined output.
func execute(t *testing.T, ts *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(ts.Client())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--server", ts.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func executeJSON[T any](t *testing.T, ts *httptest.Server, args ...string) T {
	t.Helper()
	out, err := execute(t, ts, append([]string{"--json"}, args...)...)
	require.NoError(t, err, out)
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	out, err := execute(t, ts, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status:     ok")
	assert.Contains(t, out, "Version:           test")
	assert.Contains(t, out, "Pending Approvals: 0")

	h := executeJSON[api.HealthResponse](t, ts, "health")
	assert.Equal(t, "ok", h.Status)
}

func TestDemoList(t *testing.T) {
	ts := newTestServer(t)

	out, err := execute(t, ts, "demo")
	require.NoError(t, err)
	for _, name := range []string{"allowed", "approval", "denied", "workflow"} {
		assert.Contains(t, out, name)
	}
}

func TestDemoApproveFlow(t *testing.T) {
	ts := newTestServer(t)

	out, err := execute(t, ts, "demo", "approval")
	require.NoError(t, err)
	assert.Contains(t, out, "AWAITING_APPROVAL")
	assert.Contains(t, out, "gwctl approvals approve")

	pending := executeJSON[[]approval.Request](t, ts, "approvals", "list", "--tool", "jira_create")
	require.Len(t, pending, 1)
	id := pending[0].ActionID

	out, err = execute(t, ts, "approvals", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = execute(t, ts, "approvals", "approve", id, "--as", "reviewer", "--comment", "ok")
	require.NoError(t, err, out)
	assert.Contains(t, out, "State:    COMPLETED")

	out, err = execute(t, ts, "approvals", "approve", id)
	require.Error(t, err)
	assert.Contains(t, out, "already resolved")

	resolved := executeJSON[[]approval.Request](t, ts, "approvals", "list", "--resolved")
	require.Len(t, resolved, 1)
	assert.Equal(t, "reviewer", resolved[0].ResolvedBy)

	runs := executeJSON[[]orchestrator.Run](t, ts, "run", "list")
	require.Len(t, runs, 1)
	assert.Equal(t, orchestrator.StateCompleted, runs[0].State)

	out, err = execute(t, ts, "run", "get", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "jira_create")
}

func TestRejectRequiresComment(t *testing.T) {
	ts := newTestServer(t)

	run := executeJSON[orchestrator.Run](t, ts, "demo", "2", "--session", "s-reject")
	require.Equal(t, orchestrator.StateAwaitingApproval, run.State)

	_, err := execute(t, ts, "approvals", "reject", run.SuspendedOn)
	require.Error(t, err)

	denied := executeJSON[orchestrator.Run](t, ts, "approvals", "reject", run.SuspendedOn, "--comment", "not now")
	assert.Equal(t, orchestrator.StateDenied, denied.State)
	assert.Equal(t, orchestrator.OutcomeRejected, denied.Outcome)
}

func TestRunStartFromFile(t *testing.T) {
	ts := newTestServer(t)

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
actor_id: analyst_123
session_id: cli
steps:
  - tool: sharepoint_read
    parameters:
      path: /policies/draft/q4-policy.md
response:
  text: Policy draft retrieved successfully.
  citations: []
`), 0o600))

	out, err := execute(t, ts, "run", "start", "-f", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "State:    COMPLETED")
	assert.Contains(t, out, "sharepoint_read")

	_, err = execute(t, ts, "run", "start", "-f", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLedgerCommands(t *testing.T) {
	ts := newTestServer(t)
	_, err := execute(t, ts, "demo", "denied")
	require.NoError(t, err)

	page := executeJSON[audit.Page](t, ts, "ledger", "--decision", "deny")
	require.NotEmpty(t, page.Events)
	for _, e := range page.Events {
		assert.Equal(t, gate.Deny, e.Decision)
	}

	out, err := execute(t, ts, "ledger", "--gate", "S-O")
	require.NoError(t, err)
	assert.Contains(t, out, "email_send")

	_, err = execute(t, ts, "ledger", "--gate", "bogus")
	assert.Error(t, err)

	out, err = execute(t, ts, "ledger", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger intact")
}

func TestEvidenceWritesFile(t *testing.T) {
	ts := newTestServer(t)
	_, err := execute(t, ts, "demo", "allowed")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pack.yaml")
	_, err = execute(t, ts, "evidence", "--format", "yaml", "-o", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pack, err := evidence.Decode(data, evidence.FormatYAML)
	require.NoError(t, err)
	ok, err := evidence.Verify(pack)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = execute(t, ts, "evidence", "--format", "xml")
	assert.Error(t, err)
}

func TestDocsRulesAndConflicts(t *testing.T) {
	ts := newTestServer(t)

	path := filepath.Join(t.TempDir(), "retention.txt")
	require.NoError(t, os.WriteFile(path, []byte("Intro\nData must be retained for 5 years per policy\n"), 0o600))

	doc := executeJSON[documents.Document](t, ts, "docs", "upload", path)
	assert.Equal(t, "retention.txt", doc.Name)

	out, err := execute(t, ts, "docs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, doc.ID)

	extracted := executeJSON[[]rules.Rule](t, ts, "docs", "rules", doc.ID, "--no-primary")
	require.Len(t, extracted, 1)
	assert.Equal(t, rules.MethodFallback, extracted[0].Method)

	conflicts := executeJSON[[]rules.Conflict](t, ts, "conflicts", "detect", "BASE-RET-001")
	require.Len(t, conflicts, 1)

	_, err = execute(t, ts, "conflicts", "resolve", conflicts[0].ID, "--resolution", "maybe")
	assert.Error(t, err)

	out, err = execute(t, ts, "conflicts", "resolve", conflicts[0].ID, "--resolution", "use_soft", "--notes", "local rule is stricter")
	require.NoError(t, err)
	assert.Contains(t, out, "use_soft")

	active := executeJSON[[]rules.Rule](t, ts, "rules", "list", "--active")
	assert.Len(t, active, 1)

	out, err = execute(t, ts, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "1 documents, 1 conflicts, 1 active rules")
}

func TestPolicyGet(t *testing.T) {
	ts := newTestServer(t)

	out, err := execute(t, ts, "policy", "get")
	require.NoError(t, err)
	assert.Contains(t, out, policy.Default().PolicyID)
}

func TestBuildLedgerFilter(t *testing.T) {
	tests := []struct {
		name     string
		gate     string
		decision string
		since    string
		wantErr  bool
	}{
		{name: "empty"},
		{name: "gate and decision", gate: "S-O", decision: "allow"},
		{name: "date only", since: "2026-01-01"},
		{name: "rfc3339", since: "2026-01-01T10:00:00Z"},
		{name: "unknown gate", gate: "X-X", wantErr: true},
		{name: "unknown decision", decision: "perhaps", wantErr: true},
		{name: "bad time", since: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := buildLedgerFilter(audit.Filter{}, tt.gate, tt.decision, tt.since, "")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.decision != "" {
				assert.Equal(t, strings.ToUpper(tt.decision), string(f.Decision))
			}
			if tt.since != "" {
				assert.False(t, f.Since.IsZero())
			}
		})
	}
}

func TestReadRunConfig(t *testing.T) {
	cfg, err := readRunConfig(strings.NewReader(`{"actor_id":"a","session_id":"s","steps":[{"tool":"occ_query","parameters":{"query":"q"}}]}`), "-")
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.ActorID)
	require.Len(t, cfg.Steps, 1)
	assert.Equal(t, "occ_query", cfg.Steps[0].Tool)

	_, err = readRunConfig(strings.NewReader("actor_id: a\n"), "-")
	assert.ErrorIs(t, err, orchestrator.ErrInvalidConfiguration)
}
