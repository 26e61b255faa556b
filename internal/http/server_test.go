package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/evidence"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
	"github.com/fyrsmithlabs/gatewarden/internal/tools"
)

func newServices(t *testing.T, policyPath string) Services {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	ledger, err := audit.NewLedger(ctx, audit.NewMemoryStore(), logger)
	require.NoError(t, err)
	queue, err := approval.NewQueue(approval.NewMemoryStore(), logger)
	require.NoError(t, err)
	gw, err := policy.NewGateway(policy.Default(), policyPath, logger)
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

	return Services{
		Orchestrator: orch,
		Approvals:    queue,
		Ledger:       ledger,
		Evidence:     exporter,
		Policy:       gw,
		Documents:    docs,
		Rules:        engine,
	}
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer(newServices(t, ""), zap.NewNop(), &Config{Host: "localhost", Port: 8080, Version: "test"})
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newServices(t, ""), zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newServices(t, ""), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when a service is missing", func(t *testing.T) {
		svc := newServices(t, "")
		svc.Rules = nil
		_, err := NewServer(svc, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rule engine is required")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "bank_compliance_v1", resp.PolicyID)
	assert.Zero(t, resp.PendingApprovals)
}

func TestRuns(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/runs", orchestrator.RunConfig{
		ActorID:   "analyst_123",
		SessionID: "s1",
		UserInput: "Read the Q4 policy draft",
		Steps:     []orchestrator.Step{{Tool: "sharepoint_read", Parameters: map[string]any{"path": "/policies/q4.md"}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[orchestrator.Run](t, rec)
	assert.Equal(t, orchestrator.StateCompleted, run.State)
	require.Len(t, run.Results, 1)
	assert.Equal(t, gate.Allow, run.Results[0].Decision)

	rec = do(t, server, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.ID, decode[orchestrator.Run](t, rec).ID)

	rec = do(t, server, http.MethodGet, "/api/v1/runs?actor=analyst_123", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]orchestrator.Run](t, rec), 1)

	rec = do(t, server, http.MethodGet, "/api/v1/runs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/runs", orchestrator.RunConfig{SessionID: "s2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Message, "actor_id is required")
}

func TestDemoApprovalFlow(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/demo/2", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[orchestrator.Run](t, rec)
	require.Equal(t, orchestrator.StateAwaitingApproval, run.State)
	require.NotEmpty(t, run.SuspendedOn)

	// The session is busy until the approval is resolved.
	rec = do(t, server, http.MethodPost, "/api/v1/demo/approval", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/approvals?status=pending&tool=jira_create", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]approval.Request](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, run.SuspendedOn, pending[0].ActionID)
	assert.Equal(t, run.ID, pending[0].Continuation.RunID)

	rec = do(t, server, http.MethodPost, "/api/v1/approvals/"+run.SuspendedOn+"/approve", ResolveRequest{Resolver: "user1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resumed := decode[orchestrator.Run](t, rec)
	assert.Equal(t, orchestrator.StateCompleted, resumed.State)
	assert.Equal(t, "COMPL-123", resumed.Results[0].Payload["issue_key"])

	rec = do(t, server, http.MethodPost, "/api/v1/approvals/"+run.SuspendedOn+"/approve", ResolveRequest{Resolver: "user1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/approvals/"+run.SuspendedOn, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[approval.Request](t, rec)
	assert.Equal(t, approval.Approved, got.Resolution)
	assert.Equal(t, "user1", got.ResolvedBy)

	rec = do(t, server, http.MethodPost, "/api/v1/approvals/nope/reject", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDemoReject(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/demo/approval", DemoRequest{SessionID: "other"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[orchestrator.Run](t, rec)
	assert.Equal(t, "other", run.SessionID)

	rec = do(t, server, http.MethodPost, "/api/v1/approvals/"+run.SuspendedOn+"/reject", ResolveRequest{Resolver: "user1", Comment: "not this quarter"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	denied := decode[orchestrator.Run](t, rec)
	assert.Equal(t, orchestrator.StateDenied, denied.State)
	assert.Equal(t, orchestrator.OutcomeRejected, denied.Outcome)
	assert.Contains(t, denied.Reason, "not this quarter")

	rec = do(t, server, http.MethodPost, "/api/v1/demo/9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerAndVerify(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/demo/denied", nil).Code)

	rec := do(t, server, http.MethodGet, "/api/v1/ledger?decision=deny", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[audit.Page](t, rec)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, gate.PreToolGate, page.Events[0].Gate)
	assert.Equal(t, "email_send", page.Events[0].Action)

	rec = do(t, server, http.MethodGet, "/api/v1/ledger?limit=1", nil)
	page = decode[audit.Page](t, rec)
	assert.Len(t, page.Events, 1)
	assert.Equal(t, 2, page.Total)

	for _, bad := range []string{"gate=X-X", "decision=maybe", "since=yesterday", "limit=-1"} {
		rec = do(t, server, http.MethodGet, "/api/v1/ledger?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}

	rec = do(t, server, http.MethodGet, "/api/v1/ledger/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[audit.VerifyResult](t, rec)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Entries)
}

func TestEvidence(t *testing.T) {
	server := setupTestServer(t)
	require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/api/v1/demo/1", nil).Code)

	rec := do(t, server, http.MethodGet, "/api/v1/evidence", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "evidence_pack_")
	pack, err := evidence.Decode(rec.Body.Bytes(), evidence.FormatJSON)
	require.NoError(t, err)
	ok, err := evidence.Verify(pack)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, pack.ExecutionResults, 1)

	rec = do(t, server, http.MethodGet, "/api/v1/evidence?format=yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), ".yaml")

	rec = do(t, server, http.MethodGet, "/api/v1/evidence?format=pdf", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	server, err := NewServer(newServices(t, path), zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodGet, "/api/v1/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PolicyResponse](t, rec)
	require.NotNil(t, resp.Policy)
	assert.Equal(t, path, resp.Path)

	updated := *resp.Policy
	updated.PolicyVersion = "2.0.0"
	rec = do(t, server, http.MethodPut, "/api/v1/policy", updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2.0.0", decode[PolicyResponse](t, rec).Policy.PolicyVersion)

	saved, err := policy.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", saved.PolicyVersion)

	rec = do(t, server, http.MethodPut, "/api/v1/policy", map[string]any{"policy_id": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "2.0.0", server.svc.Policy.Policy().PolicyVersion)
}

func TestDocumentsAndRules(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/documents", UploadRequest{
		Name:    "retention.txt",
		Content: "Intro\nData must be retained for 5 years per policy\n",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[documents.Document](t, rec)

	rec = do(t, server, http.MethodPost, "/api/v1/documents/"+doc.ID+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	extracted := decode[ExtractResponse](t, rec)
	assert.Equal(t, documents.StatusExtracted, extracted.Document.Status)
	assert.Contains(t, extracted.Text, "5 years")

	rec = do(t, server, http.MethodPost, "/api/v1/documents/"+doc.ID+"/rules?primary=false", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	extractedRules := decode[[]rules.Rule](t, rec)
	require.Len(t, extractedRules, 1)
	assert.Equal(t, rules.MethodFallback, extractedRules[0].Method)

	rec = do(t, server, http.MethodPost, "/api/v1/baseline/BASE-RET-001/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conflicts := decode[[]rules.Conflict](t, rec)
	require.Len(t, conflicts, 1)

	rec = do(t, server, http.MethodPost, "/api/v1/baseline/BASE-NOPE/conflicts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/conflicts/"+conflicts[0].ID+"/resolve", ConflictResolveRequest{Resolution: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/conflicts/"+conflicts[0].ID+"/resolve", ConflictResolveRequest{Resolution: rules.UseBaseline, Notes: "baseline wins"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rules.UseBaseline, decode[rules.Conflict](t, rec).Resolution)

	rec = do(t, server, http.MethodPost, "/api/v1/conflicts/unknown/resolve", ConflictResolveRequest{Resolution: rules.Both})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/rules/active", nil)
	assert.Empty(t, decode[[]rules.Rule](t, rec))

	rec = do(t, server, http.MethodGet, "/api/v1/rules", nil)
	snap := decode[rules.Snapshot](t, rec)
	assert.Len(t, snap.ExtractedRules, 1)
	assert.Len(t, snap.Conflicts, 1)
	assert.Zero(t, snap.ActiveRuleCount)

	rec = do(t, server, http.MethodGet, "/api/v1/baseline", nil)
	assert.Len(t, decode[[]rules.BaselineRule](t, rec), 4)

	rec = do(t, server, http.MethodDelete, "/api/v1/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, server, http.MethodDelete, "/api/v1/documents/"+doc.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadMultipart(t *testing.T) {
	server := setupTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "policy.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("# Policy\nRecords are retained for 7 years.\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	doc := decode[documents.Document](t, rec)
	assert.Equal(t, "policy.md", doc.Name)

	rec = do(t, server, http.MethodGet, "/api/v1/documents", nil)
	assert.Len(t, decode[[]documents.Document](t, rec), 1)

	rec = do(t, server, http.MethodPost, "/api/v1/documents", UploadRequest{Name: "empty.txt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsupportedDocumentExtraction(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/documents", UploadRequest{Name: "scan.pdf", Content: "%PDF-1.7"})
	require.Equal(t, http.StatusCreated, rec.Code)
	doc := decode[documents.Document](t, rec)

	rec = do(t, server, http.MethodPost, "/api/v1/documents/"+doc.ID+"/extract", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := server.svc.Documents.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, documents.StatusError, got.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
