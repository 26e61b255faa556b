package evidence

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/fyrsmithlabs/gatewarden/internal/logging"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/secrets"
	"github.com/fyrsmithlabs/gatewarden/internal/tools"
)

type harness struct {
	ledger *audit.Ledger
	queue  *approval.Queue
	orch   *orchestrator.Orchestrator
	gw     *policy.Gateway
	log    *logging.TestLogger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	ledger, err := audit.NewLedger(ctx, audit.NewMemoryStore(), nil)
	require.NoError(t, err)
	queue, err := approval.NewQueue(approval.NewMemoryStore(), nil)
	require.NoError(t, err)
	gw, err := policy.NewGateway(policy.Default(), "policies/bank.json", nil)
	require.NoError(t, err)
	reg := tools.NewRegistry(tools.Config{}, nil)
	tools.RegisterBuiltin(reg)
	tl := logging.NewTestLogger()
	orch, err := orchestrator.New(gw, ledger, queue, reg, orchestrator.NewMemoryRunStore(), tl.Underlying())
	require.NoError(t, err)
	return &harness{ledger: ledger, queue: queue, orch: orch, gw: gw, log: tl}
}

func (h *harness) exporter(t *testing.T, opts ...Option) *Exporter {
	t.Helper()
	e, err := NewExporter(h.ledger, h.queue, h.orch, h.gw, h.log.Underlying(), opts...)
	require.NoError(t, err)
	return e
}

func (h *harness) start(t *testing.T, session string, steps ...orchestrator.Step) *orchestrator.Run {
	t.Helper()
	run, err := h.orch.Start(context.Background(), orchestrator.RunConfig{
		ActorID: "analyst_123", SessionID: session, Steps: steps,
	})
	require.NoError(t, err)
	return run
}

func TestExport_AssemblesPack(t *testing.T) {
	h := newHarness(t)
	allowed := h.start(t, "s1", orchestrator.Step{Tool: "sharepoint_read", Parameters: map[string]any{"path": "/policies/retention.docx"}})
	pending := h.start(t, "s2", orchestrator.Step{Tool: "jira_create", Parameters: map[string]any{"title": "Review", "description": "Please"}})
	require.Equal(t, orchestrator.StateCompleted, allowed.State)
	require.Equal(t, orchestrator.StateAwaitingApproval, pending.State)

	at := time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	pack, err := h.exporter(t, WithClock(func() time.Time { return at })).Export(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, at, pack.ExportTimestamp)
	assert.Equal(t, PolicyFile{Path: "policies/bank.json", PolicyID: "bank_compliance_v1", PolicyVersion: "1.0.0"}, pack.PolicyFile)
	require.Len(t, pack.Ledger, 3)
	require.Len(t, pack.GateSequence, 3)
	assert.Equal(t, audit.GateStep{
		Gate: gate.SystemOutbound, Timestamp: pack.Ledger[0].Timestamp, Decision: gate.Allow, Action: "sharepoint_read",
	}, pack.GateSequence[0])
	assert.Equal(t, gate.RequireApproval, pack.GateSequence[2].Decision)

	require.Len(t, pack.PendingApprovals, 1)
	assert.Equal(t, pending.SuspendedOn, pack.PendingApprovals[0].ActionID)
	require.Len(t, pack.ExecutionResults, 2)

	seq, head := h.ledger.Head()
	assert.Equal(t, ChainHead{Sequence: seq, Hash: head}, pack.ChainHead)

	assert.True(t, strings.HasPrefix(pack.Digest, "sha256:"))
	ok, err := Verify(pack)
	require.NoError(t, err)
	assert.True(t, ok)

	pack.PendingApprovals = nil
	ok, err = Verify(pack)
	require.NoError(t, err)
	assert.False(t, ok, "tampering changes the digest")
}

func TestExport_Filters(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, "s1", orchestrator.Step{Tool: "sharepoint_read", Parameters: map[string]any{"path": "a"}})
	h.start(t, "s2", orchestrator.Step{Tool: "email_send"})

	pack, err := h.exporter(t).Export(context.Background(), Request{RunID: first.ID})
	require.NoError(t, err)
	require.Len(t, pack.ExecutionResults, 1)
	assert.Equal(t, first.ID, pack.ExecutionResults[0].RunID)
	assert.Len(t, pack.Ledger, 2)
	for _, ev := range pack.Ledger {
		assert.Equal(t, first.ID, ev.RunID)
	}

	future := time.Now().Add(time.Hour)
	pack, err = h.exporter(t).Export(context.Background(), Request{Since: future})
	require.NoError(t, err)
	assert.Empty(t, pack.Ledger)
	assert.Empty(t, pack.GateSequence)
	require.NotNil(t, pack.Since)
}

func TestExport_RedactsSecrets(t *testing.T) {
	redactor, err := secrets.New(secrets.Options{})
	require.NoError(t, err)

	h := newHarness(t)
	run := h.start(t, "s1", orchestrator.Step{Tool: "jira_create", Parameters: map[string]any{
		"title": "Rotate creds", "description": "see ticket", "api_key": "do-not-export",
	}})
	require.Equal(t, orchestrator.StateAwaitingApproval, run.State)

	pack, err := h.exporter(t, WithRedactor(redactor)).Export(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, pack.PendingApprovals, 1)
	assert.Equal(t, secrets.Marker(secrets.KeyRuleID), pack.PendingApprovals[0].Parameters["api_key"])
	assert.GreaterOrEqual(t, pack.Redactions, 1)

	ok, err := Verify(pack)
	require.NoError(t, err)
	assert.True(t, ok, "digest covers the redacted content")

	stored, err := h.queue.Get(context.Background(), run.SuspendedOn)
	require.NoError(t, err)
	assert.Equal(t, "do-not-export", stored.Parameters["api_key"], "queue is read-only to the exporter")

	h.log.AssertLogged(t, zap.InfoLevel, "evidence pack exported")
	h.log.AssertField(t, "evidence pack exported", "redactions", int64(pack.Redactions))
	h.log.AssertNoSecrets(t, "do-not-export")
}

// racingLedger appends one more entry between the head read and the
// event read.
type racingLedger struct {
	*audit.Ledger
	once sync.Once
}

func (l *racingLedger) Events(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var err error
	l.once.Do(func() {
		_, err = l.Ledger.Append(ctx, audit.Event{
			Gate: gate.SystemOutbound, Action: "sharepoint_read", ActorID: "late", Decision: gate.Allow,
		})
	})
	if err != nil {
		return nil, err
	}
	return l.Ledger.Events(ctx, f)
}

func TestExport_ChainHeadCoversLedger(t *testing.T) {
	h := newHarness(t)
	h.start(t, "s1", orchestrator.Step{Tool: "sharepoint_read", Parameters: map[string]any{"path": "a"}})
	seq, head := h.ledger.Head()

	e, err := NewExporter(&racingLedger{Ledger: h.ledger}, h.queue, h.orch, h.gw, nil)
	require.NoError(t, err)
	pack, err := e.Export(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, ChainHead{Sequence: seq, Hash: head}, pack.ChainHead)
	require.NotEmpty(t, pack.Ledger)
	last := pack.Ledger[len(pack.Ledger)-1]
	assert.Equal(t, pack.ChainHead.Sequence, last.Sequence)
	assert.Equal(t, pack.ChainHead.Hash, last.EntryHash)

	after, _ := h.ledger.Head()
	assert.Equal(t, seq+1, after, "the late entry is in the ledger, not the pack")
}

func TestEncode_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.start(t, "s1", orchestrator.Step{Tool: "occ_query", Parameters: map[string]any{"query": "model risk"}})
	pack, err := h.exporter(t).Export(context.Background(), Request{})
	require.NoError(t, err)

	raw, err := Encode(pack, FormatJSON)
	require.NoError(t, err)
	decoded, err := Decode(raw, FormatJSON)
	require.NoError(t, err)
	ok, err := Verify(decoded)
	require.NoError(t, err)
	assert.True(t, ok, "digest survives a JSON round trip")

	raw, err = Encode(pack, FormatYAML)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &generic))
	assert.Equal(t, pack.Digest, generic["digest"])
	assert.Contains(t, generic, "gate_sequence")
	assert.Contains(t, generic, "export_timestamp")

	_, err = Encode(pack, "xml")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestFileNameAndFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 5, 7, 0, time.UTC)
	assert.Equal(t, "evidence_pack_20260301_090507.json", FileName(at, FormatJSON))
	assert.Equal(t, "evidence_pack_20260301_090507.yaml", FileName(at, FormatYAML))

	for in, want := range map[string]Format{"": FormatJSON, "json": FormatJSON, "yaml": FormatYAML, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
