// Package evidence assembles portable evidence packs for compliance review:
// the ledger, run results, pending approvals and the gate sequence, sealed
// with a canonical digest.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/gatewarden/internal/evidence"

// ErrUnknownFormat is returned for a format other than json or yaml.
var ErrUnknownFormat = errors.New("unknown evidence format")

// Format is a serialization format for packs.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts "json", "yaml" and "yml". Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// PolicyFile identifies the policy in force at export time.
type PolicyFile struct {
	Path          string `json:"path"`
	PolicyID      string `json:"policy_id"`
	PolicyVersion string `json:"policy_version"`
}

// RunResults is one run's execution record.
type RunResults struct {
	RunID     string                    `json:"run_id"`
	ActorID   string                    `json:"actor_id"`
	SessionID string                    `json:"session_id"`
	State     string                    `json:"state"`
	Outcome   orchestrator.Outcome      `json:"outcome,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	Results   []orchestrator.StepResult `json:"results"`
}

// ChainHead is the ledger head at export time.
type ChainHead struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// Pack is an exported evidence snapshot.
type Pack struct {
	ExportTimestamp  time.Time          `json:"export_timestamp"`
	PolicyFile       PolicyFile         `json:"policy_file"`
	Since            *time.Time         `json:"since,omitempty"`
	Until            *time.Time         `json:"until,omitempty"`
	RunID            string             `json:"run_id,omitempty"`
	Ledger           []audit.Event      `json:"ledger"`
	ExecutionResults []RunResults       `json:"execution_results"`
	PendingApprovals []approval.Request `json:"pending_approvals"`
	GateSequence     []audit.GateStep   `json:"gate_sequence"`
	ChainHead        ChainHead          `json:"chain_head"`
	Redactions       int                `json:"redactions"`
	Digest           string             `json:"digest,omitempty"`
}

// Request narrows an export. Zero values export everything.
type Request struct {
	Since time.Time
	Until time.Time
	RunID string
}

// LedgerReader is the read side of the audit ledger.
type LedgerReader interface {
	Events(ctx context.Context, f audit.Filter) ([]audit.Event, error)
	Head() (uint64, string)
}

// ApprovalReader lists approval requests.
type ApprovalReader interface {
	List(ctx context.Context, f approval.ListFilter) ([]approval.Request, error)
}

// RunReader lists runs.
type RunReader interface {
	List(ctx context.Context, f orchestrator.RunFilter) ([]*orchestrator.Run, error)
}

// PolicySource reports the active policy.
type PolicySource interface {
	Policy() *policy.Policy
	Path() string
}

// Exporter builds packs from read-only views of the other components.
type Exporter struct {
	ledger    LedgerReader
	approvals ApprovalReader
	runs      RunReader
	policy    PolicySource
	redactor  *secrets.Redactor
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithRedactor masks secrets in payloads and evidence before sealing.
func WithRedactor(r *secrets.Redactor) Option {
	return func(e *Exporter) { e.redactor = r }
}

// WithClock overrides the export timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an exporter. policy may be nil.
func NewExporter(ledger LedgerReader, approvals ApprovalReader, runs RunReader, pol PolicySource, logger *zap.Logger, opts ...Option) (*Exporter, error) {
	if ledger == nil || approvals == nil || runs == nil {
		return nil, errors.New("evidence: ledger, approvals and runs are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Exporter{
		ledger:    ledger,
		approvals: approvals,
		runs:      runs,
		policy:    pol,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Export assembles and seals a pack.
func (e *Exporter) Export(ctx context.Context, req Request) (*Pack, error) {
	ctx, span := e.tracer.Start(ctx, "evidence.Export")
	defer span.End()

	// The pack is the ledger as of this head; later appends are left out.
	seq, head := e.ledger.Head()
	events, err := e.ledger.Events(ctx, audit.Filter{Since: req.Since, Until: req.Until, RunID: req.RunID})
	if err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	for i, ev := range events {
		if ev.Sequence > seq {
			events = events[:i]
			break
		}
	}
	pending, err := e.approvals.List(ctx, approval.ListFilter{Status: approval.StatusPending, RunID: req.RunID})
	if err != nil {
		return nil, fmt.Errorf("reading approvals: %w", err)
	}
	runs, err := e.runs.List(ctx, orchestrator.RunFilter{})
	if err != nil {
		return nil, fmt.Errorf("reading runs: %w", err)
	}

	p := &Pack{
		ExportTimestamp:  e.now().UTC(),
		RunID:            req.RunID,
		Ledger:           events,
		ExecutionResults: []RunResults{},
		PendingApprovals: pending,
		GateSequence:     make([]audit.GateStep, 0, len(events)),
		ChainHead:        ChainHead{Sequence: seq, Hash: head},
	}
	if !req.Since.IsZero() {
		since := req.Since.UTC()
		p.Since = &since
	}
	if !req.Until.IsZero() {
		until := req.Until.UTC()
		p.Until = &until
	}
	if e.policy != nil {
		if pol := e.policy.Policy(); pol != nil {
			p.PolicyFile = PolicyFile{Path: e.policy.Path(), PolicyID: pol.PolicyID, PolicyVersion: pol.PolicyVersion}
		}
	}
	for _, ev := range events {
		p.GateSequence = append(p.GateSequence, ev.Step())
	}
	for _, r := range runs {
		if req.RunID != "" && r.ID != req.RunID {
			continue
		}
		p.ExecutionResults = append(p.ExecutionResults, RunResults{
			RunID:     r.ID,
			ActorID:   r.ActorID,
			SessionID: r.SessionID,
			State:     r.Label(),
			Outcome:   r.Outcome,
			Reason:    r.Reason,
			Results:   r.AllResults(),
		})
	}

	if e.redactor != nil {
		p.Redactions = e.redact(p)
	}
	if err := Seal(p); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("ledger_entries", len(p.Ledger)),
		attribute.Int("runs", len(p.ExecutionResults)),
		attribute.Int("redactions", p.Redactions),
	)
	e.logger.Info("evidence pack exported",
		zap.Int("ledger_entries", len(p.Ledger)),
		zap.Int("runs", len(p.ExecutionResults)),
		zap.Int("pending_approvals", len(p.PendingApprovals)),
		zap.Int("redactions", p.Redactions),
		zap.String("digest", p.Digest))
	return p, nil
}

// redact masks secrets in place and returns the number found.
func (e *Exporter) redact(p *Pack) int {
	n := 0
	for i := range p.Ledger {
		ev := &p.Ledger[i]
		var fs []secrets.Finding
		ev.Evidence, fs = e.redactor.RedactMap(ev.Evidence)
		n += len(fs)
		ev.Reason, fs = e.redactor.RedactString(ev.Reason)
		n += len(fs)
	}
	for i := range p.ExecutionResults {
		results := p.ExecutionResults[i].Results
		for j := range results {
			var fs []secrets.Finding
			results[j].Payload, fs = e.redactor.RedactMap(results[j].Payload)
			n += len(fs)
			results[j].Reason, fs = e.redactor.RedactString(results[j].Reason)
			n += len(fs)
		}
	}
	for i := range p.PendingApprovals {
		var fs []secrets.Finding
		p.PendingApprovals[i].Parameters, fs = e.redactor.RedactMap(p.PendingApprovals[i].Parameters)
		n += len(fs)
	}
	return n
}

// Digest returns "sha256:" over the RFC 8785 canonical JSON of p with the
// digest field left out.
func Digest(p *Pack) (string, error) {
	cp := *p
	cp.Digest = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("marshal pack: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize pack: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Seal sets p.Digest.
func Seal(p *Pack) error {
	d, err := Digest(p)
	if err != nil {
		return err
	}
	p.Digest = d
	return nil
}

// Verify reports whether p.Digest matches its content.
func Verify(p *Pack) (bool, error) {
	d, err := Digest(p)
	if err != nil {
		return false, err
	}
	return d == p.Digest, nil
}

// Encode serializes p. YAML output uses the same field names as JSON.
func Encode(p *Pack, f Format) ([]byte, error) {
	switch f {
	case FormatJSON, "":
		raw, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode pack: %w", err)
		}
		return append(raw, '\n'), nil
	case FormatYAML:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode pack: %w", err)
		}
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("encode pack: %w", err)
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return nil, fmt.Errorf("encode pack: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode pack: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// Decode parses a pack written by Encode in either format.
func Decode(data []byte, f Format) (*Pack, error) {
	if f == FormatYAML {
		var generic map[string]any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("decode pack: %w", err)
		}
		raw, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("decode pack: %w", err)
		}
		data = raw
	}
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pack: %w", err)
	}
	return &p, nil
}

// FileName suggests a file name such as evidence_pack_20260301_120000.json.
func FileName(at time.Time, f Format) string {
	ext := "json"
	if f == FormatYAML {
		ext = "yaml"
	}
	return fmt.Sprintf("evidence_pack_%s.%s", at.UTC().Format("20060102_150405"), ext)
}
