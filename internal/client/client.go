// Package client is a typed client for the gatewarden REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	api "github.com/fyrsmithlabs/gatewarden/internal/http"

	"github.com/fyrsmithlabs/gatewarden/internal/approval"
	"github.com/fyrsmithlabs/gatewarden/internal/audit"
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
	"github.com/fyrsmithlabs/gatewarden/internal/scenarios"
)

// DefaultTimeout bounds one request. Evidence exports over a large ledger
// are the slowest calls.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// Client talks to one gatewarden server.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) (http.Header, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er api.ErrorResponse
		if json.Unmarshal(raw, &er) != nil || er.Message == "" {
			er.Message = strings.TrimSpace(string(raw))
		}
		return resp.Header, &APIError{StatusCode: resp.StatusCode, Message: er.Message}
	}
	switch dst := out.(type) {
	case nil:
	case *[]byte:
		*dst = raw
	default:
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.Header, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.Header, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	_, err := c.do(ctx, http.MethodGet, path, query, nil, "", out)
	return err
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	_, err := c.do(ctx, method, path, nil, body, contentType, out)
	return err
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/health", nil, &out)
	return out, err
}

// StartRun posts a run configuration.
func (c *Client) StartRun(ctx context.Context, cfg orchestrator.RunConfig) (*orchestrator.Run, error) {
	var out orchestrator.Run
	if err := c.sendJSON(ctx, http.MethodPost, "/api/v1/runs", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches one run snapshot.
func (c *Client) GetRun(ctx context.Context, id string) (*orchestrator.Run, error) {
	var out orchestrator.Run
	if err := c.getJSON(ctx, "/api/v1/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns lists runs matching f.
func (c *Client) ListRuns(ctx context.Context, f orchestrator.RunFilter) ([]orchestrator.Run, error) {
	q := url.Values{}
	setIf(q, "actor", f.ActorID)
	setIf(q, "session", f.SessionID)
	if f.Active {
		q.Set("active", "true")
	}
	var out []orchestrator.Run
	err := c.getJSON(ctx, "/api/v1/runs", q, &out)
	return out, err
}

// Scenarios lists the built-in demo scenarios.
func (c *Client) Scenarios(ctx context.Context) ([]scenarios.Scenario, error) {
	var out []scenarios.Scenario
	err := c.getJSON(ctx, "/api/v1/demo", nil, &out)
	return out, err
}

// Demo starts a built-in scenario by number or name.
func (c *Client) Demo(ctx context.Context, name string, req api.DemoRequest) (*orchestrator.Run, error) {
	var out orchestrator.Run
	if err := c.sendJSON(ctx, http.MethodPost, "/api/v1/demo/"+url.PathEscape(name), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approvals lists approval requests.
func (c *Client) Approvals(ctx context.Context, f approval.ListFilter) ([]approval.Request, error) {
	q := url.Values{}
	setIf(q, "status", string(f.Status))
	setIf(q, "tool", f.Action)
	setIf(q, "actor", f.ActorID)
	setIf(q, "run", f.RunID)
	var out []approval.Request
	err := c.getJSON(ctx, "/api/v1/approvals", q, &out)
	return out, err
}

// Approval fetches one approval request.
func (c *Client) Approval(ctx context.Context, id string) (approval.Request, error) {
	var out approval.Request
	err := c.getJSON(ctx, "/api/v1/approvals/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Resolve approves or rejects a pending request and returns the resumed run.
func (c *Client) Resolve(ctx context.Context, id string, approved bool, resolver, comment string) (*orchestrator.Run, error) {
	verb := "reject"
	if approved {
		verb = "approve"
	}
	var out orchestrator.Run
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/"+verb,
		api.ResolveRequest{Resolver: resolver, Comment: comment}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Ledger queries one page of the audit ledger.
func (c *Client) Ledger(ctx context.Context, f audit.Filter) (audit.Page, error) {
	q := url.Values{}
	setIf(q, "gate", string(f.Gate))
	setIf(q, "decision", string(f.Decision))
	setIf(q, "actor", f.ActorID)
	setIf(q, "run", f.RunID)
	setIf(q, "q", f.Text)
	setTime(q, "since", f.Since)
	setTime(q, "until", f.Until)
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out audit.Page
	err := c.getJSON(ctx, "/api/v1/ledger", q, &out)
	return out, err
}

// VerifyLedger checks the hash chain server side.
func (c *Client) VerifyLedger(ctx context.Context) (audit.VerifyResult, error) {
	var out audit.VerifyResult
	err := c.getJSON(ctx, "/api/v1/ledger/verify", nil, &out)
	return out, err
}

// EvidenceRequest selects what an export covers.
type EvidenceRequest struct {
	Format string
	Since  time.Time
	Until  time.Time
	RunID  string
}

// Evidence downloads an encoded evidence pack and the server's file name.
func (c *Client) Evidence(ctx context.Context, r EvidenceRequest) ([]byte, string, error) {
	q := url.Values{}
	setIf(q, "format", r.Format)
	setIf(q, "run", r.RunID)
	setTime(q, "since", r.Since)
	setTime(q, "until", r.Until)
	var raw []byte
	hdr, err := c.do(ctx, http.MethodGet, "/api/v1/evidence", q, nil, "", &raw)
	if err != nil {
		return nil, "", err
	}
	return raw, fileName(hdr.Get("Content-Disposition")), nil
}

// Policy fetches the active policy.
func (c *Client) Policy(ctx context.Context) (api.PolicyResponse, error) {
	var out api.PolicyResponse
	err := c.getJSON(ctx, "/api/v1/policy", nil, &out)
	return out, err
}

// PutPolicy installs a raw policy document.
func (c *Client) PutPolicy(ctx context.Context, doc []byte) (api.PolicyResponse, error) {
	var out api.PolicyResponse
	_, err := c.do(ctx, http.MethodPut, "/api/v1/policy", nil, bytes.NewReader(doc), "application/json", &out)
	return out, err
}

// Upload sends a file as multipart form data.
func (c *Client) Upload(ctx context.Context, name string, content []byte) (documents.Document, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return documents.Document{}, err
	}
	if _, err := fw.Write(content); err != nil {
		return documents.Document{}, err
	}
	if err := mw.Close(); err != nil {
		return documents.Document{}, err
	}
	var out documents.Document
	_, err = c.do(ctx, http.MethodPost, "/api/v1/documents", nil, &buf, mw.FormDataContentType(), &out)
	return out, err
}

// Documents lists uploaded documents.
func (c *Client) Documents(ctx context.Context) ([]documents.Document, error) {
	var out []documents.Document
	err := c.getJSON(ctx, "/api/v1/documents", nil, &out)
	return out, err
}

// DeleteDocument removes a document.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/api/v1/documents/"+url.PathEscape(id), nil, nil)
}

// ParseRules extracts rules from a document.
func (c *Client) ParseRules(ctx context.Context, id string, usePrimary bool) ([]rules.Rule, error) {
	q := url.Values{"primary": {strconv.FormatBool(usePrimary)}}
	var out []rules.Rule
	_, err := c.do(ctx, http.MethodPost, "/api/v1/documents/"+url.PathEscape(id)+"/rules", q, nil, "", &out)
	return out, err
}

// Rules returns documents, rules and conflicts.
func (c *Client) Rules(ctx context.Context) (rules.Snapshot, error) {
	var out rules.Snapshot
	err := c.getJSON(ctx, "/api/v1/rules", nil, &out)
	return out, err
}

// ActiveRules lists the rules still in force.
func (c *Client) ActiveRules(ctx context.Context) ([]rules.Rule, error) {
	var out []rules.Rule
	err := c.getJSON(ctx, "/api/v1/rules/active", nil, &out)
	return out, err
}

// DetectConflicts compares extracted rules with one baseline rule.
func (c *Client) DetectConflicts(ctx context.Context, baselineID string) ([]rules.Conflict, error) {
	var out []rules.Conflict
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/baseline/"+url.PathEscape(baselineID)+"/conflicts", nil, &out)
	return out, err
}

// ResolveConflict records a human outcome for a conflict.
func (c *Client) ResolveConflict(ctx context.Context, id string, res rules.Resolution, notes string) (rules.Conflict, error) {
	var out rules.Conflict
	err := c.sendJSON(ctx, http.MethodPost, "/api/v1/conflicts/"+url.PathEscape(id)+"/resolve",
		api.ConflictResolveRequest{Resolution: res, Notes: notes}, &out)
	return out, err
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setTime(q url.Values, key string, t time.Time) {
	if !t.IsZero() {
		q.Set(key, t.UTC().Format(time.RFC3339Nano))
	}
}

// fileName pulls the filename parameter out of a Content-Disposition header.
func fileName(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
