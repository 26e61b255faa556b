package http

import (
	"github.com/fyrsmithlabs/gatewarden/internal/documents"
	"github.com/fyrsmithlabs/gatewarden/internal/policy"
	"github.com/fyrsmithlabs/gatewarden/internal/rules"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version,omitempty"`
	PolicyID         string `json:"policy_id"`
	PolicyVersion    string `json:"policy_version"`
	LedgerHead       uint64 `json:"ledger_head"`
	PendingApprovals int    `json:"pending_approvals"`
}

// ResolveRequest is the body of the approve and reject endpoints.
type ResolveRequest struct {
	Resolver string `json:"resolver"`
	Comment  string `json:"comment,omitempty"`
}

// DemoRequest optionally overrides who runs a demo scenario.
type DemoRequest struct {
	ActorID   string `json:"actor_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// UploadRequest is the JSON form of POST /documents.
type UploadRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
}

// ExtractResponse is returned by POST /documents/:id/extract.
type ExtractResponse struct {
	Document documents.Document `json:"document"`
	Text     string             `json:"text"`
}

// ConflictResolveRequest is the body of POST /conflicts/:id/resolve.
type ConflictResolveRequest struct {
	Resolution rules.Resolution `json:"resolution"`
	Notes      string           `json:"notes,omitempty"`
}

// PolicyResponse is returned by the policy endpoints.
type PolicyResponse struct {
	Path   string         `json:"path,omitempty"`
	Policy *policy.Policy `json:"policy"`
}

// ErrorResponse is the body echo writes for failed requests.
type ErrorResponse struct {
	Message string `json:"message"`
}
