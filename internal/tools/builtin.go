package tools

import (
	"context"
	"fmt"
)

// Builtin returns the stub tools used by the demo scenarios.
func Builtin() []Tool {
	return []Tool{
		{
			Name:        "sharepoint_read",
			Description: "Read a document from SharePoint",
			Required:    []string{"path"},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				return map[string]any{
					"source_uri": fmt.Sprintf("sharepoint://%v", p["path"]),
					"content":    "Draft policy template text...",
					"doc_hash":   "abc123",
				}, nil
			},
		},
		{
			Name:        "occ_query",
			Description: "Query OCC regulatory guidance",
			Required:    []string{"query"},
			Fn: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{
					"source_uri": "occ://guidance/2024-xyz",
					"content":    "OCC guidance excerpt...",
					"doc_hash":   "def456",
				}, nil
			},
		},
		{
			Name:        "write_draft",
			Description: "Write text to a draft document",
			Required:    []string{"doc_id", "text"},
			Fn: func(_ context.Context, p map[string]any) (map[string]any, error) {
				return map[string]any{
					"doc_id":     p["doc_id"],
					"status":     "written_to_draft",
					"version_id": "v7",
				}, nil
			},
		},
		{
			Name:        "jira_create",
			Description: "Create a Jira task",
			Required:    []string{"title", "description"},
			Fn: func(context.Context, map[string]any) (map[string]any, error) {
				return map[string]any{
					"issue_key": "COMPL-123",
					"status":    "created",
				}, nil
			},
		},
	}
}

// RegisterBuiltin adds the stub tools to r.
func RegisterBuiltin(r *Registry) {
	for _, t := range Builtin() {
		_ = r.Register(t)
	}
}
