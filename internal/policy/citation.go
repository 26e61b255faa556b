package policy

import (
	"regexp"
	"strings"
)

// CitationReason is the denial reason for uncited regulatory claims.
const CitationReason = "citation policy: regulatory claim requires at least one citation"

var regulatoryClaim = regexp.MustCompile(`(?i)\b(requires?|must|regulations?|occ|mandated)\b`)

// Citation identifies a source backing a response.
type Citation struct {
	SourceURI string `json:"source_uri"`
	DocHash   string `json:"doc_hash,omitempty"`
}

// IsRegulatoryClaim decides whether a response payload makes a regulatory
// claim. An explicit is_regulatory_claim flag wins over keyword detection.
func IsRegulatoryClaim(payload map[string]any) bool {
	if v, ok := payload["is_regulatory_claim"].(bool); ok {
		return v
	}
	text, _ := payload["text"].(string)
	return regulatoryClaim.MatchString(text)
}

// CitationCount counts citations with a non-empty source_uri.
func CitationCount(payload map[string]any) int {
	n := 0
	switch cs := payload["citations"].(type) {
	case []Citation:
		for _, c := range cs {
			if strings.TrimSpace(c.SourceURI) != "" {
				n++
			}
		}
	case []map[string]any:
		for _, c := range cs {
			if uri, _ := c["source_uri"].(string); strings.TrimSpace(uri) != "" {
				n++
			}
		}
	case []any:
		for _, c := range cs {
			switch v := c.(type) {
			case map[string]any:
				if uri, _ := v["source_uri"].(string); strings.TrimSpace(uri) != "" {
					n++
				}
			case string:
				if strings.TrimSpace(v) != "" {
					n++
				}
			}
		}
	}
	return n
}

// CheckCitations returns false when payload is a regulatory claim without
// a usable citation.
func CheckCitations(payload map[string]any) bool {
	return !IsRegulatoryClaim(payload) || CitationCount(payload) > 0
}
