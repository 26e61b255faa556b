// Package secrets redacts credentials from tool payloads and gate evidence
// before they leave the process in an evidence pack.
//
// Detection uses the Gitleaks default rule set. Values stored under
// sensitive keys (password, token, api_key, ...) are redacted whole,
// whatever they look like.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// KeyRuleID marks values redacted because of the key they were stored under.
const KeyRuleID = "sensitive-key"

// DefaultSensitiveKeys are map keys whose values are always redacted.
var DefaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "access_token", "refresh_token",
	"api_key", "apikey", "authorization", "private_key", "client_secret",
}

// Finding is one redacted secret. The secret itself is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Path   string `json:"path,omitempty"`
	Length int    `json:"length"`
}

// Options configures a Redactor.
type Options struct {
	// Allow lists content regexes that are never treated as secrets.
	Allow []string
	// SensitiveKeys replaces DefaultSensitiveKeys when non-empty.
	SensitiveKeys []string
}

// Redactor finds and masks secrets. It is safe for concurrent use.
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
	keys     map[string]bool
}

// New builds a Redactor over the Gitleaks default configuration.
func New(opts Options) (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if len(opts.Allow) > 0 {
		allow := &gitleaksConfig.Allowlist{Description: "gatewarden allowlist"}
		for _, pattern := range opts.Allow {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
			}
			allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
		}
		detector.Config.Allowlists = append(detector.Config.Allowlists, allow)
	}

	keys := opts.SensitiveKeys
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	r := &Redactor{detector: detector, keys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		r.keys[normalizeKey(k)] = true
	}
	return r, nil
}

// Marker is the replacement text for a secret found by rule.
func Marker(rule string) string {
	return "[REDACTED:" + rule + "]"
}

// RedactString masks every secret Gitleaks finds in s.
func (r *Redactor) RedactString(s string) (string, []Finding) {
	if s == "" {
		return s, nil
	}
	r.mu.Lock()
	found := r.detector.DetectString(s)
	r.mu.Unlock()
	if len(found) == 0 {
		return s, nil
	}

	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(found, func(i, j int) bool { return len(found[i].Secret) > len(found[j].Secret) })
	out := s
	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" || !strings.Contains(out, f.Secret) {
			continue
		}
		out = strings.ReplaceAll(out, f.Secret, Marker(f.RuleID))
		findings = append(findings, Finding{RuleID: f.RuleID, Length: len(f.Secret)})
	}
	return out, findings
}

// RedactValue returns a copy of v with secrets masked. Maps and slices
// produced by JSON decoding are walked; values under sensitive keys are
// replaced whole.
func (r *Redactor) RedactValue(v any) (any, []Finding) {
	var findings []Finding
	out := r.walk(v, "", &findings)
	return out, findings
}

// RedactMap is RedactValue for the common evidence and payload shape.
func (r *Redactor) RedactMap(m map[string]any) (map[string]any, []Finding) {
	if m == nil {
		return nil, nil
	}
	out, findings := r.RedactValue(m)
	return out.(map[string]any), findings
}

func (r *Redactor) walk(v any, path string, findings *[]Finding) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			p := joinPath(path, k)
			if r.keys[normalizeKey(k)] {
				if s, ok := val.(string); ok && s != "" {
					out[k] = Marker(KeyRuleID)
					*findings = append(*findings, Finding{RuleID: KeyRuleID, Path: p, Length: len(s)})
					continue
				}
			}
			out[k] = r.walk(val, p, findings)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.walk(val, fmt.Sprintf("%s[%d]", path, i), findings)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			red, fs := r.RedactString(s)
			out[i] = red
			*findings = append(*findings, withPath(fs, fmt.Sprintf("%s[%d]", path, i))...)
		}
		return out
	case string:
		red, fs := r.RedactString(t)
		*findings = append(*findings, withPath(fs, path)...)
		return red
	default:
		return v
	}
}

func withPath(fs []Finding, path string) []Finding {
	for i := range fs {
		fs[i].Path = path
	}
	return fs
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}
