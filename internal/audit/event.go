package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous_hash of the first entry.
const GenesisHash = "genesis"

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Event is one gate evaluation. Immutable once appended.
type Event struct {
	ID              string         `json:"id"`
	Sequence        uint64         `json:"sequence"`
	Timestamp       time.Time      `json:"timestamp"`
	Gate            gate.Gate      `json:"gate"`
	Action          string         `json:"action"`
	ActorID         string         `json:"actor_id"`
	RunID           string         `json:"run_id,omitempty"`
	Decision        gate.Decision  `json:"decision"`
	ControlsApplied []string       `json:"controls_applied"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	PreviousHash    string         `json:"previous_hash"`
	EntryHash       string         `json:"entry_hash"`
}

// GateStep is the gate-sequence projection of an event.
type GateStep struct {
	Gate      gate.Gate     `json:"gate"`
	Timestamp time.Time     `json:"timestamp"`
	Decision  gate.Decision `json:"decision"`
	Action    string        `json:"action"`
}

// Step projects the event onto its gate-sequence view.
func (e Event) Step() GateStep {
	return GateStep{Gate: e.Gate, Timestamp: e.Timestamp, Decision: e.Decision, Action: e.Action}
}

// ComputeHash returns the chained hash of e: SHA-256 over the RFC 8785
// canonical JSON of every field except ID and EntryHash.
func ComputeHash(e Event) (string, error) {
	controls := e.ControlsApplied
	if controls == nil {
		controls = []string{}
	}
	hashable := struct {
		Sequence     uint64         `json:"sequence"`
		Timestamp    string         `json:"timestamp"`
		Gate         string         `json:"gate"`
		Action       string         `json:"action"`
		ActorID      string         `json:"actor_id"`
		RunID        string         `json:"run_id"`
		Decision     string         `json:"decision"`
		Controls     []string       `json:"controls_applied"`
		Evidence     map[string]any `json:"evidence"`
		Reason       string         `json:"reason"`
		PreviousHash string         `json:"previous_hash"`
	}{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Gate:         string(e.Gate),
		Action:       e.Action,
		ActorID:      e.ActorID,
		RunID:        e.RunID,
		Decision:     string(e.Decision),
		Controls:     controls,
		Evidence:     e.Evidence,
		Reason:       e.Reason,
		PreviousHash: e.PreviousHash,
	}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Filter selects ledger entries. Zero values match everything.
type Filter struct {
	Gate     gate.Gate     `json:"gate,omitempty"`
	Decision gate.Decision `json:"decision,omitempty"`
	ActorID  string        `json:"actor_id,omitempty"`
	RunID    string        `json:"run_id,omitempty"`
	Text     string        `json:"text,omitempty"`
	Since    time.Time     `json:"since,omitempty"`
	Until    time.Time     `json:"until,omitempty"`
	Offset   int           `json:"offset,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

// Normalize clamps paging to [1, MaxLimit], defaulting to DefaultLimit.
func (f Filter) Normalize() Filter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return f
}

// Match reports whether e passes every set criterion. Paging is ignored.
// Since is inclusive and Until is exclusive.
func (f Filter) Match(e Event) bool {
	if f.Gate != "" && e.Gate != f.Gate {
		return false
	}
	if f.Decision != "" && e.Decision != f.Decision {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	if f.Text != "" && !strings.Contains(SearchText(e), strings.ToLower(f.Text)) {
		return false
	}
	return true
}

// SearchText is the lower-cased haystack free-text queries run against.
func SearchText(e Event) string {
	var b strings.Builder
	b.WriteString(e.Action)
	b.WriteByte(' ')
	b.WriteString(e.ActorID)
	b.WriteByte(' ')
	b.WriteString(strings.Join(e.ControlsApplied, " "))
	b.WriteByte(' ')
	b.WriteString(e.Reason)
	if len(e.Evidence) > 0 {
		if raw, err := json.Marshal(e.Evidence); err == nil {
			b.WriteByte(' ')
			b.Write(raw)
		}
	}
	return strings.ToLower(b.String())
}

// Page is one page of query results.
type Page struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}

// VerifyResult reports chain integrity.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	Head     string `json:"head"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
