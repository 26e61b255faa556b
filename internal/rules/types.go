package rules

import (
	"errors"
	"time"
)

var (
	// ErrExtractionService marks a primary extraction failure. It is logged
	// and recovered through the fallback, never returned by Extract.
	ErrExtractionService = errors.New("extraction service error")
	// ErrConflictNotFound is returned when resolving an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")
	// ErrBaselineNotFound is returned for an unknown baseline rule id.
	ErrBaselineNotFound = errors.New("baseline rule not found")
	// ErrInvalidResolution is returned for a resolution outside the known set.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// RuleType is the closed category set an extracted rule belongs to.
type RuleType string

const (
	TypeDataRetention RuleType = "data_retention"
	TypeAccessControl RuleType = "access_control"
	TypeCompliance    RuleType = "compliance"
	TypeSecurity      RuleType = "security"
	TypePrivacy       RuleType = "privacy"
	TypeOperational   RuleType = "operational"
	TypeOther         RuleType = "other"
)

// RuleTypes lists every category in schema order.
func RuleTypes() []RuleType {
	return []RuleType{TypeDataRetention, TypeAccessControl, TypeCompliance, TypeSecurity, TypePrivacy, TypeOperational, TypeOther}
}

// Valid reports whether t is one of RuleTypes.
func (t RuleType) Valid() bool {
	for _, v := range RuleTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// Method records which strategy produced a rule.
type Method string

const (
	MethodPrimary  Method = "primary"
	MethodFallback Method = "fallback"
)

// Rule is an extracted ("soft") rule.
type Rule struct {
	ID                 string    `json:"id"`
	ExternalID         string    `json:"external_id,omitempty"`
	SourceDocumentID   string    `json:"source_document_id"`
	SourceDocumentName string    `json:"source_document_name,omitempty"`
	Text               string    `json:"text"`
	RuleType           RuleType  `json:"rule_type"`
	KeyRequirements    []string  `json:"key_requirements"`
	TimePeriods        []string  `json:"time_periods"`
	Confidence         float64   `json:"confidence"`
	Method             Method    `json:"extraction_method"`
	Context            string    `json:"context,omitempty"`
	ExtractedAt        time.Time `json:"extracted_at"`
}

type ruleKey struct {
	docID string
	text  string
}

func (r Rule) key() ruleKey {
	return ruleKey{docID: r.SourceDocumentID, text: r.Text}
}

// BaselineRule is a fixed regulatory ("hard") rule.
type BaselineRule struct {
	ID          string   `json:"id" toml:"id"`
	Title       string   `json:"title" toml:"title"`
	Text        string   `json:"text" toml:"text"`
	RuleType    RuleType `json:"rule_type" toml:"rule_type"`
	TimePeriods []string `json:"time_periods" toml:"time_periods"`
	Source      string   `json:"source" toml:"source"`
}

// Resolution is a human outcome for a conflict.
type Resolution string

const (
	UseBaseline Resolution = "use_baseline"
	UseSoft     Resolution = "use_soft"
	Both        Resolution = "both"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == UseBaseline || r == UseSoft || r == Both
}

// ConflictRetentionPeriod is the only conflict type the heuristic detects.
const ConflictRetentionPeriod = "retention_period"

// Conflict pairs a baseline rule with an extracted rule that may overlap it.
type Conflict struct {
	ID             string     `json:"id"`
	BaselineRuleID string     `json:"baseline_rule_id"`
	RuleID         string     `json:"rule_id"`
	ConflictType   string     `json:"conflict_type"`
	DetectedAt     time.Time  `json:"detected_at"`
	Resolution     Resolution `json:"resolution,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether a human has recorded an outcome.
func (c Conflict) Resolved() bool {
	return c.Resolution != ""
}
