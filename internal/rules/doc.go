// Package rules extracts structured policy rules from document text and
// reconciles them against a fixed baseline rule set.
//
// Extraction is a two-stage pipeline. The primary strategy asks an
// OpenAI-compatible service for JSON rules; when it is disabled, fails or
// returns nothing, KeywordExtract scans the text line by line. Rules are
// deduplicated by (document id, text).
//
// Conflict detection is a coarse keyword heuristic. Every candidate needs a
// human resolution; nothing is resolved automatically.
package rules
