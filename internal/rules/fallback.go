package rules

import "strings"

// FallbackConfidence is assigned to every keyword-matched rule.
const FallbackConfidence = 0.5

var fallbackKeywords = []string{"retention", "retain", "policy", "compliance", "regulation"}

// KeywordExtract is the deterministic fallback: each line containing a
// policy keyword becomes a rule of type other.
func KeywordExtract(text string) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, kw := range fallbackKeywords {
			if strings.Contains(lower, kw) {
				out = append(out, Candidate{
					Text:            line,
					RuleType:        TypeOther,
					KeyRequirements: []string{},
					TimePeriods:     []string{},
					Confidence:      FallbackConfidence,
				})
				break
			}
		}
	}
	return out
}
