package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

//go:embed baseline.toml
var defaultBaseline []byte

type baselineFile struct {
	Rules []BaselineRule `toml:"rule"`
}

// DefaultBaseline returns the embedded baseline rule set.
func DefaultBaseline() ([]BaselineRule, error) {
	return ParseBaseline(defaultBaseline)
}

// LoadBaseline reads a baseline rule set from a TOML file. An empty path
// returns the embedded set.
func LoadBaseline(path string) ([]BaselineRule, error) {
	if path == "" {
		return DefaultBaseline()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	return ParseBaseline(data)
}

// ParseBaseline decodes and validates a TOML baseline rule set.
func ParseBaseline(data []byte) ([]BaselineRule, error) {
	var f baselineFile
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse baseline: unknown key %s", undecoded[0])
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("baseline has no rules")
	}

	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		if r.ID == "" || r.Text == "" {
			return nil, fmt.Errorf("baseline rule %d: id and text are required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("baseline rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if r.RuleType == "" {
			f.Rules[i].RuleType = TypeOther
		} else if !r.RuleType.Valid() {
			return nil, fmt.Errorf("baseline rule %s: unknown rule_type %q", r.ID, r.RuleType)
		}
		if r.TimePeriods == nil {
			f.Rules[i].TimePeriods = []string{}
		}
	}
	return f.Rules, nil
}
