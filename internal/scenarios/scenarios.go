// Package scenarios holds the built-in demo runs.
package scenarios

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/gatewarden/internal/orchestrator"
)

//go:embed scenarios.yaml
var scenariosYAML []byte

// ErrUnknownScenario is returned by Lookup when nothing matches.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is a named, ready-to-start run.
type Scenario struct {
	Name        string                 `yaml:"name" json:"name"`
	Title       string                 `yaml:"title" json:"title"`
	Description string                 `yaml:"description" json:"description"`
	Run         orchestrator.RunConfig `yaml:"run" json:"run"`
}

// All returns every scenario in display order. Each call decodes afresh so
// callers may mutate the result.
func All() ([]Scenario, error) {
	var out []Scenario
	if err := yaml.Unmarshal(scenariosYAML, &out); err != nil {
		return nil, fmt.Errorf("decode scenarios: %w", err)
	}
	for _, s := range out {
		if err := s.Run.Validate(); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}
	return out, nil
}

// Lookup finds a scenario by 1-based number or by name (case-insensitive).
func Lookup(key string) (Scenario, error) {
	all, err := All()
	if err != nil {
		return Scenario{}, err
	}
	key = strings.TrimSpace(key)
	if n, err := strconv.Atoi(key); err == nil {
		if n < 1 || n > len(all) {
			return Scenario{}, fmt.Errorf("%w: %d (have 1-%d)", ErrUnknownScenario, n, len(all))
		}
		return all[n-1], nil
	}
	for _, s := range all {
		if strings.EqualFold(s.Name, key) {
			return s, nil
		}
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, key)
}
