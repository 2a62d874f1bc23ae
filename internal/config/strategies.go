package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"perpbot/internal/domain"
)

type strategyFile struct {
	Strategies []domain.Strategy `yaml:"strategies"`
}

// LoadStrategies reads the strategy seed file. Every strategy is normalized,
// so legacy entry modes are migrated here once.
func LoadStrategies(path string) ([]domain.Strategy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategies file: %w", err)
	}
	var f strategyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse strategies file: %w", err)
	}
	seen := make(map[string]bool, len(f.Strategies))
	for i := range f.Strategies {
		s := &f.Strategies[i]
		if s.ID == "" {
			return nil, fmt.Errorf("strategy %d (%q): id is required", i, s.Name)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		seen[s.ID] = true
		if err := s.Normalize(); err != nil {
			return nil, err
		}
	}
	return f.Strategies, nil
}
