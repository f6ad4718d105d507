package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
)

// RulesFile is the YAML document holding rule versions and detector
// thresholds. Fields a rule version leaves out keep their default value.
//
//	rules:
//	  - version: 1.1.0
//	    steepness: 0.4
//	detector:
//	  window: 20
type RulesFile struct {
	Rules    []scoring.Rules
	Detector abuse.Config
}

type rawRulesFile struct {
	Rules    []yaml.Node `yaml:"rules"`
	Detector yaml.Node   `yaml:"detector"`
}

// LoadRules reads and validates a rules file.
func LoadRules(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rules %q: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules parses a rules document.
func ParseRules(data []byte) (*RulesFile, error) {
	var raw rawRulesFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	out := &RulesFile{Detector: abuse.DefaultConfig()}
	seen := map[string]bool{}
	for i := range raw.Rules {
		r := scoring.DefaultRules()
		r.Description = ""
		if err := raw.Rules[i].Decode(&r); err != nil {
			return nil, fmt.Errorf("parse rules[%d]: %w", i, err)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if seen[r.Version] {
			return nil, fmt.Errorf("rules[%d]: duplicate version %s", i, r.Version)
		}
		seen[r.Version] = true
		out.Rules = append(out.Rules, r)
	}
	if !raw.Detector.IsZero() {
		if err := raw.Detector.Decode(&out.Detector); err != nil {
			return nil, fmt.Errorf("parse detector: %w", err)
		}
	}
	return out, nil
}

// Registry builds a rule registry from the file. The default rule version is
// added unless the file defines it.
func (f *RulesFile) Registry() (*scoring.Registry, error) {
	rules := f.Rules
	if !slices.ContainsFunc(rules, func(r scoring.Rules) bool { return r.Version == scoring.DefaultVersion }) {
		rules = append([]scoring.Rules{scoring.DefaultRules()}, rules...)
	}
	return scoring.NewRegistry(rules...)
}
