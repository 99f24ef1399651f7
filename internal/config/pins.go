package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/sourcefleet/internal/domain/agent"
)

// PinsFile is the on-disk form of static binding pins.
//
//	fallback: round_robin
//	sources:
//	  3f1c...: 10.0.0.4
//	groups:
//	  billing: 10.0.0.7
type PinsFile struct {
	Fallback string            `yaml:"fallback"`
	Sources  map[string]string `yaml:"sources"`
	Groups   map[string]string `yaml:"groups"`
}

// LoadPins reads and parses a pins file.
func LoadPins(path string) (*PinsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pins file: %w", err)
	}

	var pins PinsFile
	if err := yaml.Unmarshal(data, &pins); err != nil {
		return nil, fmt.Errorf("failed to parse pins file: %w", err)
	}
	return &pins, nil
}

// BindingPolicy builds the dispatch binding policy. Pins are only read when
// a pins file is configured.
func (d DispatchConfig) BindingPolicy() (agent.Policy, error) {
	strategy, err := agent.ParseBindingStrategy(d.Strategy)
	if err != nil {
		return agent.Policy{}, err
	}

	policy := agent.Policy{Strategy: strategy}
	if d.PinsFile == "" {
		if strategy == agent.BindingStatic {
			return agent.Policy{}, fmt.Errorf("strategy %q requires dispatch.pins_file", strategy)
		}
		return policy, nil
	}

	pins, err := LoadPins(d.PinsFile)
	if err != nil {
		return agent.Policy{}, err
	}
	policy.SourcePins = pins.Sources
	policy.GroupPins = pins.Groups
	if pins.Fallback != "" {
		fb, err := agent.ParseBindingStrategy(pins.Fallback)
		if err != nil {
			return agent.Policy{}, fmt.Errorf("invalid pins fallback: %w", err)
		}
		policy.Fallback = fb
	}
	return policy, nil
}
