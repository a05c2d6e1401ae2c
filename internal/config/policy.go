package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"labmapa/internal/mapa"
)

// Policy holds the sign-off rules. Per-parameter entries override the
// global default.
type Policy struct {
	AllowSelfSignoff bool                      `yaml:"allow_self_signoff"`
	Parameters       map[int64]ParameterPolicy `yaml:"parameters"`
}

type ParameterPolicy struct {
	AllowSelfSignoff *bool `yaml:"allow_self_signoff"`
}

// LoadPolicy reads a YAML policy file. An empty path yields the zero
// policy, which denies self sign-off everywhere.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return policy, nil
}

// AllowsSelfSignoff reports whether the analyst who started a row of
// parameterID may also sign it off.
func (p Policy) AllowsSelfSignoff(parameterID int64) bool {
	if override, ok := p.Parameters[parameterID]; ok && override.AllowSelfSignoff != nil {
		return *override.AllowSelfSignoff
	}
	return p.AllowSelfSignoff
}

func (p Policy) SelfSignoff() mapa.SelfSignoffPolicy {
	return func(param mapa.ParameterContext, _ mapa.SampleRow, _ int64) bool {
		return p.AllowsSelfSignoff(param.ID)
	}
}
