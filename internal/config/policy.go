package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TierPolicy maps subscription tiers to polling cadence. It is a pure
// lookup table so cadence changes ship as data, not code.
type TierPolicy struct {
	intervals map[string]time.Duration
	fallback  time.Duration
}

type policyFile struct {
	Tiers   map[string]string `yaml:"tiers"`
	Default string            `yaml:"default"`
}

// DefaultTierPolicy returns the built-in cadence table.
func DefaultTierPolicy() *TierPolicy {
	return &TierPolicy{
		intervals: map[string]time.Duration{
			"basic":   5 * time.Minute,
			"pro":     2 * time.Minute,
			"premium": 1 * time.Minute,
		},
		fallback: 5 * time.Minute,
	}
}

// LoadTierPolicy reads a YAML tier table. An empty path returns the
// built-in defaults.
//
// Format:
//
//	tiers:
//	  basic: 5m
//	  pro: 2m
//	  premium: 1m
//	default: 5m
func LoadTierPolicy(path string) (*TierPolicy, error) {
	if path == "" {
		return DefaultTierPolicy(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier policy: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse tier policy: %w", err)
	}
	if len(pf.Tiers) == 0 {
		return nil, fmt.Errorf("tier policy %s defines no tiers", path)
	}

	p := &TierPolicy{
		intervals: make(map[string]time.Duration, len(pf.Tiers)),
		fallback:  5 * time.Minute,
	}
	for tier, raw := range pf.Tiers {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("tier %q has invalid interval %q", tier, raw)
		}
		p.intervals[tier] = d
	}
	if pf.Default != "" {
		d, err := time.ParseDuration(pf.Default)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid default interval %q", pf.Default)
		}
		p.fallback = d
	}
	return p, nil
}

// TickInterval returns the polling interval for a tier, falling back to the
// table default for unknown tiers.
func (p *TierPolicy) TickInterval(tier string) time.Duration {
	if d, ok := p.intervals[tier]; ok {
		return d
	}
	return p.fallback
}
