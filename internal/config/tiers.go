package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/observatory-hq/observatory/internal/domain"
)

// WindowLimits holds the per-window request budgets for one tier.
type WindowLimits struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

// CallbackPolicy constrains callback_url targets for one tier.
type CallbackPolicy struct {
	Schemes []string `yaml:"schemes"`
	Hosts   []string `yaml:"hosts"`
}

// TierPolicy is the resolved per-tier configuration: window limits plus the
// callback allowlist.
type TierPolicy struct {
	Limits    WindowLimits   `yaml:"limits"`
	Callbacks CallbackPolicy `yaml:"callbacks"`
}

// TierPolicies maps tier name to policy.
type TierPolicies map[domain.Tier]TierPolicy

// tierFile is the YAML shape of an optional overrides file.
type tierFile struct {
	Tiers map[string]TierPolicy `yaml:"tiers"`
}

// DefaultTierPolicies derives the policy table from env-configured limits.
// Public tier never receives callbacks; partner accepts http in addition to
// https and any host.
func DefaultTierPolicies(c Config) TierPolicies {
	return TierPolicies{
		domain.TierPublic: {
			Limits: WindowLimits{PerMinute: c.PublicPerMinute, PerHour: c.PublicPerHour, PerDay: c.PublicPerDay},
		},
		domain.TierAPIKey: {
			Limits:    WindowLimits{PerMinute: c.APIKeyPerMinute, PerHour: c.APIKeyPerHour, PerDay: c.APIKeyPerDay},
			Callbacks: CallbackPolicy{Schemes: []string{"https"}},
		},
		domain.TierPartner: {
			Limits:    WindowLimits{PerMinute: c.PartnerPerMinute, PerHour: c.PartnerPerHour, PerDay: c.PartnerPerDay},
			Callbacks: CallbackPolicy{Schemes: []string{"https", "http"}},
		},
	}
}

// LoadTierPolicies returns the defaults merged with the optional YAML file
// named by TIER_FILE. Unknown tier names in the file are logged and ignored.
func LoadTierPolicies(c Config) (TierPolicies, error) {
	policies := DefaultTierPolicies(c)
	if c.TierFile == "" {
		return policies, nil
	}
	b, err := os.ReadFile(c.TierFile)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadTierPolicies: %w", err)
	}
	var f tierFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadTierPolicies: %w", err)
	}
	for name, p := range f.Tiers {
		tier := domain.Tier(name)
		if !domain.ValidTier(tier) {
			slog.Warn("tier file: unknown tier ignored", slog.String("tier", name))
			continue
		}
		merged := policies[tier]
		if p.Limits.PerMinute > 0 {
			merged.Limits.PerMinute = p.Limits.PerMinute
		}
		if p.Limits.PerHour > 0 {
			merged.Limits.PerHour = p.Limits.PerHour
		}
		if p.Limits.PerDay > 0 {
			merged.Limits.PerDay = p.Limits.PerDay
		}
		if len(p.Callbacks.Schemes) > 0 {
			merged.Callbacks.Schemes = p.Callbacks.Schemes
		}
		if len(p.Callbacks.Hosts) > 0 {
			merged.Callbacks.Hosts = p.Callbacks.Hosts
		}
		policies[tier] = merged
	}
	return policies, nil
}
