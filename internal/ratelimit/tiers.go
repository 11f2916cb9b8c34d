package ratelimit

import (
	"fmt"
	"sort"
	"strings"

	"gatekeeper/internal/models"
)

// TierResolver maps tier names to policies. Unknown names resolve to the
// default tier, so an unrecognised or missing tier is never exempt from
// limiting. It is immutable after construction.
type TierResolver struct {
	policies    map[string]models.Policy
	defaultTier string
}

// NewTierResolver validates every policy and the default tier name. Tier
// names are matched case-insensitively.
func NewTierResolver(tiers map[string]models.Policy, defaultTier string) (*TierResolver, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}

	policies := make(map[string]models.Policy, len(tiers))
	for name, policy := range tiers {
		normalized := normalizeTier(name)
		if normalized == "" {
			return nil, fmt.Errorf("tier name cannot be empty")
		}
		if _, dup := policies[normalized]; dup {
			return nil, fmt.Errorf("duplicate tier %q", normalized)
		}
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", name, err)
		}
		policies[normalized] = policy
	}

	def := normalizeTier(defaultTier)
	if _, ok := policies[def]; !ok {
		return nil, fmt.Errorf("default tier %q is not defined", defaultTier)
	}

	return &TierResolver{policies: policies, defaultTier: def}, nil
}

// Resolve returns the policy for tier, or the default tier's policy when tier
// is unknown.
func (tr *TierResolver) Resolve(tier string) models.Policy {
	return tr.policies[tr.Name(tier)]
}

// Name returns the canonical name of the tier Resolve would apply.
func (tr *TierResolver) Name(tier string) string {
	normalized := normalizeTier(tier)
	if _, ok := tr.policies[normalized]; ok {
		return normalized
	}
	return tr.defaultTier
}

// Known reports whether tier names a configured tier.
func (tr *TierResolver) Known(tier string) bool {
	_, ok := tr.policies[normalizeTier(tier)]
	return ok
}

func (tr *TierResolver) DefaultTier() string {
	return tr.defaultTier
}

// Tiers returns the configured tier names in sorted order.
func (tr *TierResolver) Tiers() []string {
	names := make([]string, 0, len(tr.policies))
	for name := range tr.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}
