package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gitlab.com/vmfleet.net/internal/domain"
)

// LoadTierPolicy reads overcommit ratios from a YAML file of the form
//
//	tiers:
//	  standard: {cpu: 1.5, memory: 1.5}
//	  premium:  {cpu: 1.0, memory: 1.0}
//
// Tiers the file names replace the defaults; the rest keep them. An empty
// path yields the defaults.
func LoadTierPolicy(path string) (domain.TierPolicy, error) {
	policy := domain.DefaultTierPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read tier policy: %w", err)
	}
	var file domain.TierPolicy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return policy, fmt.Errorf("failed to parse tier policy: %w", err)
	}
	for tier, ratio := range file.Tiers {
		if ratio.CPU <= 0 || ratio.Memory <= 0 {
			return policy, fmt.Errorf("tier %q: ratios must be positive", tier)
		}
		policy.Tiers[tier] = ratio
	}
	return policy, nil
}
