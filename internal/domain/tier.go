package domain

// Tier is the quality-of-service class a workload is placed under. It
// selects the overcommit ratio the ledger applies to a worker's capacity.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
	TierEconomy  Tier = "economy"
)

// OvercommitRatio multiplies advertised CPU and memory. A ratio of 1.0
// means no overcommit.
type OvercommitRatio struct {
	CPU    float64 `json:"cpu" yaml:"cpu"`
	Memory float64 `json:"memory" yaml:"memory"`
}

type TierPolicy struct {
	Tiers map[Tier]OvercommitRatio `json:"tiers" yaml:"tiers"`
}

func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		Tiers: map[Tier]OvercommitRatio{
			TierStandard: {CPU: 1.5, Memory: 1.5},
			TierPremium:  {CPU: 1.0, Memory: 1.0},
			TierEconomy:  {CPU: 2.0, Memory: 1.25},
		},
	}
}

func (p TierPolicy) Ratio(t Tier) (OvercommitRatio, bool) {
	r, ok := p.Tiers[t]
	return r, ok
}
