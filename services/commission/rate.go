package commission

import (
	"github.com/shopspring/decimal"
)

// AggregateSnapshot is a staff member's period total at one point in time.
type AggregateSnapshot struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	SaleCount   int64           `json:"sale_count"`
}

// Measure returns the value a tier threshold is compared against.
func (s AggregateSnapshot) Measure(t TierType) decimal.Decimal {
	if t == TierByQuantity {
		return decimal.NewFromInt(s.SaleCount)
	}
	return s.TotalAmount
}

// Add returns the snapshot after crediting one sale of amount.
func (s AggregateSnapshot) Add(amount decimal.Decimal) AggregateSnapshot {
	return AggregateSnapshot{
		TotalAmount: s.TotalAmount.Add(amount),
		SaleCount:   s.SaleCount + 1,
	}
}

type RateInput struct {
	Config     *Config
	BaseAmount decimal.Decimal
	Role       string

	// Before is the tier period aggregate excluding the current sale.
	Before AggregateSnapshot
	// Awarded holds milestone levels already paid in the current period.
	Awarded map[int]bool
}

type RateResult struct {
	RateApplied decimal.Decimal
	TierLevel   *int
	Gross       decimal.Decimal
	Outcome     Outcome
	// Milestones crossed by this sale and not yet awarded, lowest first.
	Milestones []*Tier
}

// CalculateRate computes the pre-override commission for one sale.
func CalculateRate(in RateInput) (RateResult, error) {
	cfg := in.Config

	switch cfg.CalcType {
	case CalcPercentage:
		rate := cfg.DefaultRate
		roleRates, err := cfg.RoleRateMap()
		if err != nil {
			return RateResult{}, err
		}
		if r, ok := roleRates[in.Role]; ok && in.Role != "" {
			rate = r
		}
		return RateResult{
			RateApplied: rate,
			Gross:       in.BaseAmount.Mul(rate),
			Outcome:     OutcomeApplied,
		}, nil

	case CalcFixed:
		return RateResult{
			RateApplied: cfg.DefaultRate,
			Gross:       cfg.DefaultRate,
			Outcome:     OutcomeApplied,
		}, nil

	case CalcTiered:
		tier := FindTier(cfg.ActiveTiers(), in.Before)
		if tier == nil {
			return RateResult{
				RateApplied: decimal.Zero,
				Gross:       decimal.Zero,
				Outcome:     OutcomeTierGap,
			}, nil
		}
		level := tier.TierLevel
		return RateResult{
			RateApplied: tier.Rate,
			TierLevel:   &level,
			Gross:       in.BaseAmount.Mul(tier.Rate),
			Outcome:     OutcomeApplied,
		}, nil

	case CalcMilestone:
		crossed := CrossedMilestones(cfg.ActiveTiers(), in.Before, in.Before.Add(in.BaseAmount), in.Awarded)
		if len(crossed) == 0 {
			return RateResult{
				RateApplied: decimal.Zero,
				Gross:       decimal.Zero,
				Outcome:     OutcomeNoMilestone,
			}, nil
		}
		gross := decimal.Zero
		for _, m := range crossed {
			gross = gross.Add(m.Rate)
		}
		top := crossed[len(crossed)-1]
		level := top.TierLevel
		return RateResult{
			RateApplied: top.Rate,
			TierLevel:   &level,
			Gross:       gross,
			Outcome:     OutcomeApplied,
			Milestones:  crossed,
		}, nil

	case CalcManual:
		return RateResult{
			RateApplied: decimal.Zero,
			Gross:       decimal.Zero,
			Outcome:     OutcomeManual,
		}, nil
	}

	return RateResult{}, ErrUnknownCalcType
}

// FindTier returns the tier whose [min, max) range contains the snapshot,
// or nil when the snapshot falls below every tier.
func FindTier(tiers []*Tier, snap AggregateSnapshot) *Tier {
	for _, t := range tiers {
		if t.Contains(snap.Measure(t.TierType)) {
			return t
		}
	}
	return nil
}

// CrossedMilestones returns the milestones whose threshold lies in
// (before, after] and that were not awarded yet.
func CrossedMilestones(tiers []*Tier, before, after AggregateSnapshot, awarded map[int]bool) []*Tier {
	var out []*Tier
	for _, t := range tiers {
		if awarded[t.TierLevel] {
			continue
		}
		pre, post := before.Measure(t.TierType), after.Measure(t.TierType)
		if pre.LessThan(t.MinThreshold) && t.MinThreshold.LessThanOrEqual(post) {
			out = append(out, t)
		}
	}
	return out
}
