package commission

import "github.com/shopspring/decimal"

type ComputeInput struct {
	// Config is nil when no rule applies to the sale.
	Config     *Config
	Override   *Override
	BaseAmount decimal.Decimal
	Role       string
	Before     AggregateSnapshot
	Awarded    map[int]bool
}

type ComputeResult struct {
	RateApplied decimal.Decimal
	TierLevel   *int
	Gross       decimal.Decimal
	Final       decimal.Decimal
	Outcome     Outcome
	OverrideID  *string
	// Milestones to record as awarded once the calculation is stored.
	Milestones []*Tier
}

// Compute runs rate calculation, override and limits for one sale. It has no
// side effects; the caller supplies the aggregate snapshot.
func Compute(in ComputeInput) (ComputeResult, error) {
	if in.Config == nil {
		return ComputeResult{
			RateApplied: decimal.Zero,
			Gross:       decimal.Zero,
			Final:       decimal.Zero,
			Outcome:     OutcomeNoRule,
		}, nil
	}

	rate, err := CalculateRate(RateInput{
		Config:     in.Config,
		BaseAmount: in.BaseAmount,
		Role:       in.Role,
		Before:     in.Before,
		Awarded:    in.Awarded,
	})
	if err != nil {
		return ComputeResult{}, err
	}

	ov := ApplyOverride(in.Config, in.Override, in.BaseAmount, rate)
	res := ComputeResult{
		RateApplied: ov.RateApplied,
		TierLevel:   rate.TierLevel,
		Gross:       ov.Amount,
		Outcome:     ov.Outcome,
		OverrideID:  ov.OverrideID,
	}

	switch {
	case ov.Excluded:
		res.Final = decimal.Zero
		return res, nil
	case !res.Outcome.Produced():
		res.Final = decimal.Max(res.Gross, decimal.Zero)
	default:
		res.Final = Clamp(res.Gross, in.Config.MinAmount, in.Config.MaxAmount)
	}

	res.Milestones = rate.Milestones
	return res, nil
}
