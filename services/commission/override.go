package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// FindOverride returns the override for the staff member that is in force at
// the given time. Writes keep at most one in force; if the data says
// otherwise the most recently started one is used.
func FindOverride(overrides []*Override, staffID string, at time.Time) *Override {
	var found *Override
	for _, o := range overrides {
		if o == nil || o.StaffID != staffID || !o.EffectiveAt(at) {
			continue
		}
		if found == nil || startsAfter(o.EffectiveFrom, found.EffectiveFrom) {
			found = o
		}
	}
	return found
}

type OverrideResult struct {
	Amount      decimal.Decimal
	RateApplied decimal.Decimal
	Outcome     Outcome
	OverrideID  *string
	// Excluded stops the pipeline: no limits are applied.
	Excluded bool
}

// ApplyOverride adjusts a computed commission for a staff specific exception.
// Exclusion always wins. A custom rate is a fraction of the base amount for
// PERCENTAGE configs and a flat amount for FIXED and TIERED configs; for
// MILESTONE configs it replaces the award only when a milestone was crossed.
// MANUAL configs stay at zero.
func ApplyOverride(cfg *Config, ov *Override, base decimal.Decimal, r RateResult) OverrideResult {
	res := OverrideResult{
		Amount:      r.Gross,
		RateApplied: r.RateApplied,
		Outcome:     r.Outcome,
	}
	if ov == nil {
		return res
	}

	id := ov.ID
	if ov.ExcludeFromCommissions {
		return OverrideResult{
			Amount:      decimal.Zero,
			RateApplied: decimal.Zero,
			Outcome:     OutcomeExcluded,
			OverrideID:  &id,
			Excluded:    true,
		}
	}
	if !ov.CustomRate.Valid {
		return res
	}

	rate := ov.CustomRate.Decimal
	switch cfg.CalcType {
	case CalcPercentage:
		res.Amount = base.Mul(rate)
	case CalcFixed, CalcTiered:
		res.Amount = rate
	case CalcMilestone:
		if len(r.Milestones) == 0 {
			return res
		}
		res.Amount = rate
	default:
		return res
	}

	res.RateApplied = rate
	res.Outcome = OutcomeOverridden
	res.OverrideID = &id
	return res
}

func startsAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	}
	return a.After(*b)
}
