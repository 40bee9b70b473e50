package commission

import (
	"fmt"
	"time"

	"smallbiznis-commission/pkg/errutil"

	"github.com/shopspring/decimal"
)

func (r Recipient) Valid() bool {
	switch r {
	case RecipientOrderCreator, RecipientServer, RecipientPaymentProcessor:
		return true
	}
	return false
}

func (c CalcType) Valid() bool {
	switch c {
	case CalcPercentage, CalcFixed, CalcTiered, CalcMilestone, CalcManual:
		return true
	}
	return false
}

func (t TierType) Valid() bool {
	return t == TierByAmount || t == TierByQuantity
}

type validator struct {
	details []errutil.Detail
}

func (v *validator) add(field, format string, args ...any) {
	v.details = append(v.details, errutil.Detail{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) err(msg string) error {
	if len(v.details) == 0 {
		return nil
	}
	return errutil.ValidationFailed(msg, nil, errutil.WithDetails(v.details...))
}

// ValidateConfig checks a config together with the tiers it will own.
func ValidateConfig(cfg *Config, tiers []*Tier) error {
	v := &validator{}

	if cfg.Name == "" {
		v.add("name", "is required")
	}
	if !cfg.Recipient.Valid() {
		v.add("recipient", "unknown recipient %q", cfg.Recipient)
	}
	if !cfg.CalcType.Valid() {
		v.add("calc_type", "unknown calc type %q", cfg.CalcType)
	}
	if !cfg.AggregationPeriod.ValidAggregation() {
		v.add("aggregation_period", "must be WEEKLY, BIWEEKLY or MONTHLY")
	}
	if cfg.DefaultRate.IsNegative() {
		v.add("default_rate", "must not be negative")
	}
	if cfg.CalcType == CalcPercentage && cfg.DefaultRate.GreaterThan(decimal.NewFromInt(1)) {
		v.add("default_rate", "is a fraction and must not exceed 1")
	}
	if cfg.MinAmount.Valid && cfg.MinAmount.Decimal.IsNegative() {
		v.add("min_amount", "must not be negative")
	}
	if cfg.MaxAmount.Valid && cfg.MaxAmount.Decimal.IsNegative() {
		v.add("max_amount", "must not be negative")
	}
	if cfg.MinAmount.Valid && cfg.MaxAmount.Valid && cfg.MinAmount.Decimal.GreaterThan(cfg.MaxAmount.Decimal) {
		v.add("max_amount", "must not be less than min_amount")
	}
	if cfg.EffectiveFrom != nil && cfg.EffectiveTo != nil && cfg.EffectiveTo.Before(*cfg.EffectiveFrom) {
		v.add("effective_to", "must not be before effective_from")
	}

	roleRates, err := cfg.RoleRateMap()
	if err != nil {
		v.add("role_rates", "is not a role to rate object")
	}
	for role, rate := range roleRates {
		if role == "" {
			v.add("role_rates", "role names must not be empty")
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			v.add("role_rates."+role, "must be a fraction between 0 and 1")
		}
	}

	switch {
	case len(roleRates) > 0 && len(tiers) > 0:
		v.add("role_rates", "role rates and tiers are mutually exclusive")
	case len(roleRates) > 0 && cfg.CalcType != CalcPercentage:
		v.add("role_rates", "only apply to PERCENTAGE configs")
	}

	if cfg.CalcType.UsesTiers() {
		if len(tiers) == 0 {
			v.add("tiers", "%s configs need at least one tier", cfg.CalcType)
		}
		validateTiers(v, cfg.CalcType, tiers)
	} else if len(tiers) > 0 {
		v.add("tiers", "only apply to TIERED and MILESTONE configs")
	}

	return v.err("invalid commission config")
}

// validateTiers expects tiers ordered by level 1..n with contiguous,
// non-overlapping ranges and a single open ended top tier in last place.
func validateTiers(v *validator, calcType CalcType, tiers []*Tier) {
	for i, t := range tiers {
		field := fmt.Sprintf("tiers[%d]", i)

		if t.TierLevel != i+1 {
			v.add(field+".tier_level", "must be %d", i+1)
		}
		if !t.TierType.Valid() {
			v.add(field+".tier_type", "unknown tier type %q", t.TierType)
		}
		if !t.TierPeriod.Valid() {
			v.add(field+".tier_period", "unknown tier period %q", t.TierPeriod)
		}
		if i > 0 && t.TierType != tiers[0].TierType {
			v.add(field+".tier_type", "all tiers must share tier type %s", tiers[0].TierType)
		}
		if i > 0 && t.TierPeriod != tiers[0].TierPeriod {
			v.add(field+".tier_period", "all tiers must share tier period %s", tiers[0].TierPeriod)
		}
		if t.Rate.IsNegative() {
			v.add(field+".rate", "must not be negative")
		}
		if t.MinThreshold.IsNegative() {
			v.add(field+".min_threshold", "must not be negative")
		}
		if calcType == CalcMilestone && !t.MinThreshold.IsPositive() {
			v.add(field+".min_threshold", "milestones need a positive threshold")
		}
		if t.MaxThreshold.Valid && !t.MaxThreshold.Decimal.GreaterThan(t.MinThreshold) {
			v.add(field+".max_threshold", "must be greater than min_threshold")
		}

		last := i == len(tiers)-1
		switch {
		case last && t.MaxThreshold.Valid:
			v.add(field+".max_threshold", "the top tier must be open ended")
		case !last && !t.MaxThreshold.Valid:
			v.add(field+".max_threshold", "only the last tier may be open ended")
		}

		if i > 0 {
			prev := tiers[i-1]
			if prev.MaxThreshold.Valid && t.MinThreshold.LessThan(prev.MaxThreshold.Decimal) {
				v.add(field+".min_threshold", "overlaps tier %d", prev.TierLevel)
			}
		}
	}
}

// ValidateOverride checks an override on its own. Overlap with other
// overrides of the same staff member is checked against the store.
func ValidateOverride(o *Override) error {
	v := &validator{}
	if o.StaffID == "" {
		v.add("staff_id", "is required")
	}
	if o.CustomRate.Valid && o.CustomRate.Decimal.IsNegative() {
		v.add("custom_rate", "must not be negative")
	}
	if !o.ExcludeFromCommissions && !o.CustomRate.Valid {
		v.add("custom_rate", "is required unless the staff member is excluded")
	}
	if o.EffectiveFrom != nil && o.EffectiveTo != nil && o.EffectiveTo.Before(*o.EffectiveFrom) {
		v.add("effective_to", "must not be before effective_from")
	}
	return v.err("invalid commission override")
}

// windowsOverlap reports whether two inclusive, possibly open windows share
// an instant.
func windowsOverlap(aFrom, aTo, bFrom, bTo *time.Time) bool {
	if aTo != nil && bFrom != nil && aTo.Before(*bFrom) {
		return false
	}
	if bTo != nil && aFrom != nil && bTo.Before(*aFrom) {
		return false
	}
	return true
}
