package commission

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func tieredConfig() *Config {
	return &Config{
		ID:       "tiered",
		Active:   true,
		CalcType: CalcTiered,
		Tiers: []*Tier{
			{TierLevel: 3, TierType: TierByAmount, MinThreshold: dec("25000"), Rate: dec("0.04"), TierPeriod: PeriodMonthly, Active: true},
			{TierLevel: 1, TierType: TierByAmount, MinThreshold: dec("0"), MaxThreshold: ndec("10000"), Rate: dec("0.02"), TierPeriod: PeriodMonthly, Active: true},
			{TierLevel: 2, TierType: TierByAmount, MinThreshold: dec("10000"), MaxThreshold: ndec("25000"), Rate: dec("0.03"), TierPeriod: PeriodMonthly, Active: true},
		},
	}
}

func milestoneConfig() *Config {
	return &Config{
		ID:       "milestone",
		Active:   true,
		CalcType: CalcMilestone,
		Tiers: []*Tier{
			{TierLevel: 1, TierType: TierByAmount, MinThreshold: dec("1000"), MaxThreshold: ndec("5000"), Rate: dec("50"), TierPeriod: PeriodWeekly, Active: true},
			{TierLevel: 2, TierType: TierByAmount, MinThreshold: dec("5000"), Rate: dec("200"), TierPeriod: PeriodWeekly, Active: true},
		},
	}
}

func snapshot(amount string, count int64) AggregateSnapshot {
	return AggregateSnapshot{TotalAmount: dec(amount), SaleCount: count}
}

func TestComputePercentageWithMaxLimit(t *testing.T) {
	cfg := &Config{CalcType: CalcPercentage, DefaultRate: dec("0.03"), MaxAmount: ndec("20")}

	res, err := Compute(ComputeInput{Config: cfg, BaseAmount: dec("1000")})
	require.NoError(t, err)
	requireDecimal(t, "30", res.Gross)
	requireDecimal(t, "20", res.Final)
	require.Equal(t, OutcomeApplied, res.Outcome)
}

func TestComputePercentageUsesRoleRate(t *testing.T) {
	cfg := &Config{CalcType: CalcPercentage, DefaultRate: dec("0.03")}
	require.NoError(t, cfg.SetRoleRates(map[string]decimal.Decimal{"bartender": dec("0.1")}))

	res, err := Compute(ComputeInput{Config: cfg, BaseAmount: dec("200"), Role: "bartender"})
	require.NoError(t, err)
	requireDecimal(t, "0.1", res.RateApplied)
	requireDecimal(t, "20", res.Final)

	res, err = Compute(ComputeInput{Config: cfg, BaseAmount: dec("200"), Role: "host"})
	require.NoError(t, err)
	requireDecimal(t, "0.03", res.RateApplied)
	requireDecimal(t, "6", res.Final)
}

func TestComputeTieredUsesAggregateBeforeSale(t *testing.T) {
	res, err := Compute(ComputeInput{
		Config:     tieredConfig(),
		BaseAmount: dec("5000"),
		Before:     snapshot("12000", 3),
	})
	require.NoError(t, err)
	require.NotNil(t, res.TierLevel)
	require.Equal(t, 2, *res.TierLevel)
	requireDecimal(t, "0.03", res.RateApplied)
	requireDecimal(t, "150", res.Final)
}

func TestComputeTierBoundaryBelongsToUpperTier(t *testing.T) {
	res, err := Compute(ComputeInput{Config: tieredConfig(), BaseAmount: dec("100"), Before: snapshot("10000", 1)})
	require.NoError(t, err)
	require.Equal(t, 2, *res.TierLevel)
	requireDecimal(t, "3", res.Final)
}

func TestComputeTierGap(t *testing.T) {
	cfg := &Config{
		CalcType:  CalcTiered,
		MinAmount: ndec("5"),
		Tiers: []*Tier{
			{TierLevel: 1, TierType: TierByAmount, MinThreshold: dec("1000"), Rate: dec("0.05"), TierPeriod: PeriodMonthly, Active: true},
		},
	}

	res, err := Compute(ComputeInput{Config: cfg, BaseAmount: dec("300"), Before: snapshot("500", 2)})
	require.NoError(t, err)
	require.Equal(t, OutcomeTierGap, res.Outcome)
	require.Nil(t, res.TierLevel)
	requireDecimal(t, "0", res.Final)
}

func TestComputeTieredByQuantity(t *testing.T) {
	cfg := &Config{
		CalcType: CalcTiered,
		Tiers: []*Tier{
			{TierLevel: 1, TierType: TierByQuantity, MinThreshold: dec("0"), MaxThreshold: ndec("5"), Rate: dec("0.01"), TierPeriod: PeriodDaily, Active: true},
			{TierLevel: 2, TierType: TierByQuantity, MinThreshold: dec("5"), Rate: dec("0.02"), TierPeriod: PeriodDaily, Active: true},
		},
	}

	res, err := Compute(ComputeInput{Config: cfg, BaseAmount: dec("1000"), Before: snapshot("999999", 4)})
	require.NoError(t, err)
	require.Equal(t, 1, *res.TierLevel)

	res, err = Compute(ComputeInput{Config: cfg, BaseAmount: dec("1000"), Before: snapshot("10", 5)})
	require.NoError(t, err)
	require.Equal(t, 2, *res.TierLevel)
	requireDecimal(t, "20", res.Final)
}

func TestComputeMilestones(t *testing.T) {
	t.Run("crossing awards the milestone once as a flat amount", func(t *testing.T) {
		res, err := Compute(ComputeInput{Config: milestoneConfig(), BaseAmount: dec("200"), Before: snapshot("900", 3)})
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, res.Outcome)
		requireDecimal(t, "50", res.Final)
		require.Len(t, res.Milestones, 1)
		require.Equal(t, 1, res.Milestones[0].TierLevel)
	})

	t.Run("one sale can cross several milestones", func(t *testing.T) {
		res, err := Compute(ComputeInput{Config: milestoneConfig(), BaseAmount: dec("4200"), Before: snapshot("900", 3)})
		require.NoError(t, err)
		requireDecimal(t, "250", res.Final)
		require.Len(t, res.Milestones, 2)
		require.Equal(t, 2, *res.TierLevel)
	})

	t.Run("already awarded milestones are skipped", func(t *testing.T) {
		res, err := Compute(ComputeInput{
			Config:     milestoneConfig(),
			BaseAmount: dec("200"),
			Before:     snapshot("900", 3),
			Awarded:    map[int]bool{1: true},
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeNoMilestone, res.Outcome)
		requireDecimal(t, "0", res.Final)
		require.Empty(t, res.Milestones)
	})

	t.Run("a threshold already reached is not crossed again", func(t *testing.T) {
		res, err := Compute(ComputeInput{Config: milestoneConfig(), BaseAmount: dec("100"), Before: snapshot("1000", 4)})
		require.NoError(t, err)
		require.Equal(t, OutcomeNoMilestone, res.Outcome)
	})
}

func TestComputeFixed(t *testing.T) {
	cfg := &Config{CalcType: CalcFixed, DefaultRate: dec("25"), MaxAmount: ndec("10")}

	res, err := Compute(ComputeInput{Config: cfg, BaseAmount: dec("1")})
	require.NoError(t, err)
	requireDecimal(t, "10", res.Final)
}

func TestComputeManualAndNoRule(t *testing.T) {
	res, err := Compute(ComputeInput{Config: &Config{CalcType: CalcManual, MinAmount: ndec("5")}, BaseAmount: dec("100")})
	require.NoError(t, err)
	require.Equal(t, OutcomeManual, res.Outcome)
	requireDecimal(t, "0", res.Final)

	res, err = Compute(ComputeInput{BaseAmount: dec("100")})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoRule, res.Outcome)
	requireDecimal(t, "0", res.Final)
}

func TestComputeUnknownCalcType(t *testing.T) {
	_, err := Compute(ComputeInput{Config: &Config{CalcType: "BOGUS"}, BaseAmount: dec("1")})
	require.True(t, errors.Is(err, ErrUnknownCalcType))
}

func TestComputeOverrides(t *testing.T) {
	t.Run("custom rate beats the config rate", func(t *testing.T) {
		cfg := &Config{CalcType: CalcPercentage, DefaultRate: dec("0.03")}
		ov := &Override{ID: "ov", StaffID: "s1", CustomRate: ndec("0.05"), Active: true}

		res, err := Compute(ComputeInput{Config: cfg, Override: ov, BaseAmount: dec("1000")})
		require.NoError(t, err)
		require.Equal(t, OutcomeOverridden, res.Outcome)
		requireDecimal(t, "0.05", res.RateApplied)
		requireDecimal(t, "50", res.Final)
		require.Equal(t, "ov", *res.OverrideID)
	})

	t.Run("exclusion zeroes the commission and skips limits", func(t *testing.T) {
		cfg := &Config{CalcType: CalcPercentage, DefaultRate: dec("0.03"), MinAmount: ndec("5")}
		ov := &Override{ID: "ov", StaffID: "s1", ExcludeFromCommissions: true, CustomRate: ndec("0.5"), Active: true}

		res, err := Compute(ComputeInput{Config: cfg, Override: ov, BaseAmount: dec("1000")})
		require.NoError(t, err)
		require.Equal(t, OutcomeExcluded, res.Outcome)
		requireDecimal(t, "0", res.Final)
	})

	t.Run("exclusion suppresses milestone awards", func(t *testing.T) {
		ov := &Override{ID: "ov", StaffID: "s1", ExcludeFromCommissions: true, Active: true}

		res, err := Compute(ComputeInput{Config: milestoneConfig(), Override: ov, BaseAmount: dec("200"), Before: snapshot("900", 1)})
		require.NoError(t, err)
		require.Empty(t, res.Milestones)
	})

	t.Run("tiered custom rate is a flat amount", func(t *testing.T) {
		ov := &Override{ID: "ov", StaffID: "s1", CustomRate: ndec("75"), Active: true}

		res, err := Compute(ComputeInput{Config: tieredConfig(), Override: ov, BaseAmount: dec("5000"), Before: snapshot("12000", 3)})
		require.NoError(t, err)
		require.Equal(t, 2, *res.TierLevel)
		requireDecimal(t, "75", res.Final)
	})

	t.Run("milestone custom rate applies only when crossed", func(t *testing.T) {
		ov := &Override{ID: "ov", StaffID: "s1", CustomRate: ndec("80"), Active: true}

		res, err := Compute(ComputeInput{Config: milestoneConfig(), Override: ov, BaseAmount: dec("200"), Before: snapshot("900", 1)})
		require.NoError(t, err)
		requireDecimal(t, "80", res.Final)

		res, err = Compute(ComputeInput{Config: milestoneConfig(), Override: ov, BaseAmount: dec("50"), Before: snapshot("100", 1)})
		require.NoError(t, err)
		require.Equal(t, OutcomeNoMilestone, res.Outcome)
		requireDecimal(t, "0", res.Final)
	})

	t.Run("manual configs ignore custom rates", func(t *testing.T) {
		ov := &Override{ID: "ov", StaffID: "s1", CustomRate: ndec("0.5"), Active: true}

		res, err := Compute(ComputeInput{Config: &Config{CalcType: CalcManual}, Override: ov, BaseAmount: dec("100")})
		require.NoError(t, err)
		require.Equal(t, OutcomeManual, res.Outcome)
		requireDecimal(t, "0", res.Final)
	})
}

func TestComputeFinalStaysWithinLimits(t *testing.T) {
	limits := []struct{ min, max decimal.NullDecimal }{
		{},
		{min: ndec("5")},
		{max: ndec("40")},
		{min: ndec("5"), max: ndec("40")},
	}
	bases := []string{"0", "1", "99.99", "1000", "25000"}
	rates := []string{"0", "0.01", "0.03", "0.5", "1"}

	for _, l := range limits {
		for _, base := range bases {
			for _, rate := range rates {
				cfg := &Config{CalcType: CalcPercentage, DefaultRate: dec(rate), MinAmount: l.min, MaxAmount: l.max}
				res, err := Compute(ComputeInput{Config: cfg, BaseAmount: dec(base)})
				require.NoError(t, err)

				require.False(t, res.Final.IsNegative())
				if l.min.Valid {
					require.True(t, res.Final.GreaterThanOrEqual(l.min.Decimal))
				}
				if l.max.Valid {
					require.True(t, res.Final.LessThanOrEqual(l.max.Decimal))
				}
			}
		}
	}
}

func TestFindTierIsMonotonic(t *testing.T) {
	tiers := tieredConfig().ActiveTiers()
	last := 0
	for amount := int64(0); amount <= 40000; amount += 500 {
		tier := FindTier(tiers, AggregateSnapshot{TotalAmount: decimal.NewFromInt(amount)})
		require.NotNil(t, tier)
		require.GreaterOrEqual(t, tier.TierLevel, last)
		last = tier.TierLevel
	}
	require.Equal(t, 3, last)
}

func TestClamp(t *testing.T) {
	requireDecimal(t, "0", Clamp(dec("-3"), decimal.NullDecimal{}, decimal.NullDecimal{}))
	requireDecimal(t, "5", Clamp(dec("2"), ndec("5"), ndec("10")))
	requireDecimal(t, "10", Clamp(dec("12"), ndec("5"), ndec("10")))
	requireDecimal(t, "7", Clamp(dec("7"), ndec("5"), ndec("10")))
	requireDecimal(t, "0", Clamp(dec("-1"), ndec("-5"), decimal.NullDecimal{}))
}

func TestFindOverride(t *testing.T) {
	at := time.Date(2024, time.March, 13, 12, 0, 0, 0, time.UTC)
	jan := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	dec31 := time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)

	overrides := []*Override{
		{ID: "open", StaffID: "s1", Active: true},
		{ID: "jan", StaffID: "s1", Active: true, EffectiveFrom: &jan},
		{ID: "mar", StaffID: "s1", Active: true, EffectiveFrom: &mar, EffectiveTo: &dec31},
		{ID: "inactive", StaffID: "s1", Active: false, EffectiveFrom: &at},
		{ID: "other", StaffID: "s2", Active: true, EffectiveFrom: &at},
	}

	got := FindOverride(overrides, "s1", at)
	require.NotNil(t, got)
	require.Equal(t, "mar", got.ID)

	require.Nil(t, FindOverride(overrides, "s3", at))
}
