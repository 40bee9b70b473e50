package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"smallbiznis-commission/pkg/db/pagination"
	"smallbiznis-commission/pkg/errutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func detailFields(t *testing.T, err error) map[string]bool {
	t.Helper()
	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected errutil error, got %v", err)
	fields := map[string]bool{}
	for _, d := range base.Details {
		fields[d.Field] = true
	}
	return fields
}

func TestCreateConfig(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.CreateConfig(ctx, "v1", tieredInput("Happy Hour Bonus"))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ID)
	require.Equal(t, "happy-hour-bonus", cfg.Code)
	require.True(t, cfg.Active)

	got, err := svc.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.Len(t, got.Tiers, 3)
	require.Equal(t, 1, got.Tiers[0].TierLevel)
	requireDecimal(t, "0.04", got.Tiers[2].Rate)
	require.False(t, got.Tiers[2].MaxThreshold.Valid)

	_, err = svc.GetConfig(ctx, "missing")
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestCreateConfigRejectsDuplicateCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateConfig(ctx, "v1", percentageInput("Servers", "0.03", 1))
	require.NoError(t, err)

	_, err = svc.CreateConfig(ctx, "v1", percentageInput("Servers", "0.04", 2))
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))

	_, err = svc.CreateConfig(ctx, "v2", percentageInput("Servers", "0.04", 1))
	require.NoError(t, err)
}

func TestCreateConfigValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input func() ConfigInput
		field string
	}{
		{
			name:  "percentage above one",
			input: func() ConfigInput { return percentageInput("p", "1.5", 1) },
			field: "default_rate",
		},
		{
			name: "daily aggregation",
			input: func() ConfigInput {
				in := percentageInput("p", "0.1", 1)
				in.AggregationPeriod = PeriodDaily
				return in
			},
			field: "aggregation_period",
		},
		{
			name: "min above max",
			input: func() ConfigInput {
				in := percentageInput("p", "0.1", 1)
				in.MinAmount = ndec("10")
				in.MaxAmount = ndec("5")
				return in
			},
			field: "max_amount",
		},
		{
			name: "tiers on a percentage config",
			input: func() ConfigInput {
				in := percentageInput("p", "0.1", 1)
				in.Tiers = tieredInput("t").Tiers
				return in
			},
			field: "tiers",
		},
		{
			name: "role rates with tiers",
			input: func() ConfigInput {
				in := tieredInput("t")
				in.RoleRates = map[string]decimal.Decimal{"server": dec("0.1")}
				return in
			},
			field: "role_rates",
		},
		{
			name: "tiered without tiers",
			input: func() ConfigInput {
				in := tieredInput("t")
				in.Tiers = nil
				return in
			},
			field: "tiers",
		},
		{
			name: "overlapping tiers",
			input: func() ConfigInput {
				in := tieredInput("t")
				in.Tiers[1].MinThreshold = dec("9000")
				return in
			},
			field: "tiers[1].min_threshold",
		},
		{
			name: "open ended middle tier",
			input: func() ConfigInput {
				in := tieredInput("t")
				in.Tiers[0].MaxThreshold = decimal.NullDecimal{}
				return in
			},
			field: "tiers[0].max_threshold",
		},
		{
			name: "mixed tier periods",
			input: func() ConfigInput {
				in := tieredInput("t")
				in.Tiers[2].TierPeriod = PeriodWeekly
				return in
			},
			field: "tiers[2].tier_period",
		},
		{
			name: "levels out of order",
			input: func() ConfigInput {
				in := tieredInput("t")
				in.Tiers[0].TierLevel = 2
				return in
			},
			field: "tiers[0].tier_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateConfig(ctx, "v1", tt.input())
			require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
			require.True(t, detailFields(t, err)[tt.field], "missing detail for %s: %v", tt.field, err)
		})
	}
}

func TestCreateConfigRejectsPriorityOverlap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	jul := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	first := percentageInput("H1", "0.03", 5)
	first.EffectiveFrom, first.EffectiveTo = &jan, &jun
	_, err := svc.CreateConfig(ctx, "v1", first)
	require.NoError(t, err)

	clash := percentageInput("Open", "0.04", 5)
	_, err = svc.CreateConfig(ctx, "v1", clash)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
	require.True(t, detailFields(t, err)["priority"])

	second := percentageInput("H2", "0.04", 5)
	second.EffectiveFrom = &jul
	_, err = svc.CreateConfig(ctx, "v1", second)
	require.NoError(t, err)

	inactive := false
	dormant := percentageInput("Dormant", "0.05", 5)
	dormant.Active = &inactive
	_, err = svc.CreateConfig(ctx, "v1", dormant)
	require.NoError(t, err)
}

func TestUpdateConfigRateLock(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.CreateConfig(ctx, "v1", percentageInput("Servers", "0.03", 1))
	require.NoError(t, err)

	rate := dec("0.04")
	updated, err := svc.UpdateConfig(ctx, cfg.ID, ConfigPatch{DefaultRate: &rate})
	require.NoError(t, err)
	requireDecimal(t, "0.04", updated.DefaultRate)

	calc, err := svc.CalculateCommission(ctx, sale("sale-1", "v1", "s1", "100", time.Now()))
	require.NoError(t, err)
	requireDecimal(t, "4", calc.FinalCommission)

	locked := dec("0.05")
	_, err = svc.UpdateConfig(ctx, cfg.ID, ConfigPatch{DefaultRate: &locked})
	require.Equal(t, errutil.StatusUnprocessableEntity, errutil.StatusOf(err))
	require.True(t, errors.Is(err, ErrRateLocked))

	_, err = svc.UpdateConfig(ctx, cfg.ID, ConfigPatch{Clear: []string{"max_amount"}})
	require.NoError(t, err, "clearing an unset limit is not a rate change")

	name := "Servers (retired)"
	inactive := false
	retired, err := svc.UpdateConfig(ctx, cfg.ID, ConfigPatch{Name: &name, Active: &inactive, DefaultRate: &rate})
	require.NoError(t, err)
	require.False(t, retired.Active)
	require.Equal(t, name, retired.Name)

	calc, err = svc.CalculateCommission(ctx, sale("sale-2", "v1", "s1", "100", time.Now()))
	require.NoError(t, err)
	require.Equal(t, OutcomeNoRule, calc.Outcome)
}

func TestUpdateConfigClearsFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := percentageInput("Capped", "0.1", 1)
	in.MaxAmount = ndec("5")
	cfg, err := svc.CreateConfig(ctx, "v1", in)
	require.NoError(t, err)

	updated, err := svc.UpdateConfig(ctx, cfg.ID, ConfigPatch{Clear: []string{"max_amount"}})
	require.NoError(t, err)
	require.False(t, updated.MaxAmount.Valid)

	got, err := svc.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.False(t, got.MaxAmount.Valid)

	_, err = svc.UpdateConfig(ctx, cfg.ID, ConfigPatch{Clear: []string{"name"}})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = svc.UpdateConfig(ctx, "missing", ConfigPatch{})
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestReplaceTiers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.CreateConfig(ctx, "v1", tieredInput("Tiers"))
	require.NoError(t, err)

	flat := []TierInput{
		{TierLevel: 1, TierType: TierByAmount, MinThreshold: dec("0"), Rate: dec("0.05"), TierPeriod: PeriodMonthly},
	}
	tiers, err := svc.ReplaceTiers(ctx, cfg.ID, flat)
	require.NoError(t, err)
	require.Len(t, tiers, 1)

	listed, err := svc.ListTiers(ctx, cfg.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	requireDecimal(t, "0.05", listed[0].Rate)

	_, err = svc.ReplaceTiers(ctx, cfg.ID, nil)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = svc.CalculateCommission(ctx, sale("sale-1", "v1", "s1", "100", time.Now()))
	require.NoError(t, err)

	_, err = svc.ReplaceTiers(ctx, cfg.ID, flat)
	require.True(t, errors.Is(err, ErrRateLocked))
}

func TestUpsertOverride(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cfg, err := svc.CreateConfig(ctx, "v1", percentageInput("Servers", "0.03", 1))
	require.NoError(t, err)

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	apr := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	q1, err := svc.UpsertOverride(ctx, cfg.ID, "s1", OverrideInput{CustomRate: ndec("0.05"), EffectiveFrom: &jan, EffectiveTo: &mar})
	require.NoError(t, err)

	_, err = svc.UpsertOverride(ctx, cfg.ID, "s1", OverrideInput{ExcludeFromCommissions: true, EffectiveFrom: &mar})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = svc.UpsertOverride(ctx, cfg.ID, "s1", OverrideInput{ExcludeFromCommissions: true, EffectiveFrom: &apr})
	require.NoError(t, err)

	_, err = svc.UpsertOverride(ctx, cfg.ID, "s2", OverrideInput{CustomRate: ndec("0.05")})
	require.NoError(t, err)

	updated, err := svc.UpsertOverride(ctx, cfg.ID, "s1", OverrideInput{ID: q1.ID, CustomRate: ndec("0.06"), EffectiveFrom: &jan, EffectiveTo: &mar, Notes: "raise"})
	require.NoError(t, err)
	require.Equal(t, q1.ID, updated.ID)

	overrides, err := svc.ListOverrides(ctx, cfg.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 3)

	_, err = svc.UpsertOverride(ctx, cfg.ID, "s1", OverrideInput{ID: "missing", CustomRate: ndec("0.01"), EffectiveFrom: &jan, EffectiveTo: &jan})
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	_, err = svc.UpsertOverride(ctx, cfg.ID, "s3", OverrideInput{})
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = svc.UpsertOverride(ctx, "missing", "s1", OverrideInput{CustomRate: ndec("0.01")})
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestListCalculationsPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateConfig(ctx, "v1", percentageInput("Servers", "0.1", 1))
	require.NoError(t, err)

	base := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"sale-1", "sale-2", "sale-3"} {
		_, err := svc.CalculateCommission(ctx, sale(id, "v1", "s1", "100", base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	page, info, err := svc.ListCalculations(ctx, "v1", CalculationFilter{Page: pagination.Pagination{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)
	require.NotEmpty(t, info.NextCursor)

	rest, info, err := svc.ListCalculations(ctx, "v1", CalculationFilter{Page: pagination.Pagination{Limit: 2, Cursor: info.NextCursor}})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, info.HasMore)

	seen := map[string]bool{}
	for _, c := range append(page, rest...) {
		seen[c.SaleID] = true
	}
	require.Len(t, seen, 3)

	from := base.Add(30 * time.Minute)
	filtered, _, err := svc.ListCalculations(ctx, "v1", CalculationFilter{From: &from})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
}
