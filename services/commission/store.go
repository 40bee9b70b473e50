package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-commission/pkg/db/option"
	"smallbiznis-commission/pkg/db/pagination"
	"smallbiznis-commission/pkg/errutil"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type TierInput struct {
	TierLevel    int                 `json:"tier_level"`
	TierName     string              `json:"tier_name"`
	TierType     TierType            `json:"tier_type"`
	MinThreshold decimal.Decimal     `json:"min_threshold"`
	MaxThreshold decimal.NullDecimal `json:"max_threshold"`
	Rate         decimal.Decimal     `json:"rate"`
	TierPeriod   Period              `json:"tier_period"`
}

type ConfigInput struct {
	Name              string                     `json:"name"`
	Code              string                     `json:"code,omitempty"`
	Recipient         Recipient                  `json:"recipient"`
	CalcType          CalcType                   `json:"calc_type"`
	DefaultRate       decimal.Decimal            `json:"default_rate"`
	MinAmount         decimal.NullDecimal        `json:"min_amount"`
	MaxAmount         decimal.NullDecimal        `json:"max_amount"`
	RoleRates         map[string]decimal.Decimal `json:"role_rates,omitempty"`
	Tiers             []TierInput                `json:"tiers,omitempty"`
	EffectiveFrom     *time.Time                 `json:"effective_from,omitempty"`
	EffectiveTo       *time.Time                 `json:"effective_to,omitempty"`
	AggregationPeriod Period                     `json:"aggregation_period"`
	Priority          int                        `json:"priority"`
	Active            *bool                      `json:"active,omitempty"`
}

// ConfigPatch changes the listed fields of a config. JSON null cannot clear a
// nullable field, so clearing is requested by name through Clear
// ("min_amount", "max_amount", "role_rates", "effective_from", "effective_to").
type ConfigPatch struct {
	Name              *string                     `json:"name,omitempty"`
	Recipient         *Recipient                  `json:"recipient,omitempty"`
	CalcType          *CalcType                   `json:"calc_type,omitempty"`
	DefaultRate       *decimal.Decimal            `json:"default_rate,omitempty"`
	MinAmount         *decimal.Decimal            `json:"min_amount,omitempty"`
	MaxAmount         *decimal.Decimal            `json:"max_amount,omitempty"`
	RoleRates         *map[string]decimal.Decimal `json:"role_rates,omitempty"`
	EffectiveFrom     *time.Time                  `json:"effective_from,omitempty"`
	EffectiveTo       *time.Time                  `json:"effective_to,omitempty"`
	AggregationPeriod *Period                     `json:"aggregation_period,omitempty"`
	Priority          *int                        `json:"priority,omitempty"`
	Active            *bool                       `json:"active,omitempty"`
	Clear             []string                    `json:"clear,omitempty"`
}

type OverrideInput struct {
	ID                     string              `json:"id,omitempty"`
	CustomRate             decimal.NullDecimal `json:"custom_rate"`
	ExcludeFromCommissions bool                `json:"exclude_from_commissions"`
	EffectiveFrom          *time.Time          `json:"effective_from,omitempty"`
	EffectiveTo            *time.Time          `json:"effective_to,omitempty"`
	Notes                  string              `json:"notes,omitempty"`
	Active                 *bool               `json:"active,omitempty"`
}

func (s *Service) buildTiers(configID string, in []TierInput, now time.Time) []*Tier {
	tiers := make([]*Tier, 0, len(in))
	for _, t := range in {
		tiers = append(tiers, &Tier{
			ID:           s.node.Generate().String(),
			ConfigID:     configID,
			TierLevel:    t.TierLevel,
			TierName:     t.TierName,
			TierType:     t.TierType,
			MinThreshold: t.MinThreshold,
			MaxThreshold: t.MaxThreshold,
			Rate:         t.Rate,
			TierPeriod:   t.TierPeriod,
			Active:       true,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return tiers
}

// CreateConfig stores a new config and its tiers.
func (s *Service) CreateConfig(ctx context.Context, venueID string, in ConfigInput) (*Config, error) {
	if venueID == "" {
		return nil, errutil.BadRequest("venue_id is required", nil)
	}

	now := time.Now().UTC()
	cfg := &Config{
		ID:                s.node.Generate().String(),
		VenueID:           venueID,
		Name:              in.Name,
		Code:              in.Code,
		Recipient:         in.Recipient,
		CalcType:          in.CalcType,
		DefaultRate:       in.DefaultRate,
		MinAmount:         in.MinAmount,
		MaxAmount:         in.MaxAmount,
		EffectiveFrom:     utcPtr(in.EffectiveFrom),
		EffectiveTo:       utcPtr(in.EffectiveTo),
		AggregationPeriod: in.AggregationPeriod,
		Priority:          in.Priority,
		Active:            in.Active == nil || *in.Active,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if cfg.Code == "" {
		cfg.Code = slug.Make(in.Name)
	}
	if err := cfg.SetRoleRates(in.RoleRates); err != nil {
		return nil, errutil.BadRequest("invalid role_rates", err)
	}

	tiers := s.buildTiers(cfg.ID, in.Tiers, now)
	if err := ValidateConfig(cfg, tiers); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkPriorityOverlap(ctx, tx, cfg); err != nil {
			return err
		}
		if err := s.configs.WithTrx(tx).Create(ctx, cfg); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errutil.Conflict(fmt.Sprintf("config code %q already exists in venue", cfg.Code), err)
			}
			return err
		}
		return s.tiers.WithTrx(tx).BatchCreate(ctx, tiers)
	})
	if err != nil {
		return nil, asServiceError("failed to create config", err)
	}

	s.cache.Invalidate(venueID)
	cfg.Tiers = tiers
	zap.L().Info("commission config created", zap.String("venue_id", venueID), zap.String("config_id", cfg.ID), zap.String("code", cfg.Code))
	return cfg, nil
}

// UpdateConfig applies a patch. Rate fields are rejected once any
// calculation references the config; retiring fields stay editable.
func (s *Service) UpdateConfig(ctx context.Context, configID string, patch ConfigPatch) (*Config, error) {
	var updated *Config
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := s.lockConfig(ctx, tx, configID)
		if err != nil {
			return err
		}

		next := *cfg
		rateChanged, err := applyPatch(&next, patch)
		if err != nil {
			return err
		}
		if rateChanged {
			if err := s.checkRateLock(ctx, tx, cfg.ID); err != nil {
				return err
			}
		}

		if err := ValidateConfig(&next, next.ActiveTiers()); err != nil {
			return err
		}
		if err := s.checkPriorityOverlap(ctx, tx, &next); err != nil {
			return err
		}

		next.UpdatedAt = time.Now().UTC()
		if err := s.configs.WithTrx(tx).Update(ctx, cfg.ID, map[string]any{
			"name":               next.Name,
			"recipient":          next.Recipient,
			"calc_type":          next.CalcType,
			"default_rate":       next.DefaultRate,
			"min_amount":         next.MinAmount,
			"max_amount":         next.MaxAmount,
			"role_rates":         next.RoleRates,
			"effective_from":     next.EffectiveFrom,
			"effective_to":       next.EffectiveTo,
			"aggregation_period": next.AggregationPeriod,
			"priority":           next.Priority,
			"active":             next.Active,
			"updated_at":         next.UpdatedAt,
		}); err != nil {
			return err
		}

		updated = &next
		return nil
	})
	if err != nil {
		return nil, asServiceError("failed to update config", err)
	}

	s.cache.Invalidate(updated.VenueID)
	zap.L().Info("commission config updated", zap.String("venue_id", updated.VenueID), zap.String("config_id", updated.ID))
	return updated, nil
}

// applyPatch mutates cfg and reports whether a rate field changed.
func applyPatch(cfg *Config, p ConfigPatch) (bool, error) {
	rateChanged := false

	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Recipient != nil {
		cfg.Recipient = *p.Recipient
	}
	if p.CalcType != nil && *p.CalcType != cfg.CalcType {
		cfg.CalcType = *p.CalcType
		rateChanged = true
	}
	if p.DefaultRate != nil && !p.DefaultRate.Equal(cfg.DefaultRate) {
		cfg.DefaultRate = *p.DefaultRate
		rateChanged = true
	}
	if p.MinAmount != nil && !(cfg.MinAmount.Valid && p.MinAmount.Equal(cfg.MinAmount.Decimal)) {
		cfg.MinAmount = decimal.NewNullDecimal(*p.MinAmount)
		rateChanged = true
	}
	if p.MaxAmount != nil && !(cfg.MaxAmount.Valid && p.MaxAmount.Equal(cfg.MaxAmount.Decimal)) {
		cfg.MaxAmount = decimal.NewNullDecimal(*p.MaxAmount)
		rateChanged = true
	}
	if p.RoleRates != nil {
		current, err := cfg.RoleRateMap()
		if err != nil {
			return false, err
		}
		if !sameRates(current, *p.RoleRates) {
			if err := cfg.SetRoleRates(*p.RoleRates); err != nil {
				return false, errutil.BadRequest("invalid role_rates", err)
			}
			rateChanged = true
		}
	}
	if p.EffectiveFrom != nil {
		cfg.EffectiveFrom = utcPtr(p.EffectiveFrom)
	}
	if p.EffectiveTo != nil {
		cfg.EffectiveTo = utcPtr(p.EffectiveTo)
	}
	if p.AggregationPeriod != nil {
		cfg.AggregationPeriod = *p.AggregationPeriod
	}
	if p.Priority != nil {
		cfg.Priority = *p.Priority
	}
	if p.Active != nil {
		cfg.Active = *p.Active
	}

	for _, field := range p.Clear {
		switch field {
		case "min_amount":
			rateChanged = rateChanged || cfg.MinAmount.Valid
			cfg.MinAmount = decimal.NullDecimal{}
		case "max_amount":
			rateChanged = rateChanged || cfg.MaxAmount.Valid
			cfg.MaxAmount = decimal.NullDecimal{}
		case "role_rates":
			rateChanged = rateChanged || len(cfg.RoleRates) > 0 && string(cfg.RoleRates) != "null"
			cfg.RoleRates = nil
		case "effective_from":
			cfg.EffectiveFrom = nil
		case "effective_to":
			cfg.EffectiveTo = nil
		default:
			return false, errutil.ValidationFailed("invalid patch", nil, errutil.WithDetails(errutil.Detail{
				Field: "clear", Message: fmt.Sprintf("%q cannot be cleared", field),
			}))
		}
	}

	return rateChanged, nil
}

// ReplaceTiers swaps the whole tier table of a config.
func (s *Service) ReplaceTiers(ctx context.Context, configID string, in []TierInput) ([]*Tier, error) {
	var (
		venueID string
		tiers   []*Tier
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cfg, err := s.lockConfig(ctx, tx, configID)
		if err != nil {
			return err
		}
		venueID = cfg.VenueID

		if err := s.checkRateLock(ctx, tx, cfg.ID); err != nil {
			return err
		}

		tiers = s.buildTiers(cfg.ID, in, time.Now().UTC())
		if err := ValidateConfig(cfg, tiers); err != nil {
			return err
		}

		if err := tx.Where("config_id = ?", cfg.ID).Delete(&Tier{}).Error; err != nil {
			return err
		}
		if err := s.tiers.WithTrx(tx).BatchCreate(ctx, tiers); err != nil {
			return err
		}
		// tiers are part of the venue rule set version
		return s.configs.WithTrx(tx).Update(ctx, cfg.ID, map[string]any{"updated_at": time.Now().UTC()})
	})
	if err != nil {
		return nil, asServiceError("failed to replace tiers", err)
	}

	s.cache.Invalidate(venueID)
	zap.L().Info("commission tiers replaced", zap.String("config_id", configID), zap.Int("tiers", len(tiers)))
	return tiers, nil
}

// UpsertOverride creates an override, or updates the one named by in.ID.
// At most one active override per staff member may be in force at any
// instant.
func (s *Service) UpsertOverride(ctx context.Context, configID, staffID string, in OverrideInput) (*Override, error) {
	now := time.Now().UTC()
	ov := &Override{
		ID:                     in.ID,
		ConfigID:               configID,
		StaffID:                staffID,
		CustomRate:             in.CustomRate,
		ExcludeFromCommissions: in.ExcludeFromCommissions,
		EffectiveFrom:          utcPtr(in.EffectiveFrom),
		EffectiveTo:            utcPtr(in.EffectiveTo),
		Notes:                  in.Notes,
		Active:                 in.Active == nil || *in.Active,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := ValidateOverride(ov); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.lockConfig(ctx, tx, configID); err != nil {
			return err
		}

		existing, err := s.overrides.WithTrx(tx).Find(ctx, &Override{ConfigID: configID, StaffID: staffID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		var current *Override
		for _, o := range existing {
			if o.ID == ov.ID {
				current = o
			}
		}
		if ov.ID != "" && current == nil {
			return errutil.NotFound("override not found", nil)
		}

		for _, o := range existing {
			if o == current {
				continue
			}
			if ov.Active && o.Active && windowsOverlap(ov.EffectiveFrom, ov.EffectiveTo, o.EffectiveFrom, o.EffectiveTo) {
				return errutil.ValidationFailed("invalid commission override", nil, errutil.WithDetails(errutil.Detail{
					Field:   "effective_from",
					Message: fmt.Sprintf("overlaps active override %s", o.ID),
				}))
			}
		}

		if ov.ID == "" {
			ov.ID = s.node.Generate().String()
			return s.overrides.WithTrx(tx).Create(ctx, ov)
		}
		ov.CreatedAt = current.CreatedAt
		return s.overrides.WithTrx(tx).Update(ctx, ov.ID, map[string]any{
			"custom_rate":              ov.CustomRate,
			"exclude_from_commissions": ov.ExcludeFromCommissions,
			"effective_from":           ov.EffectiveFrom,
			"effective_to":             ov.EffectiveTo,
			"notes":                    ov.Notes,
			"active":                   ov.Active,
			"updated_at":               ov.UpdatedAt,
		})
	})
	if err != nil {
		return nil, asServiceError("failed to save override", err)
	}

	zap.L().Info("commission override saved", zap.String("config_id", configID), zap.String("staff_id", staffID), zap.String("override_id", ov.ID))
	return ov, nil
}

func (s *Service) lockConfig(ctx context.Context, tx *gorm.DB, configID string) (*Config, error) {
	cfg, err := s.configs.WithTrx(tx).FindOne(ctx, &Config{ID: configID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errutil.NotFound("config not found", nil)
	}

	tiers, err := s.tiers.WithTrx(tx).Find(ctx, &Tier{ConfigID: cfg.ID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "tier_level",
		OrderBy: "asc",
	}))
	if err != nil {
		return nil, err
	}
	cfg.Tiers = tiers
	return cfg, nil
}

func (s *Service) checkRateLock(ctx context.Context, tx *gorm.DB, configID string) error {
	count, err := s.calculations.WithTrx(tx).Count(ctx, &Calculation{ConfigID: configID})
	if err != nil {
		return err
	}
	if count > 0 {
		return errutil.UnprocessableEntity(fmt.Sprintf("config is referenced by %d calculations", count), ErrRateLocked)
	}
	return nil
}

// checkPriorityOverlap rejects a config that shares priority with another
// active config of the venue over an overlapping window.
func (s *Service) checkPriorityOverlap(ctx context.Context, tx *gorm.DB, cfg *Config) error {
	if !cfg.Active {
		return nil
	}

	others, err := s.configs.WithTrx(tx).Find(ctx, &Config{VenueID: cfg.VenueID, Active: true},
		option.ApplyOperator(option.Condition{Field: "priority", Operator: option.EQ, Value: cfg.Priority}))
	if err != nil {
		return err
	}

	for _, o := range others {
		if o.ID == cfg.ID {
			continue
		}
		if windowsOverlap(cfg.EffectiveFrom, cfg.EffectiveTo, o.EffectiveFrom, o.EffectiveTo) {
			return errutil.ValidationFailed("invalid commission config", nil, errutil.WithDetails(errutil.Detail{
				Field:   "priority",
				Message: fmt.Sprintf("config %s already uses priority %d over an overlapping window", o.Code, cfg.Priority),
			}))
		}
	}
	return nil
}

func (s *Service) GetConfig(ctx context.Context, configID string) (*Config, error) {
	cfg, err := s.configs.FindOne(ctx, &Config{ID: configID})
	if err != nil {
		return nil, errutil.Internal("failed to load config", err)
	}
	if cfg == nil {
		return nil, errutil.NotFound("config not found", nil)
	}

	tiers, err := s.ListTiers(ctx, configID)
	if err != nil {
		return nil, err
	}
	cfg.Tiers = tiers
	return cfg, nil
}

func (s *Service) ListConfigs(ctx context.Context, venueID string, page pagination.Pagination) ([]*Config, *pagination.PageInfo, error) {
	configs, err := s.configs.Find(ctx, &Config{VenueID: venueID}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list configs", err)
	}
	configs, info := pagination.Paginate(configs, page.Limit, func(c *Config) (time.Time, string) { return c.CreatedAt, c.ID })
	return configs, info, nil
}

func (s *Service) ListTiers(ctx context.Context, configID string) ([]*Tier, error) {
	tiers, err := s.tiers.Find(ctx, &Tier{ConfigID: configID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "tier_level",
		OrderBy: "asc",
	}))
	if err != nil {
		return nil, errutil.Internal("failed to list tiers", err)
	}
	return tiers, nil
}

func (s *Service) ListOverrides(ctx context.Context, configID string) ([]*Override, error) {
	overrides, err := s.overrides.Find(ctx, &Override{ConfigID: configID}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "desc",
	}))
	if err != nil {
		return nil, errutil.Internal("failed to list overrides", err)
	}
	return overrides, nil
}

type CalculationFilter struct {
	StaffID  string
	ConfigID string
	From     *time.Time
	To       *time.Time
	Page     pagination.Pagination
}

func (s *Service) ListCalculations(ctx context.Context, venueID string, f CalculationFilter) ([]*Calculation, *pagination.PageInfo, error) {
	var conds []option.Condition
	if f.From != nil {
		conds = append(conds, option.Condition{Field: "sale_at", Operator: option.GTE, Value: f.From.UTC()})
	}
	if f.To != nil {
		conds = append(conds, option.Condition{Field: "sale_at", Operator: option.LT, Value: f.To.UTC()})
	}

	calcs, err := s.calculations.Find(ctx, &Calculation{VenueID: venueID, StaffID: f.StaffID, ConfigID: f.ConfigID},
		option.ApplyOperator(conds...),
		option.ApplyPagination(f.Page),
	)
	if err != nil {
		return nil, nil, errutil.Internal("failed to list calculations", err)
	}
	calcs, info := pagination.Paginate(calcs, f.Page.Limit, func(c *Calculation) (time.Time, string) { return c.CreatedAt, c.ID })
	return calcs, info, nil
}

type PayoutFilter struct {
	StaffID string
	Status  PayoutStatus
	Page    pagination.Pagination
}

func (s *Service) ListPayouts(ctx context.Context, venueID string, f PayoutFilter) ([]*Payout, *pagination.PageInfo, error) {
	payouts, err := s.payouts.Find(ctx, &Payout{VenueID: venueID, StaffID: f.StaffID, Status: f.Status}, option.ApplyPagination(f.Page))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list payouts", err)
	}
	payouts, info := pagination.Paginate(payouts, f.Page.Limit, func(p *Payout) (time.Time, string) { return p.CreatedAt, p.ID })
	return payouts, info, nil
}

func (s *Service) GetPayout(ctx context.Context, payoutID string) (*Payout, error) {
	payout, err := s.payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return nil, errutil.Internal("failed to load payout", err)
	}
	if payout == nil {
		return nil, errutil.NotFound("payout not found", nil)
	}
	return payout, nil
}

// asServiceError keeps errutil errors raised inside a transaction and wraps
// anything else as internal.
func asServiceError(msg string, err error) error {
	var base errutil.BaseError
	if errors.As(err, &base) {
		return err
	}
	return errutil.Internal(msg, err)
}

func sameRates(a, b map[string]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
