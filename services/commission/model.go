package commission

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Recipient string

const (
	RecipientOrderCreator     Recipient = "ORDER_CREATOR"
	RecipientServer           Recipient = "SERVER"
	RecipientPaymentProcessor Recipient = "PAYMENT_PROCESSOR"
)

type CalcType string

const (
	CalcPercentage CalcType = "PERCENTAGE"
	CalcFixed      CalcType = "FIXED"
	CalcTiered     CalcType = "TIERED"
	CalcMilestone  CalcType = "MILESTONE"
	CalcManual     CalcType = "MANUAL"
)

// UsesTiers reports whether the calc type reads the tier table and the
// staff sales aggregate.
func (c CalcType) UsesTiers() bool {
	return c == CalcTiered || c == CalcMilestone
}

type TierType string

const (
	TierByAmount   TierType = "BY_AMOUNT"
	TierByQuantity TierType = "BY_QUANTITY"
)

type Outcome string

const (
	OutcomeApplied     Outcome = "APPLIED"
	OutcomeOverridden  Outcome = "OVERRIDDEN"
	OutcomeExcluded    Outcome = "EXCLUDED"
	OutcomeNoRule      Outcome = "NO_RULE"
	OutcomeTierGap     Outcome = "TIER_GAP"
	OutcomeNoMilestone Outcome = "MILESTONE_NOT_REACHED"
	OutcomeManual      Outcome = "MANUAL"
)

// Produced reports whether a rule yielded a commission that limits apply to.
func (o Outcome) Produced() bool {
	return o == OutcomeApplied || o == OutcomeOverridden
}

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutApproved   PayoutStatus = "APPROVED"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutPaid       PayoutStatus = "PAID"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutCancelled  PayoutStatus = "CANCELLED"
)

// Config is a venue scoped commission rule set.
type Config struct {
	ID                string              `gorm:"column:id;primaryKey" json:"id"`
	VenueID           string              `gorm:"column:venue_id;not null;uniqueIndex:idx_commission_configs_venue_code" json:"venue_id"`
	Name              string              `gorm:"column:name;not null" json:"name"`
	Code              string              `gorm:"column:code;not null;uniqueIndex:idx_commission_configs_venue_code" json:"code"`
	Recipient         Recipient           `gorm:"column:recipient;not null" json:"recipient"`
	CalcType          CalcType            `gorm:"column:calc_type;not null" json:"calc_type"`
	DefaultRate       decimal.Decimal     `gorm:"column:default_rate;type:numeric(20,6)" json:"default_rate"`
	MinAmount         decimal.NullDecimal `gorm:"column:min_amount;type:numeric(20,6)" json:"min_amount"`
	MaxAmount         decimal.NullDecimal `gorm:"column:max_amount;type:numeric(20,6)" json:"max_amount"`
	RoleRates         datatypes.JSON      `gorm:"column:role_rates" json:"role_rates,omitempty"`
	EffectiveFrom     *time.Time          `gorm:"column:effective_from" json:"effective_from,omitempty"`
	EffectiveTo       *time.Time          `gorm:"column:effective_to" json:"effective_to,omitempty"`
	AggregationPeriod Period              `gorm:"column:aggregation_period;not null" json:"aggregation_period"`
	Priority          int                 `gorm:"column:priority;not null" json:"priority"`
	Active            bool                `gorm:"column:active;index" json:"active"`
	CreatedAt         time.Time           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"column:updated_at" json:"updated_at"`

	Tiers []*Tier `gorm:"foreignKey:ConfigID" json:"tiers,omitempty"`
}

func (Config) TableName() string { return "commission_configs" }

// RoleRateMap decodes the role_rates column. A NULL or empty column yields
// an empty map.
func (c *Config) RoleRateMap() (map[string]decimal.Decimal, error) {
	out := map[string]decimal.Decimal{}
	if len(c.RoleRates) == 0 || string(c.RoleRates) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(c.RoleRates, &out); err != nil {
		return nil, fmt.Errorf("decode role rates of config %s: %w", c.ID, err)
	}
	return out, nil
}

func (c *Config) SetRoleRates(rates map[string]decimal.Decimal) error {
	if len(rates) == 0 {
		c.RoleRates = nil
		return nil
	}
	b, err := json.Marshal(rates)
	if err != nil {
		return err
	}
	c.RoleRates = datatypes.JSON(b)
	return nil
}

// EffectiveAt reports whether the config is active and its window covers at.
// Both bounds are inclusive.
func (c *Config) EffectiveAt(at time.Time) bool {
	return c.Active && windowContains(c.EffectiveFrom, c.EffectiveTo, at)
}

// ActiveTiers returns the active tiers ordered by level.
func (c *Config) ActiveTiers() []*Tier {
	tiers := make([]*Tier, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.Active {
			tiers = append(tiers, t)
		}
	}
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].TierLevel < tiers[j].TierLevel })
	return tiers
}

// TierPeriod is the period every tier of the config is measured over.
func (c *Config) TierPeriod() (Period, bool) {
	tiers := c.ActiveTiers()
	if len(tiers) == 0 {
		return "", false
	}
	return tiers[0].TierPeriod, true
}

type Tier struct {
	ID           string              `gorm:"column:id;primaryKey" json:"id"`
	ConfigID     string              `gorm:"column:config_id;not null;uniqueIndex:idx_commission_tiers_config_level" json:"config_id"`
	TierLevel    int                 `gorm:"column:tier_level;not null;uniqueIndex:idx_commission_tiers_config_level" json:"tier_level"`
	TierName     string              `gorm:"column:tier_name" json:"tier_name"`
	TierType     TierType            `gorm:"column:tier_type;not null" json:"tier_type"`
	MinThreshold decimal.Decimal     `gorm:"column:min_threshold;type:numeric(20,6)" json:"min_threshold"`
	MaxThreshold decimal.NullDecimal `gorm:"column:max_threshold;type:numeric(20,6)" json:"max_threshold"`
	Rate         decimal.Decimal     `gorm:"column:rate;type:numeric(20,6)" json:"rate"`
	TierPeriod   Period              `gorm:"column:tier_period;not null" json:"tier_period"`
	Active       bool                `gorm:"column:active" json:"active"`
	CreatedAt    time.Time           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"column:updated_at" json:"updated_at"`
}

func (Tier) TableName() string { return "commission_tiers" }

// Contains reports whether v falls in [min, max).
func (t *Tier) Contains(v decimal.Decimal) bool {
	if v.LessThan(t.MinThreshold) {
		return false
	}
	return !t.MaxThreshold.Valid || v.LessThan(t.MaxThreshold.Decimal)
}

type Override struct {
	ID                     string              `gorm:"column:id;primaryKey" json:"id"`
	ConfigID               string              `gorm:"column:config_id;not null;index:idx_commission_overrides_config_staff" json:"config_id"`
	StaffID                string              `gorm:"column:staff_id;not null;index:idx_commission_overrides_config_staff" json:"staff_id"`
	CustomRate             decimal.NullDecimal `gorm:"column:custom_rate;type:numeric(20,6)" json:"custom_rate"`
	ExcludeFromCommissions bool                `gorm:"column:exclude_from_commissions" json:"exclude_from_commissions"`
	EffectiveFrom          *time.Time          `gorm:"column:effective_from" json:"effective_from,omitempty"`
	EffectiveTo            *time.Time          `gorm:"column:effective_to" json:"effective_to,omitempty"`
	Notes                  string              `gorm:"column:notes" json:"notes,omitempty"`
	Active                 bool                `gorm:"column:active" json:"active"`
	CreatedAt              time.Time           `gorm:"column:created_at" json:"created_at"`
	UpdatedAt              time.Time           `gorm:"column:updated_at" json:"updated_at"`
}

func (Override) TableName() string { return "commission_overrides" }

func (o *Override) EffectiveAt(at time.Time) bool {
	return o.Active && windowContains(o.EffectiveFrom, o.EffectiveTo, at)
}

// StaffSalesAggregate is the running total of a staff member's sales in one
// tier period bucket.
type StaffSalesAggregate struct {
	VenueID      string          `gorm:"column:venue_id;primaryKey" json:"venue_id"`
	StaffID      string          `gorm:"column:staff_id;primaryKey" json:"staff_id"`
	TierPeriod   Period          `gorm:"column:tier_period;primaryKey" json:"tier_period"`
	PeriodBucket string          `gorm:"column:period_bucket;primaryKey" json:"period_bucket"`
	TotalAmount  decimal.Decimal `gorm:"column:total_amount;type:numeric(20,6)" json:"total_amount"`
	SaleCount    int64           `gorm:"column:sale_count" json:"sale_count"`
	UpdatedAt    time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (StaffSalesAggregate) TableName() string { return "staff_sales_aggregates" }

// MilestoneAward marks a milestone as paid for a staff member in a period.
type MilestoneAward struct {
	ID           string          `gorm:"column:id;primaryKey" json:"id"`
	ConfigID     string          `gorm:"column:config_id;not null;uniqueIndex:idx_commission_milestone_awards_once" json:"config_id"`
	StaffID      string          `gorm:"column:staff_id;not null;uniqueIndex:idx_commission_milestone_awards_once" json:"staff_id"`
	TierPeriod   Period          `gorm:"column:tier_period;not null" json:"tier_period"`
	PeriodBucket string          `gorm:"column:period_bucket;not null;uniqueIndex:idx_commission_milestone_awards_once" json:"period_bucket"`
	TierLevel    int             `gorm:"column:tier_level;not null;uniqueIndex:idx_commission_milestone_awards_once" json:"tier_level"`
	SaleID       string          `gorm:"column:sale_id;not null" json:"sale_id"`
	Amount       decimal.Decimal `gorm:"column:amount;type:numeric(20,6)" json:"amount"`
	CreatedAt    time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (MilestoneAward) TableName() string { return "commission_milestone_awards" }

// Calculation is the immutable record of one commission computed for one
// (sale, staff) pair.
type Calculation struct {
	ID                string            `gorm:"column:id;primaryKey" json:"id"`
	VenueID           string            `gorm:"column:venue_id;not null;index" json:"venue_id"`
	SaleID            string            `gorm:"column:sale_id;not null;uniqueIndex:idx_commission_calculations_sale_staff" json:"sale_id"`
	StaffID           string            `gorm:"column:staff_id;not null;uniqueIndex:idx_commission_calculations_sale_staff" json:"staff_id"`
	StaffRole         string            `gorm:"column:staff_role" json:"staff_role,omitempty"`
	ConfigID          string            `gorm:"column:config_id;index" json:"config_id,omitempty"`
	CalcType          CalcType          `gorm:"column:calc_type" json:"calc_type,omitempty"`
	AggregationPeriod Period            `gorm:"column:aggregation_period" json:"aggregation_period,omitempty"`
	TierLevel         *int              `gorm:"column:tier_level" json:"tier_level,omitempty"`
	BaseAmount        decimal.Decimal   `gorm:"column:base_amount;type:numeric(20,6)" json:"base_amount"`
	RateApplied       decimal.Decimal   `gorm:"column:rate_applied;type:numeric(20,6)" json:"rate_applied"`
	GrossCommission   decimal.Decimal   `gorm:"column:gross_commission;type:numeric(20,6)" json:"gross_commission"`
	FinalCommission   decimal.Decimal   `gorm:"column:final_commission;type:numeric(20,6)" json:"final_commission"`
	Outcome           Outcome           `gorm:"column:outcome;not null" json:"outcome"`
	OverrideID        *string           `gorm:"column:override_id" json:"override_id,omitempty"`
	Details           datatypes.JSONMap `gorm:"column:details" json:"details,omitempty"`
	SaleAt            time.Time         `gorm:"column:sale_at;index" json:"sale_at"`
	CreatedAt         time.Time         `gorm:"column:created_at" json:"created_at"`
}

func (Calculation) TableName() string { return "commission_calculations" }

// Payout bundles the calculations of one staff member over one aggregation
// period window. Retries of a failed cycle add attempts.
type Payout struct {
	ID                string          `gorm:"column:id;primaryKey" json:"id"`
	Code              string          `gorm:"column:code;index" json:"code"`
	VenueID           string          `gorm:"column:venue_id;not null;uniqueIndex:idx_commission_payouts_cycle" json:"venue_id"`
	StaffID           string          `gorm:"column:staff_id;not null;uniqueIndex:idx_commission_payouts_cycle" json:"staff_id"`
	AggregationPeriod Period          `gorm:"column:aggregation_period;not null;uniqueIndex:idx_commission_payouts_cycle" json:"aggregation_period"`
	PeriodStart       time.Time       `gorm:"column:period_start;not null;uniqueIndex:idx_commission_payouts_cycle" json:"period_start"`
	PeriodEnd         time.Time       `gorm:"column:period_end;not null" json:"period_end"`
	Attempt           int             `gorm:"column:attempt;not null;uniqueIndex:idx_commission_payouts_cycle" json:"attempt"`
	Amount            decimal.Decimal `gorm:"column:amount;type:numeric(20,6)" json:"amount"`
	CalculationCount  int64           `gorm:"column:calculation_count" json:"calculation_count"`
	PaymentMethod     string          `gorm:"column:payment_method" json:"payment_method,omitempty"`
	Status            PayoutStatus    `gorm:"column:status;not null;index" json:"status"`
	FailureReason     string          `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	ApprovedBy        string          `gorm:"column:approved_by" json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `gorm:"column:approved_at" json:"approved_at,omitempty"`
	ProcessingAt      *time.Time      `gorm:"column:processing_at" json:"processing_at,omitempty"`
	PaidAt            *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CancelledAt       *time.Time      `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	RetryOf           *string         `gorm:"column:retry_of" json:"retry_of,omitempty"`
	CreatedAt         time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Payout) TableName() string { return "commission_payouts" }

// Models lists every table owned by the engine, in migration order.
func Models() []any {
	return []any{
		&Config{},
		&Tier{},
		&Override{},
		&StaffSalesAggregate{},
		&MilestoneAward{},
		&Calculation{},
		&Payout{},
	}
}

func windowContains(from, to *time.Time, at time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if to != nil && at.After(*to) {
		return false
	}
	return true
}
