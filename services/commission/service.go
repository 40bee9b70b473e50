package commission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"smallbiznis-commission/pkg/config"
	"smallbiznis-commission/pkg/errutil"
	"smallbiznis-commission/pkg/repository"
	"smallbiznis-commission/pkg/sequence"
	"smallbiznis-commission/pkg/task"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("smallbiznis-commission/services/commission")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	loc  *time.Location

	configs      repository.Repository[Config]
	tiers        repository.Repository[Tier]
	overrides    repository.Repository[Override]
	calculations repository.Repository[Calculation]
	awards       repository.Repository[MilestoneAward]
	payouts      repository.Repository[Payout]

	tracker    SalesAggregateTracker
	cache      *RuleSetCache
	directory  StaffDirectory
	dispatcher PaymentDispatcher
	sequence   sequence.Generator
	enqueuer   task.Enqueuer

	payoutQueue string
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Redis    *redis.Client      `optional:"true"`
	Sequence sequence.Generator `optional:"true"`
	Enqueuer task.Enqueuer      `optional:"true"`
}

func NewService(p Params) *Service {
	cfg := p.Config
	loc := cfg.Location()

	svc := &Service{
		db:           p.DB,
		node:         p.Node,
		loc:          loc,
		configs:      repository.ProvideStore[Config](p.DB),
		tiers:        repository.ProvideStore[Tier](p.DB),
		overrides:    repository.ProvideStore[Override](p.DB),
		calculations: repository.ProvideStore[Calculation](p.DB),
		awards:       repository.ProvideStore[MilestoneAward](p.DB),
		payouts:      repository.ProvideStore[Payout](p.DB),
		tracker:      NewDBAggregateTracker(p.DB, loc),
		cache:        NewRuleSetCache(cfg.Commission.CacheTTL),
		sequence:     p.Sequence,
		enqueuer:     p.Enqueuer,
		payoutQueue:  cfg.Commission.PayoutQueue,
	}

	if p.Redis != nil {
		svc.directory = NewRedisStaffDirectory(p.Redis)
		if cfg.Commission.AggregateBackend == "redis" {
			svc.tracker = NewRedisAggregateTracker(p.Redis, loc)
		}
	}
	if p.Enqueuer != nil {
		svc.dispatcher = NewAsynqPaymentDispatcher(p.Enqueuer, cfg.Commission.PaymentQueue, cfg.Commission.DispatchTimeout)
	}

	return svc
}

// Sale is a completed sale credited to one staff member.
type Sale struct {
	SaleID     string          `json:"sale_id"`
	VenueID    string          `json:"venue_id"`
	StaffID    string          `json:"staff_id"`
	StaffRole  string          `json:"staff_role,omitempty"`
	BaseAmount decimal.Decimal `json:"base_amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (s Sale) validate() error {
	var details []errutil.Detail
	if s.SaleID == "" {
		details = append(details, errutil.Detail{Field: "sale_id", Message: "is required"})
	}
	if s.VenueID == "" {
		details = append(details, errutil.Detail{Field: "venue_id", Message: "is required"})
	}
	if s.StaffID == "" {
		details = append(details, errutil.Detail{Field: "staff_id", Message: "is required"})
	}
	if s.BaseAmount.IsNegative() {
		details = append(details, errutil.Detail{Field: "base_amount", Message: "must not be negative"})
	}
	if s.Timestamp.IsZero() {
		details = append(details, errutil.Detail{Field: "timestamp", Message: "is required"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid sale", nil, errutil.WithDetails(details...))
	}
	return nil
}

// CalculateCommission records the commission a staff member earns on a sale.
// It is idempotent per (sale, staff): a replay returns the stored record.
func (s *Service) CalculateCommission(ctx context.Context, sale Sale) (*Calculation, error) {
	ctx, span := tracer.Start(ctx, "commission.CalculateCommission", trace.WithAttributes(
		attribute.String("venue_id", sale.VenueID),
		attribute.String("sale_id", sale.SaleID),
		attribute.String("staff_id", sale.StaffID),
	))
	defer span.End()

	start := time.Now()
	defer func() { calculationDuration.Observe(time.Since(start).Seconds()) }()

	if err := sale.validate(); err != nil {
		return nil, err
	}

	zapLog := withTrace(ctx, zap.L()).With(
		zap.String("venue_id", sale.VenueID),
		zap.String("sale_id", sale.SaleID),
		zap.String("staff_id", sale.StaffID),
	)

	existing, err := s.calculations.FindOne(ctx, &Calculation{SaleID: sale.SaleID, StaffID: sale.StaffID})
	if err != nil {
		return nil, errutil.Internal("failed to load calculation", err)
	}
	if existing != nil {
		zapLog.Debug("calculation already recorded", zap.String("calculation_id", existing.ID))
		return existing, nil
	}

	role := s.resolveRole(ctx, zapLog, sale)

	rs, err := s.ruleSet(ctx, sale.VenueID)
	if err != nil {
		return nil, errutil.Internal("failed to load commission configs", err)
	}

	cfg, err := ResolveConfig(rs.Configs, sale.Timestamp)
	if err != nil {
		ambiguousConfigsTotal.WithLabelValues(sale.VenueID).Inc()
		span.SetStatus(codes.Error, err.Error())
		zapLog.Error("commission calculation deferred", zap.Error(err))
		return nil, errutil.Conflict("ambiguous commission config", err)
	}

	var override *Override
	if cfg != nil {
		list, err := s.overrides.Find(ctx, &Override{ConfigID: cfg.ID, StaffID: sale.StaffID, Active: true})
		if err != nil {
			return nil, errutil.Internal("failed to load overrides", err)
		}
		override = FindOverride(list, sale.StaffID, sale.Timestamp)
	}

	var calc *Calculation
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snaps, err := s.tracker.WithTrx(tx).Increment(ctx, AggregateKey{
			VenueID: sale.VenueID,
			StaffID: sale.StaffID,
			SaleID:  sale.SaleID,
			At:      sale.Timestamp,
		}, rs.TrackedPeriods(), sale.BaseAmount)
		if err != nil {
			return err
		}

		in := ComputeInput{
			Config:     cfg,
			Override:   override,
			BaseAmount: sale.BaseAmount,
			Role:       role,
		}

		details := datatypes.JSONMap{}
		var bucket string
		if cfg != nil && cfg.CalcType.UsesTiers() {
			if p, ok := cfg.TierPeriod(); ok {
				in.Before = snaps[p]
				if bucket, err = p.Bucket(sale.Timestamp, s.loc); err != nil {
					return err
				}
				details["tier_period"] = string(p)
				details["period_bucket"] = bucket
				details["aggregate_amount_before"] = in.Before.TotalAmount.String()
				details["aggregate_count_before"] = in.Before.SaleCount
			}
		}
		if cfg != nil && cfg.CalcType == CalcMilestone && bucket != "" {
			if in.Awarded, err = s.awardedLevels(ctx, tx, cfg.ID, sale.StaffID, bucket); err != nil {
				return err
			}
		}

		res, err := Compute(in)
		if err != nil {
			return err
		}

		calc = s.newCalculation(sale, role, cfg, res)
		if len(details) > 0 {
			calc.Details = details
		}
		if err := s.calculations.WithTrx(tx).Create(ctx, calc); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errCalculationRecorded
			}
			return err
		}

		if len(res.Milestones) == 0 {
			return nil
		}
		p, _ := cfg.TierPeriod()
		awards := make([]*MilestoneAward, 0, len(res.Milestones))
		for _, m := range res.Milestones {
			awards = append(awards, &MilestoneAward{
				ID:           s.node.Generate().String(),
				ConfigID:     cfg.ID,
				StaffID:      sale.StaffID,
				TierPeriod:   p,
				PeriodBucket: bucket,
				TierLevel:    m.TierLevel,
				SaleID:       sale.SaleID,
				Amount:       m.Rate,
				CreatedAt:    calc.CreatedAt,
			})
		}
		return s.awards.WithTrx(tx).BatchCreate(ctx, awards)
	})
	if errors.Is(err, errCalculationRecorded) {
		existing, ferr := s.calculations.FindOne(ctx, &Calculation{SaleID: sale.SaleID, StaffID: sale.StaffID})
		if ferr != nil || existing == nil {
			return nil, errutil.Internal("failed to load calculation", ferr)
		}
		return existing, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		zapLog.Error("failed to record calculation", zap.Error(err))
		return nil, errutil.Internal("failed to record calculation", err)
	}

	calcType := string(calc.CalcType)
	if calcType == "" {
		calcType = "NONE"
	}
	calculationsTotal.WithLabelValues(calcType, string(calc.Outcome)).Inc()

	zapLog.Info("commission recorded",
		zap.String("calculation_id", calc.ID),
		zap.String("config_id", calc.ConfigID),
		zap.String("outcome", string(calc.Outcome)),
		zap.String("final_commission", calc.FinalCommission.String()),
	)

	return calc, nil
}

func (s *Service) newCalculation(sale Sale, role string, cfg *Config, res ComputeResult) *Calculation {
	calc := &Calculation{
		ID:              s.node.Generate().String(),
		VenueID:         sale.VenueID,
		SaleID:          sale.SaleID,
		StaffID:         sale.StaffID,
		StaffRole:       role,
		TierLevel:       res.TierLevel,
		BaseAmount:      sale.BaseAmount,
		RateApplied:     res.RateApplied,
		GrossCommission: res.Gross,
		FinalCommission: res.Final,
		Outcome:         res.Outcome,
		OverrideID:      res.OverrideID,
		SaleAt:          sale.Timestamp.UTC(),
		CreatedAt:       time.Now().UTC(),
	}
	if cfg != nil {
		calc.ConfigID = cfg.ID
		calc.CalcType = cfg.CalcType
		calc.AggregationPeriod = cfg.AggregationPeriod
	}
	return calc
}

// resolveRole prefers the role carried by the sale and falls back to the
// staff directory. Lookup failures leave the role empty, which selects the
// config's default rate.
func (s *Service) resolveRole(ctx context.Context, zapLog *zap.Logger, sale Sale) string {
	if sale.StaffRole != "" || s.directory == nil {
		return sale.StaffRole
	}
	role, err := s.directory.Role(ctx, sale.VenueID, sale.StaffID)
	if err != nil {
		zapLog.Warn("staff role lookup failed", zap.Error(err))
		return ""
	}
	return role
}

func (s *Service) awardedLevels(ctx context.Context, tx *gorm.DB, configID, staffID, bucket string) (map[int]bool, error) {
	awards, err := s.awards.WithTrx(tx).Find(ctx, &MilestoneAward{ConfigID: configID, StaffID: staffID, PeriodBucket: bucket})
	if err != nil {
		return nil, err
	}
	levels := make(map[int]bool, len(awards))
	for _, a := range awards {
		levels[a.TierLevel] = true
	}
	return levels, nil
}

func (s *Service) ruleSet(ctx context.Context, venueID string) (*VenueRuleSet, error) {
	version, err := s.ruleSetVersion(ctx, venueID)
	if err != nil {
		return nil, err
	}
	return s.cache.Load(ctx, venueID, version, s.loadRuleSet)
}

// ruleSetVersion stamps the venue's configs with their count and latest
// update. Every config or tier write moves the stamp.
func (s *Service) ruleSetVersion(ctx context.Context, venueID string) (string, error) {
	var stamp struct {
		Configs   int64
		UpdatedAt sql.NullString
	}
	if err := s.db.WithContext(ctx).Model(&Config{}).
		Select("COUNT(*) AS configs, MAX(updated_at) AS updated_at").
		Where("venue_id = ?", venueID).
		Scan(&stamp).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%d@%s", stamp.Configs, stamp.UpdatedAt.String), nil
}

func (s *Service) loadRuleSet(ctx context.Context, venueID string) (*VenueRuleSet, error) {
	var configs []*Config
	if err := s.db.WithContext(ctx).
		Preload("Tiers", func(db *gorm.DB) *gorm.DB { return db.Order("tier_level ASC") }).
		Where("venue_id = ? AND active = ?", venueID, true).
		Find(&configs).Error; err != nil {
		return nil, err
	}

	return &VenueRuleSet{VenueID: venueID, Configs: configs, LoadedAt: time.Now()}, nil
}

func withTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l
	}
	return l.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
