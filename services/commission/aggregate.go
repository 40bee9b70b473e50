package commission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"smallbiznis-commission/pkg/db/option"
	"smallbiznis-commission/pkg/rediskey"
	"smallbiznis-commission/pkg/repository"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AggregateKey identifies the sale being credited to a staff member.
type AggregateKey struct {
	VenueID string
	StaffID string
	SaleID  string
	At      time.Time
}

// SalesAggregateTracker keeps per period sales totals for each staff member.
type SalesAggregateTracker interface {
	WithTrx(tx *gorm.DB) SalesAggregateTracker
	// Increment credits amount to the bucket of every period and returns the
	// totals as they were before the credit.
	Increment(ctx context.Context, key AggregateKey, periods []Period, amount decimal.Decimal) (map[Period]AggregateSnapshot, error)
	Get(ctx context.Context, venueID, staffID string, period Period, at time.Time) (AggregateSnapshot, error)
}

type dbAggregateTracker struct {
	db         *gorm.DB
	loc        *time.Location
	aggregates repository.Repository[StaffSalesAggregate]
}

// NewDBAggregateTracker serializes writers on the aggregate row lock. Run it
// inside the calculation transaction so a failed insert rolls the credit back.
func NewDBAggregateTracker(db *gorm.DB, loc *time.Location) SalesAggregateTracker {
	return &dbAggregateTracker{
		db:         db,
		loc:        loc,
		aggregates: repository.ProvideStore[StaffSalesAggregate](db),
	}
}

func (t *dbAggregateTracker) WithTrx(tx *gorm.DB) SalesAggregateTracker {
	if tx == nil {
		return t
	}
	return &dbAggregateTracker{db: tx, loc: t.loc, aggregates: t.aggregates.WithTrx(tx)}
}

func (t *dbAggregateTracker) Increment(ctx context.Context, key AggregateKey, periods []Period, amount decimal.Decimal) (map[Period]AggregateSnapshot, error) {
	out := make(map[Period]AggregateSnapshot, len(periods))
	if len(periods) == 0 {
		return out, nil
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		aggregates := t.aggregates.WithTrx(tx)
		now := time.Now().UTC()

		// rows are locked in period order
		for _, p := range sortedPeriods(periods) {
			bucket, err := p.Bucket(key.At, t.loc)
			if err != nil {
				return err
			}

			seed := &StaffSalesAggregate{
				VenueID:      key.VenueID,
				StaffID:      key.StaffID,
				TierPeriod:   p,
				PeriodBucket: bucket,
				TotalAmount:  decimal.Zero,
				UpdatedAt:    now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
				return fmt.Errorf("seed aggregate: %w", err)
			}

			row, err := aggregates.FindOne(ctx, &StaffSalesAggregate{
				VenueID:      key.VenueID,
				StaffID:      key.StaffID,
				TierPeriod:   p,
				PeriodBucket: bucket,
			}, option.WithLockingUpdate())
			if err != nil {
				return fmt.Errorf("lock aggregate: %w", err)
			}
			if row == nil {
				return fmt.Errorf("aggregate %s/%s/%s/%s vanished", key.VenueID, key.StaffID, p, bucket)
			}

			before := AggregateSnapshot{TotalAmount: row.TotalAmount, SaleCount: row.SaleCount}
			after := before.Add(amount)
			if err := tx.Model(&StaffSalesAggregate{}).
				Where("venue_id = ? AND staff_id = ? AND tier_period = ? AND period_bucket = ?", key.VenueID, key.StaffID, p, bucket).
				Updates(map[string]any{
					"total_amount": after.TotalAmount,
					"sale_count":   after.SaleCount,
					"updated_at":   now,
				}).Error; err != nil {
				return fmt.Errorf("update aggregate: %w", err)
			}

			out[p] = before
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (t *dbAggregateTracker) Get(ctx context.Context, venueID, staffID string, period Period, at time.Time) (AggregateSnapshot, error) {
	bucket, err := period.Bucket(at, t.loc)
	if err != nil {
		return AggregateSnapshot{}, err
	}

	row, err := t.aggregates.FindOne(ctx, &StaffSalesAggregate{
		VenueID:      venueID,
		StaffID:      staffID,
		TierPeriod:   period,
		PeriodBucket: bucket,
	})
	if err != nil || row == nil {
		return AggregateSnapshot{TotalAmount: decimal.Zero}, err
	}

	return AggregateSnapshot{TotalAmount: row.TotalAmount, SaleCount: row.SaleCount}, nil
}

const (
	// aggregateScale is the number of decimal places kept by the redis
	// backend, which stores totals as integers.
	aggregateScale   = 4
	aggregateRetries = 10
	saleMarkerTTL    = 7 * 24 * time.Hour
	bucketGrace      = 7 * 24 * time.Hour
)

type redisAggregateTracker struct {
	rdb *redis.Client
	loc *time.Location
}

// NewRedisAggregateTracker keeps totals in redis hashes. Each credit runs in
// an optimistic WATCH/MULTI transaction together with a per sale marker, so a
// replayed sale returns its original snapshot instead of counting twice.
func NewRedisAggregateTracker(rdb *redis.Client, loc *time.Location) SalesAggregateTracker {
	return &redisAggregateTracker{rdb: rdb, loc: loc}
}

func (t *redisAggregateTracker) WithTrx(*gorm.DB) SalesAggregateTracker {
	return t
}

func (t *redisAggregateTracker) Increment(ctx context.Context, key AggregateKey, periods []Period, amount decimal.Decimal) (map[Period]AggregateSnapshot, error) {
	out := make(map[Period]AggregateSnapshot, len(periods))
	if len(periods) == 0 {
		return out, nil
	}

	type target struct {
		period Period
		key    string
		expire time.Time
	}

	periods = sortedPeriods(periods)
	targets := make([]target, 0, len(periods))
	keys := make([]string, 0, len(periods)+1)
	for _, p := range periods {
		bucket, err := p.Bucket(key.At, t.loc)
		if err != nil {
			return nil, err
		}
		_, end, err := p.Window(key.At, t.loc)
		if err != nil {
			return nil, err
		}
		expire := end.Add(bucketGrace)
		if floor := time.Now().Add(bucketGrace); expire.Before(floor) {
			expire = floor
		}
		k := rediskey.BuildAggregateKey(key.VenueID, key.StaffID, string(p), bucket)
		targets = append(targets, target{period: p, key: k, expire: expire})
		keys = append(keys, k)
	}
	marker := rediskey.NamespaceKey(rediskey.AggregatePrefix, "sale", key.VenueID, key.StaffID, key.SaleID)
	keys = append(keys, marker)

	units := amount.Shift(aggregateScale).Round(0).IntPart()

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, marker).Bytes()
		switch {
		case err == nil:
			return json.Unmarshal(raw, &out)
		case !errors.Is(err, redis.Nil):
			return err
		}

		for _, tg := range targets {
			snap, err := readSnapshot(ctx, tx, tg.key)
			if err != nil {
				return err
			}
			out[tg.period] = snap
		}

		encoded, err := json.Marshal(out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, tg := range targets {
				pipe.HIncrBy(ctx, tg.key, "amount", units)
				pipe.HIncrBy(ctx, tg.key, "count", 1)
				pipe.ExpireAt(ctx, tg.key, tg.expire)
			}
			pipe.Set(ctx, marker, encoded, saleMarkerTTL)
			return nil
		})
		return err
	}

	for i := 0; i < aggregateRetries; i++ {
		err := t.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("increment aggregate: %w", err)
		}
		clear(out)
	}

	return nil, fmt.Errorf("increment aggregate: %w", redis.TxFailedErr)
}

func (t *redisAggregateTracker) Get(ctx context.Context, venueID, staffID string, period Period, at time.Time) (AggregateSnapshot, error) {
	bucket, err := period.Bucket(at, t.loc)
	if err != nil {
		return AggregateSnapshot{}, err
	}
	return readSnapshot(ctx, t.rdb, rediskey.BuildAggregateKey(venueID, staffID, string(period), bucket))
}

type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func readSnapshot(ctx context.Context, c hashReader, key string) (AggregateSnapshot, error) {
	vals, err := c.HMGet(ctx, key, "amount", "count").Result()
	if err != nil {
		return AggregateSnapshot{}, err
	}

	snap := AggregateSnapshot{TotalAmount: decimal.Zero}
	if s, ok := vals[0].(string); ok {
		units, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return AggregateSnapshot{}, err
		}
		snap.TotalAmount = decimal.New(units, -aggregateScale)
	}
	if s, ok := vals[1].(string); ok {
		count, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return AggregateSnapshot{}, err
		}
		snap.SaleCount = count
	}
	return snap, nil
}

func sortedPeriods(periods []Period) []Period {
	seen := make(map[Period]bool, len(periods))
	out := make([]Period, 0, len(periods))
	for _, p := range periods {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
