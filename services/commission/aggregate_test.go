package commission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"smallbiznis-commission/services/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestDBAggregateTrackerIncrement(t *testing.T) {
	db := testutil.NewTestDB(t, &StaffSalesAggregate{})
	tracker := NewDBAggregateTracker(db, time.UTC)
	ctx := context.Background()
	at := time.Date(2024, time.March, 13, 12, 0, 0, 0, time.UTC)
	periods := []Period{PeriodMonthly, PeriodWeekly, PeriodMonthly}

	first, err := tracker.Increment(ctx, AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "sale-1", At: at}, periods, dec("12000"))
	require.NoError(t, err)
	require.Len(t, first, 2)
	requireDecimal(t, "0", first[PeriodMonthly].TotalAmount)
	require.Zero(t, first[PeriodMonthly].SaleCount)

	second, err := tracker.Increment(ctx, AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "sale-2", At: at.Add(time.Hour)}, periods, dec("5000"))
	require.NoError(t, err)
	requireDecimal(t, "12000", second[PeriodMonthly].TotalAmount)
	require.Equal(t, int64(1), second[PeriodWeekly].SaleCount)

	total, err := tracker.Get(ctx, "v1", "s1", PeriodMonthly, at)
	require.NoError(t, err)
	requireDecimal(t, "17000", total.TotalAmount)
	require.Equal(t, int64(2), total.SaleCount)

	// next month starts from zero
	next, err := tracker.Get(ctx, "v1", "s1", PeriodMonthly, at.AddDate(0, 1, 0))
	require.NoError(t, err)
	requireDecimal(t, "0", next.TotalAmount)

	other, err := tracker.Get(ctx, "v1", "s2", PeriodMonthly, at)
	require.NoError(t, err)
	require.Zero(t, other.SaleCount)
}

func TestDBAggregateTrackerWithoutPeriods(t *testing.T) {
	db := testutil.NewTestDB(t, &StaffSalesAggregate{})
	tracker := NewDBAggregateTracker(db, time.UTC)

	out, err := tracker.Increment(context.Background(), AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "x", At: time.Now()}, nil, dec("10"))
	require.NoError(t, err)
	require.Empty(t, out)

	var count int64
	require.NoError(t, db.Model(&StaffSalesAggregate{}).Count(&count).Error)
	require.Zero(t, count)
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisAggregateTrackerIncrement(t *testing.T) {
	rdb := newMiniRedis(t)
	tracker := NewRedisAggregateTracker(rdb, time.UTC)
	ctx := context.Background()
	at := time.Now().UTC()
	periods := []Period{PeriodWeekly, PeriodMonthly}

	first, err := tracker.Increment(ctx, AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "sale-1", At: at}, periods, dec("12.3456"))
	require.NoError(t, err)
	requireDecimal(t, "0", first[PeriodWeekly].TotalAmount)

	second, err := tracker.Increment(ctx, AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "sale-2", At: at}, periods, dec("7.6544"))
	require.NoError(t, err)
	requireDecimal(t, "12.3456", second[PeriodWeekly].TotalAmount)
	require.Equal(t, int64(1), second[PeriodMonthly].SaleCount)

	total, err := tracker.Get(ctx, "v1", "s1", PeriodMonthly, at)
	require.NoError(t, err)
	requireDecimal(t, "20", total.TotalAmount)
	require.Equal(t, int64(2), total.SaleCount)
}

func TestRedisAggregateTrackerReplayDoesNotDoubleCount(t *testing.T) {
	rdb := newMiniRedis(t)
	tracker := NewRedisAggregateTracker(rdb, time.UTC)
	ctx := context.Background()
	at := time.Now().UTC()
	key := AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "sale-1", At: at}

	_, err := tracker.Increment(ctx, AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: "sale-0", At: at}, []Period{PeriodDaily}, dec("100"))
	require.NoError(t, err)

	first, err := tracker.Increment(ctx, key, []Period{PeriodDaily}, dec("50"))
	require.NoError(t, err)
	replay, err := tracker.Increment(ctx, key, []Period{PeriodDaily}, dec("50"))
	require.NoError(t, err)

	requireDecimal(t, "100", first[PeriodDaily].TotalAmount)
	requireDecimal(t, first[PeriodDaily].TotalAmount.String(), replay[PeriodDaily].TotalAmount)
	require.Equal(t, first[PeriodDaily].SaleCount, replay[PeriodDaily].SaleCount)

	total, err := tracker.Get(ctx, "v1", "s1", PeriodDaily, at)
	require.NoError(t, err)
	requireDecimal(t, "150", total.TotalAmount)
	require.Equal(t, int64(2), total.SaleCount)
}

func TestRedisStaffDirectory(t *testing.T) {
	rdb := newMiniRedis(t)
	ctx := context.Background()
	require.NoError(t, rdb.HSet(ctx, "staff:role:v1", "s1", "bartender").Err())

	dir := NewRedisStaffDirectory(rdb)

	role, err := dir.Role(ctx, "v1", "s1")
	require.NoError(t, err)
	require.Equal(t, "bartender", role)

	role, err = dir.Role(ctx, "v1", "unknown")
	require.NoError(t, err)
	require.Empty(t, role)
}

// creditConcurrently credits n sales of 10 to one staff member at once and
// checks that every writer saw a different pre-credit total.
func creditConcurrently(t *testing.T, tracker SalesAggregateTracker, n int) {
	t.Helper()
	ctx := context.Background()
	at := time.Now().UTC()

	befores := make([]AggregateSnapshot, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := AggregateKey{VenueID: "v1", StaffID: "s1", SaleID: fmt.Sprintf("sale-%d", i), At: at}
			out, err := tracker.Increment(ctx, key, []Period{PeriodMonthly}, dec("10"))
			errs[i] = err
			befores[i] = out[PeriodMonthly]
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	sort.Slice(befores, func(i, j int) bool { return befores[i].SaleCount < befores[j].SaleCount })
	for i, b := range befores {
		require.Equal(t, int64(i), b.SaleCount)
		requireDecimal(t, fmt.Sprintf("%d", i*10), b.TotalAmount)
	}

	total, err := tracker.Get(ctx, "v1", "s1", PeriodMonthly, at)
	require.NoError(t, err)
	require.Equal(t, int64(n), total.SaleCount)
	requireDecimal(t, fmt.Sprintf("%d", n*10), total.TotalAmount)
}

func TestDBAggregateTrackerConcurrentSales(t *testing.T) {
	db := testutil.NewTestDB(t, &StaffSalesAggregate{})
	creditConcurrently(t, NewDBAggregateTracker(db, time.UTC), 20)
}

func TestRedisAggregateTrackerConcurrentSales(t *testing.T) {
	// each conflict means another writer committed, so this many writers
	// always fit in the retry budget
	creditConcurrently(t, NewRedisAggregateTracker(newMiniRedis(t), time.UTC), aggregateRetries)
}
