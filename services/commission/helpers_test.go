package commission

import (
	"context"
	"testing"
	"time"

	"smallbiznis-commission/pkg/config"
	"smallbiznis-commission/pkg/db/option"
	"smallbiznis-commission/pkg/repository"
	"smallbiznis-commission/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	batchUpdateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.batchUpdateFn != nil {
		return m.batchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeDispatcher struct {
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, payout *Payout) error {
	f.dispatched = append(f.dispatched, payout.ID)
	return f.err
}

type fakeDirectory map[string]string

func (f fakeDirectory) Role(ctx context.Context, venueID, staffID string) (string, error) {
	return f[staffID], nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	return newTestServiceOn(t, db, 1), db
}

// newTestServiceOn builds a second service over an existing database, the way
// the API and the worker share one store.
func newTestServiceOn(t *testing.T, db *gorm.DB, nodeID int64) *Service {
	t.Helper()

	node, err := snowflake.NewNode(nodeID)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Commission.CacheTTL = time.Minute
	cfg.Commission.PayoutQueue = "commission"

	return NewService(Params{DB: db, Node: node, Config: cfg})
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ndec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// tieredInput is the three tier monthly table used across tests:
// [0, 10000) 2%, [10000, 25000) 3%, [25000, +inf) 4%.
func tieredInput(name string) ConfigInput {
	return ConfigInput{
		Name:              name,
		Recipient:         RecipientOrderCreator,
		CalcType:          CalcTiered,
		AggregationPeriod: PeriodMonthly,
		Priority:          10,
		Tiers: []TierInput{
			{TierLevel: 1, TierName: "bronze", TierType: TierByAmount, MinThreshold: dec("0"), MaxThreshold: ndec("10000"), Rate: dec("0.02"), TierPeriod: PeriodMonthly},
			{TierLevel: 2, TierName: "silver", TierType: TierByAmount, MinThreshold: dec("10000"), MaxThreshold: ndec("25000"), Rate: dec("0.03"), TierPeriod: PeriodMonthly},
			{TierLevel: 3, TierName: "gold", TierType: TierByAmount, MinThreshold: dec("25000"), Rate: dec("0.04"), TierPeriod: PeriodMonthly},
		},
	}
}

func percentageInput(name, rate string, priority int) ConfigInput {
	return ConfigInput{
		Name:              name,
		Recipient:         RecipientServer,
		CalcType:          CalcPercentage,
		DefaultRate:       dec(rate),
		AggregationPeriod: PeriodWeekly,
		Priority:          priority,
	}
}
