package health

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestReadiness(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	checker := ProvideHealth(HealthParams{DB: db, Redis: rdb})
	ctx := context.Background()

	ready := checker.Readiness(ctx)
	require.True(t, ready.Healthy())
	require.Len(t, ready.Deps, 2)
	require.Equal(t, 200, ready.Code())

	res, err := NewGRPCServer(checker).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, res.Status)

	mr.Close()

	degraded := checker.Readiness(ctx)
	require.False(t, degraded.Healthy())
	require.Equal(t, "redis is unavailable", degraded.Message)
	require.Equal(t, 503, degraded.Code())

	res, err = NewGRPCServer(checker).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, res.Status)
}

func TestLivenessWithoutDependencies(t *testing.T) {
	checker := ProvideHealth(HealthParams{})
	require.True(t, checker.Liveness(context.Background()).Healthy())
	require.True(t, checker.Readiness(context.Background()).Healthy())
}
