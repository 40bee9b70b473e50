package commission

import (
	"smallbiznis-commission/pkg/config"
	"smallbiznis-commission/pkg/health"
	"smallbiznis-commission/pkg/taskname"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

var Module = fx.Module("commission.service",
	fx.Provide(NewService),
	fx.Invoke(migrate),
)

// Gateway exposes the JSON API and the grpc health service.
var Gateway = fx.Module("commission.gateway",
	fx.Provide(NewHandler),
	fx.Invoke(
		registerHealthServer,
		registerHandler,
	),
)

var TaskModule = fx.Module("commission.task",
	fx.Provide(
		NewTask,
		NewScheduler,
	),
	fx.Invoke(
		registerTaskHandlers,
		StartScheduler,
	),
)

func migrate(db *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("failed to migrate commission tables", zap.Error(err))
		return err
	}
	zap.L().Info("commission tables migrated")
	return nil
}

func registerHealthServer(server *grpc.Server, checker health.Checker) {
	grpc_health_v1.RegisterHealthServer(server, health.NewGRPCServer(checker))
}

func registerHandler(mux *runtime.ServeMux, h *Handler) error {
	if err := h.Register(mux); err != nil {
		zap.L().Error("failed to register commission http handler", zap.Error(err))
		return err
	}
	return nil
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.SaleCompleted, t.HandleSaleCompleted)
	mux.HandleFunc(taskname.PayoutResolve, t.HandlePayoutResolve)
	mux.HandleFunc(taskname.PayoutDispatch, t.HandlePayoutDispatch)
}
