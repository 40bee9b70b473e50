package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-commission/pkg/config"
	"smallbiznis-commission/pkg/db"
	"smallbiznis-commission/pkg/featureflags"
	"smallbiznis-commission/pkg/gen"
	"smallbiznis-commission/pkg/hashistack/secretmanager"
	"smallbiznis-commission/pkg/logger"
	"smallbiznis-commission/pkg/otelcol"
	"smallbiznis-commission/pkg/profiling"
	"smallbiznis-commission/pkg/redis"
	"smallbiznis-commission/pkg/sequence"
	"smallbiznis-commission/pkg/task"
	"smallbiznis-commission/services/commission"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		gen.Module,
		otelcol.Module,
		profiling.Module,
		featureflags.Module,
		commission.Module,
		commission.TaskModule,
		fxLogger,
	}
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

func configModule() fx.Option {
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "production" {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: logger}
})
