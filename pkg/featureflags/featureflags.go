package featureflags

import (
	"context"

	"smallbiznis-commission/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	// PayoutScheduler gates the daily payout resolution run.
	PayoutScheduler = "commission_payout_scheduler"
)

type FeatureFlag interface {
	// Enabled reports the environment value of a flag, or fallback when no
	// flag service is configured or it cannot be reached.
	Enabled(ctx context.Context, name string, fallback bool) bool
	// EnabledFor evaluates a flag for one identity, e.g. a venue.
	EnabledFor(ctx context.Context, identifier, name string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	var opts []flagsmith.Option
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, name string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("failed to load feature flags", zap.String("flag", name), zap.Error(err))
		return fallback
	}
	return enabled(flags, name, fallback)
}

func (s *featureflag) EnabledFor(ctx context.Context, identifier, name string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}
	flags, err := s.client.GetIdentityFlags(identifier, nil)
	if err != nil {
		zap.L().Warn("failed to load identity feature flags", zap.String("flag", name), zap.String("identifier", identifier), zap.Error(err))
		return fallback
	}
	return enabled(flags, name, fallback)
}

func enabled(flags flagsmith.Flags, name string, fallback bool) bool {
	on, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return fallback
	}
	return on
}
