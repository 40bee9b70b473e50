package servicediscover

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"smallbiznis-commission/internal/endpoint"
	"smallbiznis-commission/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("servicediscover",
	fx.Provide(
		NewConfig,
		NewClient,
		NewRegistry,
	),
	fx.Invoke(registerConsul),
)

// Enabled reports whether a consul agent is configured in the environment.
func Enabled() bool {
	return os.Getenv("CONSUL_HTTP_ADDR") != ""
}

func registerConsul(lc fx.Lifecycle, registry ServiceRegistry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				zap.L().Error("failed to register service in consul", zap.Error(err))
				return err
			}
			zap.L().Info("service registered in consul")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := registry.Deregister(ctx); err != nil {
				zap.L().Warn("failed to deregister service from consul", zap.Error(err))
			}
			return nil
		},
	})
}

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

// NewConfig starts from the consul environment (CONSUL_HTTP_ADDR,
// CONSUL_HTTP_TOKEN) and lets the service config override the address.
func NewConfig(cfg *config.Config) *api.Config {
	config := api.DefaultConfig()
	if cfg.Consul.Addr != "" {
		config.Address = cfg.Consul.Addr
	}
	return config
}

func NewClient(config *api.Config) (*api.Client, error) {
	return api.NewClient(config)
}

func NewRegistry(client *api.Client, cfg *config.Config) (ServiceRegistry, error) {
	registration, err := Registration(cfg)
	if err != nil {
		return nil, err
	}
	return &ConsulRegistry{
		agent:     client.Agent(),
		serviceID: registration.ID,
		service:   registration,
	}, nil
}

// Registration describes the HTTP API with a readiness check.
func Registration(cfg *config.Config) (*api.AgentServiceRegistration, error) {
	host := cfg.Consul.ServiceHost
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		host = h
	}

	_, portStr, err := net.SplitHostPort(endpoint.Normalize(cfg.Server.Addr))
	if err != nil {
		return nil, fmt.Errorf("invalid http server addr %q: %w", cfg.Server.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid http server port %q: %w", portStr, err)
	}

	interval := cfg.Consul.CheckInterval.String()
	if cfg.Consul.CheckInterval <= 0 {
		interval = "10s"
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%d", cfg.AppName, cfg.NodeID),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval:                       interval,
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}, nil
}

type agent interface {
	ServiceRegister(service *api.AgentServiceRegistration) error
	ServiceDeregister(serviceID string) error
}

type ConsulRegistry struct {
	agent     agent
	serviceID string
	service   *api.AgentServiceRegistration
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.agent.ServiceRegister(r.service)
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.agent.ServiceDeregister(r.serviceID)
}
