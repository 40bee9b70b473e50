package servicediscover

import (
	"context"
	"testing"
	"time"

	"smallbiznis-commission/pkg/config"

	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	registered   []*api.AgentServiceRegistration
	deregistered []string
}

func (f *fakeAgent) ServiceRegister(service *api.AgentServiceRegistration) error {
	f.registered = append(f.registered, service)
	return nil
}

func (f *fakeAgent) ServiceDeregister(serviceID string) error {
	f.deregistered = append(f.deregistered, serviceID)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{AppName: "commission", AppEnv: "test", AppVersion: "v1", NodeID: 3}
	cfg.Server.Addr = "8080"
	cfg.Consul.ServiceHost = "10.0.0.5"
	return cfg
}

func TestRegistration(t *testing.T) {
	reg, err := Registration(testConfig())
	require.NoError(t, err)
	require.Equal(t, "commission-3", reg.ID)
	require.Equal(t, 8080, reg.Port)
	require.Equal(t, "http://10.0.0.5:8080/readyz", reg.Check.HTTP)
	require.Equal(t, "10s", reg.Check.Interval)

	cfg := testConfig()
	cfg.Server.Addr = "0.0.0.0:9000"
	cfg.Consul.CheckInterval = 30 * time.Second
	reg, err = Registration(cfg)
	require.NoError(t, err)
	require.Equal(t, 9000, reg.Port)
	require.Equal(t, "30s", reg.Check.Interval)

	cfg.Server.Addr = "0.0.0.0:http"
	_, err = Registration(cfg)
	require.Error(t, err)
}

func TestConsulRegistry(t *testing.T) {
	reg, err := Registration(testConfig())
	require.NoError(t, err)

	agent := &fakeAgent{}
	registry := &ConsulRegistry{agent: agent, serviceID: reg.ID, service: reg}

	require.NoError(t, registry.Register(context.Background()))
	require.NoError(t, registry.Deregister(context.Background()))
	require.Len(t, agent.registered, 1)
	require.Equal(t, []string{"commission-3"}, agent.deregistered)
}
