package httpapi

import (
	"net/http"

	"smallbiznis-commission/pkg/health"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("httpapi",
	fx.Invoke(
		registerHealthEndpoints,
		registerMetricsEndpoint,
	),
)

func registerHealthEndpoints(mux *runtime.ServeMux, checker health.Checker) error {
	checks := map[string]func(r *http.Request) *health.Health{
		"/healthz": func(r *http.Request) *health.Health { return checker.Liveness(r.Context()) },
		"/readyz":  func(r *http.Request) *health.Health { return checker.Readiness(r.Context()) },
	}
	for path, check := range checks {
		if err := mux.HandlePath(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			h := check(r)
			WriteJSON(w, h.Code(), h)
		}); err != nil {
			zap.L().Error("failed to register health endpoint", zap.String("path", path), zap.Error(err))
			return err
		}
	}
	return nil
}

func registerMetricsEndpoint(mux *runtime.ServeMux) {
	handler := promhttp.Handler()
	if err := mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		handler.ServeHTTP(w, r)
	}); err != nil {
		zap.L().Error("failed to register metrics endpoint", zap.Error(err))
	}
}
