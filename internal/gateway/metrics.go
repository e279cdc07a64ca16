package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var providerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "nexus_provider_healthy",
	Help: "1 when the last provider healthcheck passed",
})

type metricsServer struct {
	srv    *http.Server
	logger *slog.Logger
}

func newMetricsServer(addr string, ready func(context.Context) error, logger *slog.Logger) *metricsServer {
	return &metricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           newMetricsMux(ready),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func newMetricsMux(ready func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := ready(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func (m *metricsServer) serve() {
	m.logger.Info("gateway.metrics_listening", "addr", m.srv.Addr)
	if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("gateway.metrics_failed", "err", err)
	}
}

func (m *metricsServer) shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
