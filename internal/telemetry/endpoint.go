package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LordThiouk/sodav-monitor-sub003/internal/conf"
	"github.com/LordThiouk/sodav-monitor-sub003/internal/logging"
)

// Endpoint serves /metrics for Prometheus scrapes.
type Endpoint struct {
	server  *http.Server
	log     *slog.Logger
	enabled bool
}

// NewEndpoint prepares the metrics HTTP listener. A disabled telemetry
// section yields an inert endpoint.
func NewEndpoint(settings *conf.Settings, metrics *Metrics, log *slog.Logger) *Endpoint {
	if log == nil {
		log = logging.ForService("MONITOR")
	}
	e := &Endpoint{log: log, enabled: settings.Telemetry.Enabled}
	if !e.enabled {
		return e
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	e.server = &http.Server{
		Addr:              settings.Telemetry.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e
}

// Start begins serving in the background. Listen errors are logged, not
// fatal; metrics are a best-effort surface.
func (e *Endpoint) Start() {
	if !e.enabled || e.server == nil {
		return
	}
	go func() {
		e.log.Info("telemetry endpoint listening", "addr", e.server.Addr)
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error("telemetry endpoint failed", "error", err)
		}
	}()
}

// Shutdown stops the listener gracefully.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	if !e.enabled || e.server == nil {
		return nil
	}
	return e.server.Shutdown(ctx)
}
