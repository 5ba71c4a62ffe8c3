package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianhealth/researchflow/common/logger"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string

	enablePprof   bool
	enableMetrics bool

	metricsServer *http.Server
}

// New creates telemetry components
func New(pprofPort, metricsPort int, enablePprof, enableMetrics bool, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:           log,
		pprofAddr:     fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr:   fmt.Sprintf(":%d", metricsPort),
		enablePprof:   enablePprof,
		enableMetrics: enableMetrics,
	}
}

// Start starts the pprof and metrics endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	if t.enablePprof {
		go func() {
			t.log.Info("pprof server starting", "addr", t.pprofAddr)
			if err := http.ListenAndServe(t.pprofAddr, nil); err != nil && err != http.ErrServerClosed {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.enableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		t.metricsServer = &http.Server{Addr: t.metricsAddr, Handler: mux}

		go func() {
			t.log.Info("metrics server starting", "addr", t.metricsAddr)
			if err := t.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts down the metrics endpoint
func (t *Telemetry) Stop(ctx context.Context) error {
	if t.metricsServer == nil {
		return nil
	}
	return t.metricsServer.Shutdown(ctx)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
