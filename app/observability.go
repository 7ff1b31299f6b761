package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/peakshave/config"
	coremetrics "github.com/kilianp07/peakshave/core/metrics"
	coremon "github.com/kilianp07/peakshave/core/monitoring"
	"github.com/kilianp07/peakshave/infra/logger"
	"github.com/kilianp07/peakshave/infra/metrics"
	"github.com/kilianp07/peakshave/infra/monitoring"
)

// Observability holds the logging, error monitoring and metrics setup shared
// by every command.
type Observability struct {
	Sink     coremetrics.MetricsSink
	promPort string
	log      logger.Logger
}

// SetupObservability configures the global logger and Sentry, and builds the
// metrics sinks.
func SetupObservability(cfg *config.Config, agentName string) (*Observability, error) {
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("%w: logging: %v", config.ErrConfig, err)
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry, agentName)
	if err != nil {
		return nil, err
	}
	coremon.Init(mon)
	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sinks: %w", err)
	}
	return &Observability{Sink: sink, promPort: cfg.Metrics.PrometheusPort, log: logger.New(agentName)}, nil
}

// Start serves /metrics in the background when a port is configured.
func (o *Observability) Start(ctx context.Context) {
	if o.promPort == "" {
		return
	}
	go func() {
		if err := metrics.StartPromServer(ctx, o.promPort, nil); err != nil {
			o.log.Errorf("prom server: %v", err)
		}
	}()
}

// Close flushes pending error reports.
func (o *Observability) Close() {
	coremon.Flush(2 * time.Second)
}
