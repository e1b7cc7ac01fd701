package activation

import (
	"context"
	"log/slog"
	"time"

	"github.com/tomyedwab/orbd/metrics"
)

const defaultPollInterval = time.Second

// Monitor periodically invalidates entries whose process has died.
type Monitor struct {
	registry *ServerRegistry
	interval time.Duration
	events   EventLog
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewMonitor creates a Monitor sweeping registry every interval. A zero
// interval selects one second.
func NewMonitor(registry *ServerRegistry, interval time.Duration, events EventLog, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if interval == 0 {
		interval = defaultPollInterval
	}
	if events == nil {
		events = nopEventLog{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		events:   events,
		metrics:  m,
		logger:   logger.With("component", "Monitor"),
	}
}

// Run sweeps until ctx is done.
func (mon *Monitor) Run(ctx context.Context) error {
	mon.logger.Info("Liveness monitor started", "interval", mon.interval)
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mon.logger.Info("Liveness monitor stopping")
			return nil
		case <-ticker.C:
			mon.SweepOnce()
		}
	}
}

// SweepOnce runs a single sweep and returns how many entries it invalidated.
func (mon *Monitor) SweepOnce() int {
	ids := mon.registry.Sweep()
	for _, id := range ids {
		mon.logger.Warn("Server process died", "serverID", id)
		if err := mon.events.LogInvalidated(id); err != nil {
			mon.logger.Warn("Failed to record event", "error", err)
		}
	}
	mon.metrics.RecordInvalidated(len(ids))
	return len(ids)
}
