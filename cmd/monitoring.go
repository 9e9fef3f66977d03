package main

import (
	"net/http"

	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/monitoring"
)

// initMonitoring builds the /metrics handler, or nil when metrics are
// disabled. runner and status may be nil.
func initMonitoring(e *env, runner *ingest.Runner, status monitoring.ReplayStatus) (http.Handler, error) {
	if !cfg.Monitoring.Metrics {
		return nil, nil
	}
	reg := monitoring.NewRegistry()
	var queue monitoring.QueueDepth
	if q, ok := e.Broker.(monitoring.QueueDepth); ok {
		queue = q
	}
	if err := monitoring.Register(reg, consumerStats(runner), status, queue); err != nil {
		return nil, err
	}
	return monitoring.Handler(reg), nil
}

func newChecker(e *env, runner *ingest.Runner, status monitoring.ReplayStatus) *monitoring.Checker {
	collector := monitoring.NewCollector(e.Store, consumerStats(runner), status)
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

// consumerStats keeps a nil runner from becoming a non-nil interface.
func consumerStats(runner *ingest.Runner) monitoring.ConsumerStats {
	if runner == nil {
		return nil
	}
	return runner
}
