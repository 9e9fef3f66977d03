package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"

	"github.com/welldata/prodstream/internal/ingest"
	"github.com/welldata/prodstream/internal/replay"
)

const namespace = "prodstream"

// QueueDepth reports messages published but not yet settled.
type QueueDepth interface {
	Pending() int64
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Register adds pipeline gauges read from the given sources. Nil sources
// are skipped.
func Register(reg prometheus.Registerer, consumer ConsumerStats, rs ReplayStatus, queue QueueDepth) error {
	var cs []prometheus.Collector

	if consumer != nil {
		outcomes := map[string]func(ingest.RunnerStats) int64{
			"handled":       func(s ingest.RunnerStats) int64 { return s.Handled },
			"acked":         func(s ingest.RunnerStats) int64 { return s.Acked },
			"requeued":      func(s ingest.RunnerStats) int64 { return s.Requeued },
			"dead_lettered": func(s ingest.RunnerStats) int64 { return s.DeadLettered },
		}
		for outcome, get := range outcomes {
			cs = append(cs, prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "consumer",
				Name:        "deliveries_total",
				Help:        "Deliveries by outcome.",
				ConstLabels: prometheus.Labels{"outcome": outcome},
			}, func() float64 { return float64(get(consumer.Stats())) }))
		}
	}

	if rs != nil {
		cs = append(cs,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "replay", Name: "ticks_total",
				Help: "Replay ticks run.",
			}, func() float64 { return float64(rs.Status().Ticks) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Subsystem: "replay", Name: "skipped_ticks_total",
				Help: "Replay ticks skipped because the previous tick was still running.",
			}, func() float64 { return float64(rs.Status().Skipped) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "replay", Name: "cursor_timestamp_seconds",
				Help: "Unix time of the next day to replay.",
			}, func() float64 {
				if c := rs.Status().Cursor; c != nil {
					return float64(c.Unix())
				}
				return 0
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "replay", Name: "running",
				Help: "1 while the scheduler is running.",
			}, func() float64 {
				if rs.Status().State == replay.Running.String() {
					return 1
				}
				return 0
			}),
		)
	}

	if queue != nil {
		cs = append(cs, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "pending",
			Help: "Messages published but not yet settled.",
		}, func() float64 { return float64(queue.Pending()) }))
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return eris.Wrap(err, "monitoring: register collector")
		}
	}
	return nil
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
