package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all OrgLoop Prometheus metrics.
type Metrics struct {
	EventsAccepted    *prometheus.CounterVec
	RouteMatches      *prometheus.CounterVec
	TransformDrops    *prometheus.CounterVec
	DeliveryAttempts  *prometheus.CounterVec
	DeliveryResults   *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	SourcePolls       *prometheus.CounterVec
	SourceErrors      *prometheus.CounterVec
	ObserverDrops     *prometheus.CounterVec
	ActorQueueDepth   *prometheus.GaugeVec
	WALAppendDuration prometheus.Histogram
	WALNextOffset     prometheus.Gauge
	WALSegmentBytes   prometheus.Gauge
}

// NewMetrics creates and registers all OrgLoop metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_events_accepted_total",
			Help: "Events durably appended to the bus.",
		}, []string{"source", "type"}),

		RouteMatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_route_matches_total",
			Help: "Events matched to routes.",
		}, []string{"route"}),

		TransformDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_transform_drops_total",
			Help: "Events dropped by a route's transform pipeline.",
		}, []string{"route", "transform"}),

		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_delivery_attempts_total",
			Help: "Delivery attempts per actor.",
		}, []string{"actor"}),

		DeliveryResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_delivery_results_total",
			Help: "Terminal and scheduled delivery outcomes.",
		}, []string{"actor", "status"}),

		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orgloop_delivery_duration_seconds",
			Help:    "Actor deliver call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"actor"}),

		SourcePolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_source_polls_total",
			Help: "Poll cycles per source.",
		}, []string{"source", "status"}),

		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_source_errors_total",
			Help: "Source failures by kind.",
		}, []string{"source", "kind"}),

		ObserverDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_observer_drops_total",
			Help: "Observer events dropped per logger.",
		}, []string{"logger"}),

		ActorQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orgloop_actor_queue_depth",
			Help: "Current per-actor delivery queue depth.",
		}, []string{"actor"}),

		WALAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orgloop_wal_append_duration_seconds",
			Help:    "WAL append latency including fsync.",
			Buckets: prometheus.DefBuckets,
		}),

		WALNextOffset: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orgloop_wal_next_offset",
			Help: "Offset the next bus append will receive.",
		}),

		WALSegmentBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orgloop_wal_segment_bytes",
			Help: "Total on-disk size of live WAL segments.",
		}),
	}
}
