package engine

import (
	"context"

	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/observability"
	"github.com/orgloop/orgloop/internal/observer"
)

// metricsObserver translates observer events into Prometheus series.
// It rides the observer bus like any logger, so the pipeline never
// blocks on metric updates.
type metricsObserver struct {
	m *observability.Metrics
}

func (o *metricsObserver) Init(connector.Config) error { return nil }

func (o *metricsObserver) Observe(ev observer.Event) {
	switch ev.Kind {
	case observer.KindEventAccepted:
		typ, _ := ev.Fields["type"].(string)
		o.m.EventsAccepted.WithLabelValues(ev.Source, typ).Inc()
	case observer.KindRouteMatched:
		o.m.RouteMatches.WithLabelValues(ev.Route).Inc()
	case observer.KindTransformDropped:
		name, _ := ev.Fields["transform"].(string)
		o.m.TransformDrops.WithLabelValues(ev.Route, name).Inc()
	case observer.KindDeliveryAttempt:
		o.m.DeliveryAttempts.WithLabelValues(ev.Actor).Inc()
	case observer.KindDeliveryResult:
		o.m.DeliveryResults.WithLabelValues(ev.Actor, ev.Status).Inc()
		if secs, ok := ev.Fields["duration_seconds"].(float64); ok && secs > 0 {
			o.m.DeliveryDuration.WithLabelValues(ev.Actor).Observe(secs)
		}
	case observer.KindSourcePolled:
		o.m.SourcePolls.WithLabelValues(ev.Source, ev.Status).Inc()
		if ev.Status == "error" {
			o.m.SourceErrors.WithLabelValues(ev.Source, "poll").Inc()
		}
	}
}

func (o *metricsObserver) Shutdown(context.Context) error { return nil }
