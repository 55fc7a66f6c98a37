package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var watchEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "csirt",
		Subsystem: "monitoring",
		Name:      "watch_events_total",
		Help:      "Total number of watch events received, by resource kind and event type.",
	},
	[]string{"kind", "event"},
)

func init() {
	metrics.Registry.MustRegister(watchEventsTotal)
}

func observeEvent(kind string, eventType EventType) {
	watchEventsTotal.WithLabelValues(kind, string(eventType)).Inc()
}
