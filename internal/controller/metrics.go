package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Reconcile action label values.
const (
	actionIgnored = "ignored"
	actionSkipped = "skipped"
	actionNone    = "none"
	actionInit    = "init"
	actionUpdate  = "check_and_update"
	actionDeinit  = "deinit"
	actionPanic   = "panic"
)

// Reconcile result label values.
const (
	resultSuccess    = "success"
	resultError      = "error"
	resultNoTemplate = "no_template"
)

// API operation label values.
const (
	opGet     = "get"
	opCreate  = "create"
	opDelete  = "delete"
	opReplace = "replace"
)

var (
	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "csirt",
			Subsystem: "monitoring",
			Name:      "handle_duration_seconds",
			Help:      "Duration of handling one watch event in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csirt",
			Subsystem: "monitoring",
			Name:      "reconcile_total",
			Help:      "Total number of reconciliation decisions by kind, action and result.",
		},
		[]string{"kind", "action", "result"},
	)

	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csirt",
			Subsystem: "monitoring",
			Name:      "api_requests_total",
			Help:      "Total number of cluster API calls issued by the strategies.",
		},
		[]string{"kind", "operation", "result"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		handleDuration,
		reconcileTotal,
		apiRequestsTotal,
	)
}

func observeReconcile(kind, action, result string) {
	reconcileTotal.WithLabelValues(kind, action, result).Inc()
}

func observeHandleDuration(kind string, start time.Time) {
	handleDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func observeAPIRequest(kind, operation string, err error) {
	apiRequestsTotal.WithLabelValues(kind, operation, apiResult(err)).Inc()
}

// apiResult maps an API error to a low-cardinality label value.
func apiResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case apierrors.IsConflict(err):
		return "conflict"
	case apierrors.IsNotFound(err):
		return "not_found"
	case apierrors.IsAlreadyExists(err):
		return "already_exists"
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}
