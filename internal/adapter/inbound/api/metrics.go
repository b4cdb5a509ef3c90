package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the pool.
type Metrics struct {
	HTTPRequests        *prometheus.CounterVec
	ReservationsGranted prometheus.Counter
	ReservationsDenied  prometheus.Counter
	KeysRegistered      prometheus.Counter
	KeysDeleted         prometheus.Counter
	KeysActive          prometheus.Gauge
	StorageErrors       prometheus.Counter
	ProbeResults        *prometheus.CounterVec
	ReconcileRuns       prometheus.Counter
}

// NewMetrics registers all instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_http_requests_total",
			Help: "HTTP requests served, by method and route.",
		}, []string{"method", "route"}),
		ReservationsGranted: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolgate_reservations_granted_total",
			Help: "Reservations that consumed a permit.",
		}),
		ReservationsDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolgate_reservations_denied_total",
			Help: "Reservations denied because the window was exhausted.",
		}),
		KeysRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolgate_keys_registered_total",
			Help: "Keys registered through the API.",
		}),
		KeysDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolgate_keys_deleted_total",
			Help: "Keys deleted through the API.",
		}),
		KeysActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "poolgate_keys_active",
			Help: "Keys currently in the pool.",
		}),
		StorageErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolgate_storage_errors_total",
			Help: "Backing store failures surfaced to API callers.",
		}),
		ProbeResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "poolgate_probe_results_total",
			Help: "Health probe outcomes, by verdict.",
		}, []string{"verdict"}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "poolgate_reconcile_runs_total",
			Help: "Reconciliation passes executed.",
		}),
	}
}
