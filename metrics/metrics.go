// Package metrics exposes Prometheus collectors for call traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mini-call/parcel"
)

// Metrics holds the collectors shared by callers and callees.
type Metrics struct {
	// Callee side
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Caller side
	CallsTotal    *prometheus.CounterVec
	CallerHandles prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration against the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minicall_dispatch_total",
				Help: "Call-notify requests dispatched by callees",
			},
			[]string{"descriptor", "method", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minicall_dispatch_duration_seconds",
				Help:    "Time spent in callee method handlers",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"descriptor", "method"},
		),
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minicall_calls_total",
				Help: "Calls issued by callers, by outcome",
			},
			[]string{"method", "mode", "outcome"},
		),
		CallerHandles: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "minicall_caller_handles",
				Help: "Caller handles currently held through a call container",
			},
		),
	}
}

// RegisterParcelPool exports the outstanding parcel count of pool as a gauge.
func RegisterParcelPool(reg prometheus.Registerer, name string, pool *parcel.Pool) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "minicall_parcels_outstanding",
			Help:        "Parcels allocated and not yet released",
			ConstLabels: prometheus.Labels{"pool": name},
		},
		func() float64 { return float64(pool.Outstanding()) },
	)
}

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)
