// Package metrics exposes Prometheus collectors for reconciliation cycles and
// the health endpoints of the daemon.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

const namespace = "ykddns"

// Cycle results.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultIPError = "ip_error"
)

// Recorder implements reconcile.Observer.
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	outcomes      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	lastPublicIP  prometheus.Gauge

	observed atomic.Bool
}

// NewRecorder creates a recorder with its own registry, including the Go and
// process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Per-record outcomes by pass, provider, action and result.",
		}, []string{"pass", "provider", "action", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed or skipped outcomes by error kind.",
		}, []string{"kind"}),
		lastPublicIP: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "public_ip_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful public IP lookup.",
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.cycles, r.cycleDuration, r.outcomes, r.failures, r.lastPublicIP,
	)
	return r
}

// ObserveCycle records one finished cycle.
func (r *Recorder) ObserveCycle(s reconcile.Summary) {
	r.observed.Store(true)

	result := ResultOK
	switch {
	case s.IPError != "":
		result = ResultIPError
	case s.Failed() > 0:
		result = ResultPartial
	}
	r.cycles.WithLabelValues(result).Inc()
	if s.IPError != "" {
		r.failures.WithLabelValues(string(reconcile.KindIPFetch)).Inc()
	}
	r.cycleDuration.Observe(s.Duration.Seconds())
	if s.PublicIP != "" {
		r.lastPublicIP.Set(float64(s.Started.Unix()))
	}

	for _, o := range s.Outcomes {
		res := "success"
		switch {
		case o.Skipped():
			res = "skipped"
		case !o.Success:
			res = "failure"
		}
		r.outcomes.WithLabelValues(string(o.Pass), o.Provider, string(o.Action), res).Inc()
		if o.Kind != reconcile.KindNone {
			r.failures.WithLabelValues(string(o.Kind)).Inc()
		}
	}
}

// Ready fails until the first cycle has been observed.
func (r *Recorder) Ready(_ *http.Request) error {
	if !r.observed.Load() {
		return errors.New("no cycle completed yet")
	}
	return nil
}

// Handler serves /metrics, /healthz and /readyz.
func (r *Recorder) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry}))
	endpoints := map[string]map[string]healthz.Checker{
		"/healthz": {"ping": healthz.Ping},
		"/readyz":  {"cycle": r.Ready},
	}
	for path, checks := range endpoints {
		h := http.StripPrefix(path, &healthz.Handler{Checks: checks})
		mux.Handle(path, h)
		mux.Handle(path+"/", h)
	}
	return mux
}
