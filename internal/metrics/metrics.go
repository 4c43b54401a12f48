// Package metrics exposes Prometheus collectors for the ledger, the fanout
// hub and the HTTP API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/fanout"
	"github.com/Kerhoff/wishpool/internal/ledger"
)

// Metrics owns a private registry so tests can create independent instances.
type Metrics struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	attemptTime *prometheus.HistogramVec
	conflicts   prometheus.Counter
	retries     prometheus.Counter
	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

var _ ledger.Hooks = (*Metrics)(nil)

// New registers all collectors. hub may be nil.
func New(hub *fanout.Hub) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wishpool_reservation_attempts_total",
			Help: "Reservation attempts by outcome.",
		}, []string{"outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wishpool_reservation_attempt_duration_seconds",
			Help:    "Reservation attempt latency including lock wait.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wishpool_ledger_conflicts_total",
			Help: "Ledger transactions that lost a race with a concurrent writer.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wishpool_ledger_retries_total",
			Help: "Ledger transactions retried after a conflict.",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wishpool_api_requests_total",
			Help: "API requests by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wishpool_api_request_duration_seconds",
			Help:    "API request latency by method/route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts, m.attemptTime, m.conflicts, m.retries,
		m.apiRequests, m.apiLatency,
	)

	if hub != nil {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "wishpool_fanout_published_total",
				Help: "Snapshots published to at least one subscriber.",
			}, func() float64 { return float64(hub.Stats().Published) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "wishpool_fanout_delivered_total",
				Help: "Snapshots accepted by subscribers.",
			}, func() float64 { return float64(hub.Stats().Delivered) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "wishpool_fanout_dropped_subscribers_total",
				Help: "Subscribers removed after a failed delivery.",
			}, func() float64 { return float64(hub.Stats().Dropped) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "wishpool_fanout_subscribers",
				Help: "Live subscribers across all wishlists.",
			}, func() float64 { return float64(hub.Stats().Subscribers) }),
		)
	}
	return m
}

func (m *Metrics) ObserveAttempt(reason ledger.Reason, dur time.Duration) {
	outcome := string(reason)
	if reason == ledger.ReasonNone {
		outcome = "committed"
	}
	m.attempts.WithLabelValues(outcome).Inc()
	m.attemptTime.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (m *Metrics) IncConflict() { m.conflicts.Inc() }
func (m *Metrics) IncRetry()    { m.retries.Inc() }

// ObserveAPI records one HTTP request. route is the matched pattern, not the
// raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveAPI(method, route string, status int, dur time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Metrics server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
