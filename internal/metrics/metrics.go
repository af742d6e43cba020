// Package metrics exposes Prometheus counters for the compat middleware, the
// upstream client and batch extraction. All methods are no-ops on a nil
// *Metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/n0madic/go-cfst-extractor/internal/compat"
)

type Metrics struct {
	registry *prometheus.Registry

	compatRequests    *prometheus.CounterVec
	compatDiagnostics *prometheus.CounterVec
	extractions       *prometheus.CounterVec
	upstreamLatencyMs *prometheus.HistogramVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		compatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfst_compat_requests_total",
			Help: "Outbound requests seen by the compat middleware, by outcome.",
		}, []string{"outcome"}),
		compatDiagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfst_compat_diagnostics_total",
			Help: "Diagnostics raised while rewriting requests, by kind.",
		}, []string{"kind"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cfst_extractions_total",
			Help: "Papers processed, by result status.",
		}, []string{"status"}),
		upstreamLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cfst_upstream_request_duration_ms",
			Help:    "Upstream chat-completions latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		}, []string{"status"}),
	}
	r.MustRegister(m.compatRequests, m.compatDiagnostics, m.extractions, m.upstreamLatencyMs)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCompat matches the compat.WithOutcomeHook signature.
func (m *Metrics) ObserveCompat(o compat.Outcome) {
	if m == nil {
		return
	}
	m.compatRequests.WithLabelValues(string(o)).Inc()
}

// Report implements compat.Reporter.
func (m *Metrics) Report(e compat.Event) {
	if m == nil {
		return
	}
	m.compatDiagnostics.WithLabelValues(string(e.Kind)).Inc()
}

func (m *Metrics) ObserveExtraction(status string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(status).Inc()
}

// ObserveUpstream records one upstream call; status 0 means a transport error.
func (m *Metrics) ObserveUpstream(status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatencyMs.WithLabelValues(strconv.Itoa(status)).Observe(float64(dur.Milliseconds()))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics.listen", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
