// Package metrics exposes Prometheus metrics for the manifest updater and
// the daemon's HTTP surface. Every Collector owns a private registry so
// tests and multiple updaters in one process never collide.
package metrics

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for a Collector.
type Config struct {
	Namespace      string   `yaml:"namespace" json:"namespace"`
	Subsystem      string   `yaml:"subsystem" json:"subsystem"`
	Path           string   `yaml:"path" json:"path"`
	EnabledMetrics []string `yaml:"enabledMetrics" json:"enabledMetrics"`
	// Runtime adds the Go runtime and process collectors.
	Runtime bool `yaml:"runtime" json:"runtime"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:      "imagemanifest",
		Path:           "/metrics",
		EnabledMetrics: []string{"updater", "http"},
	}
}

// Collector wraps the Prometheus metrics recorded by the updater and the
// HTTP server. A nil *Collector is valid and records nothing.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	Changes            *prometheus.CounterVec
	WriteConflicts     *prometheus.CounterVec
	ManifestRecords    prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry.
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem
	c := &Collector{config: cfg, registry: reg}

	if cfg.Runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if slices.Contains(cfg.EnabledMetrics, "updater") {
		c.Invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "invocations_total",
			Help:      "Total number of manifest update invocations",
		}, []string{"strategy", "outcome"})

		c.InvocationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of manifest update invocations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"})

		c.Changes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "changes_total",
			Help:      "Notifications applied to the manifest, by action",
		}, []string{"action"})

		c.WriteConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "write_conflicts_total",
			Help:      "Conditional writes that lost against a concurrent writer",
		}, []string{"target"})

		c.ManifestRecords = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "manifest_records",
			Help:      "Number of records in the last manifest written",
		})

		reg.MustRegister(c.Invocations, c.InvocationDuration, c.Changes, c.WriteConflicts, c.ManifestRecords)
	}

	if slices.Contains(cfg.EnabledMetrics, "http") {
		c.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern and status code",
		}, []string{"route", "code"})

		c.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "http_request_duration_seconds",
			Help:      "Time to serve HTTP requests, by route pattern",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"route"})

		reg.MustRegister(c.HTTPRequestsTotal, c.HTTPRequestDuration)
	}

	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordInvocation counts one invocation and its duration.
func (c *Collector) RecordInvocation(strategy, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Invocations != nil {
		c.Invocations.WithLabelValues(strategy, outcome).Inc()
	}
	if c.InvocationDuration != nil {
		c.InvocationDuration.WithLabelValues(strategy).Observe(d.Seconds())
	}
}

// RecordChange counts one applied notification. action is upsert, remove
// or skip.
func (c *Collector) RecordChange(action string) {
	if c != nil && c.Changes != nil {
		c.Changes.WithLabelValues(action).Inc()
	}
}

// RecordConflict counts a lost conditional write on target (manifest or
// entry).
func (c *Collector) RecordConflict(target string) {
	if c != nil && c.WriteConflicts != nil {
		c.WriteConflicts.WithLabelValues(target).Inc()
	}
}

// SetManifestRecords sets the size of the last manifest written.
func (c *Collector) SetManifestRecords(n int) {
	if c != nil && c.ManifestRecords != nil {
		c.ManifestRecords.Set(float64(n))
	}
}

// RecordHTTPRequest counts one request served by route, the ServeMux
// pattern that matched it (for example "POST /admin/dead-letter/{id}/replay").
func (c *Collector) RecordHTTPRequest(route string, code int, d time.Duration) {
	if c == nil || c.HTTPRequestsTotal == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	c.HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Middleware records every request next serves. next is expected to be
// the ServeMux, which sets Request.Pattern; requests that match no route
// are recorded as "unmatched" so raw paths never become label values.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	if c == nil || c.HTTPRequestsTotal == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.RecordHTTPRequest(route, sw.code(), time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
