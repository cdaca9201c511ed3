// Package metrics holds the operational Prometheus counters of the outreach
// engine. Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "outreach"

// Metrics holds all Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Runs              *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	EmailsSent        *prometheus.CounterVec
	CandidatesSkipped *prometheus.CounterVec
	LeadsDiscovered   prometheus.Counter
	RegionsFailed     prometheus.Counter
	ContactLookups    *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	Unsubscribes      *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Prospect runs by result (ok, failed, busy).",
		}, []string{"result"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of completed prospect runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		EmailsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Outreach emails processed by stage and mode (live, dry_run).",
		}, []string{"stage", "mode"}),
		CandidatesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_skipped_total",
			Help:      "Candidates not sent, by reason.",
		}, []string{"reason"}),
		LeadsDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leads_discovered_total",
			Help:      "Place records upserted by discovery.",
		}),
		RegionsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_regions_failed_total",
			Help:      "Regions whose discovery failed.",
		}),
		ContactLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contact_lookups_total",
			Help:      "Website contact lookups by result (found, none).",
		}, []string{"result"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Provider webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		Unsubscribes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsubscribes_total",
			Help:      "Opt-out requests by outcome (applied, unmatched).",
		}, []string{"outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records the outcome of a prospect run.
func (m *Metrics) ObserveRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(result).Inc()
	if result != "busy" {
		m.RunDuration.Observe(d.Seconds())
	}
}

// EmailSent counts one processed email.
func (m *Metrics) EmailSent(stage int, dryRun bool) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	m.EmailsSent.WithLabelValues(strconv.Itoa(stage), mode).Inc()
}

// CandidateSkipped counts one skipped candidate.
func (m *Metrics) CandidateSkipped(reason string) {
	if m == nil {
		return
	}
	m.CandidatesSkipped.WithLabelValues(reason).Inc()
}

// Discovered adds upserted place records and failed regions.
func (m *Metrics) Discovered(upserted int64, failedRegions int) {
	if m == nil {
		return
	}
	m.LeadsDiscovered.Add(float64(upserted))
	m.RegionsFailed.Add(float64(failedRegions))
}

// ContactLookup counts one website lookup.
func (m *Metrics) ContactLookup(found bool) {
	if m == nil {
		return
	}
	result := "none"
	if found {
		result = "found"
	}
	m.ContactLookups.WithLabelValues(result).Inc()
}

// WebhookEvent counts one verified webhook event.
func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// Unsubscribe counts one opt-out request.
func (m *Metrics) Unsubscribe(applied bool) {
	if m == nil {
		return
	}
	outcome := "unmatched"
	if applied {
		outcome = "applied"
	}
	m.Unsubscribes.WithLabelValues(outcome).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
