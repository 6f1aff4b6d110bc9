package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ensure Metrics implements Recorder interface at compile time
var _ Recorder = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Routed executor
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	UpstreamFailuresTotal   *prometheus.CounterVec

	// Credentials
	TokenRefreshesTotal *prometheus.CounterVec

	// Webhooks
	WebhooksTotal *prometheus.CounterVec

	// Sync scheduler
	SyncJobsTotal   *prometheus.CounterVec
	SyncJobDuration *prometheus.HistogramVec
	SyncQueueDepth  prometheus.Gauge

	// Scraper
	ScrapesTotal *prometheus.CounterVec

	// Egress pool
	EgressAssignmentsTotal *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns Prometheus-backed metrics when enabled, NoopMetrics otherwise.
// Collectors are registered once per process.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoopMetrics()
	}

	once.Do(func() {
		defaultMetrics = initMetrics()
	})
	return defaultMetrics
}

func initMetrics() *Metrics {
	return &Metrics{
		UpstreamRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_upstream_requests_total",
				Help: "Total number of routed marketplace requests",
			},
			[]string{"platform", "method", "status"},
		),
		UpstreamRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketrelay_upstream_request_duration_seconds",
				Help:    "Routed marketplace request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform", "method"},
		),
		UpstreamFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_upstream_failures_total",
				Help: "Routed requests that failed before a usable response",
			},
			[]string{"platform", "reason"}, // transport, auth, rate_limited, upstream
		),
		TokenRefreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_token_refreshes_total",
				Help: "OAuth refresh-token grants",
			},
			[]string{"platform", "result"},
		),
		WebhooksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_webhooks_total",
				Help: "Inbound webhook deliveries by outcome",
			},
			[]string{"platform", "outcome"}, // processed, duplicate, ignored, rejected
		),
		SyncJobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_sync_jobs_total",
				Help: "Backfill jobs executed",
			},
			[]string{"kind", "result"},
		),
		SyncJobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketrelay_sync_job_duration_seconds",
				Help:    "Backfill job duration",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		SyncQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketrelay_sync_queue_depth",
				Help: "Jobs waiting in the backfill queue",
			},
		),
		ScrapesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_scrapes_total",
				Help: "Unauthenticated public lookups",
			},
			[]string{"source", "outcome"}, // found, not_found, rate_limited
		),
		EgressAssignmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrelay_egress_assignments_total",
				Help: "Egress bind and release events",
			},
			[]string{"event"},
		),
	}
}

// RecordUpstreamRequest records one completed routed request.
func (m *Metrics) RecordUpstreamRequest(platform, method string, status int, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(platform, method, strconv.Itoa(status)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(platform, method).Observe(duration.Seconds())
}

// RecordUpstreamFailure records a failed routed request.
func (m *Metrics) RecordUpstreamFailure(platform, reason string) {
	m.UpstreamFailuresTotal.WithLabelValues(platform, reason).Inc()
}

// RecordTokenRefresh records a refresh-token grant attempt.
func (m *Metrics) RecordTokenRefresh(platform string, success bool) {
	m.TokenRefreshesTotal.WithLabelValues(platform, result(success)).Inc()
}

// RecordWebhook records a webhook delivery outcome.
func (m *Metrics) RecordWebhook(platform, outcome string) {
	m.WebhooksTotal.WithLabelValues(platform, outcome).Inc()
}

// RecordSyncJob records one finished backfill job.
func (m *Metrics) RecordSyncJob(kind string, success bool, duration time.Duration) {
	m.SyncJobsTotal.WithLabelValues(kind, result(success)).Inc()
	m.SyncJobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetSyncQueueDepth updates the queue depth gauge.
func (m *Metrics) SetSyncQueueDepth(depth int) {
	m.SyncQueueDepth.Set(float64(depth))
}

// RecordScrape records a public lookup outcome.
func (m *Metrics) RecordScrape(source, outcome string) {
	m.ScrapesTotal.WithLabelValues(source, outcome).Inc()
}

// RecordEgressAssignment records a bind or release.
func (m *Metrics) RecordEgressAssignment(event string) {
	m.EgressAssignmentsTotal.WithLabelValues(event).Inc()
}

// Handler exposes the default Prometheus registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
