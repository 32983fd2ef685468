package webingester

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ingestion pipeline's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	pagesFetched  *prometheus.CounterVec
	crawlDuration prometheus.Histogram
	chunksCreated prometheus.Counter
	embedFailures prometheus.Counter
	jobs          *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitesync",
			Name:      "pages_fetched_total",
			Help:      "Crawled pages by sync log entry status.",
		}, []string{"status"}),
		crawlDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sitesync",
			Name:      "crawl_duration_seconds",
			Help:      "Wall-clock duration of website crawls.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		chunksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesync",
			Name:      "chunks_created_total",
			Help:      "Chunks persisted for retrieval.",
		}),
		embedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sitesync",
			Name:      "embed_failures_total",
			Help:      "Pages whose chunking or embedding failed.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sitesync",
			Name:      "sync_jobs_total",
			Help:      "Finished sync jobs by final website status.",
		}, []string{"status"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sitesync",
			Name:      "sync_jobs_in_flight",
			Help:      "Sync jobs currently running.",
		}),
	}
	reg.MustRegister(m.pagesFetched, m.crawlDuration, m.chunksCreated, m.embedFailures, m.jobs, m.jobsInFlight)
	return m
}

func (m *Metrics) pageFetched(status string) {
	if m != nil {
		m.pagesFetched.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) crawlFinished(d time.Duration) {
	if m != nil {
		m.crawlDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) chunksStored(n int) {
	if m != nil {
		m.chunksCreated.Add(float64(n))
	}
}

func (m *Metrics) embedFailed() {
	if m != nil {
		m.embedFailures.Inc()
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.jobsInFlight.Inc()
	}
}

func (m *Metrics) jobFinished(status string) {
	if m != nil {
		m.jobsInFlight.Dec()
		m.jobs.WithLabelValues(status).Inc()
	}
}
