package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups every metric the crawler exports.
// A nil *Collectors is valid and records nothing, so library callers can skip metrics entirely.
type Collectors struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CrawlsTotal         *prometheus.CounterVec
	CrawlDuration       prometheus.Histogram
	BatchesTotal        prometheus.Counter
	PagesFetchedTotal   *prometheus.CounterVec
	PageFetchDuration   prometheus.Histogram
	SitemapFetchesTotal *prometheus.CounterVec
	ActiveCrawls        prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer to expose them on /metrics.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmapper_http_requests_total",
				Help: "Total number of API requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlmapper_http_request_duration_seconds",
				Help:    "Duration of API requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		CrawlsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmapper_crawls_total",
				Help: "Total number of crawls by final state.",
			},
			[]string{"state", "error_type"}, // state: completed, timed_out, cancelled, failed
		),
		CrawlDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlmapper_crawl_duration_seconds",
				Help:    "Wall-clock duration of crawls.",
				Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
			},
		),
		BatchesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlmapper_batches_total",
				Help: "Total number of batches dispatched.",
			},
		),
		PagesFetchedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmapper_pages_fetched_total",
				Help: "Page fetch outcomes.",
			},
			[]string{"outcome"}, // outcome: match, no_match, failed
		),
		PageFetchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlmapper_page_fetch_duration_seconds",
				Help:    "Duration of single page fetches.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		SitemapFetchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlmapper_sitemap_fetches_total",
				Help: "Sitemap document fetches by result.",
			},
			[]string{"result"}, // result: ok, error
		),
		ActiveCrawls: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlmapper_active_crawls",
				Help: "Number of crawls currently running.",
			},
		),
	}
}

func (c *Collectors) ObserveRequest(method, path, status string, seconds float64) {
	if c == nil {
		return
	}
	c.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

func (c *Collectors) CrawlStarted() {
	if c == nil {
		return
	}
	c.ActiveCrawls.Inc()
}

// CrawlFinished records the end of a crawl; errorType is "None" for crawls that produced a report.
func (c *Collectors) CrawlFinished(state, errorType string, seconds float64) {
	if c == nil {
		return
	}
	c.ActiveCrawls.Dec()
	c.CrawlsTotal.WithLabelValues(state, errorType).Inc()
	c.CrawlDuration.Observe(seconds)
}

func (c *Collectors) BatchDispatched() {
	if c == nil {
		return
	}
	c.BatchesTotal.Inc()
}

func (c *Collectors) PageFetched(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.PagesFetchedTotal.WithLabelValues(outcome).Inc()
	c.PageFetchDuration.Observe(seconds)
}

func (c *Collectors) SitemapFetched(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.SitemapFetchesTotal.WithLabelValues(result).Inc()
}
