package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectors_Record(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.CrawlStarted()
	c.CrawlStarted()
	c.CrawlFinished("completed", "None", 2.5)
	c.BatchDispatched()
	c.BatchDispatched()
	c.PageFetched("match", 0.2)
	c.PageFetched("failed", 10)
	c.SitemapFetched(true)
	c.SitemapFetched(false)
	c.ObserveRequest("POST", "/api/search", "200", 0.1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveCrawls))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CrawlsTotal.WithLabelValues("completed", "None")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.BatchesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PagesFetchedTotal.WithLabelValues("match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.PagesFetchedTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SitemapFetchesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("POST", "/api/search", "200")))
}

func TestCollectors_NilSafe(t *testing.T) {
	var c *Collectors
	assert.NotPanics(t, func() {
		c.CrawlStarted()
		c.CrawlFinished("failed", "Sitemap_NotFound", 1)
		c.BatchDispatched()
		c.PageFetched("no_match", 1)
		c.SitemapFetched(true)
		c.ObserveRequest("GET", "/api/health", "200", 0)
	})
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
