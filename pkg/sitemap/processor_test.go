package sitemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/fetch"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testSitemapConfig() config.SitemapConfig {
	return config.SitemapConfig{
		FetchTimeout:      2 * time.Second,
		MaxRetries:        1,
		InitialRetryDelay: 5 * time.Millisecond,
		MaxRetryDelay:     10 * time.Millisecond,
		MaxSitemapBytes:   1 << 20,
		MaxSitemapFetches: 10,
	}
}

func newProcessor(cfg config.SitemapConfig, m *metrics.Collectors) *Processor {
	fetcher := fetch.NewFetcher(http.DefaultClient, fetch.RetryPolicyFrom(cfg), testLogger())
	return NewProcessor(fetcher, nil, cfg, m, testLogger())
}

func urlset(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<url><loc>%s</loc></url>", l)
	}
	b.WriteString(`</urlset>`)
	return b.String()
}

func index(locs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><sitemapindex>`)
	for _, l := range locs {
		fmt.Fprintf(&b, "<sitemap><loc>%s</loc></sitemap>", l)
	}
	b.WriteString(`</sitemapindex>`)
	return b.String()
}

func TestDiscover_URLSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, urlset(
			"https://www.example.com/page1",
			"https://www.example.com/page2",
			"https://www.example.com/page3",
		))
	}))
	t.Cleanup(server.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	result, err := newProcessor(testSitemapConfig(), m).Discover(context.Background(), server.URL+"/sitemap.xml")

	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://www.example.com/page1",
		"https://www.example.com/page2",
		"https://www.example.com/page3",
	}, result.PageURLs)
	assert.Equal(t, 1, result.SitemapsFetched)
	assert.False(t, result.FetchLimitHit)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SitemapFetchesTotal.WithLabelValues("ok")))
}

func TestDiscover_IndexDuplicatesAndCycles(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			_, _ = io.WriteString(w, index(server.URL+"/a.xml", server.URL+"/b.xml", server.URL+"/a.xml"))
		case "/a.xml":
			_, _ = io.WriteString(w, urlset("https://x.test/a1", "https://x.test/a2"))
		case "/b.xml":
			_, _ = io.WriteString(w, index(server.URL+"/c.xml", server.URL+"/sitemap.xml"))
		case "/c.xml":
			_, _ = io.WriteString(w, urlset("https://x.test/c1"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	result, err := newProcessor(testSitemapConfig(), nil).Discover(context.Background(), server.URL+"/sitemap.xml")

	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.test/a1", "https://x.test/a2", "https://x.test/c1"}, result.PageURLs)
	assert.Equal(t, 4, result.SitemapsFetched) // duplicate and cyclic references fetched once
	assert.Empty(t, result.FailedSitemaps)
}

func TestDiscover_NestedIndexKeepsDeclarationOrder(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			_, _ = io.WriteString(w, index(server.URL+"/blog.xml", server.URL+"/pages.xml"))
		case "/blog.xml":
			_, _ = io.WriteString(w, index(server.URL+"/blog-2023.xml", server.URL+"/blog-2024.xml"))
		case "/blog-2023.xml":
			_, _ = io.WriteString(w, urlset("https://x.test/blog/2023"))
		case "/blog-2024.xml":
			_, _ = io.WriteString(w, urlset("https://x.test/blog/2024"))
		case "/pages.xml":
			_, _ = io.WriteString(w, urlset("https://x.test/pricing", "https://x.test/about"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	result, err := newProcessor(testSitemapConfig(), nil).Discover(context.Background(), server.URL+"/sitemap.xml")

	require.NoError(t, err)
	// The nested blog index is exhausted before the sibling pages sitemap
	assert.Equal(t, []string{
		"https://x.test/blog/2023",
		"https://x.test/blog/2024",
		"https://x.test/pricing",
		"https://x.test/about",
	}, result.PageURLs)
	assert.Equal(t, 5, result.SitemapsFetched)
}

func TestDiscover_NestedFailureSkipped(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			_, _ = io.WriteString(w, index(server.URL+"/missing.xml", server.URL+"/ok.xml"))
		case "/ok.xml":
			_, _ = io.WriteString(w, urlset("https://x.test/ok"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	result, err := newProcessor(testSitemapConfig(), nil).Discover(context.Background(), server.URL+"/sitemap.xml")

	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.test/ok"}, result.PageURLs)
	assert.Equal(t, []string{server.URL + "/missing.xml"}, result.FailedSitemaps)
}

func TestDiscover_FetchLimit(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sitemap.xml" {
			_, _ = io.WriteString(w, index(server.URL+"/1.xml", server.URL+"/2.xml", server.URL+"/3.xml"))
			return
		}
		_, _ = io.WriteString(w, urlset("https://x.test"+strings.TrimSuffix(r.URL.Path, ".xml")))
	}))
	t.Cleanup(server.Close)

	cfg := testSitemapConfig()
	cfg.MaxSitemapFetches = 2
	result, err := newProcessor(cfg, nil).Discover(context.Background(), server.URL+"/sitemap.xml")

	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.test/1"}, result.PageURLs)
	assert.True(t, result.FetchLimitHit)
	assert.Equal(t, 2, result.SitemapsFetched)
}

func TestDiscover_RootUnavailable(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		statusCode int
		category   string
		message    string
	}{
		{
			name:       "NotFound",
			handler:    func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			statusCode: 404,
			category:   "Sitemap_NotFound",
			message:    "does not exist",
		},
		{
			name:       "ServerError",
			handler:    func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			statusCode: 502,
			category:   "Sitemap_HTTPStatus",
			message:    "server returned 502 status code",
		},
		{
			name:       "NotXML",
			handler:    func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "<html>hi</html>") },
			statusCode: 0,
			category:   "Sitemap_Parsing",
			message:    "invalid sitemap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				tt.handler(w, r)
			}))
			t.Cleanup(server.Close)

			result, err := newProcessor(testSitemapConfig(), nil).Discover(context.Background(), server.URL+"/sitemap.xml")

			require.Error(t, err)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, utils.ErrSitemapUnavailable)

			var smErr *utils.SitemapError
			require.True(t, errors.As(err, &smErr))
			assert.Equal(t, tt.statusCode, smErr.StatusCode)
			assert.Equal(t, tt.category, utils.CategorizeError(err))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestDiscover_Unreachable(t *testing.T) {
	_, err := newProcessor(testSitemapConfig(), nil).Discover(context.Background(), "http://127.0.0.1:1/sitemap.xml")

	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrSitemapUnavailable)
	assert.Contains(t, err.Error(), "error fetching sitemap")
}

func TestDiscover_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newProcessor(testSitemapConfig(), nil).Discover(ctx, "http://127.0.0.1:1/sitemap.xml")

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, utils.ErrSitemapUnavailable)
}

func TestDiscover_RateLimitedNestedFetches(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sitemap.xml" {
			_, _ = io.WriteString(w, index(server.URL+"/1.xml", server.URL+"/2.xml"))
			return
		}
		_, _ = io.WriteString(w, urlset("https://x.test/p"))
	}))
	t.Cleanup(server.Close)

	cfg := testSitemapConfig()
	fetcher := fetch.NewFetcher(http.DefaultClient, fetch.RetryPolicyFrom(cfg), testLogger())
	limiter := fetch.NewRateLimiter(50*time.Millisecond, testLogger())
	p := NewProcessor(fetcher, limiter, cfg, nil, testLogger())

	start := time.Now()
	result, err := p.Discover(context.Background(), server.URL+"/sitemap.xml")

	require.NoError(t, err)
	assert.Len(t, result.PageURLs, 2)
	// Three fetches to one host means at least two politeness gaps
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}
