package sitemap

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/fetch"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// DocumentFetcher retrieves a whole document, failing on non-2xx statuses
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
}

// Discovery is the outcome of walking a sitemap and any sitemap indexes below it
type Discovery struct {
	PageURLs        []string // Declaration order, duplicates kept
	SitemapsFetched int
	FailedSitemaps  []string // Nested sitemaps that could not be fetched or parsed
	FetchLimitHit   bool     // Nested sitemaps were left unvisited because of max_sitemap_fetches
}

// Processor fetches a sitemap, following sitemap indexes depth-first in declaration order
type Processor struct {
	fetcher DocumentFetcher
	limiter *fetch.RateLimiter
	cfg     config.SitemapConfig
	metrics *metrics.Collectors
	log     *logrus.Entry
}

// NewProcessor creates a Processor. limiter and m may be nil.
func NewProcessor(fetcher DocumentFetcher, limiter *fetch.RateLimiter, cfg config.SitemapConfig, m *metrics.Collectors, log *logrus.Entry) *Processor {
	return &Processor{
		fetcher: fetcher,
		limiter: limiter,
		cfg:     cfg,
		metrics: m,
		log:     log.WithField("component", "sitemap_processor"),
	}
}

// Discover returns every page URL reachable from sitemapURL.
// Any failure to fetch or parse the root document is a *utils.SitemapError
// (matching utils.ErrSitemapUnavailable); failures of nested sitemaps are logged and skipped.
// Cancellation of ctx is returned as ctx.Err().
func (p *Processor) Discover(ctx context.Context, sitemapURL string) (*Discovery, error) {
	result := &Discovery{}
	visited := map[string]bool{}
	stack := []string{sitemapURL}
	base := parse.BaseURL(sitemapURL)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		if p.cfg.MaxSitemapFetches > 0 && result.SitemapsFetched >= p.cfg.MaxSitemapFetches {
			result.FetchLimitHit = true
			p.log.WithFields(logrus.Fields{
				"limit":     p.cfg.MaxSitemapFetches,
				"unvisited": len(stack) + 1,
			}).Warn("Sitemap fetch limit reached, remaining nested sitemaps skipped")
			break
		}
		visited[current] = true
		isRoot := current == sitemapURL
		smLog := p.log.WithField("sitemap_url", current)

		doc, err := p.fetchOne(ctx, current)
		result.SitemapsFetched++
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isRoot {
				return nil, err
			}
			smLog.WithField("category", utils.CategorizeError(err)).Warnf("Skipping nested sitemap: %v", err)
			result.FailedSitemaps = append(result.FailedSitemaps, current)
			continue
		}

		if doc.IsIndex() {
			smLog.Infof("Parsed as sitemap index, found %d references", len(doc.Children))
			// Pushed in reverse so the first child is walked next
			for i := len(doc.Children) - 1; i >= 0; i-- {
				childURL := parse.ResolvePageURL(doc.Children[i], base)
				if visited[childURL] {
					smLog.WithField("nested_sitemap", childURL).Debug("Nested sitemap already fetched")
					continue
				}
				stack = append(stack, childURL)
			}
			continue
		}

		smLog.Infof("Parsed as URL set, found %d page URLs", len(doc.PageURLs))
		result.PageURLs = append(result.PageURLs, doc.PageURLs...)
	}

	return result, nil
}

// fetchOne retrieves and parses a single sitemap document
func (p *Processor) fetchOne(ctx context.Context, sitemapURL string) (parse.SitemapDocument, error) {
	if p.limiter != nil {
		host := sitemapURL
		if u, err := url.Parse(sitemapURL); err == nil {
			host = u.Host
		}
		if err := p.limiter.Wait(ctx, host); err != nil {
			return parse.SitemapDocument{}, err
		}
	}

	fetchCtx := ctx
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}

	data, err := p.fetcher.FetchDocument(fetchCtx, sitemapURL, p.cfg.MaxSitemapBytes)
	if err != nil {
		p.metrics.SitemapFetched(false)
		smErr := &utils.SitemapError{URL: sitemapURL, Err: err}
		var statusErr *fetch.StatusError
		if errors.As(err, &statusErr) {
			smErr.StatusCode = statusErr.StatusCode
		}
		return parse.SitemapDocument{}, smErr
	}

	doc, err := parse.ParseSitemap(data)
	if err != nil {
		p.metrics.SitemapFetched(false)
		return parse.SitemapDocument{}, &utils.SitemapError{URL: sitemapURL, Err: fmt.Errorf("invalid sitemap: %w", err)}
	}
	p.metrics.SitemapFetched(true)
	return doc, nil
}
