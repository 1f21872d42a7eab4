// Package orchestrate runs one search end to end: sitemap discovery, batched
// page checks and report aggregation.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/crawler"
	"github.com/crawlmapper/crawlmapper/pkg/fetch"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
	"github.com/crawlmapper/crawlmapper/pkg/search"
	"github.com/crawlmapper/crawlmapper/pkg/sitemap"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces the wall clock used by the batch scheduler
func WithClock(c crawler.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithPageFetcher replaces the HTTP page fetcher
func WithPageFetcher(f crawler.ContentFetcher) Option {
	return func(o *Orchestrator) { o.pages = f }
}

// Orchestrator wires the sitemap source, the batch scheduler and the aggregator.
// Shared resources (HTTP client, politeness limiter, metrics) are created once;
// each Run gets its own scheduler, so concurrent runs do not interfere.
type Orchestrator struct {
	appCfg   *config.AppConfig
	log      *logrus.Entry
	metrics  *metrics.Collectors
	sitemaps *sitemap.Processor
	pages    crawler.ContentFetcher
	clock    crawler.Clock
}

// New creates an Orchestrator from a validated configuration. m may be nil.
func New(appCfg *config.AppConfig, m *metrics.Collectors, log *logrus.Entry, opts ...Option) *Orchestrator {
	log = log.WithField("component", "orchestrator")

	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, appCfg.DefaultUserAgent, log)
	fetcher := fetch.NewFetcher(httpClient, fetch.RetryPolicyFrom(appCfg.Sitemap), log)
	limiter := fetch.NewRateLimiter(appCfg.Sitemap.DelayBetweenFetches, log)

	o := &Orchestrator{
		appCfg:   appCfg,
		log:      log,
		metrics:  m,
		sitemaps: sitemap.NewProcessor(fetcher, limiter, appCfg.Sitemap, m, log),
		pages:    fetcher,
		clock:    crawler.RealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the application configuration
func (o *Orchestrator) Config() *config.AppConfig { return o.appCfg }

// Search runs req with the default batch settings
func (o *Orchestrator) Search(ctx context.Context, req models.SearchRequest, progress models.ProgressFunc) (*models.CrawlReport, error) {
	return o.Run(ctx, req, o.appCfg.Batch, progress)
}

// Run searches every page of the site's sitemap for req.Query, using base as the
// batch settings and the request's overrides on top.
//
// A missing url or query wraps utils.ErrInvalidRequest. A sitemap that cannot be
// fetched or parsed is a *utils.SitemapError, returned before any page is fetched.
// Hitting the time budget is not an error: the partial report has TimedOut set.
func (o *Orchestrator) Run(ctx context.Context, req models.SearchRequest, base config.BatchConfig, progress models.ProgressFunc) (report *models.CrawlReport, err error) {
	startTime := time.Now()
	ref := strings.TrimSpace(req.URL)
	if ref == "" || strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: url and query are required", utils.ErrInvalidRequest)
	}

	batchCfg, err := requestBatchConfig(base, req)
	if err != nil {
		return nil, err
	}
	matcher, err := search.NewMatcher(req.Query, batchCfg.SearchScope)
	if err != nil {
		return nil, err
	}

	sitemapURL := parse.ResolveSitemapURL(ref)
	runLog := o.log.WithFields(logrus.Fields{"sitemap_url": sitemapURL, "query": req.Query})

	o.metrics.CrawlStarted()
	defer func() {
		state, errType := "failed", "None"
		switch {
		case err != nil:
			errType = utils.CategorizeError(err)
		case report != nil:
			state = string(report.State)
		}
		o.metrics.CrawlFinished(state, errType, time.Since(startTime).Seconds())
	}()

	runLog.Info("Fetching sitemap")
	discovery, err := o.sitemaps.Discover(ctx, sitemapURL)
	if err != nil {
		if errors.Is(err, utils.ErrSitemapUnavailable) {
			runLog.Errorf("Sitemap unavailable: %v", err)
		}
		return nil, err
	}
	runLog.Infof("Found %d URLs in sitemap (%d sitemap documents fetched)", len(discovery.PageURLs), discovery.SitemapsFetched)

	if capped, ok := budgetWithinDeadline(ctx, batchCfg); ok {
		runLog.WithFields(logrus.Fields{
			"configured_budget": batchCfg.TotalBudget,
			"budget":            capped.TotalBudget,
		}).Info("Caller deadline shortens the crawl budget")
		batchCfg = capped
	}

	sched := crawler.NewScheduler(o.pages, batchCfg,
		crawler.WithClock(o.clock),
		crawler.WithMetrics(o.metrics),
		crawler.WithLogger(runLog),
	)
	out := sched.Run(ctx, crawler.Input{
		URLs:     discovery.PageURLs,
		BaseURL:  parse.BaseURL(sitemapURL),
		Matcher:  matcher,
		Progress: progress,
	})

	report = crawler.Aggregate(sitemapURL, req.Query, out)
	report.SitemapsFetched = discovery.SitemapsFetched
	o.logSummary(runLog, report)
	return report, nil
}

// budgetWithinDeadline shrinks the crawl budget to the time left before ctx's deadline.
// Sitemap retrieval has already run, so its duration counts against the caller's limit.
func budgetWithinDeadline(ctx context.Context, cfg config.BatchConfig) (config.BatchConfig, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return cfg, false
	}
	left := max(time.Until(deadline), 0)
	if left >= cfg.TotalBudget {
		return cfg, false
	}
	cfg.TotalBudget = left
	return cfg, true
}

// requestBatchConfig applies per-request overrides to base and validates the result
func requestBatchConfig(base config.BatchConfig, req models.SearchRequest) (config.BatchConfig, error) {
	if req.BatchSize < 0 || req.MaxURLs < 0 || req.MaxBatches < 0 {
		return config.BatchConfig{}, fmt.Errorf("%w: batchSize, maxUrls and maxBatches must not be negative", utils.ErrInvalidRequest)
	}
	cfg := base.WithOverrides(config.BatchConfig{
		BatchSize:        req.BatchSize,
		MaxURLsToProcess: req.MaxURLs,
		MaxBatches:       req.MaxBatches,
		SearchScope:      strings.ToLower(strings.TrimSpace(req.SearchScope)),
	})
	// A smaller batch or URL cap should not be undercut by a max_batches derived from the old values
	if req.MaxBatches == 0 && (req.BatchSize > 0 || req.MaxURLs > 0) {
		cfg.MaxBatches = 0
	}
	if _, err := cfg.Validate(); err != nil {
		return config.BatchConfig{}, fmt.Errorf("%w: %w", utils.ErrInvalidRequest, err)
	}
	return cfg, nil
}

// logSummary logs the outcome of one search
func (o *Orchestrator) logSummary(log *logrus.Entry, r *models.CrawlReport) {
	log.Info("============================================")
	log.Infof("Search finished in %v with state %s", r.Elapsed(), r.State)
	log.Infof("  Declared URLs: %d, processed: %d in %d batches", r.TotalURLsFound, r.URLsProcessed, r.BatchesProcessed)
	log.Infof("  Matching pages: %d, fetch failures: %d", r.FoundPages, r.FetchFailures)
	if r.Truncated {
		log.Info("  URL list was truncated to the processing limit")
	}
	if r.TimedOut {
		log.Warn("  Time budget reached, results are partial")
	}
	log.Info("============================================")
}
