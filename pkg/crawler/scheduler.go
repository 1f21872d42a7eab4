// Package crawler runs the time-bounded, batched fetch-and-search over a list of page URLs.
package crawler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
)

// ContentFetcher retrieves one page. ok is false on any failure.
type ContentFetcher interface {
	Fetch(ctx context.Context, rawURL string, timeout time.Duration, maxBytes int64) (body []byte, ok bool)
}

// PageMatcher decides whether a fetched body matches the query
type PageMatcher interface {
	Match(body []byte) bool
}

// Input describes one crawl
type Input struct {
	URLs     []string // Sitemap declaration order
	BaseURL  string   // Site root used to resolve relative entries
	Matcher  PageMatcher
	Progress models.ProgressFunc // Optional
}

// Outcome is the raw result of a crawl, before aggregation
type Outcome struct {
	Results          []models.PageResult // Ordered by Index
	State            models.CrawlState
	TotalURLsFound   int
	Candidates       int // URLs eligible after truncation
	BatchesProcessed int
	Truncated        bool
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics records batch and page metrics on m
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger; defaults to logrus' standard logger
func WithLogger(log *logrus.Entry) Option {
	return func(s *Scheduler) { s.log = log }
}

// Scheduler partitions URLs into fixed-size batches and runs each batch concurrently,
// never starting a batch once the remaining budget is at or below the safety margin.
// A Scheduler holds no per-crawl state and may run several crawls at once.
type Scheduler struct {
	fetcher ContentFetcher
	cfg     config.BatchConfig
	clock   Clock
	metrics *metrics.Collectors
	log     *logrus.Entry
}

// NewScheduler creates a Scheduler. cfg is expected to be validated.
func NewScheduler(fetcher ContentFetcher, cfg config.BatchConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetcher: fetcher,
		cfg:     cfg,
		clock:   RealClock(),
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "scheduler")
	return s
}

// Config returns the batch settings in use
func (s *Scheduler) Config() config.BatchConfig { return s.cfg }

// Run processes in.URLs and returns when the crawl reaches a terminal state.
// Individual page failures become found=false results; Run itself never fails.
// Cancelling ctx stops the crawl before the next batch with state Cancelled.
func (s *Scheduler) Run(ctx context.Context, in Input) *Outcome {
	start := s.clock.Now()
	out := &Outcome{
		State:          models.CrawlStateRunning,
		TotalURLsFound: len(in.URLs),
		StartedAt:      start,
	}

	candidates := in.URLs
	if limit := s.cfg.MaxURLsToProcess; limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
		out.Truncated = true
		s.log.WithFields(logrus.Fields{
			"declared": len(in.URLs),
			"limit":    limit,
		}).Warn("Sitemap declares more URLs than the processing limit, truncating")
	}
	out.Candidates = len(candidates)
	out.Results = make([]models.PageResult, 0, len(candidates))

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	matches := 0
	emit := func(kind models.ProgressKind, batch int) {
		if in.Progress == nil {
			return
		}
		in.Progress(models.ProgressEvent{
			Kind:          kind,
			Batch:         batch,
			URLsProcessed: len(out.Results),
			Candidates:    out.Candidates,
			Matches:       matches,
			Elapsed:       s.clock.Now().Sub(start),
			State:         out.State,
		})
	}

	s.log.WithFields(logrus.Fields{
		"candidates": out.Candidates,
		"batch_size": batchSize,
		"budget":     s.cfg.TotalBudget,
	}).Info("Crawl started")
	emit(models.ProgressCrawlStarted, 0)

	for offset := 0; out.State == models.CrawlStateRunning; {
		if offset >= len(candidates) || (s.cfg.MaxBatches > 0 && out.BatchesProcessed >= s.cfg.MaxBatches) {
			out.State = models.CrawlStateCompleted
			break
		}
		if ctx.Err() != nil {
			out.State = models.CrawlStateCancelled
			break
		}
		remaining := s.cfg.TotalBudget - s.clock.Now().Sub(start)
		if remaining <= s.cfg.SafetyMargin {
			out.State = models.CrawlStateTimedOut
			s.log.WithFields(logrus.Fields{
				"remaining":     remaining,
				"safety_margin": s.cfg.SafetyMargin,
				"processed":     len(out.Results),
			}).Warn("Time budget nearly exhausted, not starting another batch")
			break
		}

		end := min(offset+batchSize, len(candidates))
		batchNum := out.BatchesProcessed + 1
		emit(models.ProgressBatchStarted, batchNum)

		// Dispatched fetches are bounded by the per-URL timeout only, never by the remaining budget
		batch := s.runBatch(ctx, candidates[offset:end], offset, in, s.cfg.PerURLTimeout)
		for _, r := range batch {
			if r.Found {
				matches++
			}
		}
		out.Results = append(out.Results, batch...)
		out.BatchesProcessed++
		offset = end
		s.metrics.BatchDispatched()

		s.log.WithFields(logrus.Fields{
			"batch":     batchNum,
			"processed": len(out.Results),
			"matches":   matches,
		}).Debug("Batch completed")
		emit(models.ProgressBatchCompleted, batchNum)

		if offset >= len(candidates) || (s.cfg.MaxBatches > 0 && out.BatchesProcessed >= s.cfg.MaxBatches) {
			out.State = models.CrawlStateCompleted
			break
		}
		if delay := s.cfg.Delay(); delay > 0 {
			select {
			case <-s.clock.After(delay):
			case <-ctx.Done():
				out.State = models.CrawlStateCancelled
			}
		}
	}

	out.FinishedAt = s.clock.Now()
	s.log.WithFields(logrus.Fields{
		"state":     out.State,
		"batches":   out.BatchesProcessed,
		"processed": len(out.Results),
		"matches":   matches,
		"elapsed":   out.FinishedAt.Sub(start).String(),
	}).Info("Crawl finished")
	emit(models.ProgressCrawlFinished, 0)
	return out
}

// runBatch checks every URL of one batch concurrently and waits for all of them.
// Results are stored at their position, so the returned slice keeps declaration order.
func (s *Scheduler) runBatch(ctx context.Context, urls []string, offset int, in Input, timeout time.Duration) []models.PageResult {
	results := make([]models.PageResult, len(urls))
	var g errgroup.Group
	g.SetLimit(len(urls))
	for i, raw := range urls {
		g.Go(func() error {
			results[i] = s.checkPage(ctx, offset+i, raw, in, timeout)
			return nil
		})
	}
	_ = g.Wait() // checkPage never returns an error
	return results
}

// checkPage runs Resolver -> Fetcher -> Predicate for one URL.
// The per-URL timeout is enforced here even if the fetcher ignores its context.
func (s *Scheduler) checkPage(ctx context.Context, index int, raw string, in Input, timeout time.Duration) (result models.PageResult) {
	started := time.Now()
	result = models.PageResult{URL: raw, Index: index}
	resolved := parse.ResolvePageURL(raw, in.BaseURL)
	if resolved != raw {
		result.ResolvedURL = resolved
	}
	pageLog := s.log.WithFields(logrus.Fields{"url": resolved, "index": index})

	defer func() {
		if r := recover(); r != nil {
			pageLog.WithFields(logrus.Fields{
				"panic_info":  r,
				"stack_trace": string(debug.Stack()),
			}).Error("PANIC recovered while checking page")
			result.Found = false
		}
		outcome := "no_match"
		switch {
		case !result.Fetched:
			outcome = "failed"
		case result.Found:
			outcome = "match"
		}
		s.metrics.PageFetched(outcome, time.Since(started).Seconds())
	}()

	pageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fetched struct {
		body []byte
		ok   bool
	}
	done := make(chan fetched, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				pageLog.Errorf("PANIC recovered in fetcher: %v", r)
				done <- fetched{}
			}
		}()
		body, ok := s.fetcher.Fetch(pageCtx, resolved, timeout, s.cfg.MaxBodyBytes)
		done <- fetched{body: body, ok: ok}
	}()

	var f fetched
	select {
	case f = <-done:
	case <-pageCtx.Done():
		pageLog.Debug("Page fetch exceeded per-URL timeout")
	}

	result.Fetched = f.ok
	if f.ok && in.Matcher != nil {
		result.Found = in.Matcher.Match(f.body)
	}
	pageLog.WithFields(logrus.Fields{"fetched": result.Fetched, "found": result.Found}).Trace("Page checked")
	return result
}

// String summarises an outcome for logs
func (o *Outcome) String() string {
	return fmt.Sprintf("%s: %d/%d processed in %d batches", o.State, len(o.Results), o.Candidates, o.BatchesProcessed)
}
