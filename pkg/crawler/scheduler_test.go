package crawler

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/search"
)

// --- Test doubles ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// After advances the clock by d and fires immediately
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type stubFetcher struct {
	pages   map[string]string        // url -> body; missing means fetch failure
	delays  map[string]time.Duration // real-time delay honoring ctx
	hang    map[string]bool          // ignore ctx and block for a long time
	panics  map[string]bool
	clock   *fakeClock
	cost    time.Duration            // fake time consumed per fetch
	costs   map[string]time.Duration // fake time consumed by one URL
	release chan struct{}

	mu          sync.Mutex
	calls       []string
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration, maxBytes int64) ([]byte, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.mu.Unlock()

	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.clock != nil {
		f.clock.Advance(f.cost + f.costs[rawURL])
	}
	if f.panics[rawURL] {
		panic("boom")
	}
	if f.hang[rawURL] {
		select {
		case <-f.release:
		case <-time.After(5 * time.Second):
		}
		return []byte("late"), true
	}
	if d := f.delays[rawURL]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, false
		}
	}
	body, ok := f.pages[rawURL]
	if !ok {
		return nil, false
	}
	return []byte(body), true
}

func (f *stubFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func discardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testBatchConfig() config.BatchConfig {
	cfg := config.BatchConfig{
		BatchSize:        5,
		PerURLTimeout:    2 * time.Second,
		InterBatchDelay:  config.DurationPtr(time.Millisecond),
		TotalBudget:      time.Minute,
		SafetyMargin:     time.Second,
		MaxURLsToProcess: 1000,
		MaxBodyBytes:     1 << 20,
	}
	_, _ = cfg.Validate()
	return cfg
}

func matcher(t *testing.T, query string) *search.Matcher {
	t.Helper()
	m, err := search.NewMatcher(query, config.SearchScopeHTML)
	require.NoError(t, err)
	return m
}

func pageURLs(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://www.example.com/page%d", i+1)
	}
	return urls
}

// --- Tests ---

func TestRun_FindsMatchingPages(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://www.example.com/page1": "<html><body>Try Fillout today</body></html>",
		"https://www.example.com/page2": "<html><body>Some other content</body></html>",
		"https://www.example.com/page3": "<html><body>FILLOUT forms</body></html>",
	}}
	s := NewScheduler(fetcher, testBatchConfig(), WithLogger(discardLogger()))

	out := s.Run(context.Background(), Input{
		URLs:    pageURLs(3),
		BaseURL: "https://www.example.com",
		Matcher: matcher(t, "fillout"),
	})
	report := Aggregate("https://www.example.com/sitemap.xml", "fillout", out)

	assert.Equal(t, models.CrawlStateCompleted, out.State)
	assert.Equal(t, 3, report.TotalPages)
	assert.Equal(t, 2, report.FoundPages)
	assert.Equal(t, []string{"https://www.example.com/page1", "https://www.example.com/page3"}, report.MatchingURLs)
	assert.Equal(t, 1, report.BatchesProcessed)
	assert.False(t, report.TimedOut)
	assert.False(t, report.Truncated)
	assert.Zero(t, report.FetchFailures)
}

func TestRun_MaxBatchesStopsEarly(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{}}
	cfg := testBatchConfig()
	cfg.BatchSize = 2
	cfg.MaxBatches = 1

	out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    pageURLs(5),
		Matcher: matcher(t, "x"),
	})

	assert.Equal(t, models.CrawlStateCompleted, out.State)
	assert.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.BatchesProcessed)
	assert.Len(t, fetcher.Calls(), 2)
}

func TestRun_PerURLTimeoutDoesNotStallBatch(t *testing.T) {
	urls := pageURLs(3)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fetcher := &stubFetcher{
		pages: map[string]string{
			urls[0]: "needle",
			urls[2]: "needle",
		},
		hang:    map[string]bool{urls[1]: true},
		release: release,
	}
	cfg := testBatchConfig()
	cfg.PerURLTimeout = 50 * time.Millisecond

	start := time.Now()
	out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    urls,
		Matcher: matcher(t, "needle"),
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, out.Results, 3)
	assert.True(t, out.Results[0].Found)
	assert.False(t, out.Results[1].Found)
	assert.False(t, out.Results[1].Fetched)
	assert.True(t, out.Results[2].Found)
	assert.Equal(t, models.CrawlStateCompleted, out.State)
}

func TestRun_SlowFetchHonorsContextTimeout(t *testing.T) {
	urls := pageURLs(2)
	fetcher := &stubFetcher{
		pages:  map[string]string{urls[0]: "needle", urls[1]: "needle"},
		delays: map[string]time.Duration{urls[0]: 3 * time.Second},
	}
	cfg := testBatchConfig()
	cfg.PerURLTimeout = 30 * time.Millisecond

	out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    urls,
		Matcher: matcher(t, "needle"),
	})

	assert.False(t, out.Results[0].Found)
	assert.True(t, out.Results[1].Found)
}

func TestRun_DeadlineStopsBeforeNextBatch(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{pages: map[string]string{}}
	cfg := testBatchConfig()
	cfg.BatchSize = 1
	cfg.TotalBudget = 10 * time.Second
	cfg.SafetyMargin = 2 * time.Second
	cfg.InterBatchDelay = config.DurationPtr(3 * time.Second)

	out := NewScheduler(fetcher, cfg, WithClock(clock), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    pageURLs(5),
		Matcher: matcher(t, "x"),
	})
	report := Aggregate("s", "x", out)

	// Batches start at t=0s, 3s and 6s; at 9s only 1s remains, under the 2s margin
	assert.Equal(t, models.CrawlStateTimedOut, out.State)
	assert.Equal(t, 3, out.BatchesProcessed)
	assert.Len(t, out.Results, 3)
	assert.True(t, report.TimedOut)
	assert.Equal(t, 5, report.TotalURLsFound)
	assert.Equal(t, 3, report.URLsProcessed)
	assert.Equal(t, int64(9000), report.ElapsedMs)
}

func TestRun_DeadlineBoundaryIsInclusive(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{pages: map[string]string{}}
	cfg := testBatchConfig()
	cfg.BatchSize = 1
	cfg.TotalBudget = 10 * time.Second
	cfg.SafetyMargin = 4 * time.Second
	cfg.InterBatchDelay = config.DurationPtr(3 * time.Second)

	out := NewScheduler(fetcher, cfg, WithClock(clock), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    pageURLs(5),
		Matcher: matcher(t, "x"),
	})

	// At t=6s remaining equals the margin, so the third batch is not started
	assert.Equal(t, models.CrawlStateTimedOut, out.State)
	assert.Equal(t, 2, out.BatchesProcessed)
}

func TestRun_FetchTimeCountsAgainstBudget(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{pages: map[string]string{}, clock: clock, cost: 4 * time.Second}
	cfg := testBatchConfig()
	cfg.BatchSize = 2
	cfg.TotalBudget = 20 * time.Second
	cfg.SafetyMargin = 5 * time.Second
	cfg.InterBatchDelay = config.DurationPtr(time.Second)

	out := NewScheduler(fetcher, cfg, WithClock(clock), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    pageURLs(8),
		Matcher: matcher(t, "x"),
	})

	// Each batch of two consumes 8s of fake time plus 1s delay: starts at 0s and 9s, then 18s is too late
	assert.Equal(t, models.CrawlStateTimedOut, out.State)
	assert.Equal(t, 2, out.BatchesProcessed)
	assert.Len(t, out.Results, 4)
}

func TestRun_LastBatchFetchesOutliveRemainingBudget(t *testing.T) {
	clock := newFakeClock()
	urls := pageURLs(2)
	fetcher := &stubFetcher{
		pages:  map[string]string{urls[0]: "hay", urls[1]: "needle"},
		clock:  clock,
		costs:  map[string]time.Duration{urls[0]: 9800 * time.Millisecond},
		delays: map[string]time.Duration{urls[1]: 300 * time.Millisecond},
	}
	cfg := testBatchConfig()
	cfg.BatchSize = 1
	cfg.TotalBudget = 10 * time.Second
	cfg.SafetyMargin = 100 * time.Millisecond
	cfg.PerURLTimeout = 2 * time.Second
	cfg.InterBatchDelay = config.DurationPtr(time.Millisecond)

	out := NewScheduler(fetcher, cfg, WithClock(clock), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    urls,
		Matcher: matcher(t, "needle"),
	})

	// The second batch starts with ~199ms left; its 300ms fetch is still within the per-URL timeout
	assert.Equal(t, models.CrawlStateCompleted, out.State)
	assert.Equal(t, 2, out.BatchesProcessed)
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[1].Fetched)
	assert.True(t, out.Results[1].Found)
}

func TestRun_Truncation(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{}}
	cfg := testBatchConfig()
	cfg.BatchSize = 2
	cfg.MaxURLsToProcess = 4
	cfg.MaxBatches = 100

	out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    pageURLs(7),
		Matcher: matcher(t, "x"),
	})
	report := Aggregate("s", "x", out)

	assert.True(t, out.Truncated)
	assert.Equal(t, 4, out.Candidates)
	assert.Equal(t, 7, report.TotalURLsFound)
	assert.Equal(t, 4, report.URLsProcessed)
	assert.Equal(t, 2, report.BatchesProcessed)
	assert.Equal(t, models.CrawlStateCompleted, report.State)
	assert.ElementsMatch(t, pageURLs(4), fetcher.Calls())
}

func TestRun_BatchConcurrencyBounded(t *testing.T) {
	urls := pageURLs(8)
	delays := map[string]time.Duration{}
	for _, u := range urls {
		delays[u] = 40 * time.Millisecond
	}
	fetcher := &stubFetcher{pages: map[string]string{}, delays: delays}
	cfg := testBatchConfig()
	cfg.BatchSize = 4

	start := time.Now()
	out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    urls,
		Matcher: matcher(t, "x"),
	})

	assert.Equal(t, 2, out.BatchesProcessed)
	assert.Equal(t, int32(4), fetcher.maxInflight.Load(), "a batch runs fully concurrently and never overlaps the next")
	// Two sequential batches of parallel 40ms fetches
	assert.Less(t, time.Since(start), 8*40*time.Millisecond)
}

func TestRun_CancelStopsBeforeNextBatch(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{}}
	cfg := testBatchConfig()
	cfg.BatchSize = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(ctx, Input{
		URLs:    pageURLs(6),
		Matcher: matcher(t, "x"),
		Progress: func(ev models.ProgressEvent) {
			if ev.Kind == models.ProgressBatchCompleted && ev.Batch == 1 {
				cancel()
			}
		},
	})
	report := Aggregate("s", "x", out)

	assert.Equal(t, models.CrawlStateCancelled, out.State)
	assert.Equal(t, 1, out.BatchesProcessed)
	assert.True(t, report.Cancelled)
	assert.False(t, report.TimedOut)
}

func TestRun_DeterministicAcrossRuns(t *testing.T) {
	urls := pageURLs(9)
	pages := map[string]string{}
	delays := map[string]time.Duration{}
	for i, u := range urls {
		if i%3 != 1 {
			pages[u] = "contains the NEEDLE"
		}
		delays[u] = time.Duration((9-i)*3) * time.Millisecond // later URLs finish first
	}
	cfg := testBatchConfig()
	cfg.BatchSize = 3

	var first *models.CrawlReport
	for run := 0; run < 3; run++ {
		fetcher := &stubFetcher{pages: pages, delays: delays}
		out := NewScheduler(fetcher, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
			URLs:    urls,
			Matcher: matcher(t, "needle"),
		})
		report := Aggregate("s", "needle", out)
		if first == nil {
			first = report
			continue
		}
		assert.Equal(t, first.MatchingURLs, report.MatchingURLs)
		assert.Equal(t, first.AllResults, report.AllResults)
	}

	want := []string{urls[0], urls[2], urls[3], urls[5], urls[6], urls[8]}
	assert.Equal(t, want, first.MatchingURLs)
	for i, r := range first.AllResults {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, urls[i], r.URL)
	}
}

func TestRun_ResolvesRelativeURLs(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://www.example.com/pricing":  "fillout pricing",
		"https://cdn.example.com/doc":      "fillout doc",
		"https://www.example.com/blog/one": "nothing",
	}}

	out := NewScheduler(fetcher, testBatchConfig(), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    []string{"/pricing", "//cdn.example.com/doc", "blog/one"},
		BaseURL: "https://www.example.com",
		Matcher: matcher(t, "fillout"),
	})

	require.Len(t, out.Results, 3)
	assert.Equal(t, "/pricing", out.Results[0].URL)
	assert.Equal(t, "https://www.example.com/pricing", out.Results[0].ResolvedURL)
	assert.True(t, out.Results[0].Found)
	assert.True(t, out.Results[1].Found)
	assert.False(t, out.Results[2].Found)
	assert.True(t, out.Results[2].Fetched)
}

func TestRun_DuplicatesProcessedIndependently(t *testing.T) {
	u := "https://www.example.com/same"
	fetcher := &stubFetcher{pages: map[string]string{u: "needle"}}

	out := NewScheduler(fetcher, testBatchConfig(), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    []string{u, u, u},
		Matcher: matcher(t, "needle"),
	})
	report := Aggregate("s", "needle", out)

	assert.Len(t, fetcher.Calls(), 3)
	assert.Equal(t, []string{u, u, u}, report.MatchingURLs)
}

func TestRun_EmptyList(t *testing.T) {
	fetcher := &stubFetcher{}
	var kinds []models.ProgressKind

	out := NewScheduler(fetcher, testBatchConfig(), WithLogger(discardLogger())).Run(context.Background(), Input{
		Matcher:  matcher(t, "x"),
		Progress: func(ev models.ProgressEvent) { kinds = append(kinds, ev.Kind) },
	})

	assert.Equal(t, models.CrawlStateCompleted, out.State)
	assert.Zero(t, out.BatchesProcessed)
	assert.Empty(t, out.Results)
	assert.Equal(t, []models.ProgressKind{models.ProgressCrawlStarted, models.ProgressCrawlFinished}, kinds)
}

func TestRun_PanicInFetcherDegradesToNotFound(t *testing.T) {
	urls := pageURLs(2)
	fetcher := &stubFetcher{
		pages:  map[string]string{urls[1]: "needle"},
		panics: map[string]bool{urls[0]: true},
	}

	out := NewScheduler(fetcher, testBatchConfig(), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    urls,
		Matcher: matcher(t, "needle"),
	})

	assert.False(t, out.Results[0].Found)
	assert.False(t, out.Results[0].Fetched)
	assert.True(t, out.Results[1].Found)
}

func TestRun_ProgressEvents(t *testing.T) {
	urls := pageURLs(5)
	pages := map[string]string{}
	for _, u := range urls {
		pages[u] = "needle"
	}
	cfg := testBatchConfig()
	cfg.BatchSize = 2

	var events []models.ProgressEvent
	out := NewScheduler(&stubFetcher{pages: pages}, cfg, WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:     urls,
		Matcher:  matcher(t, "needle"),
		Progress: func(ev models.ProgressEvent) { events = append(events, ev) },
	})

	require.Equal(t, 3, out.BatchesProcessed)
	require.Len(t, events, 8) // start + 3*(batch start, batch end) + finish
	assert.Equal(t, models.ProgressCrawlStarted, events[0].Kind)
	assert.Equal(t, models.ProgressBatchStarted, events[1].Kind)
	assert.Equal(t, 1, events[1].Batch)
	assert.Equal(t, models.ProgressBatchCompleted, events[2].Kind)
	assert.Equal(t, 2, events[2].URLsProcessed)
	assert.Equal(t, 2, events[2].Matches)

	last := events[len(events)-1]
	assert.Equal(t, models.ProgressCrawlFinished, last.Kind)
	assert.Equal(t, 5, last.URLsProcessed)
	assert.Equal(t, 5, last.Candidates)
	assert.Equal(t, models.CrawlStateCompleted, last.State)
}

func TestRun_RecordsMetrics(t *testing.T) {
	urls := pageURLs(3)
	fetcher := &stubFetcher{pages: map[string]string{urls[0]: "needle", urls[1]: "hay"}}
	m := metrics.New(prometheus.NewRegistry())

	NewScheduler(fetcher, testBatchConfig(), WithMetrics(m), WithLogger(discardLogger())).Run(context.Background(), Input{
		URLs:    urls,
		Matcher: matcher(t, "needle"),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesFetchedTotal.WithLabelValues("match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesFetchedTotal.WithLabelValues("no_match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesFetchedTotal.WithLabelValues("failed")))
}

func TestOutcome_String(t *testing.T) {
	o := &Outcome{State: models.CrawlStateTimedOut, Results: make([]models.PageResult, 2), Candidates: 5, BatchesProcessed: 1}
	assert.True(t, strings.HasPrefix(o.String(), "timed_out: 2/5"))
}
