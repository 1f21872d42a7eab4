package models

import "time"

// SearchRequest asks for every sitemap page of a site containing Query.
// JSON field names match the public API body {"url": ..., "query": ...}.
type SearchRequest struct {
	URL         string `json:"url"`                   // Site reference or explicit sitemap URL
	Query       string `json:"query"`                 // Case-insensitive search term
	SearchScope string `json:"searchScope,omitempty"` // "html" (default) or "text"
	BatchSize   int    `json:"batchSize,omitempty"`   // Optional override
	MaxURLs     int    `json:"maxUrls,omitempty"`     // Optional override
	MaxBatches  int    `json:"maxBatches,omitempty"`  // Optional override
}

// PageResult is the outcome of checking one sitemap-declared page
type PageResult struct {
	URL         string `json:"url" yaml:"url"`                                        // As declared in the sitemap
	ResolvedURL string `json:"resolvedUrl,omitempty" yaml:"resolved_url,omitempty"` // Set when resolution changed it
	Index       int    `json:"index" yaml:"index"`                                    // Position in the candidate list
	Found       bool   `json:"found" yaml:"found"`
	Fetched     bool   `json:"fetched" yaml:"fetched"` // False when the page could not be retrieved
}

// CrawlReport is the read-only summary of a finished crawl.
// The first six JSON fields keep the shape of the v1 /api/search response.
type CrawlReport struct {
	SitemapURL   string       `json:"sitemapUrl" yaml:"sitemap_url"`
	Query        string       `json:"query" yaml:"query"`
	TotalPages   int          `json:"totalPages" yaml:"total_pages"` // Pages checked (same as URLsProcessed)
	FoundPages   int          `json:"foundPages" yaml:"found_pages"`
	MatchingURLs []string     `json:"matchingUrls" yaml:"matching_urls"` // Discovery order
	AllResults   []PageResult `json:"allResults" yaml:"all_results"`     // Discovery order

	State            CrawlState `json:"state" yaml:"state"`
	TotalURLsFound   int        `json:"totalUrlsFound" yaml:"total_urls_found"` // Size of the declared list
	URLsProcessed    int        `json:"urlsProcessed" yaml:"urls_processed"`
	BatchesProcessed int        `json:"batchesProcessed" yaml:"batches_processed"`
	FetchFailures    int        `json:"fetchFailures" yaml:"fetch_failures"`
	SitemapsFetched  int        `json:"sitemapsFetched,omitempty" yaml:"sitemaps_fetched,omitempty"`
	ElapsedMs        int64      `json:"elapsedMs" yaml:"elapsed_ms"`
	TimedOut         bool       `json:"timedOut" yaml:"timed_out"`
	Truncated        bool       `json:"truncated" yaml:"truncated"` // Declared list exceeded max URLs
	Cancelled        bool       `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	StartedAt        time.Time  `json:"startedAt" yaml:"started_at"`
	FinishedAt       time.Time  `json:"finishedAt" yaml:"finished_at"`
}

// Elapsed returns the crawl duration
func (r *CrawlReport) Elapsed() time.Duration {
	return time.Duration(r.ElapsedMs) * time.Millisecond
}

// Partial reports whether the crawl stopped before checking every declared URL
func (r *CrawlReport) Partial() bool {
	return r.URLsProcessed < r.TotalURLsFound
}

// ProgressKind identifies a point in the crawl lifecycle
type ProgressKind string

const (
	ProgressCrawlStarted   ProgressKind = "crawl_started"
	ProgressBatchStarted   ProgressKind = "batch_started"
	ProgressBatchCompleted ProgressKind = "batch_completed"
	ProgressCrawlFinished  ProgressKind = "crawl_finished"
)

// ProgressEvent is emitted by the scheduler as a crawl advances
type ProgressEvent struct {
	Kind          ProgressKind  `json:"kind"`
	Batch         int           `json:"batch"`         // 1-based; 0 for crawl-level events
	URLsProcessed int           `json:"urlsProcessed"` // Cumulative
	Candidates    int           `json:"candidates"`    // URLs eligible after truncation
	Matches       int           `json:"matches"`       // Cumulative
	Elapsed       time.Duration `json:"elapsed"`
	State         CrawlState    `json:"state,omitempty"` // Set on crawl_finished
}

// ProgressFunc receives progress events. Implementations must be quick and non-blocking.
type ProgressFunc func(ProgressEvent)
