package crawler

import (
	"cmp"
	"slices"

	"github.com/crawlmapper/crawlmapper/pkg/models"
)

// Aggregate turns a crawl outcome into the report returned to callers.
// It has no side effects: the same outcome always yields the same report, and
// MatchingURLs follow discovery order regardless of completion order within a batch.
func Aggregate(sitemapURL, query string, out *Outcome) *models.CrawlReport {
	results := slices.Clone(out.Results)
	slices.SortStableFunc(results, func(a, b models.PageResult) int {
		return cmp.Compare(a.Index, b.Index)
	})

	report := &models.CrawlReport{
		SitemapURL:       sitemapURL,
		Query:            query,
		TotalPages:       len(results),
		MatchingURLs:     make([]string, 0),
		AllResults:       results,
		State:            out.State,
		TotalURLsFound:   out.TotalURLsFound,
		URLsProcessed:    len(results),
		BatchesProcessed: out.BatchesProcessed,
		TimedOut:         out.State == models.CrawlStateTimedOut,
		Truncated:        out.Truncated,
		Cancelled:        out.State == models.CrawlStateCancelled,
		StartedAt:        out.StartedAt,
		FinishedAt:       out.FinishedAt,
		ElapsedMs:        out.FinishedAt.Sub(out.StartedAt).Milliseconds(),
	}
	if report.AllResults == nil {
		report.AllResults = make([]models.PageResult, 0)
	}

	for _, r := range results {
		if r.Found {
			report.MatchingURLs = append(report.MatchingURLs, r.URL)
		}
		if !r.Fetched {
			report.FetchFailures++
		}
	}
	report.FoundPages = len(report.MatchingURLs)
	return report
}
