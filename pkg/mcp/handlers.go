package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
	"github.com/crawlmapper/crawlmapper/pkg/search"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

const snippetLen = 150

// searchRequestFrom reads the shared search arguments
func searchRequestFrom(request mcp.CallToolRequest) (models.SearchRequest, error) {
	req := models.SearchRequest{
		URL:         strings.TrimSpace(request.GetString("url", "")),
		Query:       request.GetString("query", ""),
		SearchScope: request.GetString("search_scope", ""),
		MaxURLs:     request.GetInt("max_urls", 0),
		BatchSize:   request.GetInt("batch_size", 0),
		MaxBatches:  request.GetInt("max_batches", 0),
	}
	if req.URL == "" {
		return req, errors.New("url parameter is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, errors.New("query parameter is required")
	}
	return req, nil
}

// handleSearchSitemap handles the search_sitemap tool
func (s *Server) handleSearchSitemap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := searchRequestFrom(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := s.cfg.Searcher.Search(ctx, req, nil)
	if err != nil {
		if errors.Is(err, utils.ErrSitemapUnavailable) {
			return mcp.NewToolResultError(fmt.Sprintf("%v. Check that the website exists and has a sitemap.xml file.", err)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(reportSummary(report, false))), nil
}

// handleStartSearch handles the start_search tool
func (s *Server) handleStartSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := searchRequestFrom(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	job, err := s.cfg.Jobs.Start(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start search: %v", err)), nil
	}

	result := map[string]interface{}{
		"job_id":      job.ID,
		"status":      job.Status,
		"message":     "Search queued; poll get_job_status for results",
		"sitemap_url": parse.ResolveSitemapURL(req.URL),
		"query":       req.Query,
	}
	if job.Status == models.JobStatusRunning {
		result["message"] = "An identical search is already running; poll get_job_status for results"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleGetJobStatus handles the get_job_status tool
func (s *Server) handleGetJobStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, err := s.cfg.Jobs.Get(jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}

	result := map[string]interface{}{
		"job_id":         job.ID,
		"url":            job.Request.URL,
		"query":          job.Request.Query,
		"status":         job.Status,
		"created_at":     job.CreatedAt.Format(time.RFC3339),
		"urls_processed": job.Progress.URLsProcessed,
		"candidates":     job.Progress.Candidates,
		"matches":        job.Progress.Matches,
	}
	if !job.StartedAt.IsZero() {
		result["started_at"] = job.StartedAt.Format(time.RFC3339)
	}
	if !job.CompletedAt.IsZero() {
		result["completed_at"] = job.CompletedAt.Format(time.RFC3339)
		if !job.StartedAt.IsZero() {
			result["duration_seconds"] = job.CompletedAt.Sub(job.StartedAt).Seconds()
		}
	}
	if job.ErrorMessage != "" {
		result["error_message"] = job.ErrorMessage
	}

	if job.Status.IsTerminal() {
		report, found, err := s.cfg.Jobs.Report(jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load report: %v", err)), nil
		}
		if found {
			result["report"] = reportSummary(report, request.GetBool("include_all_results", false))
		}
	}

	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCancelJob handles the cancel_job tool
func (s *Server) handleCancelJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID := request.GetString("job_id", "")
	if jobID == "" {
		return mcp.NewToolResultError("job_id parameter is required"), nil
	}

	job, err := s.cfg.Jobs.Cancel(jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("job '%s' not found", jobID)), nil
	}
	result := map[string]interface{}{
		"job_id":  job.ID,
		"status":  job.Status,
		"message": "Cancellation requested",
	}
	if job.Status.IsTerminal() && job.Status != models.JobStatusCancelled {
		result["message"] = "Job already finished"
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleNormalizeSitemapURL handles the normalize_sitemap_url tool
func (s *Server) handleNormalizeSitemapURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := strings.TrimSpace(request.GetString("url", ""))
	if ref == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	sitemapURL := parse.ResolveSitemapURL(ref)
	result := map[string]interface{}{
		"input":       ref,
		"sitemap_url": sitemapURL,
		"base_url":    parse.BaseURL(sitemapURL),
		"explicit":    parse.IsExplicitSitemapURL(ref),
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// handleCheckPage handles the check_page tool
func (s *Server) handleCheckPage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageURL := strings.TrimSpace(request.GetString("url", ""))
	if pageURL == "" {
		return mcp.NewToolResultError("url parameter is required"), nil
	}
	matcher, err := search.NewMatcher(request.GetString("query", ""), strings.ToLower(request.GetString("search_scope", "")))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	batch := s.cfg.AppConfig.Batch
	startTime := time.Now()
	body, ok := s.cfg.Pages.Fetch(ctx, pageURL, batch.PerURLTimeout, batch.MaxBodyBytes)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("failed to fetch %s", pageURL)), nil
	}

	found := matcher.Match(body)
	result := map[string]interface{}{
		"url":            pageURL,
		"query":          request.GetString("query", ""),
		"search_scope":   matcher.Scope(),
		"found":          found,
		"content_length": len(body),
		"fetch_time_ms":  time.Since(startTime).Milliseconds(),
	}
	if found {
		if text, err := search.VisibleText(body); err == nil {
			if snippet := extractSnippet(text, request.GetString("query", ""), snippetLen); snippet != "" {
				result["snippet"] = snippet
			}
		}
	}
	return mcp.NewToolResultText(formatJSON(result)), nil
}

// reportSummary turns a report into tool output; per-page results only on request
func reportSummary(r *models.CrawlReport, includeAll bool) map[string]interface{} {
	out := map[string]interface{}{
		"sitemap_url":       r.SitemapURL,
		"query":             r.Query,
		"state":             r.State,
		"total_pages":       r.TotalPages,
		"found_pages":       r.FoundPages,
		"matching_urls":     r.MatchingURLs,
		"total_urls_found":  r.TotalURLsFound,
		"urls_processed":    r.URLsProcessed,
		"batches_processed": r.BatchesProcessed,
		"fetch_failures":    r.FetchFailures,
		"elapsed_ms":        r.ElapsedMs,
		"timed_out":         r.TimedOut,
		"truncated":         r.Truncated,
	}
	if includeAll {
		out["all_results"] = r.AllResults
	}
	return out
}

// extractSnippet extracts a snippet around the query match, slicing on rune
// boundaries so multi-byte UTF-8 characters are never split.
func extractSnippet(content, query string, maxLen int) string {
	runes := []rune(content)
	queryRunes := []rune(strings.ToLower(query))
	contentLowerRunes := []rune(strings.ToLower(content))

	idx := -1
	if len(contentLowerRunes) == len(runes) {
		for i := 0; i <= len(contentLowerRunes)-len(queryRunes); i++ {
			if string(contentLowerRunes[i:i+len(queryRunes)]) == string(queryRunes) {
				idx = i
				break
			}
		}
	}

	if idx == -1 {
		if len(runes) > maxLen {
			return string(runes[:maxLen]) + "..."
		}
		return content
	}

	start := max(idx-maxLen/2, 0)
	end := min(idx+len(queryRunes)+maxLen/2, len(runes))

	snippet := string(runes[start:end])
	if start > 0 {
		snippet = "..." + snippet
	}
	if end < len(runes) {
		snippet = snippet + "..."
	}
	return snippet
}

// formatJSON formats data as an indented JSON string
func formatJSON(data map[string]interface{}) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\"error\": %q}", err.Error())
	}
	return string(b)
}
