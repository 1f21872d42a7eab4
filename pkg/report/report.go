// Package report renders a CrawlReport for people and for other tools.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crawlmapper/crawlmapper/pkg/models"
)

// Supported output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCSV  = "csv"
)

// Formats lists every supported format
var Formats = []string{FormatText, FormatJSON, FormatYAML, FormatCSV}

// ParseFormat validates a user-supplied format name; empty means text
func ParseFormat(s string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(s))
	switch f {
	case "":
		return FormatText, nil
	case "yml":
		return FormatYAML, nil
	case FormatText, FormatJSON, FormatYAML, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (supported: %s)", s, strings.Join(Formats, ", "))
}

// Write renders r to w in the given format
func Write(w io.Writer, r *models.CrawlReport, format string) error {
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatCSV:
		return writeCSV(w, r, time.Now())
	default:
		return writeText(w, r)
	}
}

// writeText prints the console summary: totals, then the numbered matching URLs
func writeText(w io.Writer, r *models.CrawlReport) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== RESULTS ===\n")
	fmt.Fprintf(&b, "Sitemap: %s\n", r.SitemapURL)
	fmt.Fprintf(&b, "Total pages processed: %d\n", r.URLsProcessed)
	fmt.Fprintf(&b, "Pages containing %q: %d\n", r.Query, r.FoundPages)
	fmt.Fprintf(&b, "Pages without %q: %d\n", r.Query, r.URLsProcessed-r.FoundPages)
	if r.FetchFailures > 0 {
		fmt.Fprintf(&b, "Pages that could not be fetched: %d\n", r.FetchFailures)
	}
	fmt.Fprintf(&b, "Batches: %d, elapsed: %v\n", r.BatchesProcessed, r.Elapsed())
	if r.Truncated {
		fmt.Fprintf(&b, "Note: sitemap declares %d URLs, only the first %d were eligible\n", r.TotalURLsFound, r.URLsProcessed)
	}
	if r.TimedOut {
		fmt.Fprintf(&b, "Note: time budget reached after %d of %d URLs, results are partial\n", r.URLsProcessed, r.TotalURLsFound)
	}
	if r.Cancelled {
		fmt.Fprintf(&b, "Note: search was cancelled, results are partial\n")
	}

	fmt.Fprintf(&b, "\n=== URLs containing the search term ===\n")
	if len(r.MatchingURLs) == 0 {
		b.WriteString("No URLs found containing the search term.\n")
	}
	for i, u := range r.MatchingURLs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, u)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// writeCSV exports every checked page with a commented metadata header
func writeCSV(w io.Writer, r *models.CrawlReport, generated time.Time) error {
	header := []string{
		"# CrawlMapper Export",
		"# Generated: " + generated.UTC().Format(time.RFC3339),
		"# Sitemap: " + r.SitemapURL,
		fmt.Sprintf("# Query: %q", r.Query),
		"# Total Pages: " + strconv.Itoa(r.TotalPages),
		"# Found Pages: " + strconv.Itoa(r.FoundPages),
		"",
	}
	if _, err := io.WriteString(w, strings.Join(header, "\n")+"\n"); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Index", "URL", "Status", "Contains Query"}); err != nil {
		return err
	}
	for i, res := range r.AllResults {
		status, contains := "NO_MATCH", "NO"
		switch {
		case res.Found:
			status, contains = "MATCH_FOUND", "YES"
		case !res.Fetched:
			status = "FETCH_FAILED"
		}
		if err := cw.Write([]string{strconv.Itoa(i + 1), res.URL, status, contains}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
