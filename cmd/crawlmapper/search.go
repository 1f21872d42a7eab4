package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/orchestrate"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
	"github.com/crawlmapper/crawlmapper/pkg/report"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// searchOptions collects the search subcommand flags
type searchOptions struct {
	common     commonFlags
	url        string
	query      string
	scope      string
	format     string
	output     string
	noProgress bool
	batch      config.BatchConfig // Per-invocation overrides
}

// runSearch handles the search subcommand
func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	opts := searchOptions{}
	fs.StringVar(&opts.common.configFile, "config", "config.yaml", "Path to config file")
	fs.StringVar(&opts.common.logLevel, "loglevel", "", "Log level (debug, info, warn, error); overrides the config")
	fs.StringVar(&opts.url, "url", "", "Site domain or sitemap URL (or first positional argument)")
	fs.StringVar(&opts.query, "query", "", "Search term (or second positional argument)")
	fs.StringVar(&opts.scope, "scope", "", "Search scope: html (raw markup) or text (visible text)")
	fs.StringVar(&opts.format, "format", report.FormatText, "Output format: "+strings.Join(report.Formats, ", "))
	fs.StringVar(&opts.output, "output", "", "Write the report to this file or directory instead of stdout")
	fs.BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")
	fs.IntVar(&opts.batch.BatchSize, "batch-size", 0, "URLs fetched concurrently per batch")
	fs.DurationVar(&opts.batch.TotalBudget, "budget", 0, "Total time budget for the crawl (e.g. 2m)")
	fs.IntVar(&opts.batch.MaxURLsToProcess, "max-urls", 0, "Only check the first N sitemap URLs")
	fs.IntVar(&opts.batch.MaxBatches, "max-batches", 0, "Stop after N batches")
	fs.DurationVar(&opts.batch.PerURLTimeout, "per-url-timeout", 0, "Timeout for a single page fetch")
	delay := fs.Duration("delay", 0, "Pause between batches (0 disables it)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawlmapper search [options] <site> <query>\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  crawlmapper search example.com fillout\n")
		fmt.Fprintf(os.Stderr, "  crawlmapper search -budget 1m -format csv -output results.csv https://example.com/sitemap_index.xml pricing\n")
		fmt.Fprintf(os.Stderr, "\nExit codes: 0 success (partial results included), 2 sitemap unavailable, 1 other errors\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			opts.common.configExplicit = true
		case "delay":
			opts.batch.InterBatchDelay = delay
		}
	})
	if opts.url == "" {
		opts.url = fs.Arg(0)
	}
	if opts.query == "" {
		opts.query = fs.Arg(1)
	}
	if opts.url == "" || opts.query == "" {
		fmt.Fprintln(os.Stderr, "Error: both a site and a query are required")
		fs.Usage()
		os.Exit(exitError)
	}

	// ===========================================================
	// == Setup Context & Signal Handling ==
	// ===========================================================
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived signal: %v. Finishing the current batch...\n", sig)
		cancel()

		select {
		case sig = <-sigChan:
			fmt.Fprintf(os.Stderr, "Received second signal: %v. Forcing exit.\n", sig)
			os.Exit(exitError)
		case <-time.After(30 * time.Second):
			fmt.Fprintln(os.Stderr, "Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(exitError)
		}
	}()
	defer signal.Stop(sigChan)

	code := doSearch(ctx, opts, os.Stdout, os.Stderr, nil)
	cancel()
	os.Exit(code)
}

// doSearch runs one search and writes the report.
// Logs and progress go to stderr, the report to stdout or -output.
// orchOpts lets tests swap the clock or page fetcher.
func doSearch(ctx context.Context, opts searchOptions, stdout, stderr io.Writer, orchOpts []orchestrate.Option) int {
	format, err := report.ParseFormat(opts.format)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if opts.scope != "" {
		opts.batch.SearchScope = strings.ToLower(opts.scope)
	}

	appCfg, warnings, err := prepareConfig(opts.common, opts.batch)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	log := setupLogger(appCfg.Log, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(appCfg, log)

	var progress models.ProgressFunc
	if !opts.noProgress {
		progress = newProgressRenderer(stderr)
	}

	orch := orchestrate.New(appCfg, nil, log.WithField("command", "search"), orchOpts...)
	r, err := orch.Search(ctx, models.SearchRequest{URL: opts.url, Query: opts.query}, progress)
	if err != nil {
		if errors.Is(err, utils.ErrSitemapUnavailable) {
			log.Errorf("Sitemap unavailable: %v", err)
			return exitSitemapUnavailable
		}
		log.WithField("error_category", utils.CategorizeError(err)).Errorf("Search failed: %v", err)
		return exitError
	}

	if err := writeReport(r, format, opts.output, stdout); err != nil {
		log.Errorf("Failed to write report: %v", err)
		return exitError
	}
	if r.State == models.CrawlStateCancelled {
		log.Warn("Search cancelled; partial results written.")
	}
	return exitOK
}

// writeReport writes r to output; empty or "-" means w.
// A directory gets a file named after the site and query.
func writeReport(r *models.CrawlReport, format, output string, w io.Writer) error {
	if output == "" || output == "-" {
		return report.Write(w, r, format)
	}

	if info, err := os.Stat(output); err == nil && info.IsDir() {
		output = filepath.Join(output, reportFilename(r, format))
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create %s: %w", output, err)
	}
	if err := report.Write(f, r, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// reportFilename builds "<host>_<query>.<ext>" for a report
func reportFilename(r *models.CrawlReport, format string) string {
	host := strings.TrimPrefix(parse.BaseURL(r.SitemapURL), "https://")
	ext := format
	if format == report.FormatText {
		ext = "txt"
	}
	return fmt.Sprintf("%s_%s.%s", utils.SanitizeFilename(host), utils.SanitizeFilename(r.Query), ext)
}

// newProgressRenderer returns a ProgressFunc that draws a progress bar on w.
// The bar is created once the candidate count is known.
func newProgressRenderer(w io.Writer) models.ProgressFunc {
	var bar *progressbar.ProgressBar
	return func(ev models.ProgressEvent) {
		switch ev.Kind {
		case models.ProgressCrawlStarted:
			bar = progressbar.NewOptions(ev.Candidates,
				progressbar.OptionSetWriter(w),
				progressbar.OptionSetDescription("Searching"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
		case models.ProgressBatchStarted:
			if bar != nil {
				bar.Describe(fmt.Sprintf("Batch %d", ev.Batch))
			}
		case models.ProgressBatchCompleted:
			if bar != nil {
				_ = bar.Set(ev.URLsProcessed)
				bar.Describe(fmt.Sprintf("Batch %d, %d matches", ev.Batch, ev.Matches))
			}
		case models.ProgressCrawlFinished:
			if bar == nil {
				return
			}
			if ev.State == models.CrawlStateCompleted {
				_ = bar.Finish()
			} else {
				bar.Describe(fmt.Sprintf("Stopped (%s)", ev.State))
				_ = bar.RenderBlank()
			}
			fmt.Fprintln(w)
		}
	}
}
