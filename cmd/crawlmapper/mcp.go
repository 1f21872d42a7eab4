package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/fetch"
	"github.com/crawlmapper/crawlmapper/pkg/jobs"
	"github.com/crawlmapper/crawlmapper/pkg/mcp"
	"github.com/crawlmapper/crawlmapper/pkg/orchestrate"
	"github.com/crawlmapper/crawlmapper/pkg/storage"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	cf := commonFlags{}
	fs.StringVar(&cf.configFile, "config", "config.yaml", "Path to config file")
	fs.StringVar(&cf.logLevel, "loglevel", "", "Log level (debug, info, warn, error); overrides the config")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: crawlmapper mcp-server [options]

Start an MCP (Model Context Protocol) server for AI tool integration.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Start with stdio transport (for desktop assistants)
  crawlmapper mcp-server

  # Start with SSE transport on port 8080
  crawlmapper mcp-server -transport sse -port 8080

Available MCP Tools:
  search_sitemap         Search a site's sitemap pages and wait for the report
  start_search           Start a background search
  get_job_status         Status and report of a background search
  cancel_job             Cancel a background search
  normalize_sitemap_url  Show the sitemap URL a site resolves to
  check_page             Search a single page
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			cf.configExplicit = true
		}
	})

	os.Exit(doMcpServer(cf, *transport, *port, os.Stderr))
}

// doMcpServer is the testable implementation of the MCP server.
// Logs go to stderr; stdout carries the protocol.
func doMcpServer(cf commonFlags, transport string, port int, stderr io.Writer) int {
	appCfg, warnings, err := prepareConfig(cf, config.BatchConfig{})
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return exitError
	}

	log := setupLogger(appCfg.Log, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	entry := log.WithField("command", "mcp-server")

	store, err := storage.NewBadgerStore("", appCfg.Server.JobTTL, entry)
	if err != nil {
		fmt.Fprintf(stderr, "Error creating report store: %v\n", err)
		return exitError
	}
	defer closeQuietly(store, log)

	orch := orchestrate.New(appCfg, nil, entry)
	manager := jobs.NewManager(orch, store, jobs.Options{
		MaxConcurrent: appCfg.Server.MaxConcurrentCrawls,
		TTL:           appCfg.Server.JobTTL,
	}, entry)
	defer manager.Shutdown(context.Background())

	pages := fetch.NewFetcher(
		fetch.NewClient(appCfg.HTTPClientSettings, appCfg.DefaultUserAgent, entry),
		fetch.RetryPolicyFrom(appCfg.Sitemap),
		entry,
	)

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig: appCfg,
		Version:   version,
		Transport: transport,
		Port:      port,
		Logger:    log,
		Searcher:  orch,
		Jobs:      manager,
		Pages:     pages,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return exitError
	}

	log.Infof("Starting MCP server (transport: %s)", transport)

	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return exitError
	}

	return exitOK
}
