package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/jobs"
	"github.com/crawlmapper/crawlmapper/pkg/models"
)

const serverName = "crawlmapper"

// Searcher runs a synchronous search
type Searcher interface {
	Search(ctx context.Context, req models.SearchRequest, progress models.ProgressFunc) (*models.CrawlReport, error)
}

// JobService manages background searches
type JobService interface {
	Start(req models.SearchRequest) (jobs.Job, error)
	Get(jobID string) (jobs.Job, error)
	Report(jobID string) (*models.CrawlReport, bool, error)
	Cancel(jobID string) (jobs.Job, error)
}

// PageFetcher retrieves a single page
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, timeout time.Duration, maxBytes int64) ([]byte, bool)
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig *config.AppConfig
	Version   string
	Transport string // "stdio" or "sse"
	Port      int
	Logger    *logrus.Logger

	Searcher Searcher
	Jobs     JobService
	Pages    PageFetcher
}

// Server exposes sitemap search as MCP tools
type Server struct {
	mcpServer *server.MCPServer
	cfg       *ServerConfig
	log       *logrus.Entry
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, errors.New("AppConfig is required")
	}
	if cfg.Searcher == nil || cfg.Jobs == nil || cfg.Pages == nil {
		return nil, errors.New("searcher, job service and page fetcher are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	mcpServer := server.NewMCPServer(
		serverName,
		cfg.Version,
		server.WithLogging(),
	)

	s := &Server{
		mcpServer: mcpServer,
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "mcp"),
	}
	s.registerTools()
	return s, nil
}

// registerTools registers all available MCP tools
func (s *Server) registerTools() {
	searchOpts := []mcp.ToolOption{
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Site domain (e.g. 'example.com') or full sitemap URL"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Term to look for (case-insensitive substring match)"),
		),
		mcp.WithString("search_scope",
			mcp.Description("'html' searches the raw markup (default), 'text' only visible text"),
		),
		mcp.WithNumber("max_urls",
			mcp.Description("Maximum number of sitemap URLs to check"),
		),
		mcp.WithNumber("batch_size",
			mcp.Description("Pages fetched concurrently per batch"),
		),
		mcp.WithNumber("max_batches",
			mcp.Description("Maximum number of batches to run"),
		),
	}

	// search_sitemap - Synchronous search
	s.mcpServer.AddTool(mcp.NewTool("search_sitemap",
		append([]mcp.ToolOption{
			mcp.WithDescription("Search every page listed in a site's sitemap.xml for a term and return the matching URLs. Blocks until the time budget is used up."),
		}, searchOpts...)...,
	), s.handleSearchSitemap)

	// start_search - Background search
	s.mcpServer.AddTool(mcp.NewTool("start_search",
		append([]mcp.ToolOption{
			mcp.WithDescription("Start a sitemap search in the background. Returns immediately with a job ID."),
		}, searchOpts...)...,
	), s.handleStartSearch)

	// get_job_status - Check status of a search job
	s.mcpServer.AddTool(mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status of a search job, with its results once finished"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_search"),
		),
		mcp.WithBoolean("include_all_results",
			mcp.Description("Include the per-page result list (default: matching URLs only)"),
		),
	), s.handleGetJobStatus)

	// cancel_job - Stop a search job
	s.mcpServer.AddTool(mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or running search job; completed batches are kept"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by start_search"),
		),
	), s.handleCancelJob)

	// normalize_sitemap_url - Show which sitemap would be fetched
	s.mcpServer.AddTool(mcp.NewTool("normalize_sitemap_url",
		mcp.WithDescription("Show the sitemap URL a site reference resolves to"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("Site domain or URL"),
		),
	), s.handleNormalizeSitemapURL)

	// check_page - Search a single page
	s.mcpServer.AddTool(mcp.NewTool("check_page",
		mcp.WithDescription("Fetch a single URL and report whether it contains the term, with a text snippet around the match"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The page URL to fetch"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Term to look for (case-insensitive)"),
		),
		mcp.WithString("search_scope",
			mcp.Description("'html' (default) or 'text'"),
		),
	), s.handleCheckPage)

	s.log.Infof("Registered %d MCP tools", 6)
}

// Run starts the MCP server with the configured transport
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		sseServer := server.NewSSEServer(s.mcpServer)
		return sseServer.Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}
