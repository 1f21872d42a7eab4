// Package server exposes the search over HTTP and as a serverless function handler.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/jobs"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/models"
)

// Searcher runs one search with the given batch settings
type Searcher interface {
	Run(ctx context.Context, req models.SearchRequest, base config.BatchConfig, progress models.ProgressFunc) (*models.CrawlReport, error)
}

// JobService manages background searches
type JobService interface {
	Start(req models.SearchRequest) (jobs.Job, error)
	Get(jobID string) (jobs.Job, error)
	Report(jobID string) (*models.CrawlReport, bool, error)
	Cancel(jobID string) (jobs.Job, error)
	List() []jobs.Job
}

// Server holds the dependencies for the HTTP API
type Server struct {
	cfg        *config.AppConfig
	searcher   Searcher
	jobs       JobService
	metrics    *metrics.Collectors
	gatherer   prometheus.Gatherer
	log        *logrus.Entry
	searchSem  *semaphore.Weighted // Caps synchronous searches
	router     http.Handler
	httpServer *http.Server
}

// New creates a Server. jobSvc, m and gatherer may be nil; the matching routes are then left out.
func New(cfg *config.AppConfig, searcher Searcher, jobSvc JobService, m *metrics.Collectors, gatherer prometheus.Gatherer, log *logrus.Entry) *Server {
	limit := cfg.Server.MaxConcurrentCrawls
	if limit <= 0 {
		limit = 1
	}
	s := &Server{
		cfg:       cfg,
		searcher:  searcher,
		jobs:      jobSvc,
		metrics:   m,
		gatherer:  gatherer,
		log:       log.WithField("component", "server"),
		searchSem: semaphore.NewWeighted(int64(limit)),
	}
	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Synchronous searches may legitimately run for the whole request timeout
		WriteTimeout: cfg.Server.RequestTimeout + 10*time.Second,
	}
	return s
}

// Handler returns the HTTP handler, mainly for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and blocks until the server stops.
// It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.log.Infof("CrawlMapper API listening on %s", s.cfg.Server.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
