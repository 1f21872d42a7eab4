package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/jobs"
	"github.com/crawlmapper/crawlmapper/pkg/models"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

const maxRequestBodyBytes = 1 << 20

// apiResponse is the envelope of every API reply
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// jobResponse is a job plus its report once one exists
type jobResponse struct {
	jobs.Job
	Report *models.CrawlReport `json:"report,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "CrawlMapper API is running",
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSearchRequest(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	reqLog := s.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"url":        req.URL,
		"query":      req.Query,
	})
	reqLog.Info("[API] Search requested")

	report, err := s.search(r.Context(), req, s.cfg.Batch, s.cfg.Server.RequestTimeout)
	if err != nil {
		code := statusForError(err)
		if code >= http.StatusInternalServerError {
			reqLog.Errorf("[API] Search failed: %v", err)
		} else {
			reqLog.Warnf("[API] Search rejected: %v", err)
		}
		s.respondWithError(w, code, err.Error())
		return
	}
	s.respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: report})
}

// search runs a synchronous search under the concurrency cap.
// timeout bounds the whole search, sitemap retrieval included.
func (s *Server) search(ctx context.Context, req models.SearchRequest, base config.BatchConfig, timeout time.Duration) (*models.CrawlReport, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.searchSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a free search slot: %w", err)
	}
	defer s.searchSem.Release(1)
	return s.searcher.Run(ctx, req, base, nil)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSearchRequest(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		s.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.jobs.Start(req)
	if err != nil {
		s.respondWithError(w, statusForError(err), err.Error())
		return
	}
	w.Header().Set("Location", "/api/jobs/"+job.ID)
	s.respondWithJSON(w, http.StatusAccepted, apiResponse{Success: true, Data: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: s.jobs.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Get(jobID)
	if err != nil {
		s.respondWithError(w, statusForError(err), err.Error())
		return
	}
	resp := jobResponse{Job: job}
	if job.Status.IsTerminal() {
		report, found, err := s.jobs.Report(jobID)
		if err != nil {
			s.log.WithField("job_id", jobID).Errorf("Failed to load report: %v", err)
			s.respondWithError(w, http.StatusInternalServerError, "could not load report")
			return
		}
		if found {
			resp.Report = report
		}
	}
	s.respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: resp})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondWithError(w, statusForError(err), err.Error())
		return
	}
	s.respondWithJSON(w, http.StatusOK, apiResponse{Success: true, Data: job})
}

// decodeSearchRequest parses and checks a {url, query} body
func decodeSearchRequest(body io.Reader) (models.SearchRequest, error) {
	var req models.SearchRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Query) == "" {
		return req, errors.New("Both url and query parameters are required")
	}
	return req, nil
}

// statusForError maps crawl errors to HTTP status codes.
// An unavailable sitemap is a 404; anything unexpected is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, utils.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrSitemapUnavailable), errors.Is(err, utils.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, apiResponse{Success: false, Error: message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.log.Errorf("Failed to encode response: %v", err)
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
