package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FunctionEvent is the request a serverless platform hands to a function
type FunctionEvent struct {
	HTTPMethod      string            `json:"httpMethod"`
	Path            string            `json:"path,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body"`
	IsBase64Encoded bool              `json:"isBase64Encoded,omitempty"`
}

// FunctionResponse is what the function returns to the platform
type FunctionResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// HandleFunctionEvent runs a search for a serverless invocation.
// It uses the function batch preset and bounds the whole invocation by server.function_timeout,
// so slow sitemap retrieval shortens the crawl instead of overrunning the platform limit.
// Errors map the same way as the HTTP API.
func (s *Server) HandleFunctionEvent(ctx context.Context, ev FunctionEvent) FunctionResponse {
	requestID := uuid.New().String()
	fnLog := s.log.WithFields(logrus.Fields{"request_id": requestID, "adapter": "function"})

	if strings.EqualFold(ev.HTTPMethod, http.MethodOptions) {
		headers := s.corsHeaders()
		headers["X-Request-Id"] = requestID
		return FunctionResponse{StatusCode: http.StatusOK, Headers: headers}
	}
	if !strings.EqualFold(ev.HTTPMethod, http.MethodPost) {
		return s.functionJSON(requestID, http.StatusMethodNotAllowed, apiResponse{Error: "Method not allowed"})
	}

	body := []byte(ev.Body)
	if ev.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return s.functionJSON(requestID, http.StatusBadRequest, apiResponse{Error: "invalid base64 body"})
		}
		body = decoded
	}
	req, err := decodeSearchRequest(bytes.NewReader(body))
	if err != nil {
		return s.functionJSON(requestID, http.StatusBadRequest, apiResponse{Error: err.Error()})
	}

	fnLog.WithFields(logrus.Fields{"url": req.URL, "query": req.Query}).Info("[Function] Search requested")
	report, err := s.search(ctx, req, s.cfg.FunctionBatch, s.cfg.Server.FunctionTimeout)
	if err != nil {
		code := statusForError(err)
		fnLog.WithField("status", code).Warnf("[Function] Search failed: %v", err)
		return s.functionJSON(requestID, code, apiResponse{Error: err.Error()})
	}
	fnLog.Infof("[Function] Search completed: %d matches found", report.FoundPages)
	return s.functionJSON(requestID, http.StatusOK, apiResponse{Success: true, Data: report})
}

func (s *Server) functionJSON(requestID string, code int, payload apiResponse) FunctionResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"success":false,"error":"internal error"}`)
	}
	return FunctionResponse{
		StatusCode: code,
		Headers: map[string]string{
			"Access-Control-Allow-Origin": s.cfg.Server.CORSAllowedOrigin,
			"Content-Type":                "application/json",
			"X-Request-Id":                requestID,
		},
		Body: string(body),
	}
}

// handleFunctionHTTP serves the function contract over plain HTTP
func (s *Server) handleFunctionHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		s.respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	resp := s.HandleFunctionEvent(r.Context(), FunctionEvent{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Body:       string(body),
	})
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}
