package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrSitemapUnavailable = errors.New("sitemap unavailable")               // Terminal for a crawl
	ErrRetryFailed        = errors.New("request failed after all retries") // Wraps the last underlying error
	ErrClientHTTPError    = errors.New("client HTTP error (4xx)")          // Wraps original error/status
	ErrServerHTTPError    = errors.New("server HTTP error (5xx)")          // Wraps original error/status
	ErrOtherHTTPError     = errors.New("other HTTP error (non-2xx)")       // Wraps original error/status
	ErrParsing            = errors.New("parsing error")                    // Wraps specific parsing error (URL, XML, HTML)
	ErrRequestCreation    = errors.New("failed to create HTTP request")
	ErrResponseBodyRead   = errors.New("failed to read response body")
	ErrResponseTooLarge   = errors.New("response body exceeds size limit")
	ErrConfigValidation   = errors.New("configuration validation error")
	ErrDatabase           = errors.New("database error") // Wraps badger errors
	ErrInvalidRequest     = errors.New("invalid request")
	ErrJobNotFound        = errors.New("job not found")
)

// SitemapError describes a failed attempt to obtain the sitemap of a site.
// It matches ErrSitemapUnavailable with errors.Is and keeps the attempted URL for diagnostics.
type SitemapError struct {
	URL        string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *SitemapError) Error() string {
	switch {
	case e.StatusCode == 404:
		return fmt.Sprintf("sitemap not found: the sitemap.xml file does not exist at %s", e.URL)
	case e.StatusCode >= 400:
		return fmt.Sprintf("sitemap not found: server returned %d status code for %s", e.StatusCode, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("error fetching sitemap %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("error fetching sitemap %s", e.URL)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *SitemapError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSitemapUnavailable}
	}
	return []error{ErrSitemapUnavailable, e.Err}
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrSitemapUnavailable):
		var smErr *SitemapError
		if errors.As(err, &smErr) {
			if smErr.StatusCode == 404 {
				return "Sitemap_NotFound"
			}
			if smErr.StatusCode >= 400 {
				return "Sitemap_HTTPStatus"
			}
			if errors.Is(smErr.Err, ErrParsing) {
				return "Sitemap_Parsing"
			}
		}
		return "Sitemap_Unavailable"
	case errors.Is(err, ErrRetryFailed):
		// The last attempt's error is wrapped alongside the sentinel
		if errors.Is(err, ErrServerHTTPError) {
			return "RetryFailed_HTTPServer"
		}
		if errors.Is(err, ErrClientHTTPError) {
			return "RetryFailed_HTTPClient"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrClientHTTPError):
		errMsg := err.Error()
		if strings.Contains(errMsg, " 404 ") {
			return "HTTP_404"
		}
		if strings.Contains(errMsg, " 403 ") {
			return "HTTP_403"
		}
		if strings.Contains(errMsg, " 429 ") {
			return "HTTP_429"
		}
		return "HTTP_4xx"
	case errors.Is(err, ErrServerHTTPError):
		return "HTTP_5xx"
	case errors.Is(err, ErrOtherHTTPError):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrResponseTooLarge):
		return "Content_TooLarge"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "XML") {
			return "Content_ParsingXML"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrInvalidRequest):
		return "Request_Invalid"
	case errors.Is(err, ErrJobNotFound):
		return "Job_NotFound"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "Network_Timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}

	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

