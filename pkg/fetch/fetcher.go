package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// StatusError reports a non-2xx response. It unwraps to the matching class sentinel
// (utils.ErrClientHTTPError, utils.ErrServerHTTPError or utils.ErrOtherHTTPError).
type StatusError struct {
	StatusCode int
	Class      error
}

func newStatusError(code int) *StatusError {
	class := utils.ErrOtherHTTPError
	switch {
	case code >= 500:
		class = utils.ErrServerHTTPError
	case code >= 400:
		class = utils.ErrClientHTTPError
	}
	return &StatusError{StatusCode: code, Class: class}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d %s", e.Class, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() error { return e.Class }

// RetryPolicy controls FetchWithRetry
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// RetryPolicyFrom extracts the retry settings of the sitemap section
func RetryPolicyFrom(cfg config.SitemapConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
	}
}

// Fetcher performs HTTP requests over a shared http.Client.
// Sitemap documents go through FetchDocument, which retries transient failures;
// pages go through Fetch, a single bounded attempt that never reports why it failed.
type Fetcher struct {
	client *http.Client
	retry  RetryPolicy
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, retry RetryPolicy, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		retry:  retry,
		log:    log,
	}
}

// FetchWithRetry performs req under ctx, retrying network errors, 5xx and 429 with
// exponential backoff and jitter. On success the caller must close the response body.
// Non-retryable statuses return a nil response and a *StatusError.
func (f *Fetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	reqLog := f.log.WithField("url", req.URL.String())

	for attempt := 0; attempt <= f.retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) after error: %w", err, lastErr)
			}
			return nil, err
		}

		if attempt > 0 {
			delay := f.backoff(attempt)
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.retry.MaxRetries, "delay": delay}).Warn("Retrying request...")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Warnf("Network error: %v", err)
			lastErr = err
			continue
		}

		code := resp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": code, "attempt": attempt})
		switch {
		case code >= 200 && code < 300:
			resLog.Debug("Successfully fetched")
			return resp, nil
		case code >= 500 || code == http.StatusTooManyRequests:
			resLog.Warn("Transient HTTP status, retrying...")
			drainAndClose(resp)
			lastErr = newStatusError(code)
			continue
		default:
			resLog.Warn("Non-retryable HTTP status")
			drainAndClose(resp)
			return nil, newStatusError(code)
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", f.retry.MaxRetries+1, lastErr)
	if lastErr == nil {
		return nil, utils.ErrRetryFailed
	}
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

// backoff computes initial * 2^(attempt-1), capped at MaxDelay, with +/-10% jitter
func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(f.retry.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (f.retry.MaxDelay > 0 && delay > f.retry.MaxDelay) {
		delay = f.retry.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// FetchDocument GETs rawURL with retries and returns at most maxBytes of body.
// Larger documents fail with utils.ErrResponseTooLarge.
func (f *Fetcher) FetchDocument(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.8")

	resp, err := f.FetchWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readLimited(resp, maxBytes)
}

// Fetch performs one GET bounded by timeout and maxBytes and returns the body decoded to UTF-8.
// ok is false on any failure: transport error, timeout, non-2xx status or oversized body.
// The cause is only logged.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration, maxBytes int64) (body []byte, ok bool) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := f.fetchOnce(ctx, rawURL, maxBytes)
	if err != nil {
		f.log.WithFields(logrus.Fields{
			"url":      rawURL,
			"category": utils.CategorizeError(err),
		}).Debugf("Page fetch failed: %v", err)
		return nil, false
	}
	return body, true
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(resp.StatusCode)
	}

	raw, err := readLimited(resp, maxBytes)
	if err != nil {
		return nil, err
	}
	return toUTF8(raw, resp.Header.Get("Content-Type")), nil
}

// readLimited reads the whole body unless it exceeds maxBytes (<= 0 means unlimited)
func readLimited(resp *http.Response, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: content-length %d > %d", utils.ErrResponseTooLarge, resp.ContentLength, maxBytes)
	}

	var r io.Reader = resp.Body
	if maxBytes > 0 {
		r = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", utils.ErrResponseTooLarge, maxBytes)
	}
	return data, nil
}

// toUTF8 transcodes body using the Content-Type charset, a <meta> declaration or a BOM.
// Undecodable input is returned untouched.
func toUTF8(body []byte, contentType string) []byte {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" || enc == nil {
		return body
	}
	// A guessed legacy encoding is only applied when the bytes are not already UTF-8
	if !certain && utf8.Valid(body) {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
