package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/crawlmapper/crawlmapper/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = DefaultUserAgent
	}

	w, err := c.Batch.validate("batch", batchDefaults())
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}

	// The serverless preset inherits everything it does not set from the main batch
	fn := c.Batch.WithOverrides(functionBatchDefaults()).WithOverrides(c.FunctionBatch)
	w, err = fn.validate("function_batch", c.Batch)
	warnings = append(warnings, w...)
	if err != nil {
		return warnings, err
	}
	c.FunctionBatch = fn

	warnings = append(warnings, c.validateSitemapSettings()...)
	c.validateHTTPClientSettings()
	warnings = append(warnings, c.validateServerSettings()...)
	c.validateLogSettings()

	return warnings, nil
}

func batchDefaults() BatchConfig {
	return BatchConfig{
		BatchSize:        5,
		PerURLTimeout:    10 * time.Second,
		InterBatchDelay:  DurationPtr(1 * time.Second),
		TotalBudget:      5 * time.Minute,
		SafetyMargin:     5 * time.Second,
		MaxURLsToProcess: 1000,
		MaxBodyBytes:     5 << 20,
		SearchScope:      SearchScopeHTML,
	}
}

func functionBatchDefaults() BatchConfig {
	return BatchConfig{
		TotalBudget:  25 * time.Second,
		SafetyMargin: 3 * time.Second,
	}
}

// Validate checks a standalone BatchConfig, such as one assembled from CLI flags
// or request fields, filling gaps from the built-in defaults.
func (b *BatchConfig) Validate() (warnings []string, err error) {
	return b.validate("batch", batchDefaults())
}

func (b *BatchConfig) validate(section string, def BatchConfig) (warnings []string, err error) {
	if b.BatchSize <= 0 {
		if b.BatchSize < 0 {
			warnings = append(warnings, fmt.Sprintf("%s.batch_size should be > 0, defaulting to %d", section, def.BatchSize))
		}
		b.BatchSize = def.BatchSize
	}
	if b.PerURLTimeout <= 0 {
		b.PerURLTimeout = def.PerURLTimeout
	}
	switch {
	case b.InterBatchDelay == nil:
		b.InterBatchDelay = DurationPtr(def.Delay())
	case *b.InterBatchDelay < 0:
		warnings = append(warnings, fmt.Sprintf("%s.inter_batch_delay cannot be negative, setting to 0", section))
		b.InterBatchDelay = DurationPtr(0)
	}
	if b.TotalBudget <= 0 {
		b.TotalBudget = def.TotalBudget
	}
	if b.SafetyMargin < 0 {
		warnings = append(warnings, fmt.Sprintf("%s.safety_margin cannot be negative, setting to 0", section))
		b.SafetyMargin = 0
	} else if b.SafetyMargin == 0 {
		b.SafetyMargin = def.SafetyMargin
	}
	if b.SafetyMargin >= b.TotalBudget {
		return warnings, fmt.Errorf("%w: %s.safety_margin (%v) must be smaller than total_budget (%v)",
			utils.ErrConfigValidation, section, b.SafetyMargin, b.TotalBudget)
	}
	if b.PerURLTimeout > b.TotalBudget-b.SafetyMargin {
		warnings = append(warnings, fmt.Sprintf(
			"%s.per_url_timeout (%v) exceeds the usable budget (%v); a single batch may overrun the budget",
			section, b.PerURLTimeout, b.TotalBudget-b.SafetyMargin))
	}
	if b.MaxURLsToProcess <= 0 {
		b.MaxURLsToProcess = def.MaxURLsToProcess
	}
	if b.MaxBatches <= 0 {
		b.MaxBatches = (b.MaxURLsToProcess + b.BatchSize - 1) / b.BatchSize
	}
	if b.MaxBodyBytes <= 0 {
		b.MaxBodyBytes = def.MaxBodyBytes
	}

	b.SearchScope = strings.ToLower(strings.TrimSpace(b.SearchScope))
	switch b.SearchScope {
	case "":
		b.SearchScope = def.SearchScope
		if b.SearchScope == "" {
			b.SearchScope = SearchScopeHTML
		}
	case SearchScopeHTML, SearchScopeText:
	default:
		return warnings, fmt.Errorf("%w: %s.search_scope must be %q or %q, got %q",
			utils.ErrConfigValidation, section, SearchScopeHTML, SearchScopeText, b.SearchScope)
	}

	return warnings, nil
}

func (c *AppConfig) validateSitemapSettings() (warnings []string) {
	s := &c.Sitemap
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = 30 * time.Second
	}
	if s.MaxRetries < 0 {
		warnings = append(warnings, "sitemap.max_retries cannot be negative, setting to 0")
		s.MaxRetries = 0
	} else if s.MaxRetries == 0 && s.InitialRetryDelay == 0 {
		s.MaxRetries = 2
	}
	if s.MaxRetries > 0 {
		if s.InitialRetryDelay <= 0 {
			s.InitialRetryDelay = 500 * time.Millisecond
		}
		if s.MaxRetryDelay <= 0 {
			s.MaxRetryDelay = 5 * time.Second
		}
	}
	if s.InitialRetryDelay > s.MaxRetryDelay && s.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"sitemap.initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			s.InitialRetryDelay, s.MaxRetryDelay))
		s.InitialRetryDelay = s.MaxRetryDelay
	}
	if s.MaxSitemapBytes <= 0 {
		s.MaxSitemapBytes = 50 << 20
	}
	if s.MaxSitemapFetches <= 0 {
		s.MaxSitemapFetches = 50
	}
	if s.DelayBetweenFetches < 0 {
		warnings = append(warnings, "sitemap.delay_between_fetches cannot be negative, setting to 0")
		s.DelayBetweenFetches = 0
	}
	return warnings
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 10
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

func (c *AppConfig) validateServerSettings() (warnings []string) {
	s := &c.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":3000"
	}
	if s.MaxConcurrentCrawls <= 0 {
		if s.MaxConcurrentCrawls < 0 {
			warnings = append(warnings, "server.max_concurrent_crawls should be > 0, defaulting to 4")
		}
		s.MaxConcurrentCrawls = 4
	}
	if s.JobTTL <= 0 {
		s.JobTTL = time.Hour
	}
	if s.RequestTimeout <= 0 {
		// Leave room for sitemap retrieval on top of the crawl budget
		s.RequestTimeout = c.Batch.TotalBudget + c.Sitemap.FetchTimeout
	}
	if s.FunctionTimeout <= 0 {
		s.FunctionTimeout = 26 * time.Second
	}
	if c.FunctionBatch.TotalBudget > s.FunctionTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"function_batch.total_budget (%v) exceeds server.function_timeout (%v); the crawl will be cut to the time left after sitemap retrieval",
			c.FunctionBatch.TotalBudget, s.FunctionTimeout))
	}
	if s.CORSAllowedOrigin == "" {
		s.CORSAllowedOrigin = "*"
	}
	return warnings
}

func (c *AppConfig) validateLogSettings() {
	l := &c.Log
	if l.Level == "" {
		l.Level = "info"
	}
	if l.File != "" {
		if l.MaxSizeMB <= 0 {
			l.MaxSizeMB = 100
		}
		if l.MaxBackups <= 0 {
			l.MaxBackups = 3
		}
		if l.MaxAgeDays <= 0 {
			l.MaxAgeDays = 28
		}
	}
}
