package config

import "time"

// Search scopes for the page predicate
const (
	SearchScopeHTML = "html" // Raw response body, markup included
	SearchScopeText = "text" // Visible document text only
)

// BatchConfig holds the tunables of one time-bounded crawl
type BatchConfig struct {
	BatchSize        int            `yaml:"batch_size"`          // URLs fetched concurrently per batch
	PerURLTimeout    time.Duration  `yaml:"per_url_timeout"`     // Ceiling for a single page fetch
	InterBatchDelay  *time.Duration `yaml:"inter_batch_delay"`   // Pause between batches; nil=default, 0=none
	TotalBudget      time.Duration  `yaml:"total_budget"`        // Wall-clock ceiling for the whole crawl
	SafetyMargin     time.Duration  `yaml:"safety_margin"`       // Minimum remaining budget needed to start a batch
	MaxURLsToProcess int            `yaml:"max_urls_to_process"` // Only the first N declared URLs are candidates
	MaxBatches       int            `yaml:"max_batches"`         // Hard cap independent of time
	MaxBodyBytes     int64          `yaml:"max_body_bytes"`      // Byte ceiling for a page body
	SearchScope      string         `yaml:"search_scope,omitempty"`
}

// SitemapConfig holds settings for retrieving the sitemap document(s)
type SitemapConfig struct {
	FetchTimeout        time.Duration `yaml:"fetch_timeout,omitempty"`
	MaxRetries          int           `yaml:"max_retries,omitempty"`
	InitialRetryDelay   time.Duration `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay       time.Duration `yaml:"max_retry_delay,omitempty"`
	MaxSitemapBytes     int64         `yaml:"max_sitemap_bytes,omitempty"`
	MaxSitemapFetches   int           `yaml:"max_sitemap_fetches,omitempty"`   // Root + nested sitemaps of an index
	DelayBetweenFetches time.Duration `yaml:"delay_between_fetches,omitempty"` // Politeness delay between nested sitemap fetches
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// ServerConfig holds settings for the HTTP API
type ServerConfig struct {
	ListenAddr          string        `yaml:"listen_addr,omitempty"`
	MaxConcurrentCrawls int           `yaml:"max_concurrent_crawls,omitempty"`
	JobTTL              time.Duration `yaml:"job_ttl,omitempty"`
	RequestTimeout      time.Duration `yaml:"request_timeout,omitempty"`  // Applied to synchronous search requests
	FunctionTimeout     time.Duration `yaml:"function_timeout,omitempty"` // Platform execution limit for one function invocation
	CORSAllowedOrigin   string        `yaml:"cors_allowed_origin,omitempty"`
	StaticDir           string        `yaml:"static_dir,omitempty"` // Optional front-end assets
}

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"` // Optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent   string           `yaml:"default_user_agent"`
	Batch              BatchConfig      `yaml:"batch"`
	FunctionBatch      BatchConfig      `yaml:"function_batch,omitempty"` // Tighter preset for the serverless adapter
	Sitemap            SitemapConfig    `yaml:"sitemap,omitempty"`
	HTTPClientSettings HTTPClientConfig `yaml:"http_client_settings,omitempty"`
	Server             ServerConfig     `yaml:"server,omitempty"`
	Log                LogConfig        `yaml:"log,omitempty"`
}

// DefaultUserAgent mimics a desktop browser; many sites serve bots a reduced page
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Default returns an AppConfig with every default applied.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.Validate()
	return cfg
}

// Delay returns the pause between batches; unset means none
func (b BatchConfig) Delay() time.Duration {
	if b.InterBatchDelay == nil {
		return 0
	}
	return *b.InterBatchDelay
}

// DurationPtr returns a pointer to d, for optional duration fields
func DurationPtr(d time.Duration) *time.Duration { return &d }

// WithOverrides returns a copy of b with every non-zero field of o applied on top.
// A set InterBatchDelay overrides even when it is zero.
func (b BatchConfig) WithOverrides(o BatchConfig) BatchConfig {
	if o.BatchSize > 0 {
		b.BatchSize = o.BatchSize
	}
	if o.PerURLTimeout > 0 {
		b.PerURLTimeout = o.PerURLTimeout
	}
	if o.InterBatchDelay != nil {
		b.InterBatchDelay = o.InterBatchDelay
	}
	if o.TotalBudget > 0 {
		b.TotalBudget = o.TotalBudget
	}
	if o.SafetyMargin > 0 {
		b.SafetyMargin = o.SafetyMargin
	}
	if o.MaxURLsToProcess > 0 {
		b.MaxURLsToProcess = o.MaxURLsToProcess
	}
	if o.MaxBatches > 0 {
		b.MaxBatches = o.MaxBatches
	}
	if o.MaxBodyBytes > 0 {
		b.MaxBodyBytes = o.MaxBodyBytes
	}
	if o.SearchScope != "" {
		b.SearchScope = o.SearchScope
	}
	return b
}
