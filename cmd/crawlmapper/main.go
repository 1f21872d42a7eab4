package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/log"
	"github.com/crawlmapper/crawlmapper/pkg/parse"
)

const version = "0.4.0"

// Exit codes
const (
	exitOK                 = 0
	exitError              = 1
	exitSitemapUnavailable = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "search":
		runSearch(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "normalize":
		os.Exit(doNormalize(os.Args[2:], os.Stdout, os.Stderr))
	case "version":
		fmt.Printf("crawlmapper %s\n", version)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitError)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo writes usage information to the provided writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, `crawlmapper - Search every page of a site's sitemap for a term

Usage:
  crawlmapper <command> [options]

Commands:
  search      Search a site's sitemap pages and print the report
  serve       Start the HTTP API
  mcp-server  Start MCP server for AI tool integration
  validate    Validate configuration file
  normalize   Show the sitemap URL a site reference resolves to
  version     Show version info

Run 'crawlmapper <command> -h' for command-specific help.`)
}

// loadConfig loads and parses the config file.
// A missing file is not an error unless the path was given explicitly.
func loadConfig(path string, explicit bool) (*config.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return &config.AppConfig{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg config.AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// commonFlags are shared by every command that loads a config
type commonFlags struct {
	configFile     string
	configExplicit bool
	logLevel       string
}

// prepareConfig loads the config, applies environment and flag overrides and validates it.
// batch holds per-invocation overrides; zero fields keep the configured values.
func prepareConfig(cf commonFlags, batch config.BatchConfig) (*config.AppConfig, []string, error) {
	appCfg, err := loadConfig(cf.configFile, cf.configExplicit)
	if err != nil {
		return nil, nil, err
	}
	appCfg.ApplyEnv(nil)
	if cf.logLevel != "" {
		appCfg.Log.Level = cf.logLevel
	}
	appCfg.Batch = appCfg.Batch.WithOverrides(batch)

	warnings, err := appCfg.Validate()
	if err != nil {
		return nil, warnings, fmt.Errorf("invalid config: %w", err)
	}
	return appCfg, warnings, nil
}

// setupLogger creates the application logger writing to console.
// An invalid level falls back to info with a warning.
func setupLogger(cfg config.LogConfig, console io.Writer) *logrus.Logger {
	logger, err := log.NewLogger(cfg, console)
	if err != nil {
		badLevel := cfg.Level
		cfg.Level = "info"
		logger, err = log.NewLogger(cfg, console)
		if err != nil {
			// Only the level can fail; reaching here means the fallback was rejected too
			logger = logrus.New()
			logger.SetOutput(console)
		}
		logger.Warnf("Invalid log level '%s', using default 'info'.", badLevel)
	}
	return logger
}

// logAppConfig logs the effective global configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	b := appCfg.Batch
	log.Infof("Batch Config: Size:%d, PerURLTimeout:%v, Delay:%v, Budget:%v, SafetyMargin:%v",
		b.BatchSize, b.PerURLTimeout, b.Delay(), b.TotalBudget, b.SafetyMargin)
	log.Infof("Batch Config Limits: MaxURLs:%d, MaxBatches:%d, MaxBodyBytes:%d, Scope:%s",
		b.MaxURLsToProcess, b.MaxBatches, b.MaxBodyBytes, b.SearchScope)
	s := appCfg.Sitemap
	log.Infof("Sitemap Config: FetchTimeout:%v, Retries:%d, InitialDelay:%v, MaxDelay:%v, MaxFetches:%d",
		s.FetchTimeout, s.MaxRetries, s.InitialRetryDelay, s.MaxRetryDelay, s.MaxSitemapFetches)
	h := appCfg.HTTPClientSettings
	log.Infof("HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		h.Timeout, h.MaxIdleConns, h.MaxIdleConnsPerHost, h.IdleConnTimeout, h.TLSHandshakeTimeout, h.DialerTimeout)
}

// doNormalize prints the sitemap URL each argument resolves to
func doNormalize(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: crawlmapper normalize <site> [site...]")
		return exitError
	}
	for _, ref := range args {
		sitemapURL := parse.ResolveSitemapURL(ref)
		fmt.Fprintf(stdout, "%s -> %s\n", ref, sitemapURL)
	}
	return exitOK
}
