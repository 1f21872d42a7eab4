package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/crawlmapper/crawlmapper/pkg/config"
	"github.com/crawlmapper/crawlmapper/pkg/jobs"
	"github.com/crawlmapper/crawlmapper/pkg/metrics"
	"github.com/crawlmapper/crawlmapper/pkg/orchestrate"
	"github.com/crawlmapper/crawlmapper/pkg/server"
	"github.com/crawlmapper/crawlmapper/pkg/storage"
)

const (
	storeGCInterval = 10 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// runServe handles the serve subcommand
func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cf := commonFlags{}
	fs.StringVar(&cf.configFile, "config", "config.yaml", "Path to config file")
	fs.StringVar(&cf.logLevel, "loglevel", "", "Log level (debug, info, warn, error); overrides the config")
	addr := fs.String("addr", "", "Listen address, e.g. :3000 (overrides config and $PORT)")
	staticDir := fs.String("static", "", "Directory of front-end assets to serve at /")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawlmapper serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Endpoints:
  GET    /api/health
  POST   /api/search          {"url": "...", "query": "..."}
  POST   /api/jobs            start a background search
  GET    /api/jobs/{id}       job status and report
  DELETE /api/jobs/{id}       cancel a job
  POST   /functions/search    serverless function contract
  GET    /metrics             prometheus metrics
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

	appCfg, warnings, err := prepareConfig(cf, config.BatchConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	if *addr != "" {
		appCfg.Server.ListenAddr = *addr
	}
	if *staticDir != "" {
		appCfg.Server.StaticDir = *staticDir
	}

	log := setupLogger(appCfg.Log, os.Stdout)
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(appCfg, log)

	// ===========================================================
	// == Setup Context & Signal Handling ==
	// ===========================================================
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
	defer signal.Stop(sigChan)

	os.Exit(doServe(ctx, appCfg, log))
}

// doServe wires the API components and blocks until ctx is cancelled or the listener fails
func doServe(ctx context.Context, appCfg *config.AppConfig, log *logrus.Logger) int {
	log.Info("Initializing components...")
	entry := log.WithField("command", "serve")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	orch := orchestrate.New(appCfg, m, entry)

	// --- Storage ---
	store, err := storage.NewBadgerStore("", appCfg.Server.JobTTL, entry)
	if err != nil {
		log.Errorf("Failed to initialize report store: %v", err)
		return exitError
	}
	defer closeQuietly(store, log)
	go store.RunGC(ctx, storeGCInterval)

	manager := jobs.NewManager(orch, store, jobs.Options{
		MaxConcurrent: appCfg.Server.MaxConcurrentCrawls,
		TTL:           appCfg.Server.JobTTL,
	}, entry)

	srv := server.New(appCfg, orch, manager, m, reg, entry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	exitCode := exitOK
	select {
	case err := <-errCh:
		if err != nil {
			log.Errorf("HTTP server failed: %v", err)
			exitCode = exitError
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP server shutdown: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("Job manager shutdown: %v", err)
	}
	log.Info("Server stopped.")
	return exitCode
}

func closeQuietly(c io.Closer, log *logrus.Logger) {
	if err := c.Close(); err != nil {
		log.Warnf("Close failed: %v", err)
	}
}
