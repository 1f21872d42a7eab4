package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/crawlmapper/crawlmapper/pkg/config"
)

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: crawlmapper validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(exitError)
	}

	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate performs validation and writes output to provided writers.
// Returns exit code (0 = success, 1 = error).
func doValidate(configPath string, stdout, stderr io.Writer) int {
	appCfg, err := loadConfig(configPath, true)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return exitError
	}

	b := appCfg.Batch
	fmt.Fprintf(stdout, "OK: batch size %d, budget %v (margin %v), up to %d URLs in %d batches, scope %s\n",
		b.BatchSize, b.TotalBudget, b.SafetyMargin, b.MaxURLsToProcess, b.MaxBatches, b.SearchScope)
	fmt.Fprintf(stdout, "OK: function preset budget %v (margin %v)\n",
		appCfg.FunctionBatch.TotalBudget, appCfg.FunctionBatch.SafetyMargin)
	if b.MaxBatches*b.BatchSize < b.MaxURLsToProcess {
		fmt.Fprintf(stdout, "NOTE: max_batches caps the crawl at %d of %d URLs\n", b.MaxBatches*b.BatchSize, b.MaxURLsToProcess)
	}
	if appCfg.Batch.SearchScope == config.SearchScopeText {
		fmt.Fprintln(stdout, "NOTE: text scope ignores matches inside markup")
	}

	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return exitOK
}
