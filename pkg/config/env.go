package config

import (
	"os"
	"strings"
)

// Environment variables consulted after the config file is loaded
const (
	EnvPort     = "PORT"
	EnvLogLevel = "CRAWLMAPPER_LOG_LEVEL"
)

// ApplyEnv overlays environment overrides onto the config.
// lookup defaults to os.LookupEnv when nil.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if port, ok := lookup(EnvPort); ok && strings.TrimSpace(port) != "" {
		c.Server.ListenAddr = ":" + strings.TrimPrefix(strings.TrimSpace(port), ":")
	}
	if level, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(level) != "" {
		c.Log.Level = strings.TrimSpace(level)
	}
}
