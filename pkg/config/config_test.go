package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchConfig_WithOverrides(t *testing.T) {
	base := BatchConfig{
		BatchSize:        5,
		PerURLTimeout:    10 * time.Second,
		InterBatchDelay:  DurationPtr(time.Second),
		TotalBudget:      time.Minute,
		SafetyMargin:     5 * time.Second,
		MaxURLsToProcess: 100,
		MaxBatches:       20,
		MaxBodyBytes:     1024,
		SearchScope:      SearchScopeHTML,
	}

	tests := []struct {
		name     string
		override BatchConfig
		expected BatchConfig
	}{
		{
			name:     "zero override keeps base",
			override: BatchConfig{},
			expected: base,
		},
		{
			name:     "batch size and budget replaced",
			override: BatchConfig{BatchSize: 2, TotalBudget: 25 * time.Second},
			expected: func() BatchConfig {
				b := base
				b.BatchSize = 2
				b.TotalBudget = 25 * time.Second
				return b
			}(),
		},
		{
			name:     "explicit zero delay replaces base delay",
			override: BatchConfig{InterBatchDelay: DurationPtr(0)},
			expected: func() BatchConfig {
				b := base
				b.InterBatchDelay = DurationPtr(0)
				return b
			}(),
		},
		{
			name:     "scope replaced",
			override: BatchConfig{SearchScope: SearchScopeText, MaxBatches: 1},
			expected: func() BatchConfig {
				b := base
				b.SearchScope = SearchScopeText
				b.MaxBatches = 1
				return b
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, base.WithOverrides(tt.override))
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, DefaultUserAgent, cfg.DefaultUserAgent)
	assert.Equal(t, 5, cfg.Batch.BatchSize)
	assert.Equal(t, 25*time.Second, cfg.FunctionBatch.TotalBudget)
	assert.Equal(t, ":3000", cfg.Server.ListenAddr)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvPort:     "8080",
		EnvLogLevel: "debug",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	cfg.ApplyEnv(lookup)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Run("blank values ignored", func(t *testing.T) {
		cfg := Default()
		cfg.ApplyEnv(func(string) (string, bool) { return "  ", true })
		assert.Equal(t, ":3000", cfg.Server.ListenAddr)
		assert.Equal(t, "info", cfg.Log.Level)
	})
}
