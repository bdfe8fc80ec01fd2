package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksuzuki/jancollect/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Logging: config.LoggingConfig{Development: true},
		Run: config.RunConfig{
			GlobalConcurrency:   4,
			FetchTimeoutSeconds: 5,
			MaxAttempts:         3,
			RetryBaseMs:         100,
			RetryMaxMs:          1000,
			AbortThreshold:      0.5,
			AbortMinSample:      10,
			UserAgent:           "jancollect-test/0",
		},
		Sources: map[string]config.SourceConfig{
			"jancode": {Enabled: true, URLTemplate: "https://example.com/code/%s/", MinIntervalMs: 10},
		},
		Reconcile: config.ReconcileConfig{PriceTolerance: 0.05, ConflictWindowMin: 15},
		Archive:   config.ArchiveConfig{Backend: "memory"},
	}
}

func TestNewBuildsMemoryBackedApp(t *testing.T) {
	a, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Manager())
	assert.NotNil(t, a.Handler())
	assert.Equal(t, ":8080", a.Addr())
}

func TestNewRejectsUnknownArchiveBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Archive.Backend = "tape"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive backend")
}

func TestNewRejectsRegistryWithoutSources(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = map[string]config.SourceConfig{}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}
