package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, DispatchInProcess, cfg.DispatchMode)
	assert.Equal(t, "https://api.getunbound.ai/v1", cfg.UnboundBaseURL)
	assert.Equal(t, 2*time.Minute, cfg.StepTimeout)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
	assert.Equal(t, time.Duration(0), cfg.MockLatency)
	assert.Equal(t, 4, cfg.RunnerConcurrency)
	assert.Equal(t, "@every 1m", cfg.SweepSchedule)
	assert.False(t, cfg.PropagateOutputAsContext)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("MOCK_LATENCY", "1500ms")
	t.Setenv("PROPAGATE_OUTPUT_AS_CONTEXT", "true")
	t.Setenv("RUNNER_CONCURRENCY", "8")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 1500*time.Millisecond, cfg.MockLatency)
	assert.True(t, cfg.PropagateOutputAsContext)
	assert.Equal(t, 8, cfg.RunnerConcurrency)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := "db_driver: memory\nstale_after: 1h\ndispatch_mode: queue\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "promptline.yaml"), []byte(content), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, time.Hour, cfg.StaleAfter)
	assert.Equal(t, DispatchQueue, cfg.DispatchMode)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "DB_DRIVER", "mysql"},
		{"unknown dispatch mode", "DISPATCH_MODE", "kafka"},
		{"zero concurrency", "RUNNER_CONCURRENCY", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
