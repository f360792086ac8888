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
	cfg := Default()

	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Retry.Backoff.Duration != 60*time.Second {
		t.Errorf("Retry.Backoff = %v, want 60s", cfg.Retry.Backoff)
	}
	if cfg.Web.Port != 8000 {
		t.Errorf("Web.Port = %d, want 8000", cfg.Web.Port)
	}
	if cfg.Harbor.HardTimeout() != 22*time.Minute {
		t.Errorf("HardTimeout() = %v, want 22m", cfg.Harbor.HardTimeout())
	}
	if len(cfg.Retry.Signatures) == 0 {
		t.Error("expected default retry signatures")
	}
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Dispatch, cfg.Dispatch)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[general]
database_path = "/data/tbench.db"
max_runs_per_task = 25

[dispatch]
batch_size = 10
batch_delay = "2s"

[retry]
max_retries = 5
backoff = "90s"

[[retry.signature]]
name = "disk"
pattern = "no space left on device"

[harbor]
soft_timeout = "30m"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/data/tbench.db", cfg.General.DatabasePath)
	assert.Equal(t, 25, cfg.General.MaxRunsPerTask)
	assert.Equal(t, 10, cfg.Dispatch.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.BatchDelay.Duration)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Retry.Backoff.Duration)
	require.Len(t, cfg.Retry.Signatures, 1)
	assert.Equal(t, "disk", cfg.Retry.Signatures[0].Name)
	assert.Equal(t, 30*time.Minute, cfg.Harbor.SoftTimeout.Duration)
	// untouched keys keep their defaults
	assert.Equal(t, 2*time.Minute, cfg.Harbor.HardGrace.Duration)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoad_BadDuration(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[dispatch]\nbatch_delay = \"soon\"\n"), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg := Default()
	cfg.Worker.Concurrency = 8
	cfg.Dispatch.BatchDelay = Duration{1500 * time.Millisecond}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Worker.Concurrency)
	assert.Equal(t, 1500*time.Millisecond, loaded.Dispatch.BatchDelay.Duration)
	assert.Equal(t, cfg.Retry.Signatures, loaded.Retry.Signatures)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"zero soft timeout", func(c *Config) { c.Harbor.SoftTimeout = Duration{} }},
		{"negative grace", func(c *Config) { c.Harbor.HardGrace = Duration{-time.Second} }},
		{"zero grace", func(c *Config) { c.Harbor.HardGrace = Duration{} }},
		{"zero batch size", func(c *Config) { c.Dispatch.BatchSize = 0 }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"bad signature", func(c *Config) {
			c.Retry.Signatures = []SignatureConfig{{Name: "broken", Pattern: "("}}
		}},
		{"empty signature", func(c *Config) {
			c.Retry.Signatures = []SignatureConfig{{Name: "empty"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, LocalConfigName), []byte("[web]\nport = 9100\n"), 0644))

	t.Chdir(nested)

	found := FindLocalConfig()
	// macOS temp dirs resolve through /private
	wantResolved, _ := filepath.EvalSymlinks(filepath.Join(root, LocalConfigName))
	gotResolved, _ := filepath.EvalSymlinks(found)
	assert.Equal(t, wantResolved, gotResolved)

	cfg, err := LoadWithLocalFallback("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Web.Port)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvDatabasePath, "/tmp/override.db")
	t.Setenv(EnvWorkerConcurrency, "12")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvOpenRouterKey, "sk-test")

	cfg := Default()
	cfg.ApplyEnv()

	assert.Equal(t, "/tmp/override.db", cfg.General.DatabasePath)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "sk-test", cfg.Harbor.APIKey)
}

func TestApplyEnv_IgnoresGarbageConcurrency(t *testing.T) {
	t.Setenv(EnvWorkerConcurrency, "lots")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TBENCH_TEST_DOTENV=base\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.ci"), []byte("TBENCH_TEST_DOTENV=ci\n"), 0644))
	t.Setenv(EnvAppEnv, "ci")
	t.Setenv("TBENCH_TEST_DOTENV", "")
	os.Unsetenv("TBENCH_TEST_DOTENV")

	loaded := LoadDotenv(dir)
	assert.Len(t, loaded, 2)
	assert.Equal(t, "ci", os.Getenv("TBENCH_TEST_DOTENV"))
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
