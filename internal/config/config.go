package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched for by FindLocalConfig
const LocalConfigName = ".tbench-runner.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Harbor        HarborConfig        `toml:"harbor"`
	Dispatch      DispatchConfig      `toml:"dispatch"`
	Retry         RetryConfig         `toml:"retry"`
	Worker        WorkerConfig        `toml:"worker"`
	Maintenance   MaintenanceConfig   `toml:"maintenance"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Intake        IntakeConfig        `toml:"intake"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath   string `toml:"database_path"`
	JobsDir        string `toml:"jobs_dir"`
	UploadDir      string `toml:"upload_dir"`
	MaxUploadSize  int64  `toml:"max_upload_size"`
	MaxRunsPerTask int    `toml:"max_runs_per_task"`
}

// HarborConfig configures the Harbor execution backend
type HarborConfig struct {
	Binary       string   `toml:"binary"`
	DefaultAgent string   `toml:"default_agent"`
	DefaultModel string   `toml:"default_model"`
	// Environment is passed as --env when set
	Environment  string   `toml:"environment"`
	APIKey       string   `toml:"api_key"`
	APIBaseURL   string   `toml:"api_base_url"`
	SoftTimeout  Duration `toml:"soft_timeout"`
	HardGrace    Duration `toml:"hard_grace"`
}

// HardTimeout is the point at which a worker stops waiting on the backend
func (h HarborConfig) HardTimeout() time.Duration {
	return h.SoftTimeout.Duration + h.HardGrace.Duration
}

// DispatchConfig configures staggered enqueueing
type DispatchConfig struct {
	BatchSize  int      `toml:"batch_size"`
	BatchDelay Duration `toml:"batch_delay"`
}

// SignatureConfig is one entry of the transient-failure signature table
type SignatureConfig struct {
	Name    string `toml:"name"`
	Pattern string `toml:"pattern"`
}

// RetryConfig configures the transient-failure retry policy
type RetryConfig struct {
	MaxRetries int               `toml:"max_retries"`
	Backoff    Duration          `toml:"backoff"`
	Signatures []SignatureConfig `toml:"signature"`
}

// WorkerConfig configures the run execution pool
type WorkerConfig struct {
	Concurrency   int      `toml:"concurrency"`
	PollInterval  Duration `toml:"poll_interval"`
	LeaseDuration Duration `toml:"lease_duration"`
}

// MaintenanceConfig holds cron schedules for housekeeping jobs
type MaintenanceConfig struct {
	LeaseReaperCron string `toml:"lease_reaper_cron"`
	StaleRunCron    string `toml:"stale_run_cron"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// IntakeConfig configures the drop-folder watcher
type IntakeConfig struct {
	WatchDir    string `toml:"watch_dir"`
	AutoStart   bool   `toml:"auto_start"`
	DefaultRuns int    `toml:"default_runs"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// DefaultSignatures are the transient infrastructure failures known so far.
// The list is not exhaustive; extend it with [[retry.signature]] entries.
func DefaultSignatures() []SignatureConfig {
	return []SignatureConfig{
		{Name: "missing-mount", Pattern: `(?i)(bind source path does not exist|mount(point)? .*(no such file or directory|does not exist))`},
		{Name: "mount-namespace", Pattern: `(?i)error mounting .* to rootfs`},
		{Name: "oci-runtime", Pattern: `(?i)OCI runtime (create|exec) failed`},
		{Name: "process-group", Pattern: `(?i)(setpgid|setsid|process group).*(failed|operation not permitted)`},
		{Name: "docker-daemon", Pattern: `(?i)(cannot connect to the docker daemon|connection reset by peer)`},
	}
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".tbench-runner")
	return &Config{
		General: GeneralConfig{
			DatabasePath:   filepath.Join(base, "tbench.db"),
			JobsDir:        filepath.Join(base, "jobs"),
			UploadDir:      filepath.Join(base, "uploads"),
			MaxUploadSize:  100 << 20,
			MaxRunsPerTask: 100,
		},
		Harbor: HarborConfig{
			Binary:       "harbor",
			DefaultAgent: "terminus-2",
			DefaultModel: "openai/gpt-4o",
			APIBaseURL:   "https://openrouter.ai/api/v1",
			SoftTimeout:  Duration{20 * time.Minute},
			HardGrace:    Duration{2 * time.Minute},
		},
		Dispatch: DispatchConfig{
			BatchSize:  20,
			BatchDelay: Duration{time.Second},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Backoff:    Duration{60 * time.Second},
			Signatures: DefaultSignatures(),
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			PollInterval:  Duration{time.Second},
			LeaseDuration: Duration{25 * time.Minute},
		},
		Maintenance: MaintenanceConfig{
			LeaseReaperCron: "@every 1m",
			StaleRunCron:    "@every 5m",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8000,
			Host: "127.0.0.1",
		},
		Intake: IntakeConfig{
			DefaultRuns: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// a configured signature table replaces the defaults
	cfg.Retry.Signatures = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(cfg.Retry.Signatures) == 0 {
		cfg.Retry.Signatures = DefaultSignatures()
	}

	cfg.expandPaths()
	return cfg, nil
}

// LoadWithLocalFallback loads path if given, otherwise the nearest
// LocalConfigName, otherwise the user config.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Save writes the configuration as TOML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks values that would make the engine misbehave
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Harbor.SoftTimeout.Duration <= 0 {
		return fmt.Errorf("harbor.soft_timeout must be positive")
	}
	if c.Harbor.HardGrace.Duration <= 0 {
		return fmt.Errorf("harbor.hard_grace must be positive")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive, got %d", c.Dispatch.BatchSize)
	}
	if c.Dispatch.BatchDelay.Duration < 0 {
		return fmt.Errorf("dispatch.batch_delay must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	for i, sig := range c.Retry.Signatures {
		if sig.Pattern == "" {
			return fmt.Errorf("retry.signature[%d] has an empty pattern", i)
		}
		if _, err := regexp.Compile(sig.Pattern); err != nil {
			return fmt.Errorf("retry.signature[%d] %q: %w", i, sig.Name, err)
		}
	}
	return nil
}

func (c *Config) expandPaths() {
	c.General.DatabasePath = ExpandPath(c.General.DatabasePath)
	c.General.JobsDir = ExpandPath(c.General.JobsDir)
	c.General.UploadDir = ExpandPath(c.General.UploadDir)
	c.Intake.WatchDir = ExpandPath(c.Intake.WatchDir)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tbench-runner", "config.toml")
}
