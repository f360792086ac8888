package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override file settings
const (
	EnvDatabasePath      = "TBENCH_DATABASE_PATH"
	EnvWorkerConcurrency = "TBENCH_WORKER_CONCURRENCY"
	EnvLogLevel          = "TBENCH_LOG_LEVEL"
	EnvOpenRouterKey     = "OPENROUTER_API_KEY"
	EnvAppEnv            = "APP_ENV"
)

// LoadDotenv reads .env and then .env.<APP_ENV> from dir into the process
// environment. Missing files are not an error. It returns the files loaded.
func LoadDotenv(dir string) []string {
	var loaded []string

	base := filepath.Join(dir, ".env")
	if err := godotenv.Load(base); err == nil {
		loaded = append(loaded, base)
	}

	appEnv := os.Getenv(EnvAppEnv)
	if appEnv == "" {
		appEnv = "dev"
	}
	envFile := base + "." + appEnv
	if err := godotenv.Overload(envFile); err == nil {
		loaded = append(loaded, envFile)
	}
	return loaded
}

// ApplyEnv overlays environment variables onto the config
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabasePath); v != "" {
		c.General.DatabasePath = ExpandPath(v)
	}
	if v := os.Getenv(EnvOpenRouterKey); v != "" {
		c.Harbor.APIKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvWorkerConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Concurrency = n
		}
	}
}
