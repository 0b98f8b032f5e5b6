package loyalty

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a configuration for the loyalty application.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	// RepoBackend selects the storage backend: "mem" or "pg".
	RepoBackend string `yaml:"repo_backend"`
	// DatabaseDSN is required for the pg backend.
	DatabaseDSN string `yaml:"database_dsn"`
	// SessionSecret signs session cookies. Must be set outside of dev.
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SecureCookies bool          `yaml:"secure_cookies"`
	// LogFile enables rotating file logging when set; empty logs to stderr.
	LogFile string `yaml:"log_file"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:      "localhost:9090",
		RepoBackend:   "mem",
		SessionSecret: "dev-secret-change-me",
		SessionTTL:    7 * 24 * time.Hour,
	}
}

// LoadConfig reads a YAML config file over the defaults and then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.RepoBackend = getenv("REPO_BACKEND", c.RepoBackend)
	c.DatabaseDSN = getenv("DB_DSN", c.DatabaseDSN)
	c.SessionSecret = getenv("SESSION_SECRET", c.SessionSecret)
	c.LogFile = getenv("LOG_FILE", c.LogFile)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
