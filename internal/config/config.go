package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel  string    `yaml:"log_level"`
	StorePath string    `yaml:"store_path"`
	Workers   int       `yaml:"workers"`
	Ingest    Ingest    `yaml:"ingest"`
	Watch     Watch     `yaml:"watch"`
	Accounts  []Account `yaml:"accounts"`
}

// Ingest holds the downstream ingestion API settings.
type Ingest struct {
	Endpoint         string `yaml:"endpoint"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxAttempts      int    `yaml:"max_attempts"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int    `yaml:"max_backoff_ms"`
}

// Watch holds the directory watching settings.
type Watch struct {
	Directory  string   `yaml:"directory"`
	DebounceMS int      `yaml:"debounce_ms"`
	Extensions []string `yaml:"extensions"`
}

// Account describes one optional remote mailbox to pull from.
type Account struct {
	Name                 string `yaml:"name"`
	Protocol             string `yaml:"protocol"` // "pop3" or "imap"
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	UseTLS               bool   `yaml:"use_tls"`
	CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
	ProcessDays          int    `yaml:"process_days"`
	IMAPFolder           string `yaml:"imap_folder"`
}

// Timeout returns the per-attempt HTTP timeout, defaulting to 30s.
func (i *Ingest) Timeout() time.Duration {
	if i.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// InitialBackoff returns the first retry delay, defaulting to 500ms.
func (i *Ingest) InitialBackoff() time.Duration {
	if i.InitialBackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(i.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the retry delay ceiling, defaulting to 8s.
func (i *Ingest) MaxBackoff() time.Duration {
	if i.MaxBackoffMS <= 0 {
		return 8 * time.Second
	}
	return time.Duration(i.MaxBackoffMS) * time.Millisecond
}

// Debounce returns the event settle window, defaulting to 1s.
func (w *Watch) Debounce() time.Duration {
	if w.DebounceMS <= 0 {
		return time.Second
	}
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// CheckInterval returns the poll interval as a time.Duration.
func (a *Account) CheckInterval() time.Duration {
	if a.CheckIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.CheckIntervalSeconds) * time.Second
}

// GetProcessDays returns the number of days to look back, defaulting to 7.
func (a *Account) GetProcessDays() int {
	if a.ProcessDays <= 0 {
		return 7
	}
	return a.ProcessDays
}

// GetIMAPFolder returns the IMAP folder name, defaulting to "INBOX".
func (a *Account) GetIMAPFolder() string {
	if a.IMAPFolder == "" {
		return "INBOX"
	}
	return a.IMAPFolder
}

// Default returns a configuration built from defaults and environment
// overrides only, for running without a config file.
func Default() (*Config, error) {
	cfg := defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses a YAML configuration file, applies environment
// overrides, and validates the result. Unknown keys are rejected so no
// option is ever silently ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:  "info",
		StorePath: "data/processed.db",
		Workers:   4,
		Ingest: Ingest{
			Endpoint:    "http://localhost:8001",
			MaxAttempts: 4,
		},
		Watch: Watch{
			Extensions: []string{".eml", ".mbox", ".elmx"},
		},
	}
}

// applyEnv overlays MAILINGEST_* environment variables on the config.
// Precedence is config file < environment < flags. A value that fails
// to parse is an error, never silently dropped.
func (c *Config) applyEnv() error {
	if v := os.Getenv("MAILINGEST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MAILINGEST_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("MAILINGEST_ENDPOINT"); v != "" {
		c.Ingest.Endpoint = v
	}
	if v := os.Getenv("MAILINGEST_WATCH_DIR"); v != "" {
		c.Watch.Directory = v
	}
	if v := os.Getenv("MAILINGEST_DEBOUNCE_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAILINGEST_DEBOUNCE_MS: %w", err)
		}
		c.Watch.DebounceMS = n
	}
	if v := os.Getenv("MAILINGEST_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAILINGEST_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.Ingest.Endpoint == "" {
		return fmt.Errorf("ingest.endpoint is required")
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest.max_attempts must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	if len(c.Watch.Extensions) == 0 {
		return fmt.Errorf("watch.extensions must not be empty")
	}
	for i, a := range c.Accounts {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if a.Protocol != "pop3" && a.Protocol != "imap" {
			return fmt.Errorf("account %s: protocol must be pop3 or imap", label)
		}
		if a.Host == "" {
			return fmt.Errorf("account %s: host is required", label)
		}
		if a.Port == 0 {
			return fmt.Errorf("account %s: port is required", label)
		}
	}
	return nil
}
