package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

type Config struct {
	Backend string `yaml:"backend"`

	// Local backend.
	DBFile        string `yaml:"db_file"`
	UploadsPath   string `yaml:"uploads_path"`
	PublicBaseURL string `yaml:"public_base_url"`

	// Remote backend.
	RemoteURL string `yaml:"remote_url"`
	APIKey    string `yaml:"api_key"`

	TypingTimeout  time.Duration `yaml:"typing_timeout"`
	TypingDebounce time.Duration `yaml:"typing_debounce"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Backend:        BackendLocal,
		DBFile:         "roomsync.db",
		UploadsPath:    "uploads",
		TypingTimeout:  3 * time.Second,
		TypingDebounce: 2 * time.Second,
		ReconnectMin:   500 * time.Millisecond,
		ReconnectMax:   30 * time.Second,
		RequestTimeout: 15 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads .env (if present), then the YAML file named by ROOMSYNC_CONFIG
// (if set), then the environment. Later sources override earlier ones.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("ROOMSYNC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Backend = getEnv("ROOMSYNC_BACKEND", c.Backend)
	c.DBFile = getEnv("ROOMSYNC_DB", c.DBFile)
	c.UploadsPath = getEnv("UPLOADS_PATH", c.UploadsPath)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.RemoteURL = getEnv("REMOTE_URL", c.RemoteURL)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TYPING_TIMEOUT", &c.TypingTimeout},
		{"TYPING_DEBOUNCE", &c.TypingDebounce},
		{"RECONNECT_MIN", &c.ReconnectMin},
		{"RECONNECT_MAX", &c.ReconnectMax},
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
		if c.DBFile == "" {
			return fmt.Errorf("ROOMSYNC_DB is required for the local backend")
		}
	case BackendRemote:
		if c.RemoteURL == "" {
			return fmt.Errorf("REMOTE_URL is required for the remote backend")
		}
		if c.APIKey == "" {
			return fmt.Errorf("API_KEY is required for the remote backend")
		}
		c.RemoteURL = strings.TrimSuffix(c.RemoteURL, "/")
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.TypingTimeout <= 0 || c.TypingDebounce <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT and TYPING_DEBOUNCE must be greater than 0")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be greater than 0 and not above RECONNECT_MAX")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be greater than 0")
	}

	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
