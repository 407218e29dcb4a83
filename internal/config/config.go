// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	AgentURL     string
	ClientDBPath string
	ReplyTimeout time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int64
	LogPath      string
	LogLevel     slog.Level
	Transcript   TranscriptConfig
}

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 256)
	if queueSize <= 0 {
		queueSize = 256
	}

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		AgentURL:     strings.TrimRight(getEnv("AGENT_WS_URL", "ws://localhost:8000/api/ws/chat"), "/"),
		ClientDBPath: getEnv("CLIENT_DB_PATH", "./data/client.db"),
		ReplyTimeout: getEnvDuration("REPLY_TIMEOUT", 5*time.Minute),
		DialTimeout:  getEnvDuration("DIAL_TIMEOUT", 10*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		MaxFrameSize: int64(getEnvInt("MAX_FRAME_BYTES", 1<<20)),
		LogPath:      getEnv("LOG_PATH", "./data/logs/tutor-chat.log"),
		LogLevel:     level,
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_LOG_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	u, err := url.Parse(c.AgentURL)
	if err != nil {
		return fmt.Errorf("AGENT_WS_URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("AGENT_WS_URL must use ws, wss, http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("AGENT_WS_URL must include a host")
	}
	if c.ClientDBPath == "" {
		return fmt.Errorf("CLIENT_DB_PATH cannot be empty")
	}
	if c.ReplyTimeout < 0 {
		return fmt.Errorf("REPLY_TIMEOUT cannot be negative")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("DIAL_TIMEOUT must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WRITE_TIMEOUT must be > 0")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("MAX_FRAME_BYTES must be > 0")
	}
	if c.LogPath == "" {
		return fmt.Errorf("LOG_PATH cannot be empty")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsSecure reports whether the agent endpoint is reached over TLS.
func (c *Config) IsSecure() bool {
	return strings.HasPrefix(c.AgentURL, "wss://") || strings.HasPrefix(c.AgentURL, "https://")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings. A bare integer is read as
// seconds, so "0" disables a timeout.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
