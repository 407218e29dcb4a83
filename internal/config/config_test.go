package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_WS_URL", "ws://localhost:8000/api/ws/chat")
	t.Setenv("CLIENT_DB_PATH", "./data/client.db")
	t.Setenv("REPLY_TIMEOUT", "5m")
	t.Setenv("DIAL_TIMEOUT", "10s")
	t.Setenv("WRITE_TIMEOUT", "10s")
	t.Setenv("MAX_FRAME_BYTES", "1048576")
	t.Setenv("LOG_PATH", "./data/logs/tutor-chat.log")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "false")
	t.Setenv("TRANSCRIPT_LOG_DIR", "./data/logs/transcripts")
	t.Setenv("TRANSCRIPT_LOG_QUEUE_SIZE", "256")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ReplyTimeout != 5*time.Minute {
		t.Fatalf("ReplyTimeout = %s, want 5m", cfg.ReplyTimeout)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %s, want INFO", cfg.LogLevel)
	}
	if cfg.Transcript.Enabled {
		t.Fatal("transcript logging enabled by default")
	}
	if cfg.IsSecure() {
		t.Fatal("ws:// endpoint reported as secure")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AGENT_WS_URL", "wss://tutor.example.com/api/ws/chat/")
	t.Setenv("REPLY_TIMEOUT", "0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRANSCRIPT_LOG_ENABLED", "yes")
	t.Setenv("TRANSCRIPT_LOG_QUEUE_SIZE", "-3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentURL != "wss://tutor.example.com/api/ws/chat" {
		t.Fatalf("AgentURL = %q, want trailing slash trimmed", cfg.AgentURL)
	}
	if cfg.ReplyTimeout != 0 {
		t.Fatalf("ReplyTimeout = %s, want disabled", cfg.ReplyTimeout)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %s, want DEBUG", cfg.LogLevel)
	}
	if !cfg.Transcript.Enabled {
		t.Fatal("transcript logging not enabled")
	}
	if cfg.Transcript.QueueSize != 256 {
		t.Fatalf("QueueSize = %d, want fallback 256", cfg.Transcript.QueueSize)
	}
	if !cfg.IsSecure() {
		t.Fatal("wss:// endpoint not reported as secure")
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Fatalf("Load() error = %v, want LOG_LEVEL error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			AgentURL:     "ws://localhost:8000/api/ws/chat",
			ClientDBPath: "client.db",
			DialTimeout:  time.Second,
			WriteTimeout: time.Second,
			MaxFrameSize: 1024,
			LogPath:      "tutor.log",
			Transcript:   TranscriptConfig{QueueSize: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad scheme", func(c *Config) { c.AgentURL = "ftp://host/x" }, "AGENT_WS_URL"},
		{"no host", func(c *Config) { c.AgentURL = "ws:///api" }, "host"},
		{"empty db", func(c *Config) { c.ClientDBPath = "" }, "CLIENT_DB_PATH"},
		{"negative reply timeout", func(c *Config) { c.ReplyTimeout = -time.Second }, "REPLY_TIMEOUT"},
		{"zero dial timeout", func(c *Config) { c.DialTimeout = 0 }, "DIAL_TIMEOUT"},
		{"zero frame size", func(c *Config) { c.MaxFrameSize = 0 }, "MAX_FRAME_BYTES"},
		{"transcript without dir", func(c *Config) { c.Transcript.Enabled = true }, "TRANSCRIPT_LOG_DIR"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90")
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("bare integer = %s, want 90s", got)
	}
	t.Setenv("TEST_DURATION", "1m30s")
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Fatalf("duration string = %s, want 1m30s", got)
	}
	t.Setenv("TEST_DURATION", "soon")
	if got := getEnvDuration("TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("invalid value = %s, want fallback", got)
	}
}
