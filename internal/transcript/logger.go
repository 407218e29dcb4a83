// Package transcript writes an NDJSON record of chat traffic per client id.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Event types written to the transcript.
const (
	EventUserMessage     = "chat_user_message"
	EventAgentMessage    = "chat_agent_message"
	EventFrameDropped    = "frame_dropped"
	EventDeliveryFailed  = "delivery_failed"
	EventReplyTimeout    = "reply_timeout"
	EventTransportClosed = "transport_closed"
)

// Directions relative to the client.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
	DirectionLocal    = "local"
)

// Event is one transcript line.
type Event struct {
	Timestamp string         `json:"ts"`
	ClientID  string         `json:"client_id"`
	Direction string         `json:"direction"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Payload   string         `json:"payload,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger records transcript events. Log must not block the caller.
type Logger interface {
	Log(e Event)
	Close() error
}

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type fileLogger struct {
	dir    string
	events chan Event
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Logger. A disabled config yields Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &fileLogger{
		dir:    cfg.Dir,
		events: make(chan Event, cfg.QueueSize),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *fileLogger) Log(e Event) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- e:
	default:
		l.logger.Warn("Transcript queue full, dropping event", "client_id", e.ClientID, "event_type", e.EventType)
	}
}

func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *fileLogger) run() {
	defer l.wg.Done()

	files := make(map[string]*os.File)
	defer func() {
		for path, f := range files {
			if err := f.Close(); err != nil {
				l.logger.Warn("Failed to close transcript file", "path", path, "error", err)
			}
		}
	}()

	for e := range l.events {
		path := l.pathFor(e.ClientID)
		f, ok := files[path]
		if !ok {
			var err error
			f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				l.logger.Warn("Failed to open transcript file", "path", path, "error", err)
				continue
			}
			files[path] = f
		}

		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("Failed to marshal transcript event", "error", err)
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			l.logger.Warn("Failed to write transcript event", "path", path, "error", err)
		}
	}
}

func (l *fileLogger) pathFor(clientID string) string {
	name := unsafeFileChars.ReplaceAllString(clientID, "_")
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(l.dir, name+".ndjson")
}
