// Package identity provides the persistent per-installation client identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StorageKey is the durable key the client id is stored under.
const StorageKey = "tutor_client_id"

// ErrPersistenceUnavailable reports that durable storage could not be used.
// The returned id is still usable for the current session.
var ErrPersistenceUnavailable = errors.New("identity persistence unavailable")

var clientIDPattern = regexp.MustCompile(`^client_[0-9a-z]{1,16}_[a-f0-9]{16}$`)

// Store is the durable key-value storage backing the client identity.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// Result is the outcome of GetOrCreate.
type Result struct {
	ID        string
	Persisted bool
	// Err is non-nil when the id could not be read from or written to durable
	// storage. ID is valid regardless.
	Err error
}

// GetOrCreate returns the persisted client id unchanged, creating and storing
// a new one on first use or when the stored value is blank. Storage failures degrade to a session-scoped id.
func GetOrCreate(ctx context.Context, store Store, logger *slog.Logger) Result {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		return fallback(logger, errors.New("no store configured"))
	}

	existing, ok, err := store.Get(ctx, StorageKey)
	if err != nil {
		return fallback(logger, fmt.Errorf("read client id: %w", err))
	}
	// Persisted ids are opaque: anything non-blank is kept as is, since the
	// backend keys conversation state on it.
	if ok && strings.TrimSpace(existing) != "" {
		if !IsValid(existing) {
			logger.Debug("Persisted client id has a foreign format, keeping it", "client_id", existing)
		}
		return Result{ID: existing, Persisted: true}
	}
	if ok {
		logger.Warn("Replacing blank persisted client id")
	}

	id := Generate(time.Now())
	if err := store.Set(ctx, StorageKey, id); err != nil {
		logger.Warn("Failed to persist client id, using session-scoped id", "client_id", id, "error", err)
		return Result{ID: id, Err: fmt.Errorf("%w: write client id: %v", ErrPersistenceUnavailable, err)}
	}

	logger.Info("Created client id", "client_id", id)
	return Result{ID: id, Persisted: true}
}

// Generate synthesizes a new client id from a timestamp and a random suffix.
func Generate(now time.Time) string {
	return "client_" + strconv.FormatInt(now.UnixNano(), 36) + "_" + randomSuffix()
}

// IsValid reports whether id has the shape produced by Generate.
func IsValid(id string) bool {
	return clientIDPattern.MatchString(id)
}

func randomSuffix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms; keep the id usable anyway.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func fallback(logger *slog.Logger, cause error) Result {
	id := Generate(time.Now())
	logger.Warn("Client id storage unavailable, using session-scoped id", "client_id", id, "error", cause)
	return Result{ID: id, Err: fmt.Errorf("%w: %v", ErrPersistenceUnavailable, cause)}
}
