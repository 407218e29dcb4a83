package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ashureev/tutor-chat/internal/identity"
)

func newTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	return s
}

func TestSQLiteStoreGetMissingKey(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, filepath.Join(t.TempDir(), "client.db"))
	defer func() { _ = s.Close() }()

	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Fatal("expected missing key")
	}
}

func TestSQLiteStoreSetOverwrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, filepath.Join(t.TempDir(), "client.db"))
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
}

func TestClientIDSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "client.db")
	ctx := context.Background()

	s1 := newTestStore(t, path)
	first := identity.GetOrCreate(ctx, s1, nil)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := newTestStore(t, path)
	defer func() { _ = s2.Close() }()
	second := identity.GetOrCreate(ctx, s2, nil)

	if !first.Persisted || first.ID != second.ID {
		t.Fatalf("expected persisted id to survive reopen: %q vs %q", first.ID, second.ID)
	}
}

func TestClosedStoreDegradesIdentity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, filepath.Join(t.TempDir(), "client.db"))
	_ = s.Close()

	got := identity.GetOrCreate(context.Background(), s, nil)
	if got.ID == "" || got.Persisted {
		t.Fatalf("expected session-scoped id, got %+v", got)
	}
	if !errors.Is(got.Err, identity.ErrPersistenceUnavailable) {
		t.Fatalf("expected ErrPersistenceUnavailable, got %v", got.Err)
	}
}

func TestIsConflictError(t *testing.T) {
	t.Parallel()

	if !isConflictError(errors.New("SQLITE_BUSY: database busy")) {
		t.Error("expected SQLITE_BUSY to be a conflict")
	}
	if !isConflictError(errors.New("database is locked (5)")) {
		t.Error("expected locked database to be a conflict")
	}
	if isConflictError(errors.New("no such table")) || isConflictError(nil) {
		t.Error("unexpected conflict classification")
	}
}
