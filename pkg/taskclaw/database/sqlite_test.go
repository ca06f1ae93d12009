package database

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesOnce(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	version, err := db.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("version = %d, want %d", version, schemaVersion)
	}

	health := db.Health(ctx)
	if !health.Healthy {
		t.Errorf("expected healthy database, got %+v", health)
	}
}

func TestSessionStore_OneLivePerUser(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Sessions()
	now := time.Now()

	first := SessionRecord{ID: "s1", UserID: "u1", State: "active", CreatedAt: now, LastActivityAt: now}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	second := SessionRecord{ID: "s2", UserID: "u1", State: "active", CreatedAt: now, LastActivityAt: now}
	err := store.Create(ctx, second)
	if !errors.Is(err, ErrLiveSessionExists) {
		t.Fatalf("expected ErrLiveSessionExists, got %v", err)
	}

	if err := store.Retire(ctx, "s1", now); err != nil {
		t.Fatalf("Retire failed: %v", err)
	}
	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("Create after retire failed: %v", err)
	}

	// A retired id stays reserved.
	err = store.Create(ctx, SessionRecord{ID: "s1", UserID: "u2", State: "active", CreatedAt: now, LastActivityAt: now})
	if err == nil || errors.Is(err, ErrLiveSessionExists) {
		t.Errorf("reusing a retired session id should fail on the primary key, got %v", err)
	}

	live, err := store.Live(ctx, "u1")
	if err != nil {
		t.Fatalf("Live failed: %v", err)
	}
	if len(live) != 1 || live[0].ID != "s2" {
		t.Errorf("live sessions = %+v, want only s2", live)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique index", fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}), true},
		{"primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, false},
		{"message text only", errors.New("UNIQUE constraint failed: sessions.user_id"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := isUniqueViolation(tt.err); got != tt.want {
			t.Errorf("%s: isUniqueViolation = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSessionStore_Touch(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Sessions()
	now := time.Now()

	if err := store.Create(ctx, SessionRecord{ID: "s1", UserID: "u1", State: "active", CreatedAt: now, LastActivityAt: now}); err != nil {
		t.Fatal(err)
	}
	later := now.Add(time.Minute)
	if err := store.Touch(ctx, "s1", "active", 3, later); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	rec, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", rec.MessageCount)
	}
	if !rec.LastActivityAt.Equal(later.UTC()) {
		t.Errorf("LastActivityAt = %v, want %v", rec.LastActivityAt, later.UTC())
	}

	if err := store.Touch(ctx, "missing", "active", 1, later); !errors.Is(err, ErrNotFound) {
		t.Errorf("Touch on missing session should return ErrNotFound, got %v", err)
	}
}

func TestTurnStore_ListRecent(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()
	if err := db.Sessions().Create(ctx, SessionRecord{ID: "s1", UserID: "u1", State: "active", CreatedAt: now, LastActivityAt: now}); err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"a", "b", "c", "d"} {
		if _, err := db.Turns().Append(ctx, TurnRecord{SessionID: "s1", UserID: "u1", UserMessage: msg, AssistantResponse: "re:" + msg, CreatedAt: now}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := db.Turns().ListBySession(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListBySession failed: %v", err)
	}
	if len(recent) != 2 || recent[0].UserMessage != "c" || recent[1].UserMessage != "d" {
		t.Errorf("recent turns = %+v, want c then d", recent)
	}

	all, _ := db.Turns().ListBySession(ctx, "s1", 0)
	if len(all) != 4 {
		t.Errorf("expected 4 turns, got %d", len(all))
	}
}

// reverseSealer is a reversible test sealer.
type reverseSealer struct{}

func (reverseSealer) Seal(p []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(p), nil
}

func (reverseSealer) Open(c string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(c)
}

func TestSecretStore_IsolationAndCase(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Secrets(reverseSealer{})

	if err := store.Put(ctx, "u1", "Himalaya", "GMAIL", "a@b.com"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "u1", "himalaya", "gmail")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "a@b.com" {
		t.Errorf("Get = %q, want a@b.com", got)
	}

	if _, err := store.Get(ctx, "u2", "himalaya", "gmail"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user must not see the secret, got err=%v", err)
	}

	all, err := store.ListUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUser failed: %v", err)
	}
	if all["himalaya"]["gmail"] != "a@b.com" {
		t.Errorf("ListUser = %v", all)
	}

	// Stored form is sealed.
	plain := db.Secrets(nil)
	if _, err := plain.Get(ctx, "u1", "himalaya", "gmail"); err == nil {
		t.Error("reading a sealed value without a sealer should fail")
	}

	if err := store.Delete(ctx, "u1", "HIMALAYA", "Gmail"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "u1", "himalaya", "gmail"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestAttachmentStore_ListOlderThan(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	store := db.Attachments()
	now := time.Now()

	old := AttachmentRecord{ID: "a1", UserID: "u1", SessionID: "s1", Filename: "old.txt", Extension: ".txt", MimeType: "text/plain", WorkspacePath: "/w/old.txt", DownloadedAt: now.Add(-48 * time.Hour)}
	fresh := AttachmentRecord{ID: "a2", UserID: "u1", SessionID: "s1", Filename: "new.txt", Extension: ".txt", MimeType: "text/plain", WorkspacePath: "/w/new.txt", DownloadedAt: now}
	for _, rec := range []AttachmentRecord{old, fresh} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	expired, err := store.ListOlderThan(ctx, now.Add(-24*time.Hour), 0)
	if err != nil {
		t.Fatalf("ListOlderThan failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "a1" {
		t.Errorf("expired = %+v, want only a1", expired)
	}
}
