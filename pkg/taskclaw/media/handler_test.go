package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
)

type fakeDownloader struct {
	body  string
	err   error
	calls int
}

func (d *fakeDownloader) Download(_ context.Context, _ string, _ *channels.MediaInfo, w io.Writer, limit int64) (int64, error) {
	d.calls++
	if d.err != nil {
		return 0, d.err
	}
	if limit > 0 && int64(len(d.body)) > limit {
		return 0, channels.ErrMediaTooLarge
	}
	n, err := io.WriteString(w, d.body)
	return int64(n), err
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]database.AttachmentRecord
}

func newMemStore() *memStore { return &memStore{recs: make(map[string]database.AttachmentRecord)} }

func (s *memStore) Put(_ context.Context, rec database.AttachmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) ListByUser(_ context.Context, userID string) ([]database.AttachmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.AttachmentRecord
	for _, r := range s.recs {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) ListOlderThan(_ context.Context, cutoff time.Time, limit int) ([]database.AttachmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.AttachmentRecord
	for _, r := range s.recs {
		if r.DownloadedAt.Before(cutoff) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func newTestHandler(t *testing.T, dl Downloader, store Store) (*Handler, string) {
	t.Helper()
	root := t.TempDir()
	h := NewHandler(Config{
		WorkspaceRoot:     filepath.Join(root, "workspace"),
		TempRoot:          filepath.Join(root, "temp_files"),
		AllowedExtensions: []string{".txt", "pdf"},
		MaxBytes:          1024,
	}, dl, store, nil)
	return h, root
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd.txt", "passwd.txt"},
		{`..\..\windows\evil.txt`, "evil.txt"},
		{".hidden.txt", "hidden.txt"},
		{"my file (1).txt", "my_file__1_.txt"},
		{"a\x00b.txt", "ab.txt"},
		{"", "unnamed_file"},
		{"../", "unnamed_file"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeFilename_Truncates(t *testing.T) {
	t.Parallel()
	got := SanitizeFilename(strings.Repeat("a", 300) + ".txt")
	if len(got) != maxFilenameLength || !strings.HasSuffix(got, ".txt") {
		t.Errorf("len = %d, name suffix %q", len(got), got[len(got)-4:])
	}
}

func TestValidator_Order(t *testing.T) {
	t.Parallel()
	v := NewValidator([]string{".txt", ".pdf"}, 100)

	tests := []struct {
		name     string
		filename string
		size     int64
		code     string
	}{
		{"disallowed and too large reports extension", "x.exe", 1000, apperr.CodeExtensionNotAllowed},
		{"no extension", "README", 1, apperr.CodeExtensionNotAllowed},
		{"too large", "x.txt", 101, apperr.CodeFileTooLarge},
		{"extension lost by sanitizing", "..pdf", 1, apperr.CodeUnsafeFilename},
		{"uppercase extension ok", "X.PDF", 100, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := v.Validate(tt.filename, tt.size)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			e, ok := apperr.As(err)
			if !ok || e.Kind != apperr.KindValidation || e.Code != tt.code {
				t.Errorf("got %v, want validation %s", err, tt.code)
			}
		})
	}
}

func TestStage_DisallowedExtensionWritesNothing(t *testing.T) {
	t.Parallel()
	dl := &fakeDownloader{body: "MZ"}
	h, root := newTestHandler(t, dl, newMemStore())

	_, err := h.Stage(context.Background(), "u1", IncomingFile{
		Channel: "telegram",
		Media:   &channels.MediaInfo{FileID: "f1", Filename: "tool.exe", FileSize: 2},
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation rejection, got %v", err)
	}
	if dl.calls != 0 {
		t.Error("downloader should not be called")
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("expected no directories, found %d", len(entries))
	}
}

func TestStage_TraversalReducedToBasename(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	h, root := newTestHandler(t, &fakeDownloader{body: "hello"}, store)

	att, err := h.Stage(context.Background(), "u1", IncomingFile{
		Channel:   "telegram",
		SessionID: "S1",
		Media:     &channels.MediaInfo{FileID: "f1", Filename: "../../notes.txt", MimeType: "text/plain"},
	})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	want := filepath.Join(root, "workspace", "u1", att.ID, "notes.txt")
	if att.Path != want || att.Name != "notes.txt" {
		t.Errorf("staged at %s (%s), want %s", att.Path, att.Name, want)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "hello" {
		t.Errorf("content = %q, err = %v", data, err)
	}
	if att.Size != 5 || att.Extension != ".txt" {
		t.Errorf("size = %d ext = %s", att.Size, att.Extension)
	}

	tmpEntries, _ := os.ReadDir(filepath.Join(root, "temp_files", "u1"))
	if len(tmpEntries) != 0 {
		t.Errorf("temp dir not cleaned: %d entries", len(tmpEntries))
	}
	recs, _ := store.ListByUser(context.Background(), "u1")
	if len(recs) != 1 || recs[0].SessionID != "S1" || recs[0].WorkspacePath != want {
		t.Errorf("records = %+v", recs)
	}
}

func TestStage_DownloadErrors(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeDownloader{body: strings.Repeat("x", 2048)}, nil)
	_, err := h.Stage(context.Background(), "u1", IncomingFile{
		Media: &channels.MediaInfo{Filename: "big.txt"},
	})
	if e, ok := apperr.As(err); !ok || e.Code != apperr.CodeFileTooLarge {
		t.Errorf("undeclared oversize: got %v", err)
	}

	h, _ = newTestHandler(t, &fakeDownloader{err: errors.New("connection reset")}, nil)
	_, err = h.Stage(context.Background(), "u1", IncomingFile{
		Media: &channels.MediaInfo{Filename: "a.txt"},
	})
	if !apperr.Is(err, apperr.KindTransient) {
		t.Errorf("download failure should be transient, got %v", err)
	}
}

func TestStage_RejectsBadUserID(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, &fakeDownloader{body: "x"}, nil)
	for _, id := range []string{"", "..", "a/b"} {
		_, err := h.Stage(context.Background(), id, IncomingFile{
			Media: &channels.MediaInfo{Filename: "a.txt"},
		})
		if !apperr.Is(err, apperr.KindInvariant) {
			t.Errorf("user %q: got %v", id, err)
		}
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	h, _ := newTestHandler(t, &fakeDownloader{body: "data"}, store)
	ctx := context.Background()

	att, err := h.Stage(ctx, "u1", IncomingFile{Media: &channels.MediaInfo{Filename: "old.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := store.recs[att.ID]
	rec.DownloadedAt = time.Now().Add(-48 * time.Hour)
	store.recs[att.ID] = rec

	fresh, err := h.Stage(ctx, "u1", IncomingFile{Media: &channels.MediaInfo{Filename: "new.txt"}})
	if err != nil {
		t.Fatal(err)
	}

	n, err := h.SweepExpired(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired = %d, %v", n, err)
	}
	if _, err := os.Stat(att.Path); !os.IsNotExist(err) {
		t.Error("expired file should be removed")
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Errorf("fresh file should remain: %v", err)
	}
}

func TestSweepExpired_SameNameReupload(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	h, _ := newTestHandler(t, &fakeDownloader{body: "v1"}, store)
	ctx := context.Background()

	old, err := h.Stage(ctx, "u1", IncomingFile{Media: &channels.MediaInfo{Filename: "report.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	rec := store.recs[old.ID]
	rec.DownloadedAt = time.Now().Add(-48 * time.Hour)
	store.recs[old.ID] = rec

	fresh, err := h.Stage(ctx, "u1", IncomingFile{Media: &channels.MediaInfo{Filename: "report.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Path == old.Path {
		t.Fatalf("re-upload shares path %s", fresh.Path)
	}
	if fresh.Name != "report.txt" || filepath.Base(fresh.Path) != "report.txt" {
		t.Errorf("name = %s, path = %s", fresh.Name, fresh.Path)
	}

	n, err := h.SweepExpired(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired = %d, %v", n, err)
	}
	if _, err := os.Stat(fresh.Path); err != nil {
		t.Errorf("fresh upload removed by sweep of older record: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(old.Path)); !os.IsNotExist(err) {
		t.Error("expired attachment dir should be removed")
	}
	if _, err := os.Stat(h.Workspace("u1")); err != nil {
		t.Errorf("workspace itself must remain: %v", err)
	}
}

func TestClearWorkspace(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	h, _ := newTestHandler(t, &fakeDownloader{body: "data"}, store)
	ctx := context.Background()

	if _, err := h.Stage(ctx, "u1", IncomingFile{Media: &channels.MediaInfo{Filename: "a.txt"}}); err != nil {
		t.Fatal(err)
	}
	if err := h.ClearWorkspace(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(h.Workspace("u1"))
	if len(entries) != 0 {
		t.Errorf("workspace has %d entries", len(entries))
	}
	if recs, _ := store.ListByUser(ctx, "u1"); len(recs) != 0 {
		t.Errorf("records left: %d", len(recs))
	}
}

func TestSweepTemp(t *testing.T) {
	t.Parallel()
	h, root := newTestHandler(t, nil, nil)
	dir := filepath.Join(root, "temp_files", "u1")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dir, "dl-1-a.txt")
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	n, err := h.SweepTemp(time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("SweepTemp = %d, %v", n, err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("empty user temp dir should be removed")
	}
}
