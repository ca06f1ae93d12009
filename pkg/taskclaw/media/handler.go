// Package media stages user attachments into the per-user workspace. Files
// are validated before anything touches disk, downloaded into a per-user
// temp directory, copied into the workspace and recorded so housekeeping
// can expire them.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/channels"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/fsutil"
)

// Downloader fetches attachment bytes from the originating channel.
// Implemented by channels.Router.
type Downloader interface {
	Download(ctx context.Context, channel string, media *channels.MediaInfo, w io.Writer, limit int64) (int64, error)
}

// Store persists attachment metadata.
type Store interface {
	Put(ctx context.Context, rec database.AttachmentRecord) error
	ListByUser(ctx context.Context, userID string) ([]database.AttachmentRecord, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]database.AttachmentRecord, error)
	Delete(ctx context.Context, id string) error
}

// Config configures the handler.
type Config struct {
	WorkspaceRoot     string
	TempRoot          string
	AllowedExtensions []string
	MaxBytes          int64
	DownloadTimeout   time.Duration
}

// IncomingFile describes an attachment announced by a channel.
type IncomingFile struct {
	Channel   string
	SessionID string
	Media     *channels.MediaInfo
}

// Attachment is a staged file in the user's workspace.
type Attachment struct {
	ID           string
	UserID       string
	SourceFileID string
	Name         string
	Extension    string
	MimeType     string
	Size         int64
	Path         string
	DownloadedAt time.Time
}

// Handler validates and stages attachments.
type Handler struct {
	cfg        Config
	validator  *Validator
	downloader Downloader
	store      Store
	logger     *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg Config, downloader Downloader, store Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	return &Handler{
		cfg:        cfg,
		validator:  NewValidator(cfg.AllowedExtensions, cfg.MaxBytes),
		downloader: downloader,
		store:      store,
		logger:     logger.With("component", "media"),
	}
}

// Workspace returns the user's workspace directory.
func (h *Handler) Workspace(userID string) string {
	return filepath.Join(h.cfg.WorkspaceRoot, userID)
}

// TempDir returns the user's download staging directory.
func (h *Handler) TempDir(userID string) string {
	return filepath.Join(h.cfg.TempRoot, userID)
}

// Stage validates file, downloads it and copies it into the user's
// workspace. Validation failures are returned before any filesystem write.
func (h *Handler) Stage(ctx context.Context, userID string, file IncomingFile) (*Attachment, error) {
	if err := checkUserID(userID); err != nil {
		return nil, err
	}
	if file.Media == nil {
		return nil, apperr.NewInvariant("stage called without media")
	}

	name, ext, err := h.validator.Validate(file.Media.Filename, file.Media.FileSize)
	if err != nil {
		h.logger.Info("attachment rejected",
			"user_id", userID, "filename", file.Media.Filename, "error", err)
		return nil, err
	}

	tempDir := h.TempDir(userID)
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(tempDir, "dl-*-"+name)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	dlCtx, cancel := context.WithTimeout(ctx, h.cfg.DownloadTimeout)
	defer cancel()

	start := time.Now()
	n, err := h.downloader.Download(dlCtx, file.Channel, file.Media, tmp, h.cfg.MaxBytes)
	closeErr := tmp.Close()
	if err != nil {
		if errors.Is(err, channels.ErrMediaTooLarge) {
			return nil, apperr.NewValidation(apperr.CodeFileTooLarge,
				fmt.Sprintf("Maximum size is %s.", formatBytes(h.cfg.MaxBytes)))
		}
		return nil, apperr.NewTransient("download attachment", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("closing temp file: %w", closeErr)
	}

	// Each attachment gets its own directory so a re-upload with the same
	// name never shares a path with an older record.
	id := uuid.New().String()
	dest := filepath.Join(h.Workspace(userID), id, name)
	if _, err := fsutil.CopyFile(tmpPath, dest, 0o644); err != nil {
		return nil, fmt.Errorf("staging attachment: %w", err)
	}

	att := &Attachment{
		ID:           id,
		UserID:       userID,
		SourceFileID: file.Media.FileID,
		Name:         name,
		Extension:    ext,
		MimeType:     file.Media.MimeType,
		Size:         n,
		Path:         dest,
		DownloadedAt: time.Now().UTC(),
	}
	if h.store != nil {
		if err := h.store.Put(ctx, database.AttachmentRecord{
			ID:            att.ID,
			UserID:        userID,
			SessionID:     file.SessionID,
			SourceFileID:  att.SourceFileID,
			Filename:      att.Name,
			Extension:     att.Extension,
			MimeType:      att.MimeType,
			Size:          att.Size,
			WorkspacePath: att.Path,
			DownloadedAt:  att.DownloadedAt,
		}); err != nil {
			return nil, err
		}
	}

	h.logger.Info("attachment staged",
		"user_id", userID, "name", name, "size", n, "duration", time.Since(start).String())
	return att, nil
}

// ClearWorkspace removes the user's workspace contents and forgets their
// attachment records.
func (h *Handler) ClearWorkspace(ctx context.Context, userID string) error {
	if err := checkUserID(userID); err != nil {
		return err
	}
	if err := fsutil.ClearDir(h.Workspace(userID)); err != nil {
		return fmt.Errorf("clearing workspace: %w", err)
	}
	if h.store == nil {
		return nil
	}
	recs, err := h.store.ListByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := h.store.Delete(ctx, rec.ID); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpired deletes attachments downloaded before cutoff, both the file
// and its record. It returns how many were removed.
func (h *Handler) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if h.store == nil {
		return 0, nil
	}
	removed := 0
	for {
		recs, err := h.store.ListOlderThan(ctx, cutoff, 200)
		if err != nil {
			return removed, err
		}
		if len(recs) == 0 {
			return removed, nil
		}
		for _, rec := range recs {
			if err := h.removeFile(rec); err != nil {
				h.logger.Warn("removing expired attachment", "id", rec.ID, "path", rec.WorkspacePath, "error", err)
			}
			if err := h.store.Delete(ctx, rec.ID); err != nil {
				return removed, err
			}
			removed++
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
	}
}

// removeFile deletes rec's file if it still lies inside the owner's workspace.
func (h *Handler) removeFile(rec database.AttachmentRecord) error {
	ws := h.Workspace(rec.UserID) + string(filepath.Separator)
	path := filepath.Clean(rec.WorkspacePath)
	if !strings.HasPrefix(path, ws) {
		return fmt.Errorf("path %s is outside workspace", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if dir := filepath.Dir(path); dir+string(filepath.Separator) != ws {
		_ = os.Remove(dir)
	}
	return nil
}

// SweepTemp removes files in the per-user temp dirs older than maxAge, and
// the user dirs that end up empty.
func (h *Handler) SweepTemp(maxAge time.Duration) (int, error) {
	users, err := os.ReadDir(h.cfg.TempRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		dir := filepath.Join(h.cfg.TempRoot, u.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		left := len(entries)
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
				removed++
				left--
			}
		}
		if left == 0 {
			_ = os.Remove(dir)
		}
	}
	return removed, nil
}

func checkUserID(userID string) error {
	if userID == "" || userID == "." || userID == ".." ||
		strings.ContainsAny(userID, `/\`+"\x00") {
		return apperr.NewInvariant(fmt.Sprintf("invalid user id %q", userID))
	}
	return nil
}
