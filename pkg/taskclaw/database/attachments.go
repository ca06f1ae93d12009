package database

import (
	"context"
	"fmt"
	"time"
)

// AttachmentRecord is the metadata kept for a staged attachment. Path and
// DownloadedAt are what the housekeeping sweep needs to expire files.
type AttachmentRecord struct {
	ID            string
	UserID        string
	SessionID     string
	SourceFileID  string
	Filename      string
	Extension     string
	MimeType      string
	Size          int64
	WorkspacePath string
	DownloadedAt  time.Time
}

// AttachmentStore provides typed access to attachment metadata.
type AttachmentStore struct {
	db *DB
}

// Attachments returns the attachment store.
func (db *DB) Attachments() *AttachmentStore {
	return &AttachmentStore{db: db}
}

// Put records a staged attachment.
func (s *AttachmentStore) Put(ctx context.Context, rec AttachmentRecord) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO attachments (id, user_id, session_id, source_file_id, filename, extension,
			mime_type, size, workspace_path, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, rec.SourceFileID, rec.Filename, rec.Extension,
		rec.MimeType, rec.Size, rec.WorkspacePath, formatTime(rec.DownloadedAt),
	)
	if err != nil {
		return fmt.Errorf("put attachment %s: %w", rec.ID, err)
	}
	return nil
}

// ListOlderThan returns attachments downloaded before cutoff, oldest first.
func (s *AttachmentStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]AttachmentRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.query(ctx, `
		SELECT id, user_id, session_id, source_file_id, filename, extension,
			mime_type, size, workspace_path, downloaded_at
		FROM attachments WHERE downloaded_at < ?
		ORDER BY downloaded_at ASC LIMIT ?`, formatTime(cutoff), limit)
}

// ListByUser returns a user's attachments, newest first.
func (s *AttachmentStore) ListByUser(ctx context.Context, userID string) ([]AttachmentRecord, error) {
	return s.query(ctx, `
		SELECT id, user_id, session_id, source_file_id, filename, extension,
			mime_type, size, workspace_path, downloaded_at
		FROM attachments WHERE user_id = ?
		ORDER BY downloaded_at DESC`, userID)
}

// Delete removes attachment metadata.
func (s *AttachmentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.conn.ExecContext(ctx, "DELETE FROM attachments WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	return nil
}

func (s *AttachmentStore) query(ctx context.Context, query string, args ...any) ([]AttachmentRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []AttachmentRecord
	for rows.Next() {
		var (
			rec          AttachmentRecord
			downloadedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.SourceFileID,
			&rec.Filename, &rec.Extension, &rec.MimeType, &rec.Size,
			&rec.WorkspacePath, &downloadedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		rec.DownloadedAt = parseTime(downloadedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}
