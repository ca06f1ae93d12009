// Package memory stores retired session transcripts for long-term recall.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/fsutil"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/session"
)

// FileExtractor writes each transcript as markdown to
// <dir>/<user_id>/<session_id>.md. Re-running with the same transcript
// rewrites identical bytes.
type FileExtractor struct {
	dir    string
	logger *slog.Logger
}

// NewFileExtractor creates an extractor rooted at dir.
func NewFileExtractor(dir string, logger *slog.Logger) *FileExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileExtractor{dir: dir, logger: logger.With("component", "memory")}
}

// ExtractAndStore implements session.Extractor.
func (e *FileExtractor) ExtractAndStore(ctx context.Context, userID, sessionID string, transcript []session.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(userID+sessionID, `/\`) || userID == "" || sessionID == "" {
		return fmt.Errorf("invalid memory namespace %q/%q", userID, sessionID)
	}

	path := e.Path(userID, sessionID)
	if err := fsutil.WriteAtomic(path, []byte(Render(sessionID, transcript)), 0o600); err != nil {
		return fmt.Errorf("storing transcript: %w", err)
	}

	e.logger.Info("transcript stored",
		"user_id", userID, "session_id", sessionID, "turns", len(transcript), "path", path)
	return nil
}

// Path returns the transcript location for a session.
func (e *FileExtractor) Path(userID, sessionID string) string {
	return filepath.Join(e.dir, userID, sessionID+".md")
}

// Render formats a transcript as markdown.
func Render(sessionID string, transcript []session.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n", sessionID)
	for _, t := range transcript {
		fmt.Fprintf(&b, "\n## %s\n\n", t.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
		fmt.Fprintf(&b, "**User:** %s\n\n", strings.TrimSpace(t.UserMessage))
		if t.IsError {
			fmt.Fprintf(&b, "**Assistant (error):** %s\n", strings.TrimSpace(t.AssistantResponse))
		} else {
			fmt.Fprintf(&b, "**Assistant:** %s\n", strings.TrimSpace(t.AssistantResponse))
		}
	}
	return b.String()
}

// Noop discards transcripts. Used when memory is disabled.
type Noop struct{}

// ExtractAndStore implements session.Extractor.
func (Noop) ExtractAndStore(context.Context, string, string, []session.Turn) error { return nil }
