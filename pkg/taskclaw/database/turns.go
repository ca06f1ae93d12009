package database

import (
	"context"
	"fmt"
	"time"
)

// TurnRecord is one persisted conversation exchange.
type TurnRecord struct {
	ID                int64
	SessionID         string
	UserID            string
	UserMessage       string
	AssistantResponse string
	IsError           bool
	CreatedAt         time.Time
}

// TurnStore provides typed access to the turns table.
type TurnStore struct {
	db *DB
}

// Turns returns the turn store.
func (db *DB) Turns() *TurnStore {
	return &TurnStore{db: db}
}

// Append stores a turn and returns its id.
func (s *TurnStore) Append(ctx context.Context, rec TurnRecord) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO turns (session_id, user_id, user_message, assistant_response, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.UserMessage, rec.AssistantResponse,
		boolToInt(rec.IsError), formatTime(rec.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("append turn for session %s: %w", rec.SessionID, err)
	}
	return res.LastInsertId()
}

// ListBySession returns the turns of a session in insertion order. A limit of
// zero returns all of them; otherwise only the most recent limit turns.
func (s *TurnStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	query := `
		SELECT id, session_id, user_id, user_message, assistant_response, is_error, created_at
		FROM turns WHERE session_id = ? ORDER BY id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT * FROM (
				SELECT id, session_id, user_id, user_message, assistant_response, is_error, created_at
				FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var (
			rec       TurnRecord
			isErr     int
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.UserMessage,
			&rec.AssistantResponse, &isErr, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		rec.IsError = isErr != 0
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
