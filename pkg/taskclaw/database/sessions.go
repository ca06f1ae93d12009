package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SessionRecord is the persisted form of a user session.
type SessionRecord struct {
	ID             string
	UserID         string
	State          string
	MessageCount   int
	CreatedAt      time.Time
	LastActivityAt time.Time
	RetiredAt      *time.Time
}

// ErrLiveSessionExists is returned when inserting a second live session for a user.
var ErrLiveSessionExists = errors.New("user already has a live session")

// SessionStore provides typed access to the sessions table.
type SessionStore struct {
	db *DB
}

// Sessions returns the session store.
func (db *DB) Sessions() *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new live session.
func (s *SessionStore) Create(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, state, message_count, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.State, rec.MessageCount,
		formatTime(rec.CreatedAt), formatTime(rec.LastActivityAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", rec.ID, ErrLiveSessionExists)
		}
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	return nil
}

// Live returns all unretired sessions for a user. More than one indicates a
// broken invariant; callers decide how to react.
func (s *SessionStore) Live(ctx context.Context, userID string) ([]SessionRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_id, state, message_count, created_at, last_activity_at, retired_at
		FROM sessions
		WHERE user_id = ? AND retired_at IS NULL
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query live sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// Get returns a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, user_id, state, message_count, created_at, last_activity_at, retired_at
		FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// Touch updates count, state and last activity of a live session.
func (s *SessionStore) Touch(ctx context.Context, id, state string, count int, at time.Time) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE sessions SET state = ?, message_count = ?, last_activity_at = ?
		WHERE id = ? AND retired_at IS NULL`,
		state, count, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	return expectOneRow(res, id)
}

// Retire marks a session as retired. Its id stays reserved.
func (s *SessionStore) Retire(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE sessions SET state = 'retired', retired_at = ?
		WHERE id = ? AND retired_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("retire session %s: %w", id, err)
	}
	return nil
}

// RetireAllLive retires every live session of a user and returns how many
// were affected. Used for forced resets.
func (s *SessionStore) RetireAllLive(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE sessions SET state = 'retired', retired_at = ?
		WHERE user_id = ? AND retired_at IS NULL`,
		formatTime(at), userID)
	if err != nil {
		return 0, fmt.Errorf("retire sessions for %s: %w", userID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountLive returns the number of live sessions across all users.
func (s *SessionStore) CountLive(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sessions WHERE retired_at IS NULL").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count live sessions: %w", err)
	}
	return n, nil
}

func scanSessions(rows *sql.Rows) ([]SessionRecord, error) {
	var out []SessionRecord
	for rows.Next() {
		var (
			rec                 SessionRecord
			createdAt, activity string
			retired             sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.State, &rec.MessageCount,
			&createdAt, &activity, &retired); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.LastActivityAt = parseTime(activity)
		rec.RetiredAt = parseNullTime(retired)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
