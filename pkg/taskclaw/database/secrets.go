package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sealer encrypts secret values before they reach disk.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(ciphertext string) ([]byte, error)
}

// SecretStore provides typed access to per-user skill secrets. Values are
// sealed when a Sealer is configured. Every query is scoped by user id.
type SecretStore struct {
	db     *DB
	sealer Sealer
}

// Secrets returns the secret store. sealer may be nil to store plaintext.
func (db *DB) Secrets(sealer Sealer) *SecretStore {
	return &SecretStore{db: db, sealer: sealer}
}

// Put stores a value. Skill and key are case-normalized.
func (s *SecretStore) Put(ctx context.Context, userID, skill, key, value string) error {
	stored := value
	sealed := false
	if s.sealer != nil {
		ct, err := s.sealer.Seal([]byte(value))
		if err != nil {
			return fmt.Errorf("seal secret %s.%s: %w", skill, key, err)
		}
		stored, sealed = ct, true
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO skill_secrets (user_id, skill, key, value, sealed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, skill, key) DO UPDATE SET
			value = excluded.value, sealed = excluded.sealed, updated_at = excluded.updated_at`,
		userID, normalize(skill), normalize(key), stored, boolToInt(sealed), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put secret %s.%s: %w", skill, key, err)
	}
	return nil
}

// Get returns one value or ErrNotFound.
func (s *SecretStore) Get(ctx context.Context, userID, skill, key string) (string, error) {
	var (
		value  string
		sealed int
	)
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT value, sealed FROM skill_secrets
		WHERE user_id = ? AND skill = ? AND key = ?`,
		userID, normalize(skill), normalize(key)).Scan(&value, &sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get secret %s.%s: %w", skill, key, err)
	}
	return s.open(value, sealed != 0)
}

// Delete removes one value. Deleting a missing key is not an error.
func (s *SecretStore) Delete(ctx context.Context, userID, skill, key string) error {
	_, err := s.db.conn.ExecContext(ctx,
		"DELETE FROM skill_secrets WHERE user_id = ? AND skill = ? AND key = ?",
		userID, normalize(skill), normalize(key))
	if err != nil {
		return fmt.Errorf("delete secret %s.%s: %w", skill, key, err)
	}
	return nil
}

// ListUser returns all values for a user as skill -> key -> value.
func (s *SecretStore) ListUser(ctx context.Context, userID string) (map[string]map[string]string, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT skill, key, value, sealed FROM skill_secrets
		WHERE user_id = ? ORDER BY skill, key`, userID)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var (
			skill, key, value string
			sealed            int
		)
		if err := rows.Scan(&skill, &key, &value, &sealed); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		plain, err := s.open(value, sealed != 0)
		if err != nil {
			return nil, err
		}
		if out[skill] == nil {
			out[skill] = make(map[string]string)
		}
		out[skill][key] = plain
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate secrets: %w", err)
	}
	return out, nil
}

func (s *SecretStore) open(value string, sealed bool) (string, error) {
	if !sealed {
		return value, nil
	}
	if s.sealer == nil {
		return "", fmt.Errorf("secret is sealed but no identity is configured")
	}
	plain, err := s.sealer.Open(value)
	if err != nil {
		return "", fmt.Errorf("open sealed secret: %w", err)
	}
	return string(plain), nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
