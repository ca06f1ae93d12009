// Package session implements the per-user session lifecycle:
// NO_SESSION -> ACTIVE -> EXTRACTING -> NO_SESSION. A session is retired
// after the configured number of processed messages or on an explicit
// "new" command; its transcript is handed to the long-term memory
// extractor on the way out. Extraction is best-effort.
//
// The manager holds no per-user locks. Callers serialize work per user.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/apperr"
	"github.com/jholhewres/taskclaw/pkg/taskclaw/database"
)

// State is the lifecycle state of a user's session.
type State string

const (
	StateNoSession  State = "no_session"
	StateActive     State = "active"
	StateExtracting State = "extracting"
)

// Session is the live session of one user.
type Session struct {
	ID             string
	UserID         string
	State          State
	MessageCount   int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Store persists session rows.
type Store interface {
	Create(ctx context.Context, rec database.SessionRecord) error
	Live(ctx context.Context, userID string) ([]database.SessionRecord, error)
	Touch(ctx context.Context, id, state string, count int, at time.Time) error
	Retire(ctx context.Context, id string, at time.Time) error
	RetireAllLive(ctx context.Context, userID string, at time.Time) (int, error)
}

// TurnStore persists conversation turns.
type TurnStore interface {
	Append(ctx context.Context, rec database.TurnRecord) (int64, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]database.TurnRecord, error)
}

// Extractor stores a retiring session's transcript in long-term memory.
type Extractor interface {
	ExtractAndStore(ctx context.Context, userID, sessionID string, transcript []Turn) error
}

// Config controls the lifecycle.
type Config struct {
	// MaxMessages is the processed-message ceiling that triggers extraction.
	MaxMessages int

	// MaxHistory bounds the turn window returned by History.
	MaxHistory int

	// ExtractionTimeout bounds one extraction call. Zero means no bound.
	ExtractionTimeout time.Duration
}

// Retirement describes a finished session.
type Retirement struct {
	SessionID    string
	MessageCount int

	// Extracted is true when the transcript was stored successfully.
	Extracted bool

	// ExtractErr is the extraction failure, if any. The session is retired regardless.
	ExtractErr error
}

// RecordResult is returned by RecordTurn.
type RecordResult struct {
	Session *Session

	// Retired is set when this turn reached the ceiling.
	Retired *Retirement
}

// NewResult is returned by NewSession.
type NewResult struct {
	Session *Session

	// Previous is the retired session, nil if there was none or it was unused.
	Previous *Retirement
}

// Manager drives the session state machine.
type Manager struct {
	store     Store
	turns     TurnStore
	extractor Extractor
	cfg       Config
	logger    *slog.Logger

	now func() time.Time

	idMu    sync.Mutex
	entropy io.Reader

	extractMu  sync.Mutex
	extracting map[string]bool
}

// NewManager creates a session manager. extractor may be nil.
func NewManager(store Store, turns TurnStore, extractor Extractor, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 30
	}
	return &Manager{
		store:      store,
		turns:      turns,
		extractor:  extractor,
		cfg:        cfg,
		logger:     logger.With("component", "session"),
		now:        time.Now,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		extracting: make(map[string]bool),
	}
}

// Current returns the user's live session, or nil in NO_SESSION. More than
// one live session is an invariant violation.
func (m *Manager) Current(ctx context.Context, userID string) (*Session, error) {
	live, err := m.store.Live(ctx, userID)
	if err != nil {
		return nil, apperr.NewTransient("load session", err)
	}
	switch len(live) {
	case 0:
		return nil, nil
	case 1:
		return fromRecord(live[0]), nil
	default:
		m.logger.Error("multiple live sessions detected",
			"user_id", userID, "count", len(live))
		return nil, apperr.NewInvariant(fmt.Sprintf("user %s has %d live sessions", userID, len(live)))
	}
}

// State reports the user's lifecycle state.
func (m *Manager) State(ctx context.Context, userID string) (State, error) {
	sess, err := m.Current(ctx, userID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return StateNoSession, nil
	}
	return sess.State, nil
}

// Resolve returns the live session, creating one when the user has none.
func (m *Manager) Resolve(ctx context.Context, userID string) (*Session, error) {
	sess, err := m.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		if sess.State == StateExtracting {
			return nil, apperr.NewInvariant(fmt.Sprintf("session %s is still extracting", sess.ID))
		}
		return sess, nil
	}
	return m.create(ctx, userID)
}

// History returns the recent turns of a session, at most MaxHistory.
func (m *Manager) History(ctx context.Context, sess *Session) ([]Turn, error) {
	limit := m.cfg.MaxHistory
	if limit <= 0 {
		return []Turn{}, nil
	}
	recs, err := m.turns.ListBySession(ctx, sess.ID, limit)
	if err != nil {
		return nil, apperr.NewTransient("load history", err)
	}
	return TrimTurns(toTurns(recs), limit), nil
}

// RecordTurn persists a processed message, increments the count and retires
// the session when the count reaches MaxMessages.
func (m *Manager) RecordTurn(ctx context.Context, sess *Session, t Turn) (*RecordResult, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = m.now()
	}

	_, err := m.turns.Append(ctx, database.TurnRecord{
		SessionID:         sess.ID,
		UserID:            sess.UserID,
		UserMessage:       t.UserMessage,
		AssistantResponse: t.AssistantResponse,
		IsError:           t.IsError,
		CreatedAt:         t.Timestamp,
	})
	if err != nil {
		return nil, apperr.NewTransient("persist turn", err)
	}

	next := *sess
	next.MessageCount++
	next.LastActivityAt = t.Timestamp
	if err := m.store.Touch(ctx, next.ID, string(StateActive), next.MessageCount, next.LastActivityAt); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NewInvariant(fmt.Sprintf("session %s is no longer live", next.ID))
		}
		return nil, apperr.NewTransient("touch session", err)
	}

	res := &RecordResult{Session: &next}
	if next.MessageCount >= m.cfg.MaxMessages {
		m.logger.Info("session reached message ceiling",
			"user_id", next.UserID, "session_id", next.ID, "count", next.MessageCount)
		retired, err := m.retire(ctx, &next)
		if err != nil {
			return nil, err
		}
		res.Retired = retired
	}
	return res, nil
}

// NewSession handles the "new" command. A session with processed messages
// is extracted and retired and a fresh one created. When the live session
// is already fresh it is returned unchanged, so repeating "new" is safe.
func (m *Manager) NewSession(ctx context.Context, userID string) (*NewResult, error) {
	current, err := m.Current(ctx, userID)
	if err != nil {
		return nil, err
	}

	if current != nil && current.State == StateActive && current.MessageCount == 0 {
		return &NewResult{Session: current}, nil
	}

	var previous *Retirement
	if current != nil {
		if previous, err = m.retire(ctx, current); err != nil {
			return nil, err
		}
	}

	fresh, err := m.create(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &NewResult{Session: fresh, Previous: previous}, nil
}

// ForceReset retires every live session of the user without extraction.
// Used to recover from invariant violations.
func (m *Manager) ForceReset(ctx context.Context, userID string) error {
	n, err := m.store.RetireAllLive(ctx, userID, m.now())
	if err != nil {
		return fmt.Errorf("force reset sessions for %s: %w", userID, err)
	}
	m.extractMu.Lock()
	delete(m.extracting, userID)
	m.extractMu.Unlock()

	m.logger.Warn("sessions force-reset", "user_id", userID, "retired", n)
	return nil
}

// retire moves the session through EXTRACTING to NO_SESSION.
func (m *Manager) retire(ctx context.Context, sess *Session) (*Retirement, error) {
	if !m.beginExtraction(sess.UserID) {
		return nil, apperr.NewInvariant(fmt.Sprintf("concurrent extraction for user %s", sess.UserID))
	}
	defer m.endExtraction(sess.UserID)

	if err := m.store.Touch(ctx, sess.ID, string(StateExtracting), sess.MessageCount, m.now()); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NewTransient("mark session extracting", err)
	}

	ret := &Retirement{SessionID: sess.ID, MessageCount: sess.MessageCount}
	if sess.MessageCount > 0 && m.extractor != nil {
		ret.ExtractErr = m.extract(ctx, sess)
		ret.Extracted = ret.ExtractErr == nil
		if ret.ExtractErr != nil {
			m.logger.Warn("memory extraction failed, clearing session anyway",
				"user_id", sess.UserID, "session_id", sess.ID, "error", ret.ExtractErr)
		}
	}

	if err := m.store.Retire(ctx, sess.ID, m.now()); err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, apperr.NewTransient("retire session", err)
	}
	m.logger.Info("session retired",
		"user_id", sess.UserID, "session_id", sess.ID,
		"messages", sess.MessageCount, "extracted", ret.Extracted)
	return ret, nil
}

func (m *Manager) extract(ctx context.Context, sess *Session) error {
	if m.cfg.ExtractionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ExtractionTimeout)
		defer cancel()
	}

	recs, err := m.turns.ListBySession(ctx, sess.ID, 0)
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}
	return m.extractor.ExtractAndStore(ctx, sess.UserID, sess.ID, toTurns(recs))
}

func (m *Manager) beginExtraction(userID string) bool {
	m.extractMu.Lock()
	defer m.extractMu.Unlock()
	if m.extracting[userID] {
		return false
	}
	m.extracting[userID] = true
	return true
}

func (m *Manager) endExtraction(userID string) {
	m.extractMu.Lock()
	delete(m.extracting, userID)
	m.extractMu.Unlock()
}

func (m *Manager) create(ctx context.Context, userID string) (*Session, error) {
	now := m.now()
	sess := &Session{
		ID:             m.newID(now),
		UserID:         userID,
		State:          StateActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err := m.store.Create(ctx, database.SessionRecord{
		ID:             sess.ID,
		UserID:         sess.UserID,
		State:          string(sess.State),
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	})
	if err != nil {
		if errors.Is(err, database.ErrLiveSessionExists) {
			return nil, apperr.NewInvariant(fmt.Sprintf("user %s already has a live session", userID))
		}
		return nil, apperr.NewTransient("create session", err)
	}
	m.logger.Info("session created", "user_id", userID, "session_id", sess.ID)
	return sess, nil
}

func (m *Manager) newID(at time.Time) string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), m.entropy).String()
}

func fromRecord(rec database.SessionRecord) *Session {
	return &Session{
		ID:             rec.ID,
		UserID:         rec.UserID,
		State:          State(rec.State),
		MessageCount:   rec.MessageCount,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
	}
}

func toTurns(recs []database.TurnRecord) []Turn {
	out := make([]Turn, 0, len(recs))
	for _, r := range recs {
		out = append(out, Turn{
			UserMessage:       r.UserMessage,
			AssistantResponse: r.AssistantResponse,
			IsError:           r.IsError,
			Timestamp:         r.CreatedAt,
		})
	}
	return out
}
