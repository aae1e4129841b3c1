package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/streamledger/chatstream/internal/archive"
	"github.com/streamledger/chatstream/internal/stream"
)

// Store implements archive.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ archive.Store = (*Store)(nil)

// New opens (or creates) a SQLite archive at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	owner_id TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL,
	status TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	tokens_generated INTEGER NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	allocated_credits INTEGER NOT NULL,
	charged_credits INTEGER NOT NULL,
	refunded_credits INTEGER NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	observers TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_started ON sessions(owner_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id);

CREATE TABLE IF NOT EXISTS unsettled (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL,
	tokens_generated INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	reconciled INTEGER NOT NULL DEFAULT 0,
	recorded_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_unsettled_pending ON unsettled(reconciled, recorded_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession upserts a session record. Re-saving the same session id
// replaces the row, so late settlement updates win.
func (s *Store) SaveSession(ctx context.Context, sess stream.Session) error {
	if sess.ID == "" {
		return errors.New("archive save requires session id")
	}
	var endedAt interface{}
	if !sess.EndedAt.IsZero() {
		endedAt = sess.EndedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, conversation_id, owner_id, model_id, status, estimated_tokens, tokens_generated,
	reservation_id, allocated_credits, charged_credits, refunded_credits, output, observers, started_at, ended_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	tokens_generated = excluded.tokens_generated,
	charged_credits = excluded.charged_credits,
	refunded_credits = excluded.refunded_credits,
	output = excluded.output,
	observers = excluded.observers,
	ended_at = excluded.ended_at`,
		sess.ID,
		sess.ConversationID,
		sess.OwnerID,
		sess.ModelID,
		string(sess.Status),
		sess.EstimatedTokens,
		sess.TokensGenerated,
		sess.ReservationID,
		sess.AllocatedCredits,
		sess.ChargedCredits,
		sess.RefundedCredits,
		sess.Output,
		strings.Join(sess.Observers, ","),
		sess.StartedAt,
		endedAt,
	)
	return err
}

const sessionColumns = `id, conversation_id, owner_id, model_id, status, estimated_tokens, tokens_generated,
	reservation_id, allocated_credits, charged_credits, refunded_credits, output, observers, started_at, ended_at`

// GetSession returns one archived session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (stream.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Session{}, archive.ErrNotFound
	}
	return sess, err
}

// ListSessions returns the newest sessions, optionally filtered by owner.
func (s *Store) ListSessions(ctx context.Context, ownerID string, limit int) ([]stream.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT ` + sessionColumns + `
FROM sessions`
	args := []interface{}{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []stream.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (stream.Session, error) {
	var sess stream.Session
	var status, observers string
	var endedAt sql.NullTime
	if err := row.Scan(
		&sess.ID,
		&sess.ConversationID,
		&sess.OwnerID,
		&sess.ModelID,
		&status,
		&sess.EstimatedTokens,
		&sess.TokensGenerated,
		&sess.ReservationID,
		&sess.AllocatedCredits,
		&sess.ChargedCredits,
		&sess.RefundedCredits,
		&sess.Output,
		&observers,
		&sess.StartedAt,
		&endedAt,
	); err != nil {
		return stream.Session{}, err
	}
	sess.Status = stream.Status(status)
	if observers != "" {
		sess.Observers = strings.Split(observers, ",")
	}
	if endedAt.Valid {
		sess.EndedAt = endedAt.Time
	}
	return sess, nil
}

// RecordUnsettled queues a failed settlement for later reconciliation.
func (s *Store) RecordUnsettled(ctx context.Context, sessionID, reservationID, modelID string, tokensGenerated int64, reason string) error {
	if sessionID == "" {
		return errors.New("unsettled record requires session id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO unsettled(session_id, reservation_id, model_id, tokens_generated, reason, recorded_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID,
		reservationID,
		modelID,
		tokensGenerated,
		reason,
		time.Now().UTC(),
	)
	return err
}

// ListUnsettled returns pending reconciliation entries, oldest first.
func (s *Store) ListUnsettled(ctx context.Context) ([]archive.UnsettledEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, reservation_id, model_id, tokens_generated, reason, reconciled, recorded_at
FROM unsettled
WHERE reconciled = 0
ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []archive.UnsettledEntry
	for rows.Next() {
		var e archive.UnsettledEntry
		var reconciled int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ReservationID, &e.ModelID, &e.TokensGenerated, &e.Reason, &reconciled, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Reconciled = reconciled != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkReconciled flags one entry as replayed against the ledger.
func (s *Store) MarkReconciled(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE unsettled SET reconciled = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unsettled entry %d not found", id)
	}
	return nil
}
