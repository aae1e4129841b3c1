package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/streamledger/chatstream/internal/archive"
	"github.com/streamledger/chatstream/internal/stream"
)

// Store implements archive.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ archive.Store = (*Store)(nil)

// New opens a PostgreSQL-backed archive using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	estimated_tokens BIGINT NOT NULL,
	tokens_generated BIGINT NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	allocated_credits BIGINT NOT NULL,
	charged_credits BIGINT NOT NULL,
	refunded_credits BIGINT NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	observers TEXT[] NOT NULL DEFAULT '{}',
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner_started ON sessions(owner_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON sessions(conversation_id);

CREATE TABLE IF NOT EXISTS unsettled (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	reservation_id TEXT NOT NULL DEFAULT '',
	model_id TEXT NOT NULL,
	tokens_generated BIGINT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	reconciled BOOLEAN NOT NULL DEFAULT FALSE,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

// SaveSession upserts a session record.
func (s *Store) SaveSession(ctx context.Context, sess stream.Session) error {
	if sess.ID == "" {
		return errors.New("archive save requires session id")
	}
	var endedAt interface{}
	if !sess.EndedAt.IsZero() {
		endedAt = sess.EndedAt
	}
	observers := sess.Observers
	if observers == nil {
		observers = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(id, conversation_id, owner_id, model_id, status, estimated_tokens, tokens_generated,
	reservation_id, allocated_credits, charged_credits, refunded_credits, output, observers, started_at, ended_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
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
		pq.Array(observers),
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
WHERE id = $1`, sessionID)
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
	var (
		rows *sql.Rows
		err  error
	)
	if ownerID != "" {
		rows, err = s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE owner_id = $1
ORDER BY started_at DESC
LIMIT $2`, ownerID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
ORDER BY started_at DESC
LIMIT $1`, limit)
	}
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
	var status string
	var observers pq.StringArray
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
	if len(observers) > 0 {
		sess.Observers = []string(observers)
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
VALUES($1, $2, $3, $4, $5, $6)`,
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
WHERE reconciled = FALSE
ORDER BY recorded_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []archive.UnsettledEntry
	for rows.Next() {
		var e archive.UnsettledEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ReservationID, &e.ModelID, &e.TokensGenerated, &e.Reason, &e.Reconciled, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkReconciled flags one entry as replayed against the ledger.
func (s *Store) MarkReconciled(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE unsettled SET reconciled = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unsettled entry %d not found", id)
	}
	return nil
}
