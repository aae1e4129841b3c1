// Package archive persists terminal sessions and the reconciliation
// queue for settlements that could not be delivered to the ledger.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/streamledger/chatstream/internal/stream"
)

// ErrNotFound is returned when a session id has no archived record.
var ErrNotFound = errors.New("archive: session not found")

// UnsettledEntry is a settlement the ledger never acknowledged. A
// reconciliation job replays these against the ledger out of band.
type UnsettledEntry struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"sessionId"`
	ReservationID   string    `json:"reservationId"`
	ModelID         string    `json:"modelId"`
	TokensGenerated int64     `json:"tokensGenerated"`
	Reason          string    `json:"reason"`
	Reconciled      bool      `json:"reconciled"`
	RecordedAt      time.Time `json:"recordedAt"`
}

// Store is the persistence surface for session history and
// reconciliation records.
type Store interface {
	// SaveSession upserts a terminal session record.
	SaveSession(ctx context.Context, s stream.Session) error
	// GetSession returns one archived session or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (stream.Session, error)
	// ListSessions returns the most recent sessions for an owner, newest
	// first. An empty owner lists across all owners.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]stream.Session, error)
	// RecordUnsettled queues a failed settlement for reconciliation.
	RecordUnsettled(ctx context.Context, sessionID, reservationID, modelID string, tokensGenerated int64, reason string) error
	// ListUnsettled returns settlements still awaiting reconciliation.
	ListUnsettled(ctx context.Context) ([]UnsettledEntry, error)
	// MarkReconciled flags one reconciliation entry as replayed.
	MarkReconciled(ctx context.Context, id int64) error
	// Close releases underlying database resources.
	Close() error
}
