package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/streamledger/chatstream/internal/archive"
	"github.com/streamledger/chatstream/internal/stream"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSession(id string, startedAt time.Time) stream.Session {
	return stream.Session{
		ID:               id,
		ConversationID:   "conv-1",
		OwnerID:          "u1",
		ModelID:          "gpt-4o",
		Status:           stream.StatusCompleted,
		EstimatedTokens:  500,
		TokensGenerated:  300,
		ReservationID:    "rsv-" + id,
		AllocatedCredits: 1000,
		ChargedCredits:   600,
		RefundedCredits:  400,
		Output:           "hello world",
		Observers:        []string{"obs-1", "obs-2"},
		StartedAt:        startedAt,
		EndedAt:          startedAt.Add(3 * time.Second),
	}
}

func TestSaveAndGetSession(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	want := sampleSession("s1", time.Now().UTC().Truncate(time.Second))

	if err := store.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != want.Status || got.TokensGenerated != want.TokensGenerated {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.ChargedCredits != 600 || got.RefundedCredits != 400 {
		t.Fatalf("settlement mismatch: charged=%d refunded=%d", got.ChargedCredits, got.RefundedCredits)
	}
	if len(got.Observers) != 2 || got.Observers[0] != "obs-1" {
		t.Fatalf("observers mismatch: %v", got.Observers)
	}
	if got.EndedAt.IsZero() {
		t.Fatalf("ended_at not persisted")
	}
}

func TestSaveSessionUpserts(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sess := sampleSession("s1", time.Now().UTC())
	sess.Status = stream.StatusStreaming
	sess.ChargedCredits = 0
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	sess.Status = stream.StatusCompleted
	sess.ChargedCredits = 600
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != stream.StatusCompleted || got.ChargedCredits != 600 {
		t.Fatalf("upsert did not apply: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newStore(t)
	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, archive.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		sess := sampleSession(id, base.Add(time.Duration(i)*time.Minute))
		if err := store.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession %s: %v", id, err)
		}
	}

	got, err := store.ListSessions(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected ordering: %s, %s", got[0].ID, got[1].ID)
	}

	other, err := store.ListSessions(ctx, "nobody", 10)
	if err != nil {
		t.Fatalf("ListSessions other owner: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no sessions for unknown owner, got %d", len(other))
	}
}

func TestUnsettledLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	if err := store.RecordUnsettled(ctx, "s1", "rsv-1", "gpt-4o", 120, "finalize failed"); err != nil {
		t.Fatalf("RecordUnsettled: %v", err)
	}
	if err := store.RecordUnsettled(ctx, "s2", "rsv-2", "claude-3", 40, "abort failed"); err != nil {
		t.Fatalf("RecordUnsettled: %v", err)
	}

	pending, err := store.ListUnsettled(ctx)
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].SessionID != "s1" || pending[0].TokensGenerated != 120 {
		t.Fatalf("unexpected first entry: %+v", pending[0])
	}

	if err := store.MarkReconciled(ctx, pending[0].ID); err != nil {
		t.Fatalf("MarkReconciled: %v", err)
	}
	pending, err = store.ListUnsettled(ctx)
	if err != nil {
		t.Fatalf("ListUnsettled: %v", err)
	}
	if len(pending) != 1 || pending[0].SessionID != "s2" {
		t.Fatalf("expected only s2 pending, got %+v", pending)
	}

	if err := store.MarkReconciled(ctx, 9999); err == nil {
		t.Fatalf("expected error for unknown entry id")
	}
}

func TestRecordUnsettledValidation(t *testing.T) {
	store := newStore(t)
	if err := store.RecordUnsettled(context.Background(), "", "rsv", "m", 1, "x"); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}
