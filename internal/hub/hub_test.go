package hub

import (
	"errors"
	"testing"
	"time"

	"github.com/streamledger/chatstream/internal/stream"
)

func tokenEvent(seq int64, text string) stream.ChunkEvent {
	return stream.ChunkEvent{Kind: stream.EventToken, Sequence: seq, Text: text}
}

func TestSubscribeUnknownSession(t *testing.T) {
	h := New(nil)
	if _, err := h.Subscribe("nope", "obs-1", 4); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestOpenTwiceRejected(t *testing.T) {
	h := New(nil)
	if err := h.Open("s1", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Open("s1", nil); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestBroadcastOrderToPrimaryAndObservers(t *testing.T) {
	h := New(nil)
	var primary []stream.ChunkEvent
	if err := h.Open("s1", func(ev stream.ChunkEvent) { primary = append(primary, ev) }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub, err := h.Subscribe("s1", "obs-1", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := int64(0); i < 5; i++ {
		h.Broadcast("s1", tokenEvent(i, "t"))
	}
	h.Close("s1")

	if len(primary) != 5 {
		t.Fatalf("primary got %d events", len(primary))
	}
	var got []stream.ChunkEvent
	for ev := range sub.Events {
		got = append(got, ev)
	}
	if len(got) != 5 {
		t.Fatalf("observer got %d events", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != int64(i) {
			t.Fatalf("out of order at %d: %+v", i, ev)
		}
		if primary[i].Sequence != int64(i) {
			t.Fatalf("primary out of order at %d: %+v", i, primary[i])
		}
	}
}

func TestLateObserverSeesOnlyLaterEvents(t *testing.T) {
	h := New(nil)
	if err := h.Open("s1", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.Broadcast("s1", tokenEvent(0, "early"))
	h.Broadcast("s1", tokenEvent(1, "early"))

	sub, err := h.Subscribe("s1", "late", 8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	h.Broadcast("s1", tokenEvent(2, "late"))
	h.Close("s1")

	var got []stream.ChunkEvent
	for ev := range sub.Events {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Sequence != 2 {
		t.Fatalf("late observer must only see later events, got %+v", got)
	}
}

func TestSlowObserverDroppedNotBlocking(t *testing.T) {
	h := New(nil)
	if err := h.Open("s1", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	slow, err := h.Subscribe("s1", "slow", 2)
	if err != nil {
		t.Fatalf("Subscribe slow: %v", err)
	}
	fast, err := h.Subscribe("s1", "fast", 64)
	if err != nil {
		t.Fatalf("Subscribe fast: %v", err)
	}

	// Nobody drains "slow"; broadcasting far past its queue must finish
	// promptly and keep delivering to "fast".
	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 10; i++ {
			h.Broadcast("s1", tokenEvent(i, "t"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast stalled behind a slow observer")
	}

	if n := h.ObserverCount("s1"); n != 1 {
		t.Fatalf("slow observer should have been dropped, count=%d", n)
	}

	// The slow observer's channel is closed after its buffered events.
	drained := 0
	for range slow.Events {
		drained++
	}
	if drained != 2 {
		t.Fatalf("slow observer kept %d buffered events, want 2", drained)
	}

	h.Close("s1")
	got := 0
	for range fast.Events {
		got++
	}
	if got != 10 {
		t.Fatalf("fast observer got %d events, want 10", got)
	}
}

func TestDetachPrimaryReportsRemainingObservers(t *testing.T) {
	h := New(nil)
	if err := h.Open("s1", func(stream.ChunkEvent) {}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := h.DetachPrimary("s1"); n != 0 {
		t.Fatalf("expected 0 observers, got %d", n)
	}

	if err := h.Open("s2", func(stream.ChunkEvent) {}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Subscribe("s2", "obs-1", 4); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := h.DetachPrimary("s2"); n != 1 {
		t.Fatalf("expected 1 observer, got %d", n)
	}
}

func TestUnsubscribeAndCloseAreIdempotent(t *testing.T) {
	h := New(nil)
	if err := h.Open("s1", nil); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sub, err := h.Subscribe("s1", "obs-1", 4)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe() // no panic, no double close

	h.Close("s1")
	h.Close("s1")

	if _, err := h.Subscribe("s1", "obs-2", 4); !errors.Is(err, ErrSessionNotActive) {
		t.Fatalf("closed session must reject subscribers, got %v", err)
	}
	if ids := h.Active(); len(ids) != 0 {
		t.Fatalf("expected no active sessions, got %v", ids)
	}
}

func TestActiveListsSessions(t *testing.T) {
	h := New(nil)
	_ = h.Open("b", nil)
	_ = h.Open("a", nil)
	ids := h.Active()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("unexpected active list %v", ids)
	}
}
