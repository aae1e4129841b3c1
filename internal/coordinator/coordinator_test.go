package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streamledger/chatstream/internal/codec"
	"github.com/streamledger/chatstream/internal/hub"
	"github.com/streamledger/chatstream/internal/ledger"
	"github.com/streamledger/chatstream/internal/provider"
	"github.com/streamledger/chatstream/internal/stream"
)

// fakeLedger applies ceil(tokens x rate) math in-process and records
// every call for assertions.
type fakeLedger struct {
	mu            sync.Mutex
	rates         *ledger.RateTable
	balance       int64
	allocated     map[string]int64
	models        map[string]string
	settled       map[string]ledger.Settlement
	finalizeCalls int
	abortCalls    int
	abortTokens   int64
	settleFails   int
}

func newFakeLedger(balance int64) *fakeLedger {
	table, _ := ledger.ParseRateTable([]byte("default: 2.0\n"))
	return &fakeLedger{
		rates:     table,
		balance:   balance,
		allocated: map[string]int64{},
		models:    map[string]string{},
		settled:   map[string]ledger.Settlement{},
	}
}

func (f *fakeLedger) Reserve(ctx context.Context, sessionID, modelID string, estimatedTokens int64) ledger.ReserveResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	credits := f.rates.Allocate(modelID, estimatedTokens)
	if credits > f.balance {
		return ledger.ReserveResult{Outcome: ledger.ReserveInsufficient}
	}
	f.balance -= credits
	f.allocated[sessionID] = credits
	f.models[sessionID] = modelID
	return ledger.ReserveResult{Outcome: ledger.ReserveOK, ReservationID: "rsv-" + sessionID, AllocatedCredits: credits}
}

func (f *fakeLedger) settle(sessionID string, tokens int64) (ledger.Settlement, error) {
	if f.settleFails > 0 {
		f.settleFails--
		return ledger.Settlement{}, ledger.ErrUnsettled
	}
	if prev, ok := f.settled[sessionID]; ok {
		return prev, nil
	}
	allocated := f.allocated[sessionID]
	charged := f.rates.Cost(f.models[sessionID], tokens)
	s := ledger.Settlement{
		AllocatedCredits: allocated,
		ChargedCredits:   charged,
		RefundedCredits:  allocated - charged,
	}
	f.settled[sessionID] = s
	f.balance += s.RefundedCredits
	return s, nil
}

func (f *fakeLedger) Finalize(ctx context.Context, sessionID, reservationID string, chargedTokens int64) (ledger.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	return f.settle(sessionID, chargedTokens)
}

func (f *fakeLedger) Abort(ctx context.Context, sessionID, reservationID string, tokensGenerated int64) (ledger.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	f.abortTokens = tokensGenerated
	return f.settle(sessionID, tokensGenerated)
}

// fakeProvider replays scripted fragments on a fixed cadence.
type fakeProvider struct {
	mu        sync.Mutex
	fragments []string
	interval  time.Duration
	openErrs  []error // consumed per OpenStream call before success
	opened    int
	midErr    error // delivered after all fragments instead of EOF
	hold      bool  // never finish the stream on its own
}

func (f *fakeProvider) OpenStream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	f.mu.Lock()
	f.opened++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	fragments := f.fragments
	interval := f.interval
	midErr := f.midErr
	hold := f.hold
	f.mu.Unlock()

	ch := make(chan provider.StreamEvent, 4)
	go func() {
		defer close(ch)
		for _, frag := range fragments {
			if interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
			select {
			case ch <- provider.StreamEvent{Payload: []byte(frag)}:
			case <-ctx.Done():
				return
			}
		}
		if midErr != nil {
			select {
			case ch <- provider.StreamEvent{Err: midErr}:
			case <-ctx.Done():
			}
			return
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

type recordingArchive struct {
	mu        sync.Mutex
	sessions  []stream.Session
	unsettled []string
}

func (a *recordingArchive) SaveSession(ctx context.Context, s stream.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = append(a.sessions, s)
	return nil
}

func (a *recordingArchive) RecordUnsettled(ctx context.Context, sessionID, reservationID, modelID string, tokens int64, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unsettled = append(a.unsettled, sessionID)
	return nil
}

// tokenFragments builds flat-array fragments totalling n tokens at 4
// chars per token.
func tokenFragments(n int) []string {
	frags := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		frags = append(frags, `{"choices":[{"delta":{"content":"abcd"}}]}`)
	}
	return frags
}

func newTestCoordinator(t *testing.T, lg Ledger, pc provider.Client, cfg Config) (*Coordinator, *hub.Hub) {
	t.Helper()
	h := hub.New(nil)
	c := New(context.Background(), lg, pc, codec.NewRegistry(), h, cfg)
	return c, h
}

func drain(t *testing.T, events <-chan stream.ChunkEvent) []stream.ChunkEvent {
	t.Helper()
	var out []stream.ChunkEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, open := <-events:
			if !open {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not terminate; got %d events", len(out))
		}
	}
}

func TestNormalCompletionChargesActualTokens(t *testing.T) {
	// Reserve 1000 credits for estimate 500 at rate 2; emit 300 tokens;
	// finalize charges 600 and refunds 400.
	lg := newFakeLedger(10_000)
	frags := append(tokenFragments(299),
		`{"choices":[],"usage":{"prompt_tokens":20,"completion_tokens":300,"total_tokens":320}}`,
		`[DONE]`)
	pc := &fakeProvider{fragments: frags}
	c, _ := newTestCoordinator(t, lg, pc, Config{})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		OwnerID:         "u1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if handle.AllocatedCredits != 1000 {
		t.Fatalf("expected 1000 allocated, got %d", handle.AllocatedCredits)
	}

	events := drain(t, handle.Events)
	sess := handle.Session()
	if sess.Status != stream.StatusCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if sess.TokensGenerated != 300 {
		t.Fatalf("expected 300 tokens, got %d", sess.TokensGenerated)
	}
	if sess.ChargedCredits != 600 || sess.RefundedCredits != 400 {
		t.Fatalf("unexpected settlement charged=%d refunded=%d", sess.ChargedCredits, sess.RefundedCredits)
	}
	if lg.finalizeCalls != 1 || lg.abortCalls != 0 {
		t.Fatalf("expected exactly one finalize, got f=%d a=%d", lg.finalizeCalls, lg.abortCalls)
	}

	// Terminal pair: metadata then end, in sequence order.
	if len(events) < 2 {
		t.Fatalf("too few events: %d", len(events))
	}
	last, prev := events[len(events)-1], events[len(events)-2]
	if prev.Kind != stream.EventMetadata || last.Kind != stream.EventEnd {
		t.Fatalf("expected metadata+end tail, got %s then %s", prev.Kind, last.Kind)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}
}

func TestInsufficientCreditsNeverOpensProvider(t *testing.T) {
	lg := newFakeLedger(10) // cannot cover any reasonable estimate
	pc := &fakeProvider{fragments: tokenFragments(5)}
	c, _ := newTestCoordinator(t, lg, pc, Config{})

	_, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if pc.opened != 0 {
		t.Fatalf("provider must not be contacted, opened=%d", pc.opened)
	}
	if lg.finalizeCalls != 0 || lg.abortCalls != 0 {
		t.Fatalf("no settlement may occur, f=%d a=%d", lg.finalizeCalls, lg.abortCalls)
	}
	if c.ActiveConversations() != 0 {
		t.Fatalf("conversation slot leaked")
	}
}

func TestLedgerUnreachableFailsClosed(t *testing.T) {
	pc := &fakeProvider{fragments: tokenFragments(5)}
	c, _ := newTestCoordinator(t, unreachableLedger{}, pc, Config{})
	_, err := c.Start(context.Background(), Request{
		ConversationID: "conv-1",
		ModelID:        "gpt-4o",
		Messages:       []provider.Message{{Role: "user", Content: "hello"}},
	})
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
	if pc.opened != 0 {
		t.Fatalf("provider must not be contacted")
	}
}

type unreachableLedger struct{}

func (unreachableLedger) Reserve(context.Context, string, string, int64) ledger.ReserveResult {
	return ledger.ReserveResult{Outcome: ledger.ReserveUnreachable, Err: errors.New("dial refused")}
}
func (unreachableLedger) Finalize(context.Context, string, string, int64) (ledger.Settlement, error) {
	return ledger.Settlement{}, ledger.ErrUnsettled
}
func (unreachableLedger) Abort(context.Context, string, string, int64) (ledger.Settlement, error) {
	return ledger.Settlement{}, ledger.ErrUnsettled
}

func TestSecondSessionForConversationRejected(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	pc := &fakeProvider{fragments: tokenFragments(3), interval: 50 * time.Millisecond, hold: true}
	c, _ := newTestCoordinator(t, lg, pc, Config{})

	req := Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 100,
	}
	handle, err := c.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(context.Background(), req); !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("expected ErrConversationBusy, got %v", err)
	}
	// A different conversation is unaffected.
	req2 := req
	req2.ConversationID = "conv-2"
	h2, err := c.Start(context.Background(), req2)
	if err != nil {
		t.Fatalf("Start conv-2: %v", err)
	}
	handle.PrimaryDisconnected()
	h2.PrimaryDisconnected()
	drain(t, handle.Events)
	drain(t, h2.Events)
}

func TestTimeoutAbortsWithPartialSettlement(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	// Never-ending stream: 120 tokens then silence.
	pc := &fakeProvider{fragments: tokenFragments(120), hold: true}
	c, _ := newTestCoordinator(t, lg, pc, Config{MaxStreamDuration: 300 * time.Millisecond})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := drain(t, handle.Events)

	sess := handle.Session()
	if sess.Status != stream.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", sess.Status)
	}
	if lg.abortCalls != 1 {
		t.Fatalf("expected one abort, got %d", lg.abortCalls)
	}
	if lg.abortTokens != sess.TokensGenerated || lg.abortTokens == 0 {
		t.Fatalf("abort tokens %d vs session %d", lg.abortTokens, sess.TokensGenerated)
	}

	// Tail is an error event with the timeout code, then end.
	if len(events) < 2 {
		t.Fatalf("too few events %d", len(events))
	}
	errEv, endEv := events[len(events)-2], events[len(events)-1]
	if errEv.Kind != stream.EventError || errEv.Err == nil || errEv.Err.Code != CodeStreamTimeout {
		t.Fatalf("expected %s error event, got %+v", CodeStreamTimeout, errEv)
	}
	if endEv.Kind != stream.EventEnd {
		t.Fatalf("expected trailing end event, got %+v", endEv)
	}
}

func TestMidStreamProviderFailureIsNotRetried(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	pc := &fakeProvider{fragments: tokenFragments(10), midErr: fmt.Errorf("connection reset")}
	c, _ := newTestCoordinator(t, lg, pc, Config{})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := drain(t, handle.Events)

	if pc.opened != 1 {
		t.Fatalf("mid-stream failure must not reconnect, opened=%d", pc.opened)
	}
	if handle.Session().Status != stream.StatusAborted {
		t.Fatalf("expected aborted, got %s", handle.Session().Status)
	}
	if lg.abortCalls != 1 {
		t.Fatalf("expected one abort, got %d", lg.abortCalls)
	}
	errEv := events[len(events)-2]
	if errEv.Kind != stream.EventError || errEv.Err.Code != CodeProviderError {
		t.Fatalf("expected provider error event, got %+v", errEv)
	}
}

func TestConnectRetriesBeforeFirstToken(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	throttle := &provider.Error{Kind: provider.ErrKindThrottled, Status: 429, Message: "slow down"}
	pc := &fakeProvider{
		fragments: append(tokenFragments(2), `[DONE]`),
		openErrs:  []error{throttle, throttle},
	}
	c, _ := newTestCoordinator(t, lg, pc, Config{ConnectRetries: 3, RetryBackoff: time.Millisecond})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 100,
	})
	if err != nil {
		t.Fatalf("Start should succeed on third attempt: %v", err)
	}
	drain(t, handle.Events)
	if pc.opened != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", pc.opened)
	}
	if handle.Session().Status != stream.StatusCompleted {
		t.Fatalf("expected completed, got %s", handle.Session().Status)
	}
}

func TestAuthErrorIsFatalAndSettlesZero(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	pc := &fakeProvider{openErrs: []error{&provider.Error{Kind: provider.ErrKindAuth, Status: 401, Message: "bad key"}}}
	c, _ := newTestCoordinator(t, lg, pc, Config{ConnectRetries: 3, RetryBackoff: time.Millisecond})

	_, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 100,
	})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Kind != provider.ErrKindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if pc.opened != 1 {
		t.Fatalf("auth errors must not be retried, opened=%d", pc.opened)
	}
	if lg.abortCalls != 1 || lg.abortTokens != 0 {
		t.Fatalf("expected Abort(0), calls=%d tokens=%d", lg.abortCalls, lg.abortTokens)
	}
}

func TestMalformedFragmentsAreSkipped(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	frags := []string{
		`{"choices":[{"delta":{"content":"ok1"}}]}`,
		`this is not json`,
		`{"choices":[{"delta":{"con`, // truncated
		``,
		`{"choices":[{"delta":{"content":"ok2"}}]}`,
		`[DONE]`,
	}
	pc := &fakeProvider{fragments: frags}
	c, _ := newTestCoordinator(t, lg, pc, Config{})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 100,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := drain(t, handle.Events)

	var tokens []string
	for _, ev := range events {
		if ev.Kind == stream.EventToken {
			tokens = append(tokens, ev.Text)
		}
	}
	if len(tokens) != 2 || tokens[0] != "ok1" || tokens[1] != "ok2" {
		t.Fatalf("unexpected tokens %v", tokens)
	}
	if handle.Session().Status != stream.StatusCompleted {
		t.Fatalf("malformed fragments must not kill the stream, status=%s", handle.Session().Status)
	}
}

func TestEstimateCapStopsSpending(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	// 50 fragments of 4 chars = estimate 10 reached long before the end.
	pc := &fakeProvider{fragments: tokenFragments(50), hold: true}
	c, _ := newTestCoordinator(t, lg, pc, Config{})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 10,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, handle.Events)

	sess := handle.Session()
	if sess.TokensGenerated != 10 {
		t.Fatalf("tokens must be capped at the estimate, got %d", sess.TokensGenerated)
	}
	if sess.ChargedCredits > sess.AllocatedCredits {
		t.Fatalf("charged %d beyond allocation %d", sess.ChargedCredits, sess.AllocatedCredits)
	}
	if sess.RefundedCredits < 0 {
		t.Fatalf("negative refund %d", sess.RefundedCredits)
	}
}

func TestDisconnectWithoutObserversAborts(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	pc := &fakeProvider{fragments: tokenFragments(5), interval: 20 * time.Millisecond, hold: true}
	c, _ := newTestCoordinator(t, lg, pc, Config{ContinueForObservers: true})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-handle.Events // at least one token flowed
	handle.PrimaryDisconnected()
	drain(t, handle.Events)

	if handle.Session().Status != stream.StatusAborted {
		t.Fatalf("expected aborted, got %s", handle.Session().Status)
	}
	if lg.abortCalls != 1 {
		t.Fatalf("expected one abort, got %d", lg.abortCalls)
	}
}

func TestDisconnectWithObserversContinues(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	frags := append(tokenFragments(5), `[DONE]`)
	pc := &fakeProvider{fragments: frags, interval: 20 * time.Millisecond}
	c, h := newTestCoordinator(t, lg, pc, Config{ContinueForObservers: true})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sub, err := h.Subscribe(handle.SessionID, "obs-1", 64)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	<-handle.Events
	handle.PrimaryDisconnected()

	var got []stream.ChunkEvent
	for ev := range sub.Events {
		got = append(got, ev)
	}
	if handle.Session().Status != stream.StatusCompleted {
		t.Fatalf("stream should finish for observers, got %s", handle.Session().Status)
	}
	if lg.finalizeCalls != 1 || lg.abortCalls != 0 {
		t.Fatalf("expected finalize only, f=%d a=%d", lg.finalizeCalls, lg.abortCalls)
	}
	if len(got) == 0 || got[len(got)-1].Kind != stream.EventEnd {
		t.Fatalf("observer should see the stream to its end, got %d events", len(got))
	}
}

func TestUnsettledSessionsGoToReconciliation(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	lg.settleFails = 10
	pc := &fakeProvider{fragments: append(tokenFragments(2), `[DONE]`)}
	c, _ := newTestCoordinator(t, lg, pc, Config{})
	arch := &recordingArchive{}
	c.SetArchiver(arch)

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 100,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	drain(t, handle.Events)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if len(arch.unsettled) != 1 || arch.unsettled[0] != handle.SessionID {
		t.Fatalf("expected unsettled record for %s, got %v", handle.SessionID, arch.unsettled)
	}
	if len(arch.sessions) != 1 {
		t.Fatalf("terminal session should still be archived, got %d", len(arch.sessions))
	}
}

func TestObserversSeeSameOrderFromSubscriptionPoint(t *testing.T) {
	lg := newFakeLedger(1_000_000)
	frags := append(tokenFragments(20), `[DONE]`)
	pc := &fakeProvider{fragments: frags, interval: 5 * time.Millisecond}
	c, h := newTestCoordinator(t, lg, pc, Config{})

	handle, err := c.Start(context.Background(), Request{
		ConversationID:  "conv-1",
		ModelID:         "gpt-4o",
		Messages:        []provider.Message{{Role: "user", Content: "hello"}},
		EstimatedTokens: 500,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	early, err := h.Subscribe(handle.SessionID, "early", 64)
	if err != nil {
		t.Fatalf("Subscribe early: %v", err)
	}
	// Let some events pass before the late observer attaches.
	select {
	case <-handle.Events:
	case <-time.After(5 * time.Second):
		t.Fatalf("no events")
	}
	late, err := h.Subscribe(handle.SessionID, "late", 64)
	if err != nil {
		t.Fatalf("Subscribe late: %v", err)
	}

	collect := func(ch <-chan stream.ChunkEvent) []stream.ChunkEvent {
		var out []stream.ChunkEvent
		for ev := range ch {
			out = append(out, ev)
		}
		return out
	}
	earlyEvents := collect(early.Events)
	lateEvents := collect(late.Events)
	drain(t, handle.Events)

	if len(lateEvents) == 0 || len(earlyEvents) < len(lateEvents) {
		t.Fatalf("unexpected event counts early=%d late=%d", len(earlyEvents), len(lateEvents))
	}
	// The late observer's stream is a suffix of the early observer's.
	offset := len(earlyEvents) - len(lateEvents)
	for i, ev := range lateEvents {
		if ev.Sequence != earlyEvents[offset+i].Sequence {
			t.Fatalf("order mismatch at %d: %d vs %d", i, ev.Sequence, earlyEvents[offset+i].Sequence)
		}
	}
	firstLate := lateEvents[0].Sequence
	for _, ev := range earlyEvents[:offset] {
		if ev.Sequence >= firstLate {
			t.Fatalf("late observer missed replayable event %d", ev.Sequence)
		}
	}
}
