package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamledger/chatstream/internal/codec"
	"github.com/streamledger/chatstream/internal/hub"
	"github.com/streamledger/chatstream/internal/ledger"
	"github.com/streamledger/chatstream/internal/provider"
	"github.com/streamledger/chatstream/internal/stream"
)

// Errors surfaced synchronously to the caller before any streaming
// starts. Everything else arrives as an error event inside the stream.
var (
	ErrConversationBusy    = errors.New("coordinator: conversation already has an active session")
	ErrInsufficientCredits = errors.New("coordinator: insufficient credits")
	ErrLedgerUnavailable   = errors.New("coordinator: credit ledger unreachable")
	ErrModelUnsupported    = errors.New("coordinator: no codec registered for model")
)

// Error event codes delivered inside an open stream.
const (
	CodeStreamTimeout      = "STREAM_TIMEOUT"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeClientDisconnected = "CLIENT_DISCONNECTED"
)

// Ledger is the credit accounting dependency.
type Ledger interface {
	Reserve(ctx context.Context, sessionID, modelID string, estimatedTokens int64) ledger.ReserveResult
	Finalize(ctx context.Context, sessionID, reservationID string, chargedTokens int64) (ledger.Settlement, error)
	Abort(ctx context.Context, sessionID, reservationID string, tokensGenerated int64) (ledger.Settlement, error)
}

// Archiver receives terminal sessions and unsettled settlements. Both
// calls are best effort from the coordinator's point of view.
type Archiver interface {
	SaveSession(ctx context.Context, s stream.Session) error
	RecordUnsettled(ctx context.Context, sessionID, reservationID, modelID string, tokensGenerated int64, reason string) error
}

// Metrics is the subset of the collector the coordinator reports to.
type Metrics interface {
	RecordSessionStart(modelID string)
	RecordSessionEnd(modelID string, status stream.Status, tokensGenerated int64)
	RecordSettlement(charged, refunded int64)
}

// Config tunes one coordinator instance.
type Config struct {
	// MaxStreamDuration bounds one session end to end.
	MaxStreamDuration time.Duration
	// ConnectRetries bounds provider connection attempts before the
	// first token. Mid-stream failures are never retried.
	ConnectRetries int
	// RetryBackoff is the initial backoff between connect attempts; it
	// doubles per attempt.
	RetryBackoff time.Duration
	// ResponseTokenAssumption is added to the prompt-derived estimate
	// when the caller does not supply one.
	ResponseTokenAssumption int64
	// PrimaryQueueSize bounds the primary consumer's event queue.
	PrimaryQueueSize int
	// ContinueForObservers keeps a stream alive after the primary
	// client disconnects as long as observers remain attached.
	ContinueForObservers bool
}

func (c *Config) applyDefaults() {
	if c.MaxStreamDuration <= 0 {
		c.MaxStreamDuration = 5 * time.Minute
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.ResponseTokenAssumption <= 0 {
		c.ResponseTokenAssumption = 1024
	}
	if c.PrimaryQueueSize <= 0 {
		c.PrimaryQueueSize = 256
	}
}

// Request starts one streaming exchange.
type Request struct {
	ConversationID string
	OwnerID        string
	ModelID        string
	Messages       []provider.Message
	// EstimatedTokens overrides the computed estimate when positive.
	EstimatedTokens int64
	MaxTokens       int
}

// Coordinator orchestrates streaming sessions: reservation, provider
// call, decode loop, broadcast, settlement. One instance serves the
// whole process; each session runs on its own goroutine.
type Coordinator struct {
	ledger   Ledger
	provider provider.Client
	codecs   *codec.Registry
	hub      *hub.Hub
	archive  Archiver
	metrics  Metrics
	logger   *log.Logger
	cfg      Config

	// baseCtx parents every session so shutdown cancels them all.
	baseCtx context.Context

	mu       sync.Mutex
	active   map[string]string // conversationID -> sessionID
	sessions map[string]*liveSession
}

// New wires a coordinator. archive and metrics may be nil.
func New(baseCtx context.Context, lg Ledger, pc provider.Client, codecs *codec.Registry, h *hub.Hub, cfg Config) *Coordinator {
	cfg.applyDefaults()
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Coordinator{
		ledger:   lg,
		provider: pc,
		codecs:   codecs,
		hub:      h,
		cfg:      cfg,
		baseCtx:  baseCtx,
		active:   make(map[string]string),
		sessions: make(map[string]*liveSession),
	}
}

// SetLogger attaches a logger.
func (c *Coordinator) SetLogger(logger *log.Logger) { c.logger = logger }

// SetArchiver attaches the history-store collaborator.
func (c *Coordinator) SetArchiver(a Archiver) { c.archive = a }

// SetMetrics attaches the metrics collector.
func (c *Coordinator) SetMetrics(m Metrics) { c.metrics = m }

// Handle is the caller's end of a running session: the primary event
// queue plus the disconnect control.
type Handle struct {
	SessionID        string
	EstimatedTokens  int64
	AllocatedCredits int64
	// Events carries the primary copy of the stream. It is closed when
	// the session terminates.
	Events <-chan stream.ChunkEvent

	sess *liveSession
	coor *Coordinator
}

// PrimaryDisconnected tells the coordinator the primary client went
// away. Whether the stream survives depends on attached observers and
// the ContinueForObservers policy.
func (h *Handle) PrimaryDisconnected() {
	h.coor.primaryDisconnected(h.sess)
}

// Session returns a snapshot of the session state.
func (h *Handle) Session() stream.Session {
	return h.sess.snapshot()
}

// liveSession is the single-writer mutable state behind a Handle.
type liveSession struct {
	mu    sync.Mutex
	s     stream.Session
	seq   int64
	chars int64 // accumulated output bytes, for token estimation

	cancel      context.CancelCauseFunc
	settleOnce  sync.Once
	primaryCh   chan stream.ChunkEvent
	primaryGone bool
}

func (ls *liveSession) snapshot() stream.Session {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.s
}

func (ls *liveSession) nextSeq() int64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	seq := ls.seq
	ls.seq++
	return seq
}

// causes used to tell the abort paths apart when the session context is
// canceled.
var (
	causeDisconnect = errors.New("primary client disconnected")
	causeShutdown   = errors.New("coordinator shutting down")
)

// Start validates, reserves credits, opens the provider stream, and
// launches the session goroutine. InsufficientCredits, auth and
// bad-request failures are returned synchronously; after Start returns
// a Handle, all failures arrive as error events.
func (c *Coordinator) Start(ctx context.Context, req Request) (*Handle, error) {
	if req.ModelID == "" {
		return nil, &provider.Error{Kind: provider.ErrKindBadRequest, Message: "model id required"}
	}
	if !c.codecs.Supported(req.ModelID) {
		return nil, ErrModelUnsupported
	}
	if len(req.Messages) == 0 {
		return nil, &provider.Error{Kind: provider.ErrKindBadRequest, Message: "no messages provided"}
	}

	sessionID := uuid.New().String()

	// One active session per conversation: reject, never queue.
	c.mu.Lock()
	if _, busy := c.active[req.ConversationID]; busy {
		c.mu.Unlock()
		return nil, ErrConversationBusy
	}
	c.active[req.ConversationID] = sessionID
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.active, req.ConversationID)
		delete(c.sessions, sessionID)
		c.mu.Unlock()
	}

	estimate := req.EstimatedTokens
	if estimate <= 0 {
		estimate = estimateTokens(req.Messages) + c.cfg.ResponseTokenAssumption
	}

	// Reserve before anything is spent. Fail closed when the ledger is
	// unreachable.
	res := c.ledger.Reserve(ctx, sessionID, req.ModelID, estimate)
	switch res.Outcome {
	case ledger.ReserveInsufficient:
		release()
		return nil, ErrInsufficientCredits
	case ledger.ReserveUnreachable:
		release()
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, res.Err)
	}

	ls := &liveSession{
		s: stream.Session{
			ID:               sessionID,
			ConversationID:   req.ConversationID,
			OwnerID:          req.OwnerID,
			ModelID:          req.ModelID,
			Status:           stream.StatusReserved,
			EstimatedTokens:  estimate,
			ReservationID:    res.ReservationID,
			AllocatedCredits: res.AllocatedCredits,
			StartedAt:        time.Now().UTC(),
		},
		primaryCh: make(chan stream.ChunkEvent, c.cfg.PrimaryQueueSize),
	}

	sessCtx, cancelTimeout := context.WithTimeout(c.baseCtx, c.cfg.MaxStreamDuration)
	sessCtx, cancelCause := context.WithCancelCause(sessCtx)
	ls.cancel = cancelCause

	c.mu.Lock()
	c.sessions[sessionID] = ls
	c.mu.Unlock()

	// Connect with bounded backoff. Only legal before the first token.
	events, err := c.connectWithRetry(sessCtx, provider.Request{
		ModelID:   req.ModelID,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		// Nothing streamed: settle the reservation at zero and surface
		// the failure synchronously.
		c.settle(ls, stream.StatusAborted, 0, false)
		cancelCause(nil)
		cancelTimeout()
		release()
		c.hubCleanup(ls, false)
		return nil, err
	}

	if err := c.hub.Open(sessionID, func(ev stream.ChunkEvent) {
		ls.mu.Lock()
		gone := ls.primaryGone
		ls.mu.Unlock()
		if gone {
			return
		}
		select {
		case ls.primaryCh <- ev:
		default:
			// The primary queue is sized for the whole stream; a full
			// queue means the consumer is gone for good.
			if c.logger != nil {
				c.logger.Printf("coordinator: primary queue full on session %s, dropping event", sessionID)
			}
		}
	}); err != nil {
		c.settle(ls, stream.StatusAborted, 0, false)
		cancelCause(nil)
		cancelTimeout()
		release()
		c.hubCleanup(ls, false)
		return nil, err
	}

	ls.mu.Lock()
	ls.s.Status = stream.StatusStreaming
	ls.mu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordSessionStart(req.ModelID)
	}
	if c.logger != nil {
		c.logger.Printf("coordinator: session %s streaming model=%s estimate=%d allocated=%d", sessionID, req.ModelID, estimate, res.AllocatedCredits)
	}

	go func() {
		defer cancelTimeout()
		defer release()
		c.run(sessCtx, ls, events)
	}()

	return &Handle{
		SessionID:        sessionID,
		EstimatedTokens:  estimate,
		AllocatedCredits: res.AllocatedCredits,
		Events:           ls.primaryCh,
		sess:             ls,
		coor:             c,
	}, nil
}

// ActiveConversations reports conversations with a non-terminal session.
func (c *Coordinator) ActiveConversations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Coordinator) connectWithRetry(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectRetries; attempt++ {
		events, err := c.provider.OpenStream(ctx, req)
		if err == nil {
			return events, nil
		}
		lastErr = err
		if !provider.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < c.cfg.ConnectRetries {
			if c.logger != nil {
				c.logger.Printf("coordinator: provider connect attempt %d/%d failed: %v (retrying in %s)", attempt, c.cfg.ConnectRetries, err, backoff)
			}
			select {
			case <-ctx.Done():
				return nil, lastErr
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

// run is the per-session decode/broadcast loop. It owns every state
// transition after Streaming.
func (c *Coordinator) run(ctx context.Context, ls *liveSession, events <-chan provider.StreamEvent) {
	snap := ls.snapshot()
	sessionID, modelID := snap.ID, snap.ModelID

	var usage *stream.Usage
	done := false
	for !done {
		select {
		case <-ctx.Done():
			c.finishAborted(ctx, ls)
			return
		case ev, open := <-events:
			if !open {
				done = true
				break
			}
			if ev.Err != nil {
				// Tokens may already have flowed: never retry
				// mid-stream, treat as early termination.
				if c.logger != nil {
					c.logger.Printf("coordinator: session %s provider failure mid-stream: %v", sessionID, ev.Err)
				}
				c.finishWithError(ls, stream.StatusAborted, CodeProviderError, "provider stream failed")
				return
			}
			decoded, ok := c.codecs.Decode(modelID, ev.Payload)
			if !ok {
				// Unparsable fragment: skip, never abort the session.
				continue
			}
			switch decoded.Kind {
			case stream.EventToken:
				if decoded.Usage != nil {
					usage = decoded.Usage
				}
				if capped := c.applyToken(ls, decoded); capped {
					done = true
				}
			case stream.EventMetadata:
				usage = decoded.Usage
				c.applyUsage(ls, decoded.Usage)
			case stream.EventEnd:
				done = true
			}
		}
	}
	// Check for a timeout that raced the provider's own end-of-stream.
	if ctx.Err() != nil {
		c.finishAborted(ctx, ls)
		return
	}
	c.finishCompleted(ls, usage)
}

// applyToken appends text, accounts tokens, broadcasts, and reports
// whether the estimate cap was reached.
func (c *Coordinator) applyToken(ls *liveSession, ev stream.ChunkEvent) bool {
	ls.mu.Lock()
	ls.s.Output += ev.Text
	ls.chars += int64(len(ev.Text))
	if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
		ls.s.TokensGenerated = ev.Usage.OutputTokens
	} else {
		ls.s.TokensGenerated = ls.chars/4 + 1
	}
	// Never spend past the reservation: cap, don't overcharge.
	capped := ls.s.TokensGenerated >= ls.s.EstimatedTokens
	if capped {
		ls.s.TokensGenerated = ls.s.EstimatedTokens
	}
	ev.Sequence = ls.seq
	ls.seq++
	sessionID := ls.s.ID
	ls.mu.Unlock()

	c.hub.Broadcast(sessionID, ev)
	return capped
}

func (c *Coordinator) applyUsage(ls *liveSession, u *stream.Usage) {
	if u == nil {
		return
	}
	ls.mu.Lock()
	if u.OutputTokens > 0 {
		ls.s.TokensGenerated = u.OutputTokens
		if ls.s.TokensGenerated > ls.s.EstimatedTokens {
			ls.s.TokensGenerated = ls.s.EstimatedTokens
		}
	}
	ls.mu.Unlock()
}

// finishCompleted settles a normally completed stream and broadcasts
// the terminal Metadata/End pair.
func (c *Coordinator) finishCompleted(ls *liveSession, usage *stream.Usage) {
	ls.mu.Lock()
	ls.s.Status = stream.StatusFinalizing
	tokens := ls.s.TokensGenerated
	sessionID := ls.s.ID
	if usage == nil {
		usage = &stream.Usage{OutputTokens: tokens, TotalTokens: tokens}
	}
	ls.mu.Unlock()

	c.hub.Broadcast(sessionID, stream.ChunkEvent{Kind: stream.EventMetadata, Sequence: ls.nextSeq(), Usage: usage})
	c.settle(ls, stream.StatusCompleted, tokens, true)
	c.hub.Broadcast(sessionID, stream.ChunkEvent{Kind: stream.EventEnd, Sequence: ls.nextSeq()})
	c.hubCleanup(ls, true)
}

// finishAborted handles timeout, disconnect and shutdown cancellation.
func (c *Coordinator) finishAborted(ctx context.Context, ls *liveSession) {
	status := stream.StatusAborted
	code := CodeProviderError
	msg := "stream terminated"
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = stream.StatusTimedOut
		code = CodeStreamTimeout
		msg = "maximum stream duration exceeded"
	case errors.Is(context.Cause(ctx), causeDisconnect):
		code = CodeClientDisconnected
		msg = "client disconnected"
	case errors.Is(context.Cause(ctx), causeShutdown):
		msg = "server shutting down"
	}
	c.finishWithError(ls, status, code, msg)
}

// finishWithError aborts the session: settles for tokens produced so
// far and broadcasts an Error event followed by End.
func (c *Coordinator) finishWithError(ls *liveSession, status stream.Status, code, msg string) {
	ls.mu.Lock()
	tokens := ls.s.TokensGenerated
	sessionID := ls.s.ID
	ls.mu.Unlock()

	c.hub.Broadcast(sessionID, stream.ChunkEvent{
		Kind:     stream.EventError,
		Sequence: ls.nextSeq(),
		Err:      &stream.ErrorInfo{Code: code, Message: msg},
	})
	c.settle(ls, status, tokens, false)
	c.hub.Broadcast(sessionID, stream.ChunkEvent{Kind: stream.EventEnd, Sequence: ls.nextSeq()})
	c.hubCleanup(ls, true)
}

// settle converts the reservation into a charge exactly once and
// records the terminal status.
func (c *Coordinator) settle(ls *liveSession, status stream.Status, tokens int64, success bool) {
	ls.settleOnce.Do(func() {
		snap := ls.snapshot()

		// Settlement gets its own deadline: the session context may
		// already be dead, and the ledger must still be told.
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var settlement ledger.Settlement
		var err error
		if success {
			settlement, err = c.ledger.Finalize(ctx, snap.ID, snap.ReservationID, tokens)
		} else {
			settlement, err = c.ledger.Abort(ctx, snap.ID, snap.ReservationID, tokens)
		}

		ls.mu.Lock()
		ls.s.Status = status
		ls.s.TokensGenerated = tokens
		ls.s.EndedAt = time.Now().UTC()
		if err == nil {
			ls.s.ChargedCredits = settlement.ChargedCredits
			ls.s.RefundedCredits = settlement.RefundedCredits
			if settlement.AllocatedCredits > 0 {
				ls.s.AllocatedCredits = settlement.AllocatedCredits
			}
		}
		ls.mu.Unlock()

		if err != nil {
			if c.logger != nil {
				c.logger.Printf("coordinator: session %s unsettled (tokens=%d): %v", snap.ID, tokens, err)
			}
			if c.archive != nil {
				reason := "finalize failed"
				if !success {
					reason = "abort failed"
				}
				if aerr := c.archive.RecordUnsettled(ctx, snap.ID, snap.ReservationID, snap.ModelID, tokens, reason); aerr != nil && c.logger != nil {
					c.logger.Printf("coordinator: session %s reconciliation record failed: %v", snap.ID, aerr)
				}
			}
		} else if c.metrics != nil {
			c.metrics.RecordSettlement(settlement.ChargedCredits, settlement.RefundedCredits)
		}
		if c.metrics != nil {
			c.metrics.RecordSessionEnd(snap.ModelID, status, tokens)
		}
	})
}

// hubCleanup records attached observers, closes the hub entry, closes
// the primary queue, and hands the terminal session to the archive.
func (c *Coordinator) hubCleanup(ls *liveSession, opened bool) {
	snap := ls.snapshot()
	if opened {
		observers := c.hub.Observers(snap.ID)
		ls.mu.Lock()
		ls.s.Observers = observers
		ls.mu.Unlock()
		c.hub.Close(snap.ID)
	}
	close(ls.primaryCh)

	if c.archive != nil {
		snap = ls.snapshot()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.archive.SaveSession(ctx, snap); err != nil && c.logger != nil {
			c.logger.Printf("coordinator: session %s archive failed: %v", snap.ID, err)
		}
	}
	if c.logger != nil {
		c.logger.Printf("coordinator: session %s %s tokens=%d charged=%d refunded=%d", snap.ID, snap.Status, snap.TokensGenerated, snap.ChargedCredits, snap.RefundedCredits)
	}
}

// primaryDisconnected applies the disconnect policy: detach the primary
// sink immediately; keep streaming only when observers remain and the
// policy allows it.
func (c *Coordinator) primaryDisconnected(ls *liveSession) {
	ls.mu.Lock()
	if ls.primaryGone {
		ls.mu.Unlock()
		return
	}
	ls.primaryGone = true
	sessionID := ls.s.ID
	terminal := ls.s.Status.Terminal()
	ls.mu.Unlock()
	if terminal {
		return
	}

	remaining := c.hub.DetachPrimary(sessionID)
	if remaining > 0 && c.cfg.ContinueForObservers {
		if c.logger != nil {
			c.logger.Printf("coordinator: session %s primary gone, continuing for %d observer(s)", sessionID, remaining)
		}
		return
	}
	// Nobody is consuming the output: stop spending credits on it.
	ls.cancel(causeDisconnect)
}

// Shutdown cancels every active session; each settles through its
// abort path before its goroutine exits.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	live := make([]*liveSession, 0, len(c.sessions))
	for _, ls := range c.sessions {
		live = append(live, ls)
	}
	c.mu.Unlock()
	for _, ls := range live {
		ls.cancel(causeShutdown)
	}
}

// estimateTokens approximates prompt size from message lengths
// (4 chars ~ 1 token), with a floor of two tokens per message.
func estimateTokens(messages []provider.Message) int64 {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	n := int64(total/4 + 1)
	if floor := int64(len(messages) * 2); n < floor {
		n = floor
	}
	return n
}
