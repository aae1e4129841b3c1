package hub

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/streamledger/chatstream/internal/stream"
)

var (
	// ErrSessionNotActive is returned when subscribing to an unknown or
	// already terminal session.
	ErrSessionNotActive = errors.New("hub: session not active")
	// ErrSessionExists is returned when opening a session id twice.
	ErrSessionExists = errors.New("hub: session already registered")
)

// Sink receives events for the primary consumer. It is called
// synchronously under the session lock, so it must not block; the
// coordinator backs it with a bounded channel.
type Sink func(ev stream.ChunkEvent)

// DefaultQueueSize bounds an observer's delivery queue when the caller
// does not choose one.
const DefaultQueueSize = 64

// Hub is the in-memory registry of active sessions and their
// subscribers. Sessions are independent: broadcast on one session never
// contends with another beyond the registry map lock.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *log.Logger
	onDrop   func()
}

type session struct {
	id string

	mu        sync.Mutex
	primary   Sink
	observers map[string]*subscriber
	closed    bool
}

type subscriber struct {
	id     string
	ch     chan stream.ChunkEvent
	closed bool
}

// Subscription is a live observer attachment. Events carries the
// session's events from the subscription point onward; it is closed
// when the session terminates, the observer unsubscribes, or the
// observer falls too far behind and is dropped.
type Subscription struct {
	SessionID  string
	ObserverID string
	Events     <-chan stream.ChunkEvent

	hub *Hub
}

// Unsubscribe detaches the observer. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.hub.unsubscribe(s.SessionID, s.ObserverID)
}

// New creates an empty hub.
func New(logger *log.Logger) *Hub {
	return &Hub{sessions: make(map[string]*session), logger: logger}
}

// SetObserverDropHook registers a callback invoked whenever an observer
// is dropped for falling behind. Used for metrics.
func (h *Hub) SetObserverDropHook(fn func()) { h.onDrop = fn }

// Open registers a session with its primary sink. The primary may be
// nil for sessions that are observer-only from the start.
func (h *Hub) Open(sessionID string, primary Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[sessionID]; exists {
		return ErrSessionExists
	}
	h.sessions[sessionID] = &session{
		id:        sessionID,
		primary:   primary,
		observers: make(map[string]*subscriber),
	}
	return nil
}

// Subscribe attaches an observer with a bounded delivery queue. The
// observer sees every event broadcast after this call returns, in
// order, and nothing broadcast before it.
func (h *Hub) Subscribe(sessionID, observerID string, queueSize int) (*Subscription, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h.mu.RLock()
	entry := h.sessions[sessionID]
	h.mu.RUnlock()
	if entry == nil {
		return nil, ErrSessionNotActive
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return nil, ErrSessionNotActive
	}
	if _, dup := entry.observers[observerID]; dup {
		return nil, errors.New("hub: observer id already subscribed")
	}
	sub := &subscriber{id: observerID, ch: make(chan stream.ChunkEvent, queueSize)}
	entry.observers[observerID] = sub
	return &Subscription{
		SessionID:  sessionID,
		ObserverID: observerID,
		Events:     sub.ch,
		hub:        h,
	}, nil
}

// Broadcast delivers an event to the primary sink and every observer,
// in the same order for all recipients. An observer whose queue is full
// is dropped rather than allowed to stall the session.
func (h *Hub) Broadcast(sessionID string, ev stream.ChunkEvent) {
	h.mu.RLock()
	entry := h.sessions[sessionID]
	h.mu.RUnlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return
	}
	if entry.primary != nil {
		entry.primary(ev)
	}
	for id, sub := range entry.observers {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: this observer cannot keep up. Drop it.
			sub.closed = true
			close(sub.ch)
			delete(entry.observers, id)
			if h.logger != nil {
				h.logger.Printf("hub: dropped observer %s on session %s (queue full)", id, sessionID)
			}
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}

// DetachPrimary removes the primary sink (client disconnect) and
// returns the number of observers still attached.
func (h *Hub) DetachPrimary(sessionID string) int {
	h.mu.RLock()
	entry := h.sessions[sessionID]
	h.mu.RUnlock()
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.primary = nil
	return len(entry.observers)
}

// Close terminates a session: observer channels are closed so every
// subscriber sees end-of-stream, then the registry entry is removed.
// Called exactly once by the coordinator; later calls are no-ops.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	entry := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return
	}
	entry.closed = true
	entry.primary = nil
	for id, sub := range entry.observers {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(entry.observers, id)
	}
}

// Active returns the ids of currently registered sessions, sorted for
// stable output.
func (h *Hub) Active() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ObserverCount reports how many observers are attached to a session.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.RLock()
	entry := h.sessions[sessionID]
	h.mu.RUnlock()
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.observers)
}

// Observers returns the observer ids attached to a session.
func (h *Hub) Observers(sessionID string) []string {
	h.mu.RLock()
	entry := h.sessions[sessionID]
	h.mu.RUnlock()
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	ids := make([]string, 0, len(entry.observers))
	for id := range entry.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) unsubscribe(sessionID, observerID string) {
	h.mu.RLock()
	entry := h.sessions[sessionID]
	h.mu.RUnlock()
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sub, ok := entry.observers[observerID]
	if !ok {
		return
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	delete(entry.observers, observerID)
}
