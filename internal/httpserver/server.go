// Package httpserver exposes the streaming coordinator over HTTP:
// a primary SSE stream, observer attachments, and operational
// endpoints.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/streamledger/chatstream/internal/archive"
	"github.com/streamledger/chatstream/internal/coordinator"
	"github.com/streamledger/chatstream/internal/hub"
	"github.com/streamledger/chatstream/internal/metrics"
	"github.com/streamledger/chatstream/internal/provider"
	"github.com/streamledger/chatstream/internal/stream"
)

// Server wires the coordinator, hub, archive and metrics behind a chi
// router.
type Server struct {
	coordinator   *coordinator.Coordinator
	hub           *hub.Hub
	archive       archive.Store
	collector     *metrics.Collector
	logger        *log.Logger
	observerQueue int
}

// New creates a server. archive and collector may be nil; the endpoints
// that need them respond 503.
func New(c *coordinator.Coordinator, h *hub.Hub) *Server {
	return &Server{coordinator: c, hub: h, observerQueue: hub.DefaultQueueSize}
}

// SetArchive attaches the session archive used by history endpoints.
func (s *Server) SetArchive(store archive.Store) { s.archive = store }

// SetCollector attaches the metrics collector.
func (s *Server) SetCollector(m *metrics.Collector) { s.collector = m }

// SetLogger attaches a logger.
func (s *Server) SetLogger(logger *log.Logger) { s.logger = logger }

// SetObserverQueueSize overrides the per-observer delivery queue bound.
func (s *Server) SetObserverQueueSize(n int) {
	if n > 0 {
		s.observerQueue = n
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/chat/stream", s.handleChatStream)
		api.Get("/sessions/{sessionID}/observe", s.handleObserve)
		api.Get("/sessions/active", s.handleActiveSessions)
		api.Get("/sessions/unsettled", s.handleUnsettled)
		api.Get("/sessions/{sessionID}", s.handleGetSession)
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// streamRequest is the JSON body of POST /v1/chat/stream.
type streamRequest struct {
	ConversationID  string             `json:"conversationId"`
	OwnerID         string             `json:"ownerId"`
	ModelID         string             `json:"modelId"`
	Messages        []provider.Message `json:"messages"`
	EstimatedTokens int64              `json:"estimatedTokens"`
	MaxTokens       int                `json:"maxTokens"`
}

type errorBody struct {
	Error          string   `json:"error"`
	Code           string   `json:"code,omitempty"`
	ActiveSessions []string `json:"activeSessions,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, code string, err error) {
	if s.collector != nil {
		s.collector.RecordError(code)
	}
	s.respondJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

// startError maps synchronous coordinator failures onto HTTP statuses.
func (s *Server) startError(w http.ResponseWriter, err error) {
	var pe *provider.Error
	switch {
	case errors.Is(err, coordinator.ErrInsufficientCredits):
		s.respondError(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", err)
	case errors.Is(err, coordinator.ErrConversationBusy):
		s.respondError(w, http.StatusConflict, "CONVERSATION_BUSY", err)
	case errors.Is(err, coordinator.ErrLedgerUnavailable):
		s.respondError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", err)
	case errors.Is(err, coordinator.ErrModelUnsupported):
		s.respondError(w, http.StatusBadRequest, "MODEL_UNSUPPORTED", err)
	case errors.As(err, &pe):
		switch pe.Kind {
		case provider.ErrKindBadRequest:
			s.respondError(w, http.StatusBadRequest, "PROVIDER_BAD_REQUEST", err)
		default:
			s.respondError(w, http.StatusBadGateway, "PROVIDER_ERROR", err)
		}
	default:
		s.respondError(w, http.StatusBadGateway, "PROVIDER_ERROR", err)
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ConversationID == "" {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", errors.New("conversationId required"))
		return
	}

	handle, err := s.coordinator.Start(r.Context(), coordinator.Request{
		ConversationID:  req.ConversationID,
		OwnerID:         req.OwnerID,
		ModelID:         req.ModelID,
		Messages:        req.Messages,
		EstimatedTokens: req.EstimatedTokens,
		MaxTokens:       req.MaxTokens,
	})
	if err != nil {
		s.startError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		handle.PrimaryDisconnected()
		s.respondError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", errors.New("streaming unsupported"))
		return
	}
	setSSEHeaders(w)
	flusher.Flush()

	s.pumpEvents(w, r, flusher, handle.SessionID, handle.Events, handle.PrimaryDisconnected)
	if s.collector != nil {
		s.collector.RecordRequest("/v1/chat/stream", time.Since(reqStart))
	}
	if s.logger != nil {
		sess := handle.Session()
		s.logger.Printf("chat.stream session=%s status=%s tokens=%d total_ms=%d", sess.ID, sess.Status, sess.TokensGenerated, time.Since(reqStart).Milliseconds())
	}
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	observerID := r.URL.Query().Get("observerId")
	if observerID == "" {
		observerID = uuid.New().String()
	}

	sub, err := s.hub.Subscribe(sessionID, observerID, s.observerQueue)
	if err != nil {
		if errors.Is(err, hub.ErrSessionNotActive) {
			s.respondJSON(w, http.StatusNotFound, errorBody{
				Error:          "session not active",
				Code:           "SESSION_NOT_ACTIVE",
				ActiveSessions: s.hub.Active(),
			})
			return
		}
		s.respondError(w, http.StatusConflict, "OBSERVER_REJECTED", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sub.Unsubscribe()
		s.respondError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", errors.New("streaming unsupported"))
		return
	}
	setSSEHeaders(w)
	writeSSE(w, "observer", map[string]string{"sessionId": sessionID, "observerId": observerID})
	flusher.Flush()

	s.pumpEvents(w, r, flusher, sessionID, sub.Events, sub.Unsubscribe)
	if s.logger != nil {
		s.logger.Printf("observe session=%s observer=%s detached", sessionID, observerID)
	}
}

// pumpEvents relays canonical events as SSE until the stream terminates
// or the client goes away. detach is invoked on client disconnect.
func (s *Server) pumpEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sessionID string, events <-chan stream.ChunkEvent, detach func()) {
	ctx := r.Context()
	var chars, total int64
	status := "complete"
	for {
		select {
		case <-ctx.Done():
			detach()
			return
		case ev, open := <-events:
			if !open {
				return
			}
			switch ev.Kind {
			case stream.EventToken:
				chars += int64(len(ev.Text))
				prev := total
				if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
					total = ev.Usage.OutputTokens
				} else {
					total = chars/4 + 1
				}
				delta := total - prev
				if delta < 0 {
					delta = 0
				}
				writeSSE(w, "chunk", map[string]any{
					"text":        ev.Text,
					"tokens":      delta,
					"totalTokens": total,
				})
			case stream.EventMetadata:
				if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
					total = ev.Usage.OutputTokens
				}
			case stream.EventError:
				code, msg := "PROVIDER_ERROR", "stream terminated"
				if ev.Err != nil {
					code, msg = ev.Err.Code, ev.Err.Message
				}
				if code == coordinator.CodeStreamTimeout {
					status = "timed_out"
				} else {
					status = "aborted"
				}
				writeSSE(w, "error", map[string]any{"error": msg, "code": code})
			case stream.EventEnd:
				writeSSE(w, "complete", map[string]any{
					"status":    status,
					"tokens":    total,
					"sessionId": sessionID,
				})
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": s.hub.Active()})
}

func (s *Server) handleUnsettled(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.respondError(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", errors.New("no archive configured"))
		return
	}
	entries, err := s.archive.ListUnsettled(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "ARCHIVE_ERROR", err)
		return
	}
	if entries == nil {
		entries = []archive.UnsettledEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"unsettled": entries})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.respondError(w, http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", errors.New("no archive configured"))
		return
	}
	sess, err := s.archive.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "ARCHIVE_ERROR", err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": len(s.hub.Active()),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
