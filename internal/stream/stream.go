package stream

import "time"

// EventKind classifies a canonical streaming event.
type EventKind string

const (
	EventToken    EventKind = "token"
	EventMetadata EventKind = "metadata"
	EventError    EventKind = "error"
	EventEnd      EventKind = "end"
)

// Usage carries provider-reported token counts. Zero fields mean the
// provider did not report that counter.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`
}

// ErrorInfo describes a stream-level failure delivered to consumers.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChunkEvent is the provider-independent unit delivered to the primary
// consumer and to every observer. Sequence is monotonic per session,
// starting at 0, and identical for every recipient.
type ChunkEvent struct {
	Kind     EventKind  `json:"kind"`
	Sequence int64      `json:"sequence"`
	Text     string     `json:"text,omitempty"`
	Usage    *Usage     `json:"usage,omitempty"`
	Err      *ErrorInfo `json:"error,omitempty"`
}

// Status is the lifecycle state of a streaming session.
type Status string

const (
	StatusReserved   Status = "reserved"
	StatusStreaming  Status = "streaming"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether the session can no longer change state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusTimedOut:
		return true
	}
	return false
}

// Session is one streaming exchange. It is mutated only by the
// coordinator that owns it and becomes immutable once terminal.
type Session struct {
	ID             string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
	ModelID        string `json:"model_id"`

	Status Status `json:"status"`

	EstimatedTokens int64 `json:"estimated_tokens"`
	TokensGenerated int64 `json:"tokens_generated"`

	ReservationID    string `json:"reservation_id"`
	AllocatedCredits int64  `json:"allocated_credits"`
	ChargedCredits   int64  `json:"charged_credits"`
	RefundedCredits  int64  `json:"refunded_credits"`

	// Output is the accumulated assistant text, handed to the archive
	// store once the session is terminal.
	Output string `json:"output,omitempty"`

	// Observers lists the observer ids that were attached when the
	// session closed.
	Observers []string `json:"observers,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}
