package codec

import (
	"bytes"
	"encoding/json"

	"github.com/streamledger/chatstream/internal/stream"
)

// The three wire formats normalized here:
//
//   delta-block   nested content_block_delta / message_delta events
//   flat-array    choices[0].delta.content chunks with a trailing usage object
//   text-wrapper  a single text field per fragment plus invocation metrics
//
// Every decoder follows the same discipline: strip SSE framing if the
// caller left it on, attempt a JSON parse, and report false on anything
// that does not parse. A malformed fragment must skip, not kill the
// stream.

// deltaBlockEvent is the minimal schema for the nested delta family.
type deltaBlockEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func decodeDeltaBlock(raw []byte) (stream.ChunkEvent, bool) {
	payload, ok := payloadBytes(raw)
	if !ok {
		return stream.ChunkEvent{}, false
	}
	var evt deltaBlockEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return stream.ChunkEvent{}, false
	}
	switch evt.Type {
	case "content_block_delta":
		if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
			return stream.ChunkEvent{Kind: stream.EventToken, Text: evt.Delta.Text}, true
		}
	case "message_delta":
		// Final usage rides on the closing message_delta.
		if evt.Usage.OutputTokens > 0 || evt.Usage.InputTokens > 0 {
			u := &stream.Usage{
				InputTokens:  evt.Usage.InputTokens,
				OutputTokens: evt.Usage.OutputTokens,
				TotalTokens:  evt.Usage.InputTokens + evt.Usage.OutputTokens,
			}
			return stream.ChunkEvent{Kind: stream.EventMetadata, Usage: u}, true
		}
	case "message_stop":
		return stream.ChunkEvent{Kind: stream.EventEnd}, true
	}
	return stream.ChunkEvent{}, false
}

// flatArrayEvent is the minimal schema for the flat choices family.
type flatArrayEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func decodeFlatArray(raw []byte) (stream.ChunkEvent, bool) {
	payload, ok := payloadBytes(raw)
	if !ok {
		return stream.ChunkEvent{}, false
	}
	if bytes.Equal(payload, []byte("[DONE]")) {
		return stream.ChunkEvent{Kind: stream.EventEnd}, true
	}
	var evt flatArrayEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return stream.ChunkEvent{}, false
	}
	if len(evt.Choices) > 0 {
		if text := evt.Choices[0].Delta.Content; text != "" {
			return stream.ChunkEvent{Kind: stream.EventToken, Text: text}, true
		}
	}
	// Usage arrives on a trailing fragment with an empty choices array.
	if evt.Usage != nil {
		u := &stream.Usage{
			InputTokens:  evt.Usage.PromptTokens,
			OutputTokens: evt.Usage.CompletionTokens,
			TotalTokens:  evt.Usage.TotalTokens,
		}
		return stream.ChunkEvent{Kind: stream.EventMetadata, Usage: u}, true
	}
	return stream.ChunkEvent{}, false
}

// textWrapperEvent is the minimal schema for single-field wrappers.
type textWrapperEvent struct {
	OutputText       string `json:"outputText"`
	Generation       string `json:"generation"`
	CompletionReason string `json:"completionReason"`
	StopReason       string `json:"stop_reason"`
	Metrics          *struct {
		InputTokenCount  int64 `json:"inputTokenCount"`
		OutputTokenCount int64 `json:"outputTokenCount"`
	} `json:"amazon-bedrock-invocationMetrics"`
}

func decodeTextWrapper(raw []byte) (stream.ChunkEvent, bool) {
	payload, ok := payloadBytes(raw)
	if !ok {
		return stream.ChunkEvent{}, false
	}
	var evt textWrapperEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return stream.ChunkEvent{}, false
	}
	text := evt.OutputText
	if text == "" {
		text = evt.Generation
	}
	if text != "" {
		ev := stream.ChunkEvent{Kind: stream.EventToken, Text: text}
		// The final fragment carries both text and metrics; keep the
		// usage attached so the one-event-per-fragment contract holds.
		if evt.Metrics != nil {
			ev.Usage = &stream.Usage{
				InputTokens:  evt.Metrics.InputTokenCount,
				OutputTokens: evt.Metrics.OutputTokenCount,
				TotalTokens:  evt.Metrics.InputTokenCount + evt.Metrics.OutputTokenCount,
			}
		}
		return ev, true
	}
	if evt.Metrics != nil {
		return stream.ChunkEvent{Kind: stream.EventMetadata, Usage: &stream.Usage{
			InputTokens:  evt.Metrics.InputTokenCount,
			OutputTokens: evt.Metrics.OutputTokenCount,
			TotalTokens:  evt.Metrics.InputTokenCount + evt.Metrics.OutputTokenCount,
		}}, true
	}
	if evt.CompletionReason != "" || evt.StopReason != "" {
		return stream.ChunkEvent{Kind: stream.EventEnd}, true
	}
	return stream.ChunkEvent{}, false
}

// payloadBytes strips SSE framing when present and rejects fragments
// that cannot carry an event. It never fails on odd input; it just says
// no.
func payloadBytes(raw []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, false
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 {
		return nil, false
	}
	return trimmed, true
}
