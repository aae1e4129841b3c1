package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one streaming invocation.
type Request struct {
	ModelID   string
	Messages  []Message
	MaxTokens int
}

// StreamEvent is one raw fragment read off the provider wire, or a
// read error. The payload is handed to the codec untouched beyond SSE
// framing.
type StreamEvent struct {
	Payload []byte
	Err     error
}

// Client opens a streaming invocation against a hosted model endpoint.
type Client interface {
	OpenStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Config holds configuration for the HTTP provider client.
type Config struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration // connect/header timeout; reads are governed by ctx
}

// HTTPProvider invokes models over a single streaming endpoint keyed by
// model id. The request body is shaped per provider family; the
// response is a line stream the codec normalizes.
type HTTPProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ Client = (*HTTPProvider)(nil)

// New creates an HTTPProvider.
func New(cfg Config) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider: api key required")
	}
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("provider: base url required")
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		// No overall client timeout: streams outlive any fixed budget.
		// Only the dial/header phase is bounded; reads stop when ctx is
		// canceled.
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
	}, nil
}

// OpenStream sends the invocation and returns a channel of raw
// fragments. Connect and auth failures surface synchronously; once the
// channel is live, failures arrive as StreamEvent.Err.
func (p *HTTPProvider) OpenStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, &Error{Kind: ErrKindBadRequest, Message: "no messages provided"}
	}
	payload, err := buildPayload(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/model/%s/invoke-with-response-stream", p.baseURL, req.ModelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	ch := make(chan StreamEvent, 10)
	go p.readLoop(ctx, resp.Body, ch)
	return ch, nil
}

// readLoop splits the response body into lines and forwards the payload
// of each. Cancellation is observed within one read cycle.
func (p *HTTPProvider) readLoop(ctx context.Context, body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	buf := make([]byte, 8192)
	leftover := ""
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			data := leftover + string(buf[:n])
			lines := strings.Split(data, "\n")
			leftover = lines[len(lines)-1]
			for _, line := range lines[:len(lines)-1] {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, ":") {
					continue
				}
				select {
				case ch <- StreamEvent{Payload: []byte(line)}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				if rest := strings.TrimSpace(leftover); rest != "" {
					select {
					case ch <- StreamEvent{Payload: []byte(rest)}:
					case <-ctx.Done():
					}
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			ch <- StreamEvent{Err: fmt.Errorf("provider: read stream: %w", err)}
			return
		}
	}
}

// buildPayload shapes the request body per provider family. Field names
// differ per family; the selection mirrors the codec's prefix table.
func buildPayload(req Request) (map[string]any, error) {
	model := strings.ToLower(strings.TrimSpace(req.ModelID))
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	switch {
	case strings.HasPrefix(model, "anthropic.") || strings.HasPrefix(model, "claude-"):
		messages, system := splitSystem(req.Messages)
		payload := map[string]any{
			"model":      req.ModelID,
			"messages":   messages,
			"max_tokens": maxTokens,
			"stream":     true,
		}
		if system != "" {
			payload["system"] = system
		}
		return payload, nil
	case strings.HasPrefix(model, "openai.") || strings.HasPrefix(model, "gpt-"):
		return map[string]any{
			"model":          req.ModelID,
			"messages":       req.Messages,
			"max_tokens":     maxTokens,
			"stream":         true,
			"stream_options": map[string]any{"include_usage": true},
		}, nil
	case strings.HasPrefix(model, "amazon.titan") || strings.HasPrefix(model, "meta.llama"):
		return map[string]any{
			"inputText": flattenPrompt(req.Messages),
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
			},
		}, nil
	}
	return nil, &Error{Kind: ErrKindBadRequest, Message: fmt.Sprintf("no request template for model %q", req.ModelID)}
}

// splitSystem pulls system turns out of the message array for families
// that carry the system prompt as a top-level field.
func splitSystem(messages []Message) ([]Message, string) {
	var out []Message
	var system []string
	for _, m := range messages {
		if strings.EqualFold(m.Role, "system") {
			system = append(system, m.Content)
			continue
		}
		out = append(out, m)
	}
	return out, strings.Join(system, "\n")
}

// flattenPrompt renders the chat as a plain transcript for single-field
// text wrapper families.
func flattenPrompt(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		role := strings.ToLower(m.Role)
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")
	return sb.String()
}
