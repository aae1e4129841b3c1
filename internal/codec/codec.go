package codec

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/streamledger/chatstream/internal/stream"
)

// DecodeFunc turns one raw provider fragment into at most one canonical
// event. It reports false for fragments that carry nothing useful
// (keepalives, partial JSON, plain text noise); it must never panic.
type DecodeFunc func(raw []byte) (stream.ChunkEvent, bool)

// Registry maps model-id prefixes to decoders. Selection is by longest
// registered prefix, never by sniffing fragment content.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	prefix string
	fn     DecodeFunc
}

// NewRegistry returns a registry with the built-in provider families
// registered.
func NewRegistry() *Registry {
	r := &Registry{}
	for prefix, fn := range builtinFamilies() {
		_ = r.Register(prefix, fn)
	}
	return r
}

// Register adds a decoder for a model-id prefix. Registering the same
// prefix twice replaces the earlier decoder.
func (r *Registry) Register(prefix string, fn DecodeFunc) error {
	if strings.TrimSpace(prefix) == "" {
		return errors.New("codec: prefix cannot be empty")
	}
	if fn == nil {
		return errors.New("codec: decode func cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].prefix == prefix {
			r.entries[i].fn = fn
			return nil
		}
	}
	r.entries = append(r.entries, entry{prefix: prefix, fn: fn})
	// Longest prefix first so "anthropic.claude-legacy" beats "anthropic.".
	sort.SliceStable(r.entries, func(i, j int) bool {
		return len(r.entries[i].prefix) > len(r.entries[j].prefix)
	})
	return nil
}

// Supported reports whether a decoder is registered for the model.
func (r *Registry) Supported(modelID string) bool {
	_, ok := r.lookup(modelID)
	return ok
}

// Decode translates a raw fragment for the given model. Unknown models
// and undecodable fragments report false; Decode never returns an error
// and never panics, whatever bytes it is handed.
func (r *Registry) Decode(modelID string, raw []byte) (stream.ChunkEvent, bool) {
	fn, ok := r.lookup(modelID)
	if !ok {
		return stream.ChunkEvent{}, false
	}
	if len(raw) == 0 {
		return stream.ChunkEvent{}, false
	}
	return fn(raw)
}

func (r *Registry) lookup(modelID string) (DecodeFunc, bool) {
	model := strings.ToLower(strings.TrimSpace(modelID))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if strings.HasPrefix(model, e.prefix) {
			return e.fn, true
		}
	}
	return nil, false
}

func builtinFamilies() map[string]DecodeFunc {
	return map[string]DecodeFunc{
		"anthropic.":   decodeDeltaBlock,
		"claude-":      decodeDeltaBlock,
		"openai.":      decodeFlatArray,
		"gpt-":         decodeFlatArray,
		"amazon.titan": decodeTextWrapper,
		"meta.llama":   decodeTextWrapper,
	}
}
