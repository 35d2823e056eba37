// Package history holds the append-only conversation model: role-tagged
// content deltas, streaming fusion, and token-budget bookkeeping.
package history

import "sync"

// Role tags a delta's originator.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// EndReason records why a model turn stopped.
type EndReason string

const (
	EndNone          EndReason = ""
	EndStop          EndReason = "stop"
	EndLength        EndReason = "length"
	EndContentFilter EndReason = "content_filter"
)

// Usage carries provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Merge folds other into u, preferring non-zero incoming fields. Streaming
// providers report usage once on the final chunk; partial chunks carry zeros.
func (u *Usage) Merge(other *Usage) {
	if other == nil {
		return
	}
	if other.PromptTokens != 0 {
		u.PromptTokens = other.PromptTokens
	}
	if other.CompletionTokens != 0 {
		u.CompletionTokens = other.CompletionTokens
	}
	if other.TotalTokens != 0 {
		u.TotalTokens = other.TotalTokens
	}
}

// Delta is one append-only entry in the conversation history.
type Delta struct {
	ID               string    `json:"id,omitempty"`
	Role             Role      `json:"role"`
	Content          string    `json:"content,omitempty"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	Refusal          string    `json:"refusal,omitempty"`
	Usage            *Usage    `json:"usage,omitempty"`
	EndReason        EndReason `json:"end_reason,omitempty"`

	// Implicit marks few-shot scaffolding system messages. Observability
	// only; implicit deltas remain part of the history.
	Implicit bool `json:"implicit,omitempty"`
}

// History is the ordered concatenation of deltas for one agent.
type History struct {
	mu     sync.RWMutex
	deltas []Delta
}

// New returns an empty history.
func New() *History {
	return &History{}
}

// Append adds a delta at the end.
func (h *History) Append(d Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deltas = append(h.deltas, d)
}

// All returns a copy of the deltas in append order.
func (h *History) All() []Delta {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Delta, len(h.deltas))
	copy(out, h.deltas)
	return out
}

// Len returns the number of deltas.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.deltas)
}
