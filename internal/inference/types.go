package inference

import (
	"github.com/agentica/agentica-server/internal/history"
)

// Message is one chat-completion message on the outbound request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the OpenAI-compatible chat-completions body.
type Request struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions asks the provider to report usage on the final chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// choiceMessage is the message/delta body inside a choice.
type choiceMessage struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Refusal          string `json:"refusal,omitempty"`
}

// choice is one completion choice in a response or chunk.
type choice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// response is the unary response / streaming chunk body.
type response struct {
	ID      string         `json:"id"`
	Choices []choice       `json:"choices"`
	Usage   *history.Usage `json:"usage,omitempty"`
}

// toDelta converts a response (or chunk) into a history delta. Unary
// responses carry Message; streaming chunks carry Delta.
func (r *response) toDelta() history.Delta {
	d := history.Delta{
		ID:    r.ID,
		Role:  history.RoleAgent,
		Usage: r.Usage,
	}
	if len(r.Choices) == 0 {
		return d
	}
	c := r.Choices[0]
	body := c.Message
	if body == nil {
		body = c.Delta
	}
	if body != nil {
		d.Content = body.Content
		d.ReasoningContent = body.ReasoningContent
		d.Refusal = body.Refusal
	}
	d.EndReason = history.EndReason(c.FinishReason)
	return d
}

// MessagesFromHistory renders history deltas into chat-completion messages.
// Role "agent" maps to the provider's "assistant".
func MessagesFromHistory(deltas []history.Delta) []Message {
	msgs := make([]Message, 0, len(deltas))
	for _, d := range deltas {
		role := string(d.Role)
		if d.Role == history.RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: d.Content})
	}
	return msgs
}
