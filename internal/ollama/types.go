// Package ollama defines the wire types of the Ollama-style HTTP API the
// bridge exposes to clients.
//
// Optional fields use pointers or json.RawMessage so that "not set" is
// represented by physical absence in the encoded JSON, never by a zero value
// that could collide with a real zero.
package ollama

import "encoding/json"

// Message is one conversation turn in a reply or stream frame.
type Message struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// InboundMessage is one entry of an inbound "messages" or "history" array.
// Role and Content are pointers so a missing key can be told apart from an
// empty string — entries missing either field are dropped during
// normalization, while history entries default a missing content to "".
type InboundMessage struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

// Options is the recognized subset of the inbound "options" object.
// Anything else a client sends is dropped, not forwarded.
type Options struct {
	Temperature     *float64 `json:"temperature"`
	NumPredict      *int     `json:"num_predict"`
	TopP            *float64 `json:"top_p"`
	RepeatPenalty   *float64 `json:"repeat_penalty"`
	PresencePenalty *float64 `json:"presence_penalty"`
}

// ChatRequest is the inbound body of POST /api/chat and POST /api/generate.
// The two endpoints accept the same shape; which fields are honored is
// decided by the normalizer's precedence rules.
type ChatRequest struct {
	Model    string           `json:"model"`
	Prompt   string           `json:"prompt"`
	System   string           `json:"system"`
	Messages []InboundMessage `json:"messages"`
	History  []InboundMessage `json:"history"`
	Stream   *bool            `json:"stream"`
	Options  *Options         `json:"options"`

	// Passed through to the upstream verbatim when present.
	Tools      json.RawMessage `json:"tools"`
	ToolChoice json.RawMessage `json:"tool_choice"`
	Format     json.RawMessage `json:"format"`
}

// GenerateResponse is the non-streaming reply of POST /api/generate.
type GenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	TotalTokens     int    `json:"total_tokens"`
}

// ChatResponse is the non-streaming reply of POST /api/chat.
type ChatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	TotalTokens     int     `json:"total_tokens"`
}

// StreamFrame is one NDJSON line of a streaming reply. Exactly one of
// Message / Response is set depending on the endpoint shape. Count and
// duration fields appear only where the translation rules attach them;
// Context is a placeholder emitted empty on the terminal frame.
type StreamFrame struct {
	Model     string   `json:"model"`
	CreatedAt string   `json:"created_at"`
	Message   *Message `json:"message,omitempty"`
	Response  *string  `json:"response,omitempty"`
	Done      bool     `json:"done"`

	DoneReason string          `json:"done_reason,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"`

	PromptEvalCount *int `json:"prompt_eval_count,omitempty"`
	EvalCount       *int `json:"eval_count,omitempty"`
	TotalTokens     *int `json:"total_tokens,omitempty"`

	TotalDuration      *int64 `json:"total_duration,omitempty"`
	PromptEvalDuration *int64 `json:"prompt_eval_duration,omitempty"`
	EvalDuration       *int64 `json:"eval_duration,omitempty"`
}

// PullRequest is the inbound body of POST /api/pull.
type PullRequest struct {
	Name string `json:"name"`
}

// PullResponse acknowledges a pull without downloading anything — the
// upstream owns the weights.
type PullResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// ModelEntry is one model in the GET /api/tags listing.
type ModelEntry struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}

// TagsResponse is the reply of GET /api/tags.
type TagsResponse struct {
	Models []ModelEntry `json:"models"`
}

// ShowRequest is the inbound body of POST /api/show.
type ShowRequest struct {
	Model string `json:"model"`
}

// ShowResponse is the reply of POST /api/show.
type ShowResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	OwnedBy   string `json:"owned_by,omitempty"`
}

// VersionResponse is the reply of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}
