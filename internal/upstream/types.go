package upstream

import "encoding/json"

type (
	// ChatMessage is one conversation turn in an outbound request.
	ChatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is the body of POST /v1/chat/completions. Optional generation
	// options are pointers so that an unset option is omitted from the wire
	// body instead of being serialized as zero or null.
	Request struct {
		Model    string        `json:"model"`
		Messages []ChatMessage `json:"messages"`
		Stream   bool          `json:"stream,omitempty"`

		Temperature      *float64 `json:"temperature,omitempty"`
		MaxTokens        *int     `json:"max_tokens,omitempty"`
		TopP             *float64 `json:"top_p,omitempty"`
		FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64 `json:"presence_penalty,omitempty"`

		Tools          json.RawMessage `json:"tools,omitempty"`
		ToolChoice     json.RawMessage `json:"tool_choice,omitempty"`
		ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	}

	// Usage is the upstream token accounting block.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Timings is the llama.cpp-style engine timing block some upstreams
	// attach instead of (or in addition to) usage. CacheN counts prompt
	// tokens, PredictedN completion tokens; the *_ms fields are wall time
	// in milliseconds.
	Timings struct {
		CacheN      int     `json:"cache_n"`
		PredictedN  int     `json:"predicted_n"`
		PromptMS    float64 `json:"prompt_ms"`
		PredictedMS float64 `json:"predicted_ms"`
	}

	// Turn is either a full message (non-streaming choice) or an
	// incremental delta (streaming choice).
	Turn struct {
		Role      string          `json:"role"`
		Content   string          `json:"content"`
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	}

	// Choice is one completion choice. Message is set on complete
	// responses, Delta on stream chunks. A null finish_reason decodes to
	// the empty string.
	Choice struct {
		Index        int    `json:"index"`
		Message      *Turn  `json:"message,omitempty"`
		Delta        *Turn  `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason,omitempty"`
	}

	// Completion is one upstream response unit — a whole response on the
	// non-streaming path, or one decoded stream chunk.
	Completion struct {
		ID      string   `json:"id"`
		Model   string   `json:"model"`
		Created int64    `json:"created"`
		Choices []Choice `json:"choices"`
		Usage   *Usage   `json:"usage,omitempty"`
		Timings *Timings `json:"timings,omitempty"`
	}

	// ModelInfo is one entry of the upstream model listing.
	ModelInfo struct {
		ID      string
		Created int64
		OwnedBy string
	}
)

// First returns the first choice, or nil when the response carries none.
func (c *Completion) First() *Choice {
	if len(c.Choices) == 0 {
		return nil
	}
	return &c.Choices[0]
}
