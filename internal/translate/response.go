package translate

import (
	"time"

	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

// ToGenerate converts a complete upstream response into the generate
// endpoint's reply shape.
func ToGenerate(c *upstream.Completion) *ollama.GenerateResponse {
	content, _, done := firstTurn(c)
	prompt, eval, total := tokenCounts(c.Usage, c.Timings)

	return &ollama.GenerateResponse{
		Model:           c.Model,
		CreatedAt:       EpochToRFC3339(c.Created),
		Response:        content,
		Done:            done,
		PromptEvalCount: prompt,
		EvalCount:       eval,
		TotalTokens:     total,
	}
}

// ToChat converts a complete upstream response into the chat endpoint's
// reply shape.
func ToChat(c *upstream.Completion) *ollama.ChatResponse {
	content, turn, done := firstTurn(c)
	prompt, eval, total := tokenCounts(c.Usage, c.Timings)

	msg := ollama.Message{Role: RoleAssistant, Content: content}
	if turn != nil {
		if turn.Role != "" {
			msg.Role = turn.Role
		}
		msg.ToolCalls = turn.ToolCalls
	}

	return &ollama.ChatResponse{
		Model:           c.Model,
		CreatedAt:       EpochToRFC3339(c.Created),
		Message:         msg,
		Done:            done,
		PromptEvalCount: prompt,
		EvalCount:       eval,
		TotalTokens:     total,
	}
}

func firstTurn(c *upstream.Completion) (content string, turn *upstream.Turn, done bool) {
	choice := c.First()
	if choice == nil {
		return "", nil, false
	}
	turn = choice.Message
	if turn == nil {
		turn = choice.Delta
	}
	if turn != nil {
		content = turn.Content
	}
	return content, turn, choice.FinishReason == "stop"
}

// tokenCounts applies the accounting fallback chain: the usage block when
// present, then engine timings, then zeros.
func tokenCounts(usage *upstream.Usage, timings *upstream.Timings) (prompt, eval, total int) {
	switch {
	case usage != nil:
		return usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
	case timings != nil:
		return timings.CacheN, timings.PredictedN, timings.CacheN + timings.PredictedN
	default:
		return 0, 0, 0
	}
}

// EpochToRFC3339 formats an upstream epoch-seconds timestamp. Reply times
// always come from the upstream response, not the gateway clock.
func EpochToRFC3339(epoch int64) string {
	return time.Unix(epoch, 0).UTC().Format(time.RFC3339)
}
