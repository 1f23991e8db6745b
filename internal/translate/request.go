package translate

import (
	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

// DefaultModel is used when the inbound request names no model.
const DefaultModel = "gpt-3.5-turbo"

// ToUpstream projects an inbound request plus its normalized message list
// into an outbound chat-completions request. Options the target protocol
// does not know are dropped. Unset options stay nil so they never reach
// the wire.
func ToUpstream(req *ollama.ChatRequest, msgs []upstream.ChatMessage) *upstream.Request {
	out := &upstream.Request{
		Model:    req.Model,
		Messages: msgs,
	}
	if out.Model == "" {
		out.Model = DefaultModel
	}
	if req.Stream != nil {
		out.Stream = *req.Stream
	}

	if opts := req.Options; opts != nil {
		out.Temperature = opts.Temperature
		out.TopP = opts.TopP
		out.PresencePenalty = opts.PresencePenalty
		out.MaxTokens = opts.NumPredict

		// repeat_penalty is centered on 1.0 where frequency_penalty is
		// centered on 0.
		if opts.RepeatPenalty != nil {
			fp := *opts.RepeatPenalty - 1
			out.FrequencyPenalty = &fp
		}
	}

	if len(req.Tools) > 0 {
		out.Tools = req.Tools
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = req.ToolChoice
	}
	if len(req.Format) > 0 {
		out.ResponseFormat = req.Format
	}

	return out
}
