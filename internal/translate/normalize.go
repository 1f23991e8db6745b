package translate

import (
	"strings"

	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Normalize flattens the accepted inbound request shapes into one ordered
// message list. Sources are tried in precedence order and the first one
// that yields at least one message wins: explicit messages, then the
// system field, then the prompt (plain or tag-delimited), then history.
// When nothing matches, a single empty user message is synthesized and
// matched is false.
func Normalize(req *ollama.ChatRequest) (msgs []upstream.ChatMessage, matched bool) {
	if msgs := fromMessages(req.Messages); len(msgs) > 0 {
		return msgs, true
	}

	if req.System != "" {
		return []upstream.ChatMessage{{Role: RoleSystem, Content: req.System}}, true
	}

	if req.Prompt != "" {
		if msgs := fromPrompt(req.Prompt); len(msgs) > 0 {
			return msgs, true
		}
	}

	if msgs := fromHistory(req.History); len(msgs) > 0 {
		return msgs, true
	}

	return []upstream.ChatMessage{{Role: RoleUser, Content: ""}}, false
}

// fromMessages keeps entries that carry both a role and a content field.
// Entries missing either are dropped without error.
func fromMessages(in []ollama.InboundMessage) []upstream.ChatMessage {
	var out []upstream.ChatMessage
	for _, m := range in {
		if m.Role == nil || m.Content == nil {
			continue
		}
		out = append(out, upstream.ChatMessage{Role: *m.Role, Content: *m.Content})
	}
	return out
}

// fromHistory keeps user and assistant turns, defaulting absent content to
// the empty string. Other roles are dropped.
func fromHistory(in []ollama.InboundMessage) []upstream.ChatMessage {
	var out []upstream.ChatMessage
	for _, m := range in {
		if m.Role == nil || (*m.Role != RoleUser && *m.Role != RoleAssistant) {
			continue
		}
		content := ""
		if m.Content != nil {
			content = *m.Content
		}
		out = append(out, upstream.ChatMessage{Role: *m.Role, Content: content})
	}
	return out
}

type promptTag struct {
	token string
	role  string
}

// promptTags maps the delimiter tokens accepted inside a prompt to the
// role they open, or to "" for closing tokens.
var promptTags = []promptTag{
	{"<user>", RoleUser},
	{"</user>", ""},
	{"<assistant>", RoleAssistant},
	{"</assistant>", ""},
}

func hasPromptTags(prompt string) bool {
	for _, t := range promptTags {
		if strings.Contains(prompt, t.token) {
			return true
		}
	}
	return false
}

// fromPrompt turns a free-text prompt into messages. A prompt with no
// delimiter tokens is one verbatim user message. Otherwise <user> and
// <assistant> tags delimit spans: an opening tag flushes any still-open
// span and starts a new one, a closing tag flushes and closes, and text
// outside any open span is dropped. A span still open at end of input is
// flushed with its accumulated content, so unbalanced tags never hang.
func fromPrompt(prompt string) []upstream.ChatMessage {
	if !hasPromptTags(prompt) {
		return []upstream.ChatMessage{{Role: RoleUser, Content: prompt}}
	}

	var (
		out  []upstream.ChatMessage
		role string
		span strings.Builder
	)

	flush := func() {
		if role == "" {
			span.Reset()
			return
		}
		if content := strings.TrimSpace(span.String()); content != "" {
			out = append(out, upstream.ChatMessage{Role: role, Content: content})
		}
		span.Reset()
	}

	rest := prompt
	for {
		idx, tag := nextTag(rest)
		if idx < 0 {
			if role != "" {
				span.WriteString(rest)
			}
			flush()
			return out
		}

		if role != "" {
			span.WriteString(rest[:idx])
		}
		flush()
		role = tag.role
		rest = rest[idx+len(tag.token):]
	}
}

// nextTag finds the earliest delimiter token in s.
func nextTag(s string) (int, promptTag) {
	best := -1
	var found promptTag
	for _, t := range promptTags {
		if i := strings.Index(s, t.token); i >= 0 && (best < 0 || i < best) {
			best = i
			found = t
		}
	}
	return best, found
}
