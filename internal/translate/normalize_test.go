package translate

import (
	"reflect"
	"testing"

	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

func strptr(s string) *string { return &s }

func msg(role, content *string) ollama.InboundMessage {
	return ollama.InboundMessage{Role: role, Content: content}
}

func TestNormalizeMessagesFiltering(t *testing.T) {
	req := &ollama.ChatRequest{
		Messages: []ollama.InboundMessage{
			msg(strptr("system"), strptr("be brief")),
			msg(strptr("user"), nil),    // content missing, dropped
			msg(nil, strptr("orphan")),  // role missing, dropped
			msg(strptr("user"), strptr("hi")),
			msg(strptr("assistant"), strptr("")),
		},
	}

	msgs, matched := Normalize(req)
	if !matched {
		t.Fatal("matched = false, want true")
	}

	want := []upstream.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: ""},
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("messages = %+v, want %+v", msgs, want)
	}
}

func TestNormalizePrecedence(t *testing.T) {
	tests := []struct {
		name    string
		req     *ollama.ChatRequest
		want    []upstream.ChatMessage
		matched bool
	}{
		{
			name: "messages win over system and prompt",
			req: &ollama.ChatRequest{
				Messages: []ollama.InboundMessage{msg(strptr("user"), strptr("from messages"))},
				System:   "from system",
				Prompt:   "from prompt",
			},
			want:    []upstream.ChatMessage{{Role: "user", Content: "from messages"}},
			matched: true,
		},
		{
			name: "all messages filtered out falls to system",
			req: &ollama.ChatRequest{
				Messages: []ollama.InboundMessage{msg(strptr("user"), nil)},
				System:   "from system",
			},
			want:    []upstream.ChatMessage{{Role: "system", Content: "from system"}},
			matched: true,
		},
		{
			name: "system wins over prompt",
			req: &ollama.ChatRequest{
				System: "sys",
				Prompt: "prm",
			},
			want:    []upstream.ChatMessage{{Role: "system", Content: "sys"}},
			matched: true,
		},
		{
			name: "prompt wins over history",
			req: &ollama.ChatRequest{
				Prompt:  "prm",
				History: []ollama.InboundMessage{msg(strptr("user"), strptr("old"))},
			},
			want:    []upstream.ChatMessage{{Role: "user", Content: "prm"}},
			matched: true,
		},
		{
			name: "history filters non-chat roles and defaults content",
			req: &ollama.ChatRequest{
				History: []ollama.InboundMessage{
					msg(strptr("user"), strptr("q")),
					msg(strptr("tool"), strptr("ignored")),
					msg(strptr("assistant"), nil),
				},
			},
			want: []upstream.ChatMessage{
				{Role: "user", Content: "q"},
				{Role: "assistant", Content: ""},
			},
			matched: true,
		},
		{
			name:    "nothing matches synthesizes one empty user message",
			req:     &ollama.ChatRequest{},
			want:    []upstream.ChatMessage{{Role: "user", Content: ""}},
			matched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, matched := Normalize(tt.req)
			if matched != tt.matched {
				t.Errorf("matched = %v, want %v", matched, tt.matched)
			}
			if !reflect.DeepEqual(msgs, tt.want) {
				t.Errorf("messages = %+v, want %+v", msgs, tt.want)
			}
		})
	}
}

func TestNormalizePlainPrompt(t *testing.T) {
	req := &ollama.ChatRequest{Prompt: "  what is Go?  "}
	msgs, matched := Normalize(req)
	if !matched {
		t.Fatal("matched = false")
	}
	want := []upstream.ChatMessage{{Role: "user", Content: "  what is Go?  "}}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("plain prompt must pass through verbatim, got %+v", msgs)
	}
}

func TestNormalizeDelimitedPrompt(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   []upstream.ChatMessage
	}{
		{
			name:   "balanced tags",
			prompt: "<user>hello</user><assistant>hi there</assistant><user>bye</user>",
			want: []upstream.ChatMessage{
				{Role: "user", Content: "hello"},
				{Role: "assistant", Content: "hi there"},
				{Role: "user", Content: "bye"},
			},
		},
		{
			name:   "spans trimmed",
			prompt: "<user>\n  hello  \n</user>",
			want:   []upstream.ChatMessage{{Role: "user", Content: "hello"}},
		},
		{
			name:   "opening tag implicitly closes previous span",
			prompt: "<user>one<assistant>two",
			want: []upstream.ChatMessage{
				{Role: "user", Content: "one"},
				{Role: "assistant", Content: "two"},
			},
		},
		{
			name:   "unterminated trailing span is flushed",
			prompt: "<user>still open",
			want:   []upstream.ChatMessage{{Role: "user", Content: "still open"}},
		},
		{
			name:   "content before the first tag is dropped",
			prompt: "preamble text\n<user>hello</user>",
			want:   []upstream.ChatMessage{{Role: "user", Content: "hello"}},
		},
		{
			name:   "content after a closed span is dropped",
			prompt: "<user>hello</user>\ntrailing noise",
			want:   []upstream.ChatMessage{{Role: "user", Content: "hello"}},
		},
		{
			name:   "stray closing tag is harmless",
			prompt: "</assistant><user>hello</user>",
			want:   []upstream.ChatMessage{{Role: "user", Content: "hello"}},
		},
		{
			name:   "empty spans are not emitted",
			prompt: "<user>   </user><assistant>answer</assistant>",
			want:   []upstream.ChatMessage{{Role: "assistant", Content: "answer"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, _ := Normalize(&ollama.ChatRequest{Prompt: tt.prompt})
			if !reflect.DeepEqual(msgs, tt.want) {
				t.Errorf("messages = %+v, want %+v", msgs, tt.want)
			}
		})
	}
}

func TestNormalizeDelimitedPromptAllDropped(t *testing.T) {
	// A tagged prompt whose spans all come up empty yields nothing, so
	// the next source in precedence order takes over.
	req := &ollama.ChatRequest{
		Prompt:  "noise <user></user> more noise",
		History: []ollama.InboundMessage{msg(strptr("user"), strptr("from history"))},
	}
	msgs, matched := Normalize(req)
	if !matched {
		t.Fatal("matched = false")
	}
	want := []upstream.ChatMessage{{Role: "user", Content: "from history"}}
	if !reflect.DeepEqual(msgs, want) {
		t.Errorf("messages = %+v, want %+v", msgs, want)
	}
}
