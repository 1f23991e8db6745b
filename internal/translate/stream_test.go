package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
)

func lines(buf *bytes.Buffer) []string {
	out := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}

func decodeFrame(t *testing.T, line string) ollama.StreamFrame {
	t.Helper()
	var f ollama.StreamFrame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		t.Fatalf("frame %q: %v", line, err)
	}
	return f
}

func assertTerminalLast(t *testing.T, got []string) {
	t.Helper()
	if len(got) == 0 {
		t.Fatal("no output written")
	}
	count := 0
	for _, l := range got {
		if l == "[DONE]" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("terminal marker written %d times, want exactly 1:\n%s", count, strings.Join(got, "\n"))
	}
	if got[len(got)-1] != "[DONE]" {
		t.Fatalf("terminal marker not last:\n%s", strings.Join(got, "\n"))
	}
}

func TestSessionChunkBoundarySplit(t *testing.T) {
	// Three deltas in two physical chunks, the first ending mid-line.
	chunk1 := "data: {\"model\":\"llama3\",\"created\":1700000000,\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n" +
		"data: {\"model\":\"llama3\",\"created\":1700000000,\"choices\":[{\"delta\":{\"con"
	chunk2 := "tent\":\"lo\"}}]}\n" +
		"data: {\"model\":\"llama3\",\"created\":1700000001,\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n" +
		"data: [DONE]\n"

	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "llama3")

	for _, chunk := range []string{chunk1, "", chunk2} {
		if err := s.Feed([]byte(chunk)); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := lines(&buf)
	assertTerminalLast(t, got)
	if len(got) != 5 {
		t.Fatalf("got %d lines, want opening + Hel + lo + done + [DONE]:\n%s", len(got), strings.Join(got, "\n"))
	}

	opening := decodeFrame(t, got[0])
	if opening.Message == nil || opening.Message.Content != "" || opening.Done {
		t.Errorf("opening frame = %s", got[0])
	}
	if f := decodeFrame(t, got[1]); f.Message.Content != "Hel" {
		t.Errorf("frame 1 content = %q, want Hel", f.Message.Content)
	}
	if f := decodeFrame(t, got[2]); f.Message.Content != "lo" {
		t.Errorf("frame 2 content = %q, want lo", f.Message.Content)
	}
	final := decodeFrame(t, got[3])
	if !final.Done || final.DoneReason != "stop" {
		t.Errorf("final frame = %s", got[3])
	}
	if final.PromptEvalCount == nil || *final.PromptEvalCount != 0 {
		t.Errorf("final frame counts missing or nonzero without usage: %s", got[3])
	}
}

func TestSessionSingleChunkManyRecords(t *testing.T) {
	chunk := "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n" +
		"data: [DONE]\n"

	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	if err := s.Feed([]byte(chunk)); err != nil {
		t.Fatal(err)
	}
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}

	got := lines(&buf)
	assertTerminalLast(t, got)
	// opening + a + b + [DONE]; no done frame because no finish_reason seen.
	if len(got) != 4 {
		t.Fatalf("got %d lines:\n%s", len(got), strings.Join(got, "\n"))
	}
}

func TestSessionGenerateShape(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeGenerate, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}]}\n"))
	s.Finish()

	got := lines(&buf)
	assertTerminalLast(t, got)

	f := decodeFrame(t, got[1])
	if f.Response == nil || *f.Response != "hi" {
		t.Errorf("generate frame = %s", got[1])
	}
	if f.Message != nil {
		t.Errorf("generate frame carries chat message: %s", got[1])
	}
}

func TestSessionHeartbeatSuppressed(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n"))
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"))
	s.Finish()

	got := lines(&buf)
	assertTerminalLast(t, got)
	// Opening frame, the x frame, [DONE]. The empty heartbeat makes no
	// frame of its own but still triggers the opening frame.
	if len(got) != 3 {
		t.Fatalf("got %d lines:\n%s", len(got), strings.Join(got, "\n"))
	}
	if f := decodeFrame(t, got[1]); f.Message.Content != "x" {
		t.Errorf("frame = %s", got[1])
	}
}

func TestSessionCommentLinesIgnored(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte(": keep-alive\n\ndata: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"))
	s.Finish()

	got := lines(&buf)
	assertTerminalLast(t, got)
	if len(got) != 3 {
		t.Fatalf("got %d lines:\n%s", len(got), strings.Join(got, "\n"))
	}
}

func TestSessionErrorPayload(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"error\":{\"message\":\"overloaded\",\"code\":529}}\n"))
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"))
	s.Finish()

	got := lines(&buf)
	assertTerminalLast(t, got)
	if len(got) != 2 {
		t.Fatalf("got %d lines, want error frame + [DONE]:\n%s", len(got), strings.Join(got, "\n"))
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(got[0]), &envelope); err != nil {
		t.Fatalf("error frame: %v", err)
	}
	if envelope.Error.Message != "overloaded" {
		t.Errorf("error frame = %s", got[0])
	}
}

func TestSessionParseError(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {not json at all\n"))
	s.Finish()

	got := lines(&buf)
	assertTerminalLast(t, got)
	if !strings.Contains(got[0], `"error"`) {
		t.Errorf("first line = %s, want error frame", got[0])
	}
}

func TestSessionTransportError(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n"))
	if err := s.Fail(errors.New("connection reset")); err != nil {
		t.Fatal(err)
	}

	got := lines(&buf)
	assertTerminalLast(t, got)
	if !strings.Contains(got[len(got)-2], "connection reset") {
		t.Errorf("missing error frame before terminal:\n%s", strings.Join(got, "\n"))
	}
	if !s.Terminated() {
		t.Error("session not terminated after Fail")
	}
}

func TestSessionResidualBufferFlushedOnFinish(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	// Final record arrives with no trailing newline.
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"tail\"},\"finish_reason\":\"stop\"}]}"))
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}

	got := lines(&buf)
	assertTerminalLast(t, got)
	if f := decodeFrame(t, got[1]); f.Message.Content != "tail" || !f.Done {
		t.Errorf("residual line not processed: %s", got[1])
	}
}

func TestSessionEndOfStreamWithoutDone(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"))
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	got := lines(&buf)
	assertTerminalLast(t, got)
}

func TestSessionInputAfterTerminationIgnored(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: [DONE]\n"))
	before := buf.Len()

	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"))
	s.Feed([]byte("data: [DONE]\n"))
	if err := s.Finish(); err != nil {
		t.Fatal(err)
	}
	if err := s.Fail(errors.New("late failure")); err != nil {
		t.Fatal(err)
	}

	if buf.Len() != before {
		t.Errorf("output grew after termination:\n%s", buf.String())
	}
	assertTerminalLast(t, lines(&buf))
}

func TestSessionTerminalFrameTimings(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"},\"finish_reason\":\"stop\"}]," +
		"\"timings\":{\"cache_n\":10,\"predicted_n\":20,\"prompt_ms\":1.5,\"predicted_ms\":2.5}}\n"))
	s.Finish()

	got := lines(&buf)
	final := decodeFrame(t, got[1])
	if final.PromptEvalCount == nil || *final.PromptEvalCount != 10 {
		t.Errorf("prompt_eval_count = %v", final.PromptEvalCount)
	}
	if final.EvalCount == nil || *final.EvalCount != 20 {
		t.Errorf("eval_count = %v", final.EvalCount)
	}
	if final.PromptEvalDuration == nil || *final.PromptEvalDuration != 1_500_000 {
		t.Errorf("prompt_eval_duration = %v", final.PromptEvalDuration)
	}
	if final.TotalDuration == nil || *final.TotalDuration != 4_000_000 {
		t.Errorf("total_duration = %v", final.TotalDuration)
	}
}

func TestSessionNonTerminalFramesCarryNoCounts(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n"))
	s.Finish()

	got := lines(&buf)
	f := decodeFrame(t, got[1])
	if f.PromptEvalCount != nil || f.EvalCount != nil || f.TotalTokens != nil {
		t.Errorf("non-terminal frame carries counts: %s", got[1])
	}
}

func TestSessionDeltaSuppliedUsageOnNonTerminalFrame(t *testing.T) {
	var buf bytes.Buffer
	s := NewSession(&buf, ShapeChat, "m")
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]," +
		"\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3}}\n"))
	s.Finish()

	got := lines(&buf)
	f := decodeFrame(t, got[1])
	if f.TotalTokens == nil || *f.TotalTokens != 3 {
		t.Errorf("delta-supplied usage dropped: %s", got[1])
	}
}

func TestSessionByteSplitFuzz(t *testing.T) {
	// The same record stream split at every possible byte boundary must
	// produce identical output with exactly one terminal marker.
	stream := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"He\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"y\"},\"finish_reason\":\"stop\"}]}\n" +
		"data: [DONE]\n"

	var want string
	for split := 0; split <= len(stream); split++ {
		var buf bytes.Buffer
		s := NewSession(&buf, ShapeChat, "m")
		if err := s.Feed([]byte(stream[:split])); err != nil {
			t.Fatalf("split %d: %v", split, err)
		}
		if err := s.Feed([]byte(stream[split:])); err != nil {
			t.Fatalf("split %d: %v", split, err)
		}
		if err := s.Finish(); err != nil {
			t.Fatalf("split %d: %v", split, err)
		}

		assertTerminalLast(t, lines(&buf))
		if want == "" {
			want = buf.String()
		} else if buf.String() != want {
			t.Fatalf("split %d diverged:\n%s\nwant:\n%s", split, buf.String(), want)
		}
	}
}
