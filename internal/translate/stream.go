package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/ollama-bridge/internal/ollama"
	"github.com/nulpointcorp/ollama-bridge/internal/upstream"
)

// Shape selects which reply frame the session writes.
type Shape int

const (
	ShapeChat Shape = iota
	ShapeGenerate
)

const (
	dataPrefix     = "data:"
	donePayload    = "[DONE]"
	terminalMarker = "[DONE]\n"
)

// Session re-frames one upstream event stream into newline-delimited reply
// frames. It consumes raw transport chunks with no framing guarantees (a
// record may span chunks, several records may share a chunk), buffers the
// trailing partial line between reads, and writes exactly one terminal
// marker as the last thing on the wire no matter how the stream ends.
//
// A Session belongs to a single exchange and is not safe for concurrent
// use.
type Session struct {
	w     io.Writer
	shape Shape
	model string

	buf        []byte
	firstSent  bool
	terminated bool
	frames     int
}

func NewSession(w io.Writer, shape Shape, model string) *Session {
	return &Session{w: w, shape: shape, model: model}
}

// Terminated reports whether the terminal marker has been written.
func (s *Session) Terminated() bool { return s.terminated }

// Frames returns the number of reply frames written so far, the terminal
// marker excluded.
func (s *Session) Frames() int { return s.frames }

// Feed consumes one transport chunk. Complete lines are processed in
// order; the trailing fragment is kept for the next chunk. Input after
// termination is ignored.
func (s *Session) Feed(chunk []byte) error {
	if s.terminated {
		return nil
	}

	s.buf = append(s.buf, chunk...)
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			return nil
		}
		line := s.buf[:idx]
		s.buf = s.buf[idx+1:]

		if err := s.processLine(line); err != nil {
			return err
		}
		if s.terminated {
			s.buf = nil
			return nil
		}
	}
}

// Finish handles upstream end-of-stream: any residual buffered fragment is
// processed as a final line, then the terminal marker is written if the
// stream did not already terminate.
func (s *Session) Finish() error {
	if s.terminated {
		return nil
	}

	if len(s.buf) > 0 {
		line := s.buf
		s.buf = nil
		if err := s.processLine(line); err != nil {
			return err
		}
	}
	return s.writeTerminal()
}

// Fail handles an upstream transport error: an in-band error frame
// followed by the terminal marker. The HTTP status is already on the wire
// at this point, so in-band is the only channel left.
func (s *Session) Fail(cause error) error {
	if s.terminated {
		return nil
	}
	if err := s.writeErrorMessage(fmt.Sprintf("upstream stream error: %v", cause)); err != nil {
		return err
	}
	return s.writeTerminal()
}

func (s *Session) processLine(line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		// Comment and keep-alive lines carry no payload.
		return nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])

	if bytes.Equal(payload, []byte(donePayload)) {
		return s.writeTerminal()
	}

	// An error object replaces the delta stream entirely.
	if errVal := gjson.GetBytes(payload, "error"); errVal.Exists() {
		if err := s.writeErrorRaw(json.RawMessage(errVal.Raw)); err != nil {
			return err
		}
		return s.writeTerminal()
	}

	var c upstream.Completion
	if err := json.Unmarshal(payload, &c); err != nil {
		if werr := s.writeErrorMessage(fmt.Sprintf("malformed upstream payload: %v", err)); werr != nil {
			return werr
		}
		return s.writeTerminal()
	}
	return s.handleDelta(&c)
}

func (s *Session) handleDelta(c *upstream.Completion) error {
	choice := c.First()
	if choice == nil {
		return nil
	}
	turn := choice.Delta
	if turn == nil {
		turn = choice.Message
	}

	role, content := RoleAssistant, ""
	var toolCalls json.RawMessage
	if turn != nil {
		if turn.Role != "" {
			role = turn.Role
		}
		content = turn.Content
		toolCalls = turn.ToolCalls
	}
	finished := choice.FinishReason != ""

	if !s.firstSent {
		if err := s.writeFrame(s.openingFrame(c)); err != nil {
			return err
		}
		s.firstSent = true
	}

	// Heartbeat deltas produce no frame.
	if content == "" && len(toolCalls) == 0 && !finished {
		return nil
	}

	frame := s.newFrame(c)
	if s.shape == ShapeChat {
		frame.Message = &ollama.Message{Role: role, Content: content, ToolCalls: toolCalls}
	} else {
		frame.Response = &content
	}

	if finished {
		frame.Done = true
		frame.DoneReason = "stop"
		frame.Context = json.RawMessage("[]")
		attachCounts(frame, c.Usage, c.Timings)
		attachDurations(frame, c.Timings)
	} else if c.Usage != nil {
		attachCounts(frame, c.Usage, nil)
	}

	if err := s.writeFrame(frame); err != nil {
		return err
	}
	if finished {
		return s.writeTerminal()
	}
	return nil
}

func (s *Session) newFrame(c *upstream.Completion) *ollama.StreamFrame {
	model := c.Model
	if model == "" {
		model = s.model
	}
	created := time.Now().UTC().Format(time.RFC3339)
	if c.Created != 0 {
		created = EpochToRFC3339(c.Created)
	}
	return &ollama.StreamFrame{Model: model, CreatedAt: created}
}

// openingFrame is the synthetic empty frame sent before the first real
// content frame.
func (s *Session) openingFrame(c *upstream.Completion) *ollama.StreamFrame {
	frame := s.newFrame(c)
	if s.shape == ShapeChat {
		frame.Message = &ollama.Message{Role: RoleAssistant, Content: ""}
	} else {
		empty := ""
		frame.Response = &empty
	}
	return frame
}

func attachCounts(frame *ollama.StreamFrame, usage *upstream.Usage, timings *upstream.Timings) {
	prompt, eval, total := tokenCounts(usage, timings)
	frame.PromptEvalCount = &prompt
	frame.EvalCount = &eval
	frame.TotalTokens = &total
}

func attachDurations(frame *ollama.StreamFrame, timings *upstream.Timings) {
	if timings == nil {
		return
	}
	promptNS := int64(timings.PromptMS * float64(time.Millisecond))
	evalNS := int64(timings.PredictedMS * float64(time.Millisecond))
	totalNS := promptNS + evalNS
	frame.PromptEvalDuration = &promptNS
	frame.EvalDuration = &evalNS
	frame.TotalDuration = &totalNS
}

func (s *Session) writeFrame(frame *ollama.StreamFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	s.frames++
	return nil
}

func (s *Session) writeErrorMessage(msg string) error {
	b, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write error frame: %w", err)
	}
	return nil
}

func (s *Session) writeErrorRaw(raw json.RawMessage) error {
	b, err := json.Marshal(map[string]json.RawMessage{"error": raw})
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write error frame: %w", err)
	}
	return nil
}

// writeTerminal is the single exit point into the terminated state. The
// flag flips before the write so a failed write can never cause a second
// marker.
func (s *Session) writeTerminal() error {
	if s.terminated {
		return nil
	}
	s.terminated = true
	if _, err := io.WriteString(s.w, terminalMarker); err != nil {
		return fmt.Errorf("write terminal marker: %w", err)
	}
	return nil
}
