package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/zhaobenny/tokentracker/internal/model"
)

const (
	maxBufferedBody = 32 << 20
	maxLineLength   = 4 << 20
	maxErrorLength  = 500
)

// State is the position of an Accumulator in its lifecycle.
type State int

const (
	StateAwaitingHeaders State = iota
	StateAwaitingBody
	StateAccumulating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeaders:
		return "awaiting_headers"
	case StateAwaitingBody:
		return "awaiting_body"
	case StateAccumulating:
		return "accumulating"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Shape is the transport shape of a response body.
type Shape int

const (
	ShapeBuffered Shape = iota
	ShapeEventStream
)

// ShapeOf selects the response shape from a Content-Type header value.
func ShapeOf(contentType string) Shape {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	}
	if mediaType == "text/event-stream" {
		return ShapeEventStream
	}
	return ShapeBuffered
}

// Result is the normalized usage projection of one response.
type Result struct {
	Usage      model.TokenUsage
	Model      string
	StopReason string
	MessageID  string
	Err        string
}

// Accumulator observes one response and derives its usage.
// It is owned by a single request; it is not safe for concurrent use.
type Accumulator struct {
	vocab  Vocabulary
	state  State
	shape  Shape
	status int

	body     bytes.Buffer
	overflow bool

	line      []byte
	skipLine  bool
	eventName string
	data      bytes.Buffer
	hasData   bool

	sawTerminal bool
	ended       bool

	usage      model.TokenUsage
	model      string
	stopReason string
	messageID  string
	diags      []string

	result Result
}

// NewAccumulator returns an Accumulator waiting for response headers.
func NewAccumulator(vocab Vocabulary) *Accumulator {
	return &Accumulator{vocab: vocab, state: StateAwaitingHeaders}
}

// State reports the current state.
func (a *Accumulator) State() State {
	return a.state
}

// Shape reports the shape chosen by Begin.
func (a *Accumulator) Shape() Shape {
	return a.shape
}

// Begin records the response status and picks the parsing variant from the
// declared content type. It has no effect outside StateAwaitingHeaders.
func (a *Accumulator) Begin(status int, contentType string) {
	if a.state != StateAwaitingHeaders {
		return
	}
	a.status = status
	a.shape = ShapeOf(contentType)
	if a.shape == ShapeEventStream {
		a.state = StateAccumulating
		return
	}
	a.state = StateAwaitingBody
}

// Write feeds response body bytes. It never fails; bytes arriving before Begin
// or after Finish are ignored.
func (a *Accumulator) Write(p []byte) (int, error) {
	switch a.state {
	case StateAwaitingBody:
		a.bufferBody(p)
	case StateAccumulating:
		a.scan(p)
	}
	return len(p), nil
}

// Annotate adds a diagnostic to the eventual Result.Err.
func (a *Accumulator) Annotate(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, d := range a.diags {
		if d == msg {
			return
		}
	}
	a.diags = append(a.diags, msg)
}

// Finish moves the accumulator to StateDone and returns the derived usage.
// Calling Finish again returns the same Result.
func (a *Accumulator) Finish() Result {
	if a.state == StateDone {
		return a.result
	}

	switch a.state {
	case StateAwaitingBody:
		a.parseBuffered()
	case StateAccumulating:
		if !a.ended {
			if len(a.line) > 0 && !a.skipLine {
				a.processLine(a.line)
			}
			a.dispatch()
		}
		if !a.sawTerminal && a.vocab.Terminal != "" {
			a.Annotate("stream truncated before %s event", a.vocab.Terminal)
		}
	}

	a.state = StateDone
	a.result = Result{
		Usage:      a.usage,
		Model:      a.model,
		StopReason: a.stopReason,
		MessageID:  a.messageID,
		Err:        a.errString(),
	}

	a.body = bytes.Buffer{}
	a.data = bytes.Buffer{}
	a.line = nil
	return a.result
}

func (a *Accumulator) bufferBody(p []byte) {
	if a.overflow {
		return
	}
	if a.body.Len()+len(p) > maxBufferedBody {
		a.overflow = true
		a.body = bytes.Buffer{}
		a.Annotate("response body exceeds %d bytes, usage not parsed", maxBufferedBody)
		return
	}
	a.body.Write(p)
}

func (a *Accumulator) parseBuffered() {
	if a.overflow {
		return
	}
	body := bytes.TrimSpace(a.body.Bytes())
	if len(body) == 0 {
		return
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		if json.Valid(body) {
			a.Annotate("unexpected response shape (status %d)", a.status)
		} else {
			a.Annotate("non-JSON response (status %d)", a.status)
		}
		return
	}

	if a.status < 200 || a.status > 299 {
		a.Annotate("upstream status %d: %s", a.status, upstreamError(env, body))
		return
	}

	a.messageID = stringField(env["id"])
	a.model = stringField(env["model"])
	a.stopReason = stringField(env["stop_reason"])
	a.parseUsage(env["usage"]).overwrite(&a.usage)
}

func (a *Accumulator) errString() string {
	s := strings.Join(a.diags, "; ")
	if len(s) <= maxErrorLength {
		return s
	}
	s = s[:maxErrorLength]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func upstreamError(env map[string]json.RawMessage, body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(env["error"], &obj); err == nil {
		typ := stringField(obj["type"])
		msg := stringField(obj["message"])
		switch {
		case msg != "" && typ != "":
			return typ + ": " + msg
		case msg != "":
			return msg
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.ToValidUTF8(string(body), "")
}

func stringField(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
