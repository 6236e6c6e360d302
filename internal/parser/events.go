package parser

import (
	"bytes"
	"encoding/json"
	"math"
	"slices"
	"strconv"

	"github.com/zhaobenny/tokentracker/internal/model"
)

// Vocabulary names the event types of an upstream event stream.
type Vocabulary struct {
	// Start carries the model and an initial token snapshot.
	Start string `yaml:"start"`
	// Incremental events carry delta token counts.
	Incremental []string `yaml:"incremental"`
	// Terminal carries the stop reason and final cumulative counts.
	Terminal string `yaml:"terminal" validate:"required"`
	// End marks the explicit end of the stream.
	End []string `yaml:"end"`
	// Error carries an upstream error object.
	Error string `yaml:"error"`
}

// DefaultVocabulary returns the Anthropic Messages API event names.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Start:    "message_start",
		Terminal: "message_delta",
		End:      []string{"message_stop"},
		Error:    "error",
	}
}

const doneMarker = "[DONE]"

var usageKeys = [...]string{
	"input_tokens",
	"output_tokens",
	"cache_creation_input_tokens",
	"cache_read_input_tokens",
}

// counters holds the usage fields reported by one payload, in usageKeys order.
type counters struct {
	val [len(usageKeys)]int64
	set [len(usageKeys)]bool
}

func (c counters) overwrite(u *model.TokenUsage) {
	fields := usageFields(u)
	for i := range fields {
		if c.set[i] {
			*fields[i] = c.val[i]
		}
	}
}

// accumulate overwrites input tokens and adds every other counter.
func (c counters) accumulate(u *model.TokenUsage) {
	fields := usageFields(u)
	for i := range fields {
		if !c.set[i] {
			continue
		}
		if i == 0 {
			*fields[i] = c.val[i]
			continue
		}
		if c.val[i] > math.MaxInt64-*fields[i] {
			*fields[i] = math.MaxInt64
			continue
		}
		*fields[i] += c.val[i]
	}
}

func usageFields(u *model.TokenUsage) [len(usageKeys)]*int64 {
	return [len(usageKeys)]*int64{
		&u.InputTokens,
		&u.OutputTokens,
		&u.CacheCreationInputTokens,
		&u.CacheReadInputTokens,
	}
}

func (a *Accumulator) scan(p []byte) {
	for len(p) > 0 && !a.ended {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			a.appendPartial(p)
			return
		}
		a.appendPartial(p[:i])
		if a.skipLine {
			a.skipLine = false
		} else {
			a.processLine(a.line)
		}
		a.line = a.line[:0]
		p = p[i+1:]
	}
}

func (a *Accumulator) appendPartial(p []byte) {
	if a.skipLine {
		return
	}
	if len(a.line)+len(p) > maxLineLength {
		a.skipLine = true
		a.line = a.line[:0]
		a.Annotate("event line exceeds %d bytes, skipped", maxLineLength)
		return
	}
	a.line = append(a.line, p...)
}

func (a *Accumulator) processLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		a.dispatch()
		return
	}
	if line[0] == ':' {
		return
	}

	field, value, _ := bytes.Cut(line, []byte(":"))
	value = bytes.TrimPrefix(value, []byte(" "))

	switch string(field) {
	case "event":
		a.eventName = string(value)
	case "data":
		if a.hasData {
			a.data.WriteByte('\n')
		}
		a.data.Write(value)
		a.hasData = true
	}
}

func (a *Accumulator) dispatch() {
	name := a.eventName
	a.eventName = ""
	if !a.hasData {
		return
	}
	data := bytes.Clone(a.data.Bytes())
	a.data.Reset()
	a.hasData = false

	a.handleEvent(name, data)
}

func (a *Accumulator) handleEvent(name string, data []byte) {
	if string(bytes.TrimSpace(data)) == doneMarker {
		a.ended = true
		return
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		a.Annotate("malformed event data")
		return
	}

	typ := stringField(env["type"])
	if typ == "" {
		typ = name
	}
	if typ == "" {
		return
	}

	switch {
	case typ == a.vocab.Start:
		a.onStart(env)
	case typ == a.vocab.Terminal:
		a.onTerminal(env)
	case slices.Contains(a.vocab.Incremental, typ):
		a.onIncremental(env)
	case slices.Contains(a.vocab.End, typ):
		a.ended = true
	case typ == a.vocab.Error:
		a.onError(env)
	}
}

func (a *Accumulator) onStart(env map[string]json.RawMessage) {
	msg := env
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(env["message"], &inner); err == nil {
		msg = inner
	}

	if m := stringField(msg["model"]); m != "" {
		a.model = m
	}
	if id := stringField(msg["id"]); id != "" {
		a.messageID = id
	}
	a.parseUsage(msg["usage"]).overwrite(&a.usage)
}

func (a *Accumulator) onIncremental(env map[string]json.RawMessage) {
	a.parseUsage(eventUsage(env)).accumulate(&a.usage)
	if reason := stopReason(env); reason != "" {
		a.stopReason = reason
	}
}

func (a *Accumulator) onTerminal(env map[string]json.RawMessage) {
	a.sawTerminal = true
	a.parseUsage(eventUsage(env)).overwrite(&a.usage)
	if reason := stopReason(env); reason != "" {
		a.stopReason = reason
	}
}

func (a *Accumulator) onError(env map[string]json.RawMessage) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(env["error"], &obj); err != nil {
		a.Annotate("upstream error event")
		return
	}
	typ := stringField(obj["type"])
	msg := stringField(obj["message"])
	switch {
	case typ != "" && msg != "":
		a.Annotate("upstream error event: %s: %s", typ, msg)
	case msg != "":
		a.Annotate("upstream error event: %s", msg)
	default:
		a.Annotate("upstream error event: %s", typ)
	}
}

func eventUsage(env map[string]json.RawMessage) json.RawMessage {
	if raw, ok := env["usage"]; ok {
		return raw
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(env["message"], &inner); err == nil {
		return inner["usage"]
	}
	return nil
}

func stopReason(env map[string]json.RawMessage) string {
	var delta map[string]json.RawMessage
	if err := json.Unmarshal(env["delta"], &delta); err == nil {
		if reason := stringField(delta["stop_reason"]); reason != "" {
			return reason
		}
	}
	return stringField(env["stop_reason"])
}

// parseUsage reads the usage object. Absent or null fields are left unset;
// malformed ones are set to zero and annotated.
func (a *Accumulator) parseUsage(raw json.RawMessage) counters {
	var c counters
	if isNull(raw) {
		return c
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		a.Annotate("usage is not an object")
		return c
	}

	for i, key := range usageKeys {
		v, ok := fields[key]
		if !ok || isNull(v) {
			continue
		}
		c.set[i] = true
		n, ok := parseCount(v)
		if !ok {
			a.Annotate("invalid %s", key)
			continue
		}
		c.val[i] = n
	}
	return c
}

// parseCount accepts non-negative integral JSON numbers only.
func parseCount(raw json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}

	if n, err := strconv.ParseInt(num.String(), 10, 64); err == nil {
		return n, n >= 0
	}
	f, err := num.Float64()
	if err != nil || f < 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}
