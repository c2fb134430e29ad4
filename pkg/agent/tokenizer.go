package agent

import (
	"fmt"
	"strings"
)

// Tokenizer limits. A capture that exceeds maxBlockBytes without closing is
// reported as a parse error rather than buffered indefinitely.
const (
	maxBlockBytes = 256 << 10
	maxTagBytes   = 256
)

// Event is one tokenizer output. The session consumes events in order and
// suspends LLM generation when a tool block completes.
type Event interface{ isEvent() }

// TextEvent carries prose (including <think> elements, which pass through
// verbatim and never trigger execution).
type TextEvent struct {
	Text string
}

// ToolBlockStartEvent marks the point where generation must be suspended.
type ToolBlockStartEvent struct {
	RawOpening string
}

// ToolBlockEndEvent carries one complete tool block. Raw is the block
// exactly as the model wrote it, trigger included; Inner is the invocation
// elements only, ready for the parser.
type ToolBlockEndEvent struct {
	Raw   string
	Inner string
}

// AnswerEvent carries a closed <answer> element.
type AnswerEvent struct {
	Text string
	Raw  string
}

// ParseErrorEvent reports malformed model output the tokenizer cannot
// recover from (a capture that never closes within the size cap).
type ParseErrorEvent struct {
	Message string
}

// StreamEndEvent marks the end of the LLM stream without a terminator.
type StreamEndEvent struct{}

func (TextEvent) isEvent()           {}
func (ToolBlockStartEvent) isEvent() {}
func (ToolBlockEndEvent) isEvent()   {}
func (AnswerEvent) isEvent()         {}
func (ParseErrorEvent) isEvent()     {}
func (StreamEndEvent) isEvent()      {}

type captureKind int

const (
	captureNone captureKind = iota
	captureElement
	captureLegacy
	captureAnswer
	captureThink
)

// Tokenizer is a forward, byte-oriented scanner over the LLM output stream.
// It detects the small table of recognized top-level tags and buffers at
// most one open block plus a trailing window for split-tag detection; it
// never interprets tag contents.
//
// Invocation elements (any element that is not think/answer/result) are held
// as candidates until the next token decides their fate: an
// <execute_tools /> trigger turns them into a tool block, while intervening
// prose flushes them back out as plain text.
//
// One Tokenizer serves one stream segment; create a fresh one per
// continuation.
type Tokenizer struct {
	pending   string
	capture   captureKind
	elemName  string
	candidate string
	errored   bool
}

// NewTokenizer returns a tokenizer in its initial state.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

// Feed consumes one chunk and returns the events it completes. Partial tags
// and open captures are held until later chunks close them.
func (t *Tokenizer) Feed(chunk string) []Event {
	if t.errored {
		return nil
	}
	t.pending += chunk
	return t.drain(false)
}

// Finish flushes the tokenizer at end of stream. Held candidates and
// unclosed prose-level captures flush as text; an unclosed tool envelope is
// a parse error. Always ends with StreamEndEvent unless an error fired.
func (t *Tokenizer) Finish() []Event {
	if t.errored {
		return nil
	}
	events := t.drain(true)

	switch t.capture {
	case captureLegacy:
		events = append(events, ParseErrorEvent{Message: "unclosed <execute_tools> envelope at end of stream"})
		t.errored = true
		return events
	case captureElement, captureAnswer, captureThink:
		// Incomplete element with no execution intent: plain text.
		t.candidate += t.pending
		t.pending = ""
		t.capture = captureNone
	}

	if flushed := t.candidate + t.pending; flushed != "" {
		events = append(events, TextEvent{Text: flushed})
	}
	t.candidate = ""
	t.pending = ""
	return append(events, StreamEndEvent{})
}

// drain processes as much of the pending buffer as the current data allows.
func (t *Tokenizer) drain(final bool) []Event {
	var events []Event
	for {
		if t.errored {
			return events
		}
		switch t.capture {
		case captureNone:
			ev, progress := t.scanText(final)
			events = append(events, ev...)
			if !progress {
				return events
			}
		default:
			ev, progress := t.scanCapture(final)
			events = append(events, ev...)
			if !progress {
				return events
			}
		}
	}
}

// scanText handles the between-tags state: emit prose, route recognized
// open tags into captures, and fire the tool block on a self-closing
// trigger. Returns false when more input is needed.
func (t *Tokenizer) scanText(final bool) ([]Event, bool) {
	var events []Event

	lt := strings.IndexByte(t.pending, '<')
	if lt < 0 {
		if t.pending != "" {
			events = t.emitProse(events, t.pending)
			t.pending = ""
		}
		return events, false
	}
	if lt > 0 {
		events = t.emitProse(events, t.pending[:lt])
		t.pending = t.pending[lt:]
	}

	// Pending now starts at '<'. Find the end of the tag token.
	gt := strings.IndexByte(t.pending, '>')
	if gt < 0 {
		if len(t.pending) > maxTagBytes || final {
			// Not a tag after all; a literal '<' in prose.
			events = t.emitProse(events, t.pending[:1])
			t.pending = t.pending[1:]
			return events, true
		}
		return events, false
	}

	inside := t.pending[1:gt]
	name := tagName(inside)
	if name == "" || strings.HasPrefix(inside, "/") {
		// Stray close tag, <result, or non-tag punctuation: literal text.
		events = t.emitProse(events, t.pending[:gt+1])
		t.pending = t.pending[gt+1:]
		return events, true
	}

	rest := strings.TrimSpace(inside[len(name):])
	switch name {
	case "execute_tools":
		if rest == "/" {
			// Self-closing trigger: the held candidates are the block.
			trigger := t.pending[:gt+1]
			t.pending = t.pending[gt+1:]
			inner := strings.TrimSpace(t.candidate)
			raw := t.candidate + trigger
			t.candidate = ""
			events = append(events,
				ToolBlockStartEvent{RawOpening: trigger},
				ToolBlockEndEvent{Raw: raw, Inner: inner},
			)
			return events, true
		}
		// Legacy envelope wrapping the invocation directly.
		events = t.flushCandidate(events)
		events = append(events, ToolBlockStartEvent{RawOpening: t.pending[:gt+1]})
		t.capture = captureLegacy
		return events, true
	case "answer":
		events = t.flushCandidate(events)
		t.capture = captureAnswer
		return events, true
	case "think":
		events = t.flushCandidate(events)
		t.capture = captureThink
		return events, true
	case "result":
		// The model must never author result tags; pass through as text.
		events = t.emitProse(events, t.pending[:gt+1])
		t.pending = t.pending[gt+1:]
		return events, true
	default:
		// Invocation element: capture whole, then hold as a candidate.
		t.capture = captureElement
		t.elemName = name
		return events, true
	}
}

// scanCapture consumes input while inside an open element, envelope, answer,
// or think block. Returns false when the close tag has not arrived yet.
func (t *Tokenizer) scanCapture(final bool) ([]Event, bool) {
	var end int
	switch t.capture {
	case captureElement:
		end = findElementEnd(t.pending, t.elemName)
	case captureLegacy:
		end = findClose(t.pending, "</execute_tools>")
	case captureAnswer:
		end = findClose(t.pending, "</answer>")
	case captureThink:
		end = findClose(t.pending, "</think>")
	}
	if end < 0 {
		if len(t.pending) > maxBlockBytes {
			t.errored = true
			return []Event{ParseErrorEvent{
				Message: fmt.Sprintf("unclosed block exceeds %d bytes", maxBlockBytes),
			}}, false
		}
		return nil, false
	}

	raw := t.pending[:end]
	t.pending = t.pending[end:]
	kind := t.capture
	t.capture = captureNone
	t.elemName = ""

	switch kind {
	case captureElement:
		t.candidate += raw
		return nil, true
	case captureLegacy:
		open := strings.IndexByte(raw, '>') + 1
		inner := strings.TrimSpace(raw[open : len(raw)-len("</execute_tools>")])
		return []Event{ToolBlockEndEvent{Raw: raw, Inner: inner}}, true
	case captureAnswer:
		open := strings.IndexByte(raw, '>') + 1
		text := strings.TrimSpace(raw[open : len(raw)-len("</answer>")])
		return []Event{AnswerEvent{Text: text, Raw: raw}}, true
	default: // think passes through verbatim
		return []Event{TextEvent{Text: raw}}, true
	}
}

// emitProse routes text output. Whitespace between candidate elements stays
// attached to the candidate; any real prose flushes the candidates back out
// as text, since they will never be executed.
func (t *Tokenizer) emitProse(events []Event, text string) []Event {
	if t.candidate != "" {
		if strings.TrimSpace(text) == "" {
			t.candidate += text
			return events
		}
		text = t.candidate + text
		t.candidate = ""
	}
	return append(events, TextEvent{Text: text})
}

func (t *Tokenizer) flushCandidate(events []Event) []Event {
	if t.candidate != "" {
		events = append(events, TextEvent{Text: t.candidate})
		t.candidate = ""
	}
	return events
}

// tagName extracts the leading element name from tag innards, or "" when
// the innards do not begin with a valid name.
func tagName(inside string) string {
	for i := 0; i < len(inside); i++ {
		c := inside[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' ||
			i > 0 && (c >= '0' && c <= '9' || c == '-') {
			continue
		}
		return inside[:i]
	}
	return inside
}

// findClose returns the index just past the first occurrence of token, or -1.
func findClose(s, token string) int {
	i := strings.Index(s, token)
	if i < 0 {
		return -1
	}
	return i + len(token)
}

// findElementEnd finds the index just past the close tag matching the
// element open at the start of s, counting same-name nesting. Returns -1
// while incomplete.
func findElementEnd(s, name string) int {
	openTok := "<" + name
	closeTok := "</" + name + ">"

	depth := 1
	i := len(openTok) // skip the opening tag itself
	for {
		ci := strings.Index(s[i:], closeTok)
		if ci < 0 {
			return -1
		}
		depth += countOpens(s[i:i+ci], openTok)
		i += ci + len(closeTok)
		depth--
		if depth == 0 {
			return i
		}
	}
}

// countOpens counts open tags of the given name within seg, requiring a
// boundary character so <namefoo> does not count.
func countOpens(seg, openTok string) int {
	count := 0
	for {
		i := strings.Index(seg, openTok)
		if i < 0 {
			return count
		}
		rest := seg[i+len(openTok):]
		if rest == "" || rest[0] == '>' || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '\r' {
			count++
		}
		seg = rest
	}
}
