// Package sse provides the streaming response client.
// Clean Architecture: Adapter implementing ports.EventStream on top of a ports.StreamOpener.
// It turns the backend's `event:`/`data:` byte stream into typed, ordered callbacks.
package sse

import (
	"bytes"
	"strings"
)

// Event kinds the backend emits.
const (
	KindMessage   = "message"
	KindCitations = "citations"
	KindMetadata  = "metadata"
	KindError     = "error"
	KindDone      = "done"
)

// Event is one decoded event-name/payload pair, payload still undecoded.
type Event struct {
	Kind string
	Data string

	// Continuation marks an extra data line of a message event in the same block.
	Continuation bool
}

// Tokenizer incrementally splits a byte stream into events.
// Bytes are split on '\n' only; the trailing partial line is carried over to the next Feed.
type Tokenizer struct {
	buf     []byte
	pending string // kind from an `event:` line waiting for its `data:` line
	last    string // kind of the last dispatched data line in the current block
}

// Feed appends chunk to the buffer and returns the events completed by it.
func (t *Tokenizer) Feed(chunk []byte) []Event {
	t.buf = append(t.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		line := string(t.buf[:i])
		t.buf = t.buf[i+1:]
		if ev, ok := t.line(line); ok {
			events = append(events, ev)
		}
	}

	if len(t.buf) == 0 {
		t.buf = nil
	} else {
		t.buf = append([]byte(nil), t.buf...)
	}
	return events
}

// Flush processes any unterminated final line and resets the tokenizer.
// Call it once the transport reports end of stream.
func (t *Tokenizer) Flush() []Event {
	var events []Event
	if len(t.buf) > 0 {
		line := string(t.buf)
		t.buf = nil
		if ev, ok := t.line(line); ok {
			events = append(events, ev)
		}
	}
	t.pending = ""
	t.last = ""
	return events
}

// Buffered returns the number of bytes held for the next line.
func (t *Tokenizer) Buffered() int {
	return len(t.buf)
}

func (t *Tokenizer) line(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\r")

	switch {
	case line == "":
		// End of block. `data:` must follow `event:` directly.
		t.pending = ""
		t.last = ""
		return Event{}, false

	case strings.HasPrefix(line, ":"):
		return Event{}, false

	case strings.HasPrefix(line, "event:"):
		t.pending = strings.TrimSpace(line[len("event:"):])
		t.last = ""
		return Event{}, false

	case strings.HasPrefix(line, "data:"):
		data := strings.TrimPrefix(line[len("data:"):], " ")
		if t.pending != "" {
			ev := Event{Kind: t.pending, Data: data}
			t.last = t.pending
			t.pending = ""
			return ev, true
		}
		// sse-starlette splits multi-line tokens into several data lines.
		if t.last == KindMessage {
			return Event{Kind: KindMessage, Data: data, Continuation: true}, true
		}
		return Event{}, false

	default:
		t.pending = ""
		t.last = ""
		return Event{}, false
	}
}
