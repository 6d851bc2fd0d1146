package sse

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "event: citations\r\n" +
	`data: [{"id":1,"source":"guide.pdf","title":"Guide","content":"intro","score":0.91}]` + "\r\n\r\n" +
	"event: message\r\ndata: Hi\r\n\r\n" +
	"event: message\r\ndata:  there\r\n\r\n" +
	": keep-alive\r\n\r\n" +
	"event: metadata\r\ndata: {\"model\":\"gpt\"}\r\n\r\n" +
	"event: done\r\ndata: {\"performance\":{\"total_ms\":12.5}}\r\n\r\n"

func feedAll(chunks [][]byte) []Event {
	var tok Tokenizer
	var out []Event
	for _, c := range chunks {
		out = append(out, tok.Feed(c)...)
	}
	return append(out, tok.Flush()...)
}

func TestTokenizer_SingleChunk(t *testing.T) {
	events := feedAll([][]byte{[]byte(sampleStream)})

	require.Len(t, events, 5)
	assert.Equal(t, KindCitations, events[0].Kind)
	assert.Equal(t, Event{Kind: KindMessage, Data: "Hi"}, events[1])
	assert.Equal(t, Event{Kind: KindMessage, Data: " there"}, events[2])
	assert.Equal(t, KindMetadata, events[3].Kind)
	assert.Equal(t, KindDone, events[4].Kind)
}

func TestTokenizer_ChunkBoundaryInvariance(t *testing.T) {
	want := feedAll([][]byte{[]byte(sampleStream)})
	data := []byte(sampleStream)

	// Every single split point, including inside "event:"/"data:" pairs and "\r\n".
	for i := 0; i <= len(data); i++ {
		got := feedAll([][]byte{data[:i], data[i:]})
		require.Equal(t, want, got, "split at %d", i)
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var chunks [][]byte
		rest := data
		for len(rest) > 0 {
			n := 1 + rng.Intn(9)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, want, feedAll(chunks), "round %d", round)
	}
}

func TestTokenizer_ByteAtATime(t *testing.T) {
	want := feedAll([][]byte{[]byte(sampleStream)})

	var chunks [][]byte
	for i := 0; i < len(sampleStream); i++ {
		chunks = append(chunks, []byte{sampleStream[i]})
	}
	assert.Equal(t, want, feedAll(chunks))
}

func TestTokenizer_KeepsPartialLine(t *testing.T) {
	var tok Tokenizer

	assert.Empty(t, tok.Feed([]byte("event: mess")))
	assert.Equal(t, len("event: mess"), tok.Buffered())
	assert.Empty(t, tok.Feed([]byte("age\ndata: he")))

	events := tok.Feed([]byte("llo\n"))
	require.Len(t, events, 1)
	assert.Equal(t, Event{Kind: KindMessage, Data: "hello"}, events[0])
	assert.Zero(t, tok.Buffered())
}

func TestTokenizer_SplitMultibyteRune(t *testing.T) {
	payload := "event: message\ndata: café ☕\n"
	raw := []byte(payload)
	idx := len("event: message\ndata: caf") + 1 // inside the two-byte é

	events := feedAll([][]byte{raw[:idx], raw[idx:]})
	require.Len(t, events, 1)
	assert.Equal(t, "café ☕", events[0].Data)
}

func TestTokenizer_DataWithoutEventIsDiscarded(t *testing.T) {
	events := feedAll([][]byte{[]byte("data: orphan\n\nevent: message\ndata: ok\n")})

	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Data)
}

func TestTokenizer_GarbageLineResetsPendingEvent(t *testing.T) {
	events := feedAll([][]byte{[]byte("event: message\ngarbage\ndata: lost\nevent: done\ndata: {}\n")})

	require.Len(t, events, 1)
	assert.Equal(t, KindDone, events[0].Kind)
}

func TestTokenizer_BlankLineResetsPendingEvent(t *testing.T) {
	events := feedAll([][]byte{[]byte("event: message\n\ndata: lost\nevent: done\ndata: {}\n")})

	require.Len(t, events, 1)
	assert.Equal(t, KindDone, events[0].Kind)
}

func TestTokenizer_MessageContinuationLines(t *testing.T) {
	events := feedAll([][]byte{[]byte("event: message\ndata: line one\ndata: line two\n\nevent: citations\ndata: []\ndata: [1]\n")})

	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: KindMessage, Data: "line one"}, events[0])
	assert.Equal(t, Event{Kind: KindMessage, Data: "line two", Continuation: true}, events[1])
	assert.Equal(t, KindCitations, events[2].Kind)
}

func TestTokenizer_FlushTerminatesFinalLine(t *testing.T) {
	var tok Tokenizer
	assert.Empty(t, tok.Feed([]byte("event: done\ndata: {}")))

	events := tok.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, KindDone, events[0].Kind)
}
