package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/docintel-client/internal/adapters/backend"
	"github.com/0xcro3dile/docintel-client/internal/adapters/backend/backendtest"
	"github.com/0xcro3dile/docintel-client/internal/adapters/sse"
	"github.com/0xcro3dile/docintel-client/internal/adapters/storage"
	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/usecases"
)

type harness struct {
	srv   *backendtest.Server
	app   *app
	buf   *bytes.Buffer
	convs *usecases.ConversationManager
	queue *usecases.IngestQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zerolog.Nop()
	srv := backendtest.NewServer(log)
	t.Cleanup(srv.Close)

	store := storage.NewAdapter(storage.NewMemoryStore(), log)
	settings := usecases.NewSettingsStore(entities.Settings{BaseURL: srv.URL, StreamingEnabled: true}, store, log)
	client := backend.NewClient(settings, backend.WithTimeout(5*time.Second))
	stream := sse.NewClient(client, sse.WithBaseDelay(time.Millisecond))

	convs := usecases.NewConversationManager(store, log)
	t.Cleanup(convs.Close)
	convs.Load(context.Background())
	queue := usecases.NewIngestQueue(client, log)
	chat := usecases.NewChat(convs, stream, client, settings, log)
	t.Cleanup(chat.Stop)

	buf := &bytes.Buffer{}
	a := newApp(buf, convs, chat, queue, settings, client, log)
	t.Cleanup(a.close)

	return &harness{srv: srv, app: a, buf: buf, convs: convs, queue: queue}
}

// run feeds input to the REPL and returns everything it printed.
func (h *harness) run(t *testing.T, input ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.app.run(ctx, strings.NewReader(strings.Join(input, "\n")+"\n"))
	require.NoError(t, err)

	h.app.out.mu.Lock()
	defer h.app.out.mu.Unlock()
	return h.buf.String()
}

func TestREPL_StreamedAnswer(t *testing.T) {
	h := newHarness(t)

	out := h.run(t, "Hello", "/list", "/quit")

	assert.Contains(t, out, "Hi there\n")
	assert.Contains(t, out, "* 1. Hello (2 messages")

	current := h.convs.CurrentConversation()
	require.NotNil(t, current)
	reply := current.Messages[1]
	assert.Equal(t, "Hi there", reply.Content)
	assert.False(t, reply.IsStreaming)
}

func TestREPL_StreamError(t *testing.T) {
	h := newHarness(t)
	h.srv.FailStream(503, "index offline")

	out := h.run(t, "Hello")

	assert.Contains(t, out, "error: ")
	assert.Contains(t, out, "index offline")
	assert.Equal(t, 1, h.srv.Count("/chat/stream"), "status errors are not retried")
}

func TestREPL_SynchronousAnswer(t *testing.T) {
	h := newHarness(t)

	out := h.run(t, "/stream off", "What is RAG?")

	assert.Contains(t, out, "streaming off")
	assert.Contains(t, out, "Answer to: What is RAG?\n")
	assert.Zero(t, h.srv.Count("/chat/stream"))
	assert.Equal(t, 1, h.srv.Count("/query"))
}

func TestREPL_StopHeldStream(t *testing.T) {
	h := newHarness(t)
	h.srv.SetStream("event: message\ndata: partial\n\n")
	h.srv.HoldStream(true)

	h.run(t, "Hello", "/stop", "/quit")

	reply := h.convs.CurrentConversation().Messages[1]
	assert.False(t, reply.IsStreaming)
	assert.Empty(t, reply.Error)
}

func TestREPL_UploadQueue(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "notes.txt")
	bad := filepath.Join(dir, "broken.md")
	exe := filepath.Join(dir, "tool.exe")
	for _, p := range []string{good, bad, exe} {
		require.NoError(t, os.WriteFile(p, []byte("some document text"), 0o644))
	}
	h.srv.FailIngest("broken.md", "corrupt")

	out := h.run(t,
		"/file "+good+" "+bad+" "+exe,
		"/url https://example.com/page",
		"/upload",
		"/queue",
	)

	assert.Contains(t, out, "skipping "+exe)
	assert.Contains(t, out, "queued 2 file(s)")
	assert.Contains(t, out, "queued 1 url(s)")
	assert.Contains(t, out, "uploaded notes.txt (1 chunks)")
	assert.Contains(t, out, "uploaded https://example.com/page (1 chunks)")
	assert.Contains(t, out, "upload failed: broken.md: Failed to process broken.md: corrupt")
	assert.Contains(t, out, "[success 100%] notes.txt 18 B")
	assert.Contains(t, out, "[error 0%] broken.md")

	assert.Len(t, h.queue.Succeeded(), 2)
	assert.Len(t, h.queue.Failed(), 1)
	assert.Equal(t, 3, h.srv.Count("/ingest"))
}

func TestREPL_RetryAndClear(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
	h.srv.FailIngestStatus(500)

	h.run(t, "/file "+path, "/upload")
	require.Len(t, h.queue.Failed(), 1)

	h.srv.FailIngestStatus(0)
	out := h.run(t, "/retry all", "/clear", "/queue")

	assert.Contains(t, out, "uploaded report.pdf")
	assert.Contains(t, out, "queue is empty")
}

func TestREPL_Conversations(t *testing.T) {
	h := newHarness(t)

	out := h.run(t,
		"/new First",
		"/new Second",
		"/switch 2",
		"/rename Renamed",
		"/list",
		"/delete 1",
		"/switch 9",
	)

	assert.Contains(t, out, `switched to "First"`)
	assert.Contains(t, out, "* 2. Renamed")
	assert.Contains(t, out, `deleted "Second"`)
	assert.Contains(t, out, `no conversation "9"`)

	convs := h.convs.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "Renamed", convs[0].Title)
}

func TestREPL_SettingsAndHealth(t *testing.T) {
	h := newHarness(t)

	out := h.run(t, "/health", "/set key secret", "/settings", "/reset", "/settings", "/bogus")

	assert.Contains(t, out, "backend ok")
	assert.Contains(t, out, "api key: set")
	assert.Contains(t, out, "api key: (none)")
	assert.Contains(t, out, "unknown command /bogus")
}

func TestREPL_InputHeldWhileAnswering(t *testing.T) {
	h := newHarness(t)
	h.srv.SetStream("event: message\ndata: slow\n\n", "event: done\ndata: {}\n\n")
	h.srv.SetStreamDelay(50 * time.Millisecond)

	out := h.run(t, "Hello", "/list")

	answer := strings.Index(out, "slow\n")
	list := strings.Index(out, "* 1. Hello")
	require.NotEqual(t, -1, answer)
	require.NotEqual(t, -1, list)
	assert.Less(t, answer, list, "the listing waits for the answer")
}
