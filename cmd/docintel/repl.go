package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/0xcro3dile/docintel-client/internal/adapters/loader"
	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
	"github.com/0xcro3dile/docintel-client/internal/domain/usecases"
)

const helpText = `Type a question to ask about your documents.

  /new [title]        start a conversation
  /list               list conversations
  /switch <n>         select conversation n
  /rename <title>     rename the current conversation
  /delete <n>         delete conversation n
  /history            show the current conversation
  /file <path>...     queue local files
  /url <url>...       queue URLs
  /upload             upload everything pending
  /queue              show the upload queue
  /retry <n>|all      retry failed uploads
  /remove <n>         drop queue item n
  /clear              drop finished uploads
  /stop               stop the current answer
  /stream on|off      toggle streamed answers
  /settings           show settings
  /set url|key <v>    change the backend URL or API key
  /reset              restore default settings
  /health             check the backend
  /quit               exit`

type healthChecker interface {
	Health(ctx context.Context) error
}

// app is the line-oriented front end. Output comes from observers on the
// managers, so answers stream while they arrive.
type app struct {
	out      *syncWriter
	convs    *usecases.ConversationManager
	chat     *usecases.Chat
	queue    *usecases.IngestQueue
	settings *usecases.SettingsStore
	health   healthChecker
	log      zerolog.Logger

	unsubscribe []func()
}

func newApp(
	out io.Writer,
	convs *usecases.ConversationManager,
	chat *usecases.Chat,
	queue *usecases.IngestQueue,
	settings *usecases.SettingsStore,
	health healthChecker,
	log zerolog.Logger,
) *app {
	a := &app{
		out:      &syncWriter{w: out},
		convs:    convs,
		chat:     chat,
		queue:    queue,
		settings: settings,
		health:   health,
		log:      log.With().Str("component", "cli").Logger(),
	}
	answers := &answerPrinter{out: a.out, convs: convs}
	uploads := &uploadPrinter{out: a.out, queue: queue, seen: make(map[string]entities.IngestStatus)}
	a.unsubscribe = append(a.unsubscribe,
		convs.Subscribe(answers.update),
		queue.Subscribe(uploads.update),
	)
	return a
}

func (a *app) close() {
	for _, fn := range a.unsubscribe {
		fn()
	}
}

// run reads commands until EOF, /quit or ctx ends. While an answer or an
// upload batch is running, input other than /stop is held until it finishes.
func (a *app) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.out.printf("docintel: %s (type /help)\n", a.settings.Settings().BaseURL)

	var held []string
	eof := false
	for {
		var line string
		switch {
		case len(held) > 0:
			line, held = held[0], held[1:]
		case eof:
			return nil
		default:
			a.out.printf("> ")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case l, ok := <-lines:
				if !ok {
					return nil
				}
				line = l
			}
		}

		busy, quit := a.handle(ctx, line)
		if quit {
			return nil
		}
		for busy != nil {
			select {
			case <-busy:
				busy = nil
			case <-ctx.Done():
				a.chat.Stop()
				return ctx.Err()
			case l, ok := <-lines:
				if !ok {
					eof, lines = true, nil
					continue
				}
				if strings.TrimSpace(l) == "/stop" {
					a.chat.Stop()
					continue
				}
				held = append(held, l)
			}
		}
	}
}

// handle runs one input line. A non-nil channel means work continues in the
// background until it closes.
func (a *app) handle(ctx context.Context, line string) (<-chan struct{}, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if !strings.HasPrefix(line, "/") {
		return a.ask(ctx, line), false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return nil, true
	case "/help":
		a.out.println(helpText)
	case "/new":
		a.convs.CreateConversation(arg)
		a.out.println("started a new conversation")
	case "/list":
		a.listConversations()
	case "/switch":
		if c, ok := a.conversationAt(arg); ok {
			a.convs.SetCurrentConversation(c.ID)
			a.out.printf("switched to %q\n", c.Title)
		}
	case "/rename":
		id := a.convs.CurrentID()
		if a.convs.Conversation(id) == nil || arg == "" {
			a.out.println("usage: /rename <title> with a conversation selected")
			break
		}
		a.convs.RenameConversation(id, arg)
	case "/delete":
		if c, ok := a.conversationAt(arg); ok {
			a.convs.DeleteConversation(c.ID)
			a.out.printf("deleted %q\n", c.Title)
		}
	case "/history":
		a.showHistory()
	case "/file":
		a.queueFiles(strings.Fields(arg))
	case "/url":
		ids := a.queue.AddURLs(strings.Fields(arg))
		a.out.printf("queued %d url(s)\n", len(ids))
	case "/upload":
		if len(a.queue.Pending()) == 0 {
			a.out.println("nothing to upload")
			break
		}
		return a.background(func() { a.queue.UploadAll(ctx) }), false
	case "/queue":
		a.showQueue()
	case "/retry":
		return a.retry(ctx, arg), false
	case "/remove":
		if item, ok := a.itemAt(arg); ok {
			a.queue.RemoveItem(item.ID)
			a.out.printf("removed %s\n", item.Name)
		}
	case "/clear":
		a.queue.ClearCompleted()
	case "/stop":
		a.chat.Stop()
	case "/stream":
		a.setStreaming(ctx, arg)
	case "/settings":
		a.showSettings()
	case "/set":
		a.set(ctx, arg)
	case "/reset":
		a.settings.Reset(ctx)
		a.out.println("settings restored to defaults")
	case "/health":
		if err := a.health.Health(ctx); err != nil {
			a.out.printf("backend unavailable: %v\n", err)
		} else {
			a.out.println("backend ok")
		}
	default:
		a.out.printf("unknown command %s (type /help)\n", cmd)
	}
	return nil, false
}

func (a *app) ask(ctx context.Context, text string) <-chan struct{} {
	done, err := a.chat.Send(ctx, text)
	if err != nil {
		// The assistant message already carries the failure.
		a.log.Debug().Err(err).Msg("send failed")
		return nil
	}
	return done
}

func (a *app) background(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func (a *app) listConversations() {
	convs := a.convs.Conversations()
	if len(convs) == 0 {
		a.out.println("no conversations")
		return
	}
	current := a.convs.CurrentID()
	for i, c := range convs {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		a.out.printf("%s %d. %s (%d messages, %s)\n", marker, i+1, c.Title, len(c.Messages), humanize.Time(c.UpdatedAt))
	}
}

func (a *app) conversationAt(arg string) (entities.Conversation, bool) {
	convs := a.convs.Conversations()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(convs) {
		a.out.printf("no conversation %q (see /list)\n", arg)
		return entities.Conversation{}, false
	}
	return convs[n-1], true
}

func (a *app) showHistory() {
	c := a.convs.CurrentConversation()
	if c == nil {
		a.out.println("no conversation selected")
		return
	}
	a.out.printf("# %s\n", c.Title)
	for _, m := range c.Messages {
		a.out.printf("[%s] %s\n", m.Role, m.Content)
		if m.Error != "" {
			a.out.printf("  error: %s\n", m.Error)
		}
		printSources(a.out, m.Citations)
	}
}

func (a *app) queueFiles(paths []string) {
	if len(paths) == 0 {
		a.out.println("usage: /file <path>...")
		return
	}
	var sources []ports.FileSource
	for _, p := range paths {
		f, err := loader.FromPath(p)
		if err != nil {
			a.out.printf("skipping %s: %v\n", p, err)
			continue
		}
		sources = append(sources, f)
	}
	ids := a.queue.AddFiles(sources)
	a.out.printf("queued %d file(s)\n", len(ids))
}

func (a *app) showQueue() {
	items := a.queue.Items()
	if len(items) == 0 {
		a.out.println("queue is empty")
		return
	}
	for i, it := range items {
		size := ""
		if it.Kind == entities.KindFile {
			size = " " + humanize.Bytes(uint64(it.SizeBytes))
		}
		a.out.printf("%d. [%s %d%%] %s%s", i+1, it.Status, it.Progress, it.Name, size)
		if it.Error != "" {
			a.out.printf(" (%s)", it.Error)
		}
		a.out.println("")
	}
	a.out.printf("total %.0f%%\n", a.queue.TotalProgress())
}

func (a *app) itemAt(arg string) (entities.IngestItem, bool) {
	items := a.queue.Items()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(items) {
		a.out.printf("no queue item %q (see /queue)\n", arg)
		return entities.IngestItem{}, false
	}
	return items[n-1], true
}

func (a *app) retry(ctx context.Context, arg string) <-chan struct{} {
	var ids []string
	if arg == "all" {
		for _, it := range a.queue.Failed() {
			ids = append(ids, it.ID)
		}
	} else if item, ok := a.itemAt(arg); ok {
		if item.Status != entities.StatusError {
			a.out.printf("%s has not failed\n", item.Name)
			return nil
		}
		ids = append(ids, item.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	return a.background(func() {
		var wg conc.WaitGroup
		for _, id := range ids {
			id := id
			wg.Go(func() { a.queue.RetryItem(ctx, id) })
		}
		wg.Wait()
	})
}

func (a *app) setStreaming(ctx context.Context, arg string) {
	var on bool
	switch arg {
	case "on":
		on = true
	case "off":
	default:
		a.out.println("usage: /stream on|off")
		return
	}
	a.settings.Update(ctx, func(s *entities.Settings) { s.StreamingEnabled = on })
	a.out.printf("streaming %s\n", arg)
}

func (a *app) showSettings() {
	s := a.settings.Settings()
	key := "(none)"
	if s.APIKey != "" {
		key = "set"
	}
	a.out.printf("url: %s\napi key: %s\nstreaming: %t\n", s.BaseURL, key, s.StreamingEnabled)
}

func (a *app) set(ctx context.Context, arg string) {
	field, value, _ := strings.Cut(arg, " ")
	value = strings.TrimSpace(value)
	switch field {
	case "url":
		if value == "" {
			a.out.println("usage: /set url <base url>")
			return
		}
		a.settings.Update(ctx, func(s *entities.Settings) { s.BaseURL = value })
	case "key":
		a.settings.Update(ctx, func(s *entities.Settings) { s.APIKey = value })
	default:
		a.out.println("usage: /set url|key <value>")
		return
	}
	a.out.printf("%s updated\n", field)
}

// answerPrinter writes the newest assistant message of the current
// conversation as it grows.
type answerPrinter struct {
	out   *syncWriter
	convs *usecases.ConversationManager

	mu       sync.Mutex
	msgID    string
	printed  int
	finished bool
}

func (p *answerPrinter) update() {
	c := p.convs.CurrentConversation()
	if c == nil || len(c.Messages) == 0 {
		return
	}
	m := c.Messages[len(c.Messages)-1]
	if m.Role != entities.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if m.ID != p.msgID {
		// Only answers seen in flight are printed; switching or loading
		// conversations does not replay old ones.
		if !m.IsStreaming {
			return
		}
		p.msgID, p.printed, p.finished = m.ID, 0, false
	}
	if p.finished {
		return
	}
	if len(m.Content) > p.printed {
		p.out.printf("%s", m.Content[p.printed:])
		p.printed = len(m.Content)
	}
	if m.IsStreaming {
		return
	}
	p.finished = true
	p.out.println("")
	if m.Error != "" {
		p.out.printf("error: %s\n", m.Error)
	}
	printSources(p.out, m.Citations)
}

// uploadPrinter reports each item once it reaches a final status.
type uploadPrinter struct {
	out   *syncWriter
	queue *usecases.IngestQueue

	mu   sync.Mutex
	seen map[string]entities.IngestStatus
}

func (p *uploadPrinter) update() {
	items := p.queue.Items()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range items {
		prev := p.seen[it.ID]
		p.seen[it.ID] = it.Status
		if prev == it.Status || !it.Status.Terminal() {
			continue
		}
		if it.Status == entities.StatusError {
			p.out.printf("upload failed: %s: %s\n", it.Name, it.Error)
			continue
		}
		chunks := 0
		if it.Result != nil {
			for _, d := range it.Result.Ingested {
				chunks += d.Chunks
			}
		}
		p.out.printf("uploaded %s (%d chunks)\n", it.Name, chunks)
	}
}

func printSources(out *syncWriter, citations []entities.Citation) {
	for i, c := range citations {
		name := c.Title
		if name == "" {
			name = c.Source
		}
		out.printf("  [%d] %s (%.2f)\n", i+1, name, c.Score)
	}
}

// syncWriter serializes writes from observers on different goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

func (s *syncWriter) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}
