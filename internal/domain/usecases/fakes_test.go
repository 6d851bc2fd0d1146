package usecases

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// memStorage implements ports.Storage in memory and records writes.
type memStorage struct {
	mu     sync.Mutex
	data   map[string][]byte
	writes map[string]int
	failed bool

	// setHook, when set, runs before every write outside the lock.
	setHook func(key string, value []byte)
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string][]byte), writes: make(map[string]int)}
}

func (s *memStorage) Get(ctx context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return nil, false
	}
	v, ok := s.data[key]
	return append([]byte(nil), v...), ok
}

func (s *memStorage) Set(ctx context.Context, key string, value []byte) bool {
	s.mu.Lock()
	hook := s.setHook
	s.mu.Unlock()
	if hook != nil {
		hook(key, value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return false
	}
	s.data[key] = append([]byte(nil), value...)
	s.writes[key]++
	return true
}

func (s *memStorage) Delete(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return true
}

func (s *memStorage) raw(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *memStorage) writeCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

// fakeSettings implements ports.SettingsSource.
type fakeSettings struct {
	mu sync.Mutex
	s  entities.Settings
}

func (f *fakeSettings) Settings() entities.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

// fakeStream implements ports.EventStream by running script on its own goroutine.
type fakeStream struct {
	mu        sync.Mutex
	script    func(ctx context.Context, h ports.StreamHandlers)
	queries   []string
	cancelled int
	cancel    context.CancelFunc
	done      chan struct{}
}

func (f *fakeStream) Connect(ctx context.Context, q string, h ports.StreamHandlers) (<-chan struct{}, error) {
	f.Cancel()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.cancel, f.done = cancel, done

	script := f.script
	go func() {
		defer close(done)
		if script != nil {
			script(ctx, h)
		}
		if h.OnClose != nil {
			h.OnClose()
		}
	}()
	return done, nil
}

func (f *fakeStream) Cancel() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	if cancel != nil {
		f.cancelled++
	}
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// fakeQuery implements ports.QueryService.
type fakeQuery struct {
	resp *entities.QueryResponse
	err  error
}

func (f *fakeQuery) Query(ctx context.Context, q string) (*entities.QueryResponse, error) {
	return f.resp, f.err
}

// fakeIngester implements ports.IngestService with a per-call function.
type fakeIngester struct {
	mu    sync.Mutex
	calls []ports.IngestRequest
	fn    func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error)
}

func (f *fakeIngester) Ingest(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return okResult(req), nil
}

func (f *fakeIngester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func okResult(req ports.IngestRequest) *entities.IngestResult {
	r := &entities.IngestResult{}
	for _, f := range req.Files {
		r.Ingested = append(r.Ingested, entities.IngestedDocument{Filename: f.Name(), DocID: "doc-" + f.Name(), Chunks: 1})
	}
	for _, u := range req.URLs {
		r.Ingested = append(r.Ingested, entities.IngestedDocument{Filename: u, Source: u, Chunks: 1})
	}
	return r
}

func requestName(req ports.IngestRequest) string {
	if len(req.Files) > 0 {
		return req.Files[0].Name()
	}
	if len(req.URLs) > 0 {
		return req.URLs[0]
	}
	return ""
}

// memFile implements ports.FileSource.
type memFile struct {
	name string
	data string
}

func (f memFile) Name() string { return f.name }
func (f memFile) Size() int64  { return int64(len(f.data)) }
func (f memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.data)), nil
}

func files(names ...string) []ports.FileSource {
	out := make([]ports.FileSource, len(names))
	for i, n := range names {
		out[i] = memFile{name: n, data: "content of " + n}
	}
	return out
}
