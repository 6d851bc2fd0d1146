// Package backendtest provides an in-process fake of the document-intelligence
// service for tests. It speaks the same wire contract as the real backend.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxUploadBytes mirrors the backend's per-file limit.
const MaxUploadBytes = 10 * 1024 * 1024

// Request records one call received by the fake.
type Request struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Files  []string
	URLs   []string
}

// Server is a scripted backend. Zero configuration answers every call successfully.
type Server struct {
	*httptest.Server

	log zerolog.Logger

	mu             sync.Mutex
	apiKey         string
	streamChunks   []string
	streamDelay    time.Duration
	holdStream     bool
	streamStatus   int
	streamDetail   string
	streamDrops    int
	queryBody      string
	queryStatus    int
	queryDetail    string
	ingestFailures map[string]string
	ingestStatus   int
	ingestDelay    time.Duration
	docs           int
	requests       []Request
}

// DefaultStream is the event stream served when none is scripted.
const DefaultStream = "event: message\ndata: Hi\n\nevent: message\ndata:  there\n\nevent: done\ndata: {}\n\n"

// NewServer starts a fake backend. Call Close when done.
func NewServer(log zerolog.Logger) *Server {
	s := &Server{
		log:            log.With().Str("component", "backendtest").Logger(),
		streamChunks:   []string{DefaultStream},
		ingestFailures: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/stream", s.handleStream)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/ingest", s.handleIngest)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.Server = httptest.NewServer(s.loggingMiddleware(s.authMiddleware(mux)))
	return s
}

// RequireAPIKey makes every route except /healthz demand key.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = key
}

// SetStream scripts the stream body. Each chunk is written and flushed separately.
func (s *Server) SetStream(chunks ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamChunks = chunks
}

// SetStreamDelay pauses between stream chunks.
func (s *Server) SetStreamDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamDelay = d
}

// HoldStream keeps the stream open after the scripted chunks until the client goes away.
func (s *Server) HoldStream(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdStream = hold
}

// FailStream answers stream requests with status and a JSON detail.
func (s *Server) FailStream(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamStatus = status
	s.streamDetail = detail
}

// DropStreams closes the connection of the next n stream requests before any byte is written.
func (s *Server) DropStreams(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamDrops = n
}

// SetQueryResponse sets the raw JSON body of /query answers.
func (s *Server) SetQueryResponse(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryBody = body
}

// FailQuery answers /query with status and a JSON detail.
func (s *Server) FailQuery(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryStatus = status
	s.queryDetail = detail
}

// FailIngest reports name (a filename or URL) in the ingest errors list.
func (s *Server) FailIngest(name, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestFailures[name] = msg
}

// FailIngestStatus answers /ingest with status.
func (s *Server) FailIngestStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestStatus = status
}

// SetIngestDelay delays each /ingest answer.
func (s *Server) SetIngestDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestDelay = d
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests hit path.
func (s *Server) Count(path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) record(r Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
}

func newRequest(r *http.Request) Request {
	return Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query().Get("q"),
		APIKey: r.Header.Get("X-API-Key"),
	}
}

// handleStream serves the scripted event stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.record(newRequest(r))

	s.mu.Lock()
	drop := s.streamDrops > 0
	if drop {
		s.streamDrops--
	}
	status, detail := s.streamStatus, s.streamDetail
	chunks := append([]string(nil), s.streamChunks...)
	delay, hold := s.streamDelay, s.holdStream
	s.mu.Unlock()

	if drop {
		dropConnection(w)
		return
	}
	if status != 0 {
		writeError(w, status, detail)
		return
	}
	if r.URL.Query().Get("q") == "" {
		writeError(w, http.StatusBadRequest, "Query required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for i, chunk := range chunks {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		fmt.Fprint(w, chunk)
		flusher.Flush()
	}

	if hold {
		<-ctx.Done()
	}
}

// handleQuery answers the synchronous query endpoint.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.record(newRequest(r))
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	status, detail, body := s.queryStatus, s.queryDetail, s.queryBody
	s.mu.Unlock()

	if status != 0 {
		writeError(w, status, detail)
		return
	}

	var req struct {
		Q string `json:"q"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Q == "" {
		writeError(w, http.StatusBadRequest, "Query required")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if body != "" {
		fmt.Fprint(w, body)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"answer":          "Answer to: " + req.Q,
		"citations":       []any{},
		"retrieval_debug": map[string]any{},
	})
}

// handleIngest accepts multipart `files` parts and `urls` fields.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.record(newRequest(r))
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.record(newRequest(r))
		writeError(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}

	rec := newRequest(r)
	files := r.MultipartForm.File["files"]
	urls := r.MultipartForm.Value["urls"]
	for _, fh := range files {
		rec.Files = append(rec.Files, fh.Filename)
	}
	rec.URLs = append(rec.URLs, urls...)
	s.record(rec)

	s.mu.Lock()
	status, delay := s.ingestStatus, s.ingestDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
	}
	if status != 0 {
		writeError(w, status, "Ingest failed")
		return
	}
	if len(files) == 0 && len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "No files provided")
		return
	}

	ingested := []map[string]any{}
	skipped := []map[string]any{}
	errs := []string{}

	s.mu.Lock()
	for _, fh := range files {
		switch {
		case s.ingestFailures[fh.Filename] != "":
			errs = append(errs, fmt.Sprintf("Failed to process %s: %s", fh.Filename, s.ingestFailures[fh.Filename]))
		case fh.Size > MaxUploadBytes:
			errs = append(errs, fmt.Sprintf("File %s too large (max 10MB)", fh.Filename))
		case fh.Size == 0:
			skipped = append(skipped, map[string]any{"filename": fh.Filename, "reason": "Empty file"})
		default:
			ingested = append(ingested, s.ingestedLocked(fh.Filename, fh.Size))
		}
	}
	for _, u := range urls {
		if msg := s.ingestFailures[u]; msg != "" {
			errs = append(errs, fmt.Sprintf("Failed to process %s: %s", u, msg))
			continue
		}
		ingested = append(ingested, s.ingestedLocked(u, 0))
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ingested": ingested,
		"skipped":  skipped,
		"errors":   errs,
	})
}

func (s *Server) ingestedLocked(name string, size int64) map[string]any {
	s.docs++
	return map[string]any{
		"filename":  name,
		"doc_id":    fmt.Sprintf("doc-%d", s.docs),
		"chunks":    1 + int(size/1000),
		"file_size": size,
		"source":    name,
	}
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.record(newRequest(r))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		key := s.apiKey
		s.mu.Unlock()

		if key != "" && r.URL.Path != "/healthz" && r.Header.Get("X-API-Key") != key {
			s.record(newRequest(r))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// dropConnection closes the TCP connection without writing a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}
