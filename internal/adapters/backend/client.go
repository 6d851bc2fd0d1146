// Package backend provides the HTTP adapter for the document-intelligence service.
// Clean Architecture: Adapter implementing ports.QueryService, ports.StreamOpener
// and ports.IngestService.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// APIKeyHeader carries the configured API key.
const APIKeyHeader = "X-API-Key"

// ErrNoBaseURL is returned when no backend URL is configured.
var ErrNoBaseURL = fmt.Errorf("backend base URL %w", ports.ErrNotConfigured)

const maxErrorBody = 4096

// Client talks to the backend. Base URL and API key are read from the
// settings source on every request so changes apply immediately.
type Client struct {
	settings ports.SettingsSource
	client   *http.Client
	stream   *http.Client
	log      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds one-shot calls (query, ingest, health). Streams are unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithTransport replaces the HTTP transport for every call.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.client.Transport = rt
		c.stream.Transport = rt
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log.With().Str("component", "backend").Logger()
	}
}

// NewClient creates a backend client.
func NewClient(settings ports.SettingsSource, opts ...Option) *Client {
	c := &Client{
		settings: settings,
		client:   &http.Client{Timeout: 120 * time.Second},
		stream:   &http.Client{}, // the stream lives until done or cancel
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type queryRequest struct {
	Q string `json:"q"`
}

// wireCitation is a RetrievalResult as the query endpoint returns it.
type wireCitation struct {
	DocID     string         `json:"doc_id"`
	ChunkID   string         `json:"chunk_id"`
	Source    string         `json:"source"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Retriever string         `json:"retriever"`
	Metadata  map[string]any `json:"metadata"`
}

type queryResponse struct {
	Answer         string         `json:"answer"`
	Citations      []wireCitation `json:"citations"`
	RetrievalDebug map[string]any `json:"retrieval_debug"`
}

type ingestResponse struct {
	Ingested []entities.IngestedDocument `json:"ingested"`
	Skipped  []json.RawMessage           `json:"skipped"`
	Errors   []json.RawMessage           `json:"errors"`
}

// Query performs the synchronous question/answer call.
func (c *Client) Query(ctx context.Context, q string) (*entities.QueryResponse, error) {
	jsonData, err := json.Marshal(queryRequest{Q: q})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/query", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	out := &entities.QueryResponse{
		Answer:         qr.Answer,
		RetrievalDebug: qr.RetrievalDebug,
	}
	for _, wc := range qr.Citations {
		title := wc.Title
		if title == "" {
			title = wc.Source
		}
		out.Citations = append(out.Citations, entities.Citation{
			DocID:     wc.DocID,
			ChunkID:   wc.ChunkID,
			Source:    wc.Source,
			Title:     title,
			Content:   wc.Content,
			Score:     wc.Score,
			Retriever: wc.Retriever,
			Metadata:  wc.Metadata,
		})
	}
	return out, nil
}

// OpenStream opens the event stream for q. The caller owns the returned body.
func (c *Client) OpenStream(ctx context.Context, q string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/stream?q="+url.QueryEscape(q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	c.log.Debug().Int("status", resp.StatusCode).Msg("stream opened")
	return resp.Body, nil
}

// Ingest uploads files and URLs in one multipart request.
func (c *Client) Ingest(ctx context.Context, in ports.IngestRequest) (*entities.IngestResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, f := range in.Files {
		if err := writeFilePart(mw, f); err != nil {
			return nil, err
		}
	}
	for _, u := range in.URLs {
		if err := mw.WriteField("urls", u); err != nil {
			return nil, fmt.Errorf("writing url field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	total := int64(buf.Len())
	body := &progressReader{r: bytes.NewReader(buf.Bytes()), total: total, onProgress: in.OnProgress}

	req, err := c.newRequest(ctx, http.MethodPost, "/ingest", body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var ir ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.log.Debug().
		Int("ingested", len(ir.Ingested)).
		Int("skipped", len(ir.Skipped)).
		Int("errors", len(ir.Errors)).
		Msg("ingest finished")

	return &entities.IngestResult{
		Ingested: ir.Ingested,
		Skipped:  normalizeEntries(ir.Skipped),
		Errors:   normalizeEntries(ir.Errors),
	}, nil
}

// Health checks the backend liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling backend: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("backend unhealthy: status %q", health.Status)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	s := c.settings.Settings()
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return nil, ErrNoBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if s.APIKey != "" {
		req.Header.Set(APIKeyHeader, s.APIKey)
	}
	return req, nil
}

func writeFilePart(mw *multipart.Writer, f ports.FileSource) error {
	part, err := mw.CreateFormFile("files", f.Name())
	if err != nil {
		return fmt.Errorf("creating file part: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name(), err)
	}
	defer rc.Close()

	if _, err := io.Copy(part, rc); err != nil {
		return fmt.Errorf("reading %s: %w", f.Name(), err)
	}
	return nil
}

// checkStatus converts a non-2xx response into a *ports.StatusError.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &ports.StatusError{StatusCode: resp.StatusCode, Body: errorDetail(raw)}
}

// errorDetail prefers the JSON `detail` or `error` field over the raw body.
func errorDetail(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, k := range []string{"detail", "error", "message"} {
			switch v := body[k].(type) {
			case string:
				return v
			case nil:
			default:
				b, _ := json.Marshal(v)
				return string(b)
			}
		}
	}
	return strings.TrimSpace(string(raw))
}

// normalizeEntries flattens skipped/error entries that may be plain strings
// or {filename, reason} objects.
func normalizeEntries(raw []json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Filename string `json:"filename"`
			Reason   string `json:"reason"`
			Error    string `json:"error"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			out = append(out, string(item))
			continue
		}
		reason := obj.Reason
		if reason == "" {
			reason = obj.Error
		}
		switch {
		case obj.Filename != "" && reason != "":
			out = append(out, obj.Filename+": "+reason)
		case obj.Filename != "":
			out = append(out, obj.Filename)
		default:
			out = append(out, reason)
		}
	}
	return out
}

// progressReader reports bytes handed to the transport.
type progressReader struct {
	r          io.Reader
	sent       int64
	total      int64
	onProgress func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.sent, p.total)
		}
	}
	return n, err
}

// Ensure Client implements the backend ports.
var (
	_ ports.QueryService  = (*Client)(nil)
	_ ports.StreamOpener  = (*Client)(nil)
	_ ports.IngestService = (*Client)(nil)
)
