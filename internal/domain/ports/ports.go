// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
)

// KVStore is a durable key-value backend (bolt, sqlite, redis, flat files).
// Get returns (nil, nil) when the key is absent.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Storage is the key-value contract the managers persist through.
// Failures never reach the caller: a failed read is an absent value and a
// failed write is a lost write.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) bool
	Delete(ctx context.Context, key string) bool
}

// SettingsSource exposes the current client settings.
type SettingsSource interface {
	Settings() entities.Settings
}

// QueryService performs the synchronous question/answer call.
type QueryService interface {
	Query(ctx context.Context, q string) (*entities.QueryResponse, error)
}

// StreamOpener opens the server-push event stream for a query.
// Connection-level failures are returned as plain errors, non-2xx responses as *StatusError.
type StreamOpener interface {
	OpenStream(ctx context.Context, q string) (io.ReadCloser, error)
}

// FileSource is the content of a file queued for upload.
type FileSource interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// IngestRequest is one upload call. OnProgress, when set, receives bytes sent so far.
type IngestRequest struct {
	Files      []FileSource
	URLs       []string
	OnProgress func(sent, total int64)
}

// IngestService uploads files and URLs to the backend.
type IngestService interface {
	Ingest(ctx context.Context, req IngestRequest) (*entities.IngestResult, error)
}

// ErrNotConfigured marks a local configuration error. Retrying cannot help.
var ErrNotConfigured = errors.New("not configured")

// StatusError is an application-level failure: the backend answered with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// StreamHandlers receives stream events in wire order. Every field is optional.
type StreamHandlers struct {
	OnOpen      func()
	OnMessage   func(delta string)
	OnCitations func(citations []entities.Citation)
	OnMetadata  func(meta map[string]any)
	OnError     func(msg string)
	OnDone      func(payload map[string]any)
	OnClose     func()
}

// EventStream owns at most one active stream connection.
type EventStream interface {
	// Connect cancels any active connection and starts a new one.
	// The returned channel is closed after OnClose has fired.
	Connect(ctx context.Context, q string, h StreamHandlers) (<-chan struct{}, error)

	// Cancel aborts the active connection, if any, and waits for it to finish.
	Cancel()
}

// FileWatcher monitors a directory for changes.
type FileWatcher interface {
	// Watch starts monitoring the directory and emits events.
	Watch(ctx context.Context, dir string) (<-chan FileEvent, error)

	// Stop stops the watcher.
	Stop() error
}

// FileEvent represents a file system change.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// FileOperation is the type of file change.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)
