package usecases

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// maxUploadingProgress caps progress until the backend has answered.
const maxUploadingProgress = 99

// IngestQueue tracks files and URLs queued for upload and drives their uploads.
// Each item moves pending -> uploading -> success|error; only RetryItem moves
// an error back to pending.
type IngestQueue struct {
	service ports.IngestService
	log     zerolog.Logger

	mu      sync.Mutex
	items   []*entities.IngestItem
	sources map[string]ports.FileSource // file contents by item id
	batches int

	observers observers
}

// NewIngestQueue creates an empty queue uploading through service.
func NewIngestQueue(service ports.IngestService, log zerolog.Logger) *IngestQueue {
	return &IngestQueue{
		service: service,
		log:     log.With().Str("component", "ingest").Logger(),
		sources: make(map[string]ports.FileSource),
	}
}

// Subscribe registers fn to run after every state change. The returned func unsubscribes.
func (q *IngestQueue) Subscribe(fn func()) func() {
	return q.observers.subscribe(fn)
}

// AddFiles queues one pending item per file and returns their ids.
func (q *IngestQueue) AddFiles(files []ports.FileSource) []string {
	if len(files) == 0 {
		return nil
	}

	q.mu.Lock()
	ids := make([]string, 0, len(files))
	for _, f := range files {
		item := &entities.IngestItem{
			ID:        uuid.NewString(),
			Name:      f.Name(),
			Kind:      entities.KindFile,
			SizeBytes: f.Size(),
			Status:    entities.StatusPending,
		}
		q.items = append(q.items, item)
		q.sources[item.ID] = f
		ids = append(ids, item.ID)
	}
	q.mu.Unlock()

	q.observers.notify()
	return ids
}

// AddURLs queues one pending item per non-blank URL and returns their ids.
func (q *IngestQueue) AddURLs(urls []string) []string {
	q.mu.Lock()
	var ids []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		item := &entities.IngestItem{
			ID:     uuid.NewString(),
			Name:   u,
			Kind:   entities.KindURL,
			Status: entities.StatusPending,
		}
		q.items = append(q.items, item)
		ids = append(ids, item.ID)
	}
	q.mu.Unlock()

	if len(ids) > 0 {
		q.observers.notify()
	}
	return ids
}

// RemoveItem drops an item whatever its status. An upload in flight is not
// cancelled; its result is discarded.
func (q *IngestQueue) RemoveItem(id string) {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	delete(q.sources, id)
	q.mu.Unlock()

	q.observers.notify()
}

// ClearCompleted drops every successful item.
func (q *IngestQueue) ClearCompleted() {
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Status == entities.StatusSuccess {
			delete(q.sources, item.ID)
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	q.mu.Unlock()

	if removed > 0 {
		q.observers.notify()
	}
}

// UploadAll uploads every pending item concurrently and returns once each has
// reached a terminal status. IsUploading reports true for the whole batch.
func (q *IngestQueue) UploadAll(ctx context.Context) {
	q.mu.Lock()
	var ids []string
	for _, item := range q.items {
		if item.Status == entities.StatusPending {
			ids = append(ids, item.ID)
		}
	}
	if len(ids) == 0 {
		q.mu.Unlock()
		return
	}
	q.batches++
	q.mu.Unlock()
	q.observers.notify()

	q.log.Info().Int("items", len(ids)).Msg("upload batch started")

	var wg conc.WaitGroup
	for _, id := range ids {
		id := id
		wg.Go(func() { q.UploadItem(ctx, id) })
	}
	wg.Wait()

	q.mu.Lock()
	q.batches--
	q.mu.Unlock()
	q.observers.notify()

	q.log.Info().Int("items", len(ids)).Msg("upload batch finished")
}

// UploadItem uploads one pending item. Any other status is a no-op.
// Failures end up in the item's error state, never in the caller.
func (q *IngestQueue) UploadItem(ctx context.Context, id string) {
	q.mu.Lock()
	item := q.findLocked(id)
	if item == nil || item.Status != entities.StatusPending {
		q.mu.Unlock()
		return
	}
	item.Status = entities.StatusUploading
	item.Progress = 0
	item.Error = ""
	item.Result = nil

	req := ports.IngestRequest{
		OnProgress: func(sent, total int64) { q.progress(item, sent, total) },
	}
	if item.Kind == entities.KindURL {
		req.URLs = []string{item.Name}
	} else {
		req.Files = []ports.FileSource{q.sources[id]}
	}
	q.mu.Unlock()
	q.observers.notify()

	result, err := q.ingest(ctx, req)

	q.mu.Lock()
	if q.findLocked(id) != item {
		q.mu.Unlock()
		q.log.Debug().Str("item", id).Msg("discarding result of removed item")
		return
	}
	if err == nil {
		err = resultError(result)
	}
	if err != nil {
		item.Status = entities.StatusError
		item.Progress = 0
		item.Error = err.Error()
		item.Result = result
	} else {
		item.Status = entities.StatusSuccess
		item.Progress = 100
		item.Result = result
	}
	name, status := item.Name, item.Status
	q.mu.Unlock()
	q.observers.notify()

	if err != nil {
		q.log.Warn().Err(err).Str("item", name).Msg("upload failed")
	} else {
		q.log.Info().Str("item", name).Str("status", string(status)).Msg("upload finished")
	}
}

// RetryItem resets a failed item to pending and uploads it again.
// Any other status is a no-op.
func (q *IngestQueue) RetryItem(ctx context.Context, id string) {
	q.mu.Lock()
	item := q.findLocked(id)
	if item == nil || item.Status != entities.StatusError {
		q.mu.Unlock()
		return
	}
	item.Status = entities.StatusPending
	item.Progress = 0
	item.Error = ""
	item.Result = nil
	q.mu.Unlock()
	q.observers.notify()

	q.UploadItem(ctx, id)
}

// ingest calls the service, turning a panic into an error for this item only.
func (q *IngestQueue) ingest(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
	if len(req.Files) == 1 && req.Files[0] == nil {
		return nil, fmt.Errorf("file contents no longer available")
	}

	var (
		result *entities.IngestResult
		err    error
		pc     panics.Catcher
	)
	pc.Try(func() { result, err = q.service.Ingest(ctx, req) })
	if r := pc.Recovered(); r != nil {
		return nil, fmt.Errorf("upload panicked: %w", r.AsError())
	}
	return result, err
}

// resultError reports a 200 answer that ingested nothing but listed errors.
func resultError(r *entities.IngestResult) error {
	if r == nil || len(r.Ingested) > 0 || len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(r.Errors, "; "))
}

func (q *IngestQueue) progress(item *entities.IngestItem, sent, total int64) {
	if total <= 0 {
		return
	}
	pct := int(sent * 100 / total)
	if pct > maxUploadingProgress {
		pct = maxUploadingProgress
	}

	q.mu.Lock()
	if q.findLocked(item.ID) != item || item.Status != entities.StatusUploading || pct <= item.Progress {
		q.mu.Unlock()
		return
	}
	item.Progress = pct
	q.mu.Unlock()
	q.observers.notify()
}

// Items returns copies of every item in queue order.
func (q *IngestQueue) Items() []entities.IngestItem {
	return q.filter(func(*entities.IngestItem) bool { return true })
}

// Pending returns items waiting for upload.
func (q *IngestQueue) Pending() []entities.IngestItem {
	return q.withStatus(entities.StatusPending)
}

// Succeeded returns items the backend accepted.
func (q *IngestQueue) Succeeded() []entities.IngestItem {
	return q.withStatus(entities.StatusSuccess)
}

// Failed returns items whose last upload failed.
func (q *IngestQueue) Failed() []entities.IngestItem {
	return q.withStatus(entities.StatusError)
}

// Item returns a copy of the item with id.
func (q *IngestQueue) Item(id string) (entities.IngestItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.findLocked(id)
	if item == nil {
		return entities.IngestItem{}, false
	}
	return cloneItem(item), true
}

// TotalProgress is the unweighted mean of every item's progress, 0 when empty.
func (q *IngestQueue) TotalProgress() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	sum := 0
	for _, item := range q.items {
		sum += item.Progress
	}
	return float64(sum) / float64(len(q.items))
}

// IsUploading reports whether an UploadAll batch is running.
func (q *IngestQueue) IsUploading() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batches > 0
}

func (q *IngestQueue) withStatus(s entities.IngestStatus) []entities.IngestItem {
	return q.filter(func(item *entities.IngestItem) bool { return item.Status == s })
}

func (q *IngestQueue) filter(keep func(*entities.IngestItem) bool) []entities.IngestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]entities.IngestItem, 0, len(q.items))
	for _, item := range q.items {
		if keep(item) {
			out = append(out, cloneItem(item))
		}
	}
	return out
}

func (q *IngestQueue) indexLocked(id string) int {
	for i, item := range q.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (q *IngestQueue) findLocked(id string) *entities.IngestItem {
	if i := q.indexLocked(id); i >= 0 {
		return q.items[i]
	}
	return nil
}

func cloneItem(item *entities.IngestItem) entities.IngestItem {
	out := *item
	if item.Result != nil {
		r := *item.Result
		r.Ingested = append([]entities.IngestedDocument(nil), r.Ingested...)
		r.Skipped = append([]string(nil), r.Skipped...)
		r.Errors = append([]string(nil), r.Errors...)
		out.Result = &r
	}
	return out
}
