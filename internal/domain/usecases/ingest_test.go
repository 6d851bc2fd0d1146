package usecases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

func newQueue(fn func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error)) (*IngestQueue, *fakeIngester) {
	svc := &fakeIngester{fn: fn}
	return NewIngestQueue(svc, zerolog.Nop()), svc
}

func TestIngestQueue_AddFiles(t *testing.T) {
	q, _ := newQueue(nil)

	ids := q.AddFiles(files("a.pdf", "b.md"))
	require.Len(t, ids, 2)

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "a.pdf", items[0].Name)
	assert.Equal(t, entities.KindFile, items[0].Kind)
	assert.Equal(t, int64(len("content of a.pdf")), items[0].SizeBytes)
	assert.Equal(t, entities.StatusPending, items[0].Status)
	assert.Zero(t, items[0].Progress)
	assert.Len(t, q.Pending(), 2)

	assert.Nil(t, q.AddFiles(nil))
}

func TestIngestQueue_AddURLsSkipsBlank(t *testing.T) {
	q, svc := newQueue(nil)

	ids := q.AddURLs([]string{" https://example.com/doc ", "", "   "})
	require.Len(t, ids, 1)

	item, ok := q.Item(ids[0])
	require.True(t, ok)
	assert.Equal(t, "https://example.com/doc", item.Name)
	assert.Equal(t, entities.KindURL, item.Kind)
	assert.Zero(t, item.SizeBytes)

	q.UploadItem(context.Background(), ids[0])
	require.Equal(t, 1, svc.callCount())
	assert.Equal(t, []string{"https://example.com/doc"}, svc.calls[0].URLs)
	assert.Empty(t, svc.calls[0].Files)
}

func TestIngestQueue_UploadAllMixedOutcome(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	allIn := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allIn)
	}()

	var q *IngestQueue
	var uploadingSeen sync.Map
	q, _ = newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		uploadingSeen.Store(requestName(req), q.IsUploading())
		arrived.Done()
		select {
		case <-allIn:
		case <-time.After(2 * time.Second):
			return nil, errors.New("uploads did not run concurrently")
		}
		if requestName(req) == "bad.pdf" {
			return nil, &ports.StatusError{StatusCode: 500, Body: "boom"}
		}
		return okResult(req), nil
	})
	q.AddFiles(files("a.pdf", "bad.pdf", "c.txt"))

	assert.False(t, q.IsUploading())
	q.UploadAll(context.Background())
	assert.False(t, q.IsUploading())

	assert.Len(t, q.Succeeded(), 2)
	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad.pdf", failed[0].Name)
	assert.Contains(t, failed[0].Error, "500")
	assert.Zero(t, failed[0].Progress)
	assert.Empty(t, q.Pending())

	for _, item := range q.Succeeded() {
		assert.Equal(t, 100, item.Progress)
		require.NotNil(t, item.Result)
		require.Len(t, item.Result.Ingested, 1)
		assert.Equal(t, item.Name, item.Result.Ingested[0].Filename)
	}

	for _, name := range []string{"a.pdf", "bad.pdf", "c.txt"} {
		v, ok := uploadingSeen.Load(name)
		require.True(t, ok)
		assert.True(t, v.(bool), "IsUploading holds while %s is in flight", name)
	}
}

func TestIngestQueue_UploadAllOnlyPending(t *testing.T) {
	q, svc := newQueue(nil)
	ids := q.AddFiles(files("a.pdf"))
	q.UploadAll(context.Background())
	require.Equal(t, 1, svc.callCount())

	q.AddFiles(files("b.pdf"))
	q.UploadAll(context.Background())
	assert.Equal(t, 2, svc.callCount(), "already uploaded items are not sent again")

	q.UploadItem(context.Background(), ids[0])
	q.RetryItem(context.Background(), ids[0])
	assert.Equal(t, 2, svc.callCount(), "successful items ignore upload and retry")

	q.UploadAll(context.Background())
	assert.Equal(t, 2, svc.callCount())
}

func TestIngestQueue_RetryPassesThroughPending(t *testing.T) {
	fail := true
	q, svc := newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return okResult(req), nil
	})
	id := q.AddFiles(files("a.pdf"))[0]

	q.UploadItem(context.Background(), id)
	item, _ := q.Item(id)
	require.Equal(t, entities.StatusError, item.Status)
	assert.Equal(t, "connection refused", item.Error)

	type state struct {
		status   entities.IngestStatus
		progress int
	}
	var states []state
	q.Subscribe(func() {
		it, _ := q.Item(id)
		states = append(states, state{it.Status, it.Progress})
	})

	fail = false
	q.RetryItem(context.Background(), id)

	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, state{entities.StatusPending, 0}, states[0])
	assert.Equal(t, state{entities.StatusUploading, 0}, states[1])
	assert.Equal(t, state{entities.StatusSuccess, 100}, states[len(states)-1])
	assert.Equal(t, 2, svc.callCount())

	item, _ = q.Item(id)
	assert.Empty(t, item.Error)
}

func TestIngestQueue_TotalProgress(t *testing.T) {
	q, _ := newQueue(nil)
	assert.Zero(t, q.TotalProgress())

	ids := q.AddFiles(files("a.pdf", "b.pdf", "c.pdf"))
	assert.Zero(t, q.TotalProgress())

	q.UploadItem(context.Background(), ids[0])
	assert.InDelta(t, 100.0/3.0, q.TotalProgress(), 0.0001)
}

func TestIngestQueue_ProgressIsClampedAndMonotonic(t *testing.T) {
	var q *IngestQueue
	var during []int
	q, _ = newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		name := requestName(req)
		read := func() int {
			for _, it := range q.Items() {
				if it.Name == name {
					return it.Progress
				}
			}
			return -1
		}
		req.OnProgress(40, 100)
		during = append(during, read())
		req.OnProgress(100, 100)
		during = append(during, read())
		req.OnProgress(10, 100)
		during = append(during, read())
		req.OnProgress(10, 0)
		during = append(during, read())
		return okResult(req), nil
	})
	id := q.AddFiles(files("a.pdf"))[0]

	q.UploadItem(context.Background(), id)

	assert.Equal(t, []int{40, 99, 99, 99}, during)
	item, _ := q.Item(id)
	assert.Equal(t, 100, item.Progress)
}

func TestIngestQueue_ResultWithOnlyErrors(t *testing.T) {
	q, _ := newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		return &entities.IngestResult{Errors: []string{"Failed to process a.pdf: bad", "second"}}, nil
	})
	id := q.AddFiles(files("a.pdf"))[0]

	q.UploadItem(context.Background(), id)

	item, _ := q.Item(id)
	assert.Equal(t, entities.StatusError, item.Status)
	assert.Equal(t, "Failed to process a.pdf: bad; second", item.Error)
	require.NotNil(t, item.Result)
	assert.Len(t, item.Result.Errors, 2)
}

func TestIngestQueue_SkippedIsSuccess(t *testing.T) {
	q, _ := newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		return &entities.IngestResult{Skipped: []string{"a.pdf: Empty file"}}, nil
	})
	id := q.AddFiles(files("a.pdf"))[0]

	q.UploadItem(context.Background(), id)

	item, _ := q.Item(id)
	assert.Equal(t, entities.StatusSuccess, item.Status)
	assert.Equal(t, []string{"a.pdf: Empty file"}, item.Result.Skipped)
}

func TestIngestQueue_PanicBecomesItemError(t *testing.T) {
	q, _ := newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		if requestName(req) == "boom.pdf" {
			panic("unexpected")
		}
		return okResult(req), nil
	})
	q.AddFiles(files("boom.pdf", "ok.pdf"))

	q.UploadAll(context.Background())

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "boom.pdf", failed[0].Name)
	assert.Contains(t, failed[0].Error, "upload panicked")
	assert.Len(t, q.Succeeded(), 1)
}

func TestIngestQueue_RemoveDuringUpload(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	q, _ := newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		close(entered)
		<-release
		req.OnProgress(50, 100)
		return okResult(req), nil
	})
	id := q.AddFiles(files("a.pdf"))[0]

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.UploadItem(context.Background(), id)
	}()

	<-entered
	q.RemoveItem(id)
	close(release)
	<-done

	_, ok := q.Item(id)
	assert.False(t, ok)
	assert.Empty(t, q.Items())
}

func TestIngestQueue_RemoveAndClearCompleted(t *testing.T) {
	q, _ := newQueue(func(ctx context.Context, req ports.IngestRequest) (*entities.IngestResult, error) {
		if requestName(req) == "bad.pdf" {
			return nil, fmt.Errorf("rejected")
		}
		return okResult(req), nil
	})
	ids := q.AddFiles(files("a.pdf", "bad.pdf", "c.pdf", "d.pdf"))
	q.UploadItem(context.Background(), ids[0])
	q.UploadItem(context.Background(), ids[1])
	q.UploadItem(context.Background(), ids[2])

	calls := 0
	q.Subscribe(func() { calls++ })

	q.ClearCompleted()
	assert.Equal(t, 1, calls)
	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "bad.pdf", items[0].Name)
	assert.Equal(t, "d.pdf", items[1].Name)

	q.ClearCompleted()
	assert.Equal(t, 1, calls, "nothing to clear means no notification")

	q.RemoveItem(ids[3])
	q.RemoveItem("missing")
	assert.Len(t, q.Items(), 1)
	assert.Equal(t, 2, calls)
}

func TestIngestQueue_ItemsAreCopies(t *testing.T) {
	q, _ := newQueue(nil)
	id := q.AddFiles(files("a.pdf"))[0]
	q.UploadItem(context.Background(), id)

	items := q.Items()
	items[0].Status = entities.StatusError
	items[0].Result.Ingested[0].Filename = "mutated"

	item, _ := q.Item(id)
	assert.Equal(t, entities.StatusSuccess, item.Status)
	assert.Equal(t, "a.pdf", item.Result.Ingested[0].Filename)
}

func TestIngestQueue_UploadSendsFileSource(t *testing.T) {
	q, svc := newQueue(nil)
	src := memFile{name: "notes.md", data: "# notes"}
	id := q.AddFiles([]ports.FileSource{src})[0]

	q.UploadItem(context.Background(), id)

	require.Equal(t, 1, svc.callCount())
	req := svc.calls[0]
	require.Len(t, req.Files, 1)
	assert.Equal(t, src, req.Files[0])
	assert.Empty(t, req.URLs)
	assert.NotNil(t, req.OnProgress)
}
