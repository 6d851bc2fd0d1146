package usecases

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// FileOpener turns a watched path into an upload source, rejecting files the
// backend would refuse.
type FileOpener func(path string) (ports.FileSource, error)

// Feed queues every created file reported on events until the channel closes
// or ctx ends. With autoUpload set each queued file is uploaded right away.
// Feed returns after any uploads it started have finished.
func (q *IngestQueue) Feed(ctx context.Context, events <-chan ports.FileEvent, open FileOpener, autoUpload bool) {
	var uploads conc.WaitGroup
	defer uploads.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Operation != ports.FileCreated {
				continue
			}

			src, err := open(ev.Path)
			if err != nil {
				q.log.Warn().Err(err).Str("path", ev.Path).Msg("skipping watched file")
				continue
			}
			ids := q.AddFiles([]ports.FileSource{src})
			q.log.Info().Str("path", ev.Path).Msg("queued watched file")

			if autoUpload {
				for _, id := range ids {
					id := id
					uploads.Go(func() { q.UploadItem(ctx, id) })
				}
			}
		}
	}
}

// Watch starts watcher on dir and feeds its events into the queue in the
// background. The returned channel closes when feeding stops.
func (q *IngestQueue) Watch(ctx context.Context, watcher ports.FileWatcher, dir string, open FileOpener, autoUpload bool) (<-chan struct{}, error) {
	events, err := watcher.Watch(ctx, dir)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Feed(ctx, events, open, autoUpload)
	}()
	return done, nil
}
