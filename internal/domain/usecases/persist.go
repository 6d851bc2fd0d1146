package usecases

import (
	"context"
	"sync"

	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// snapshotWriter persists whole-record snapshots from a single goroutine.
// Submitting replaces any snapshot not yet written, so writes never reorder
// and the latest state always wins. The writer starts gated: nothing is
// written until open is called, so a snapshot taken before the stored record
// was loaded cannot overwrite it.
type snapshotWriter struct {
	store ports.Storage
	key   string

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	has     bool
	writing bool
	gated   bool
	closed  bool
	done    chan struct{}
}

func newSnapshotWriter(store ports.Storage, key string) *snapshotWriter {
	w := &snapshotWriter{
		store: store,
		key:   key,
		gated: true,
		done:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

func (w *snapshotWriter) submit(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = data
	w.has = true
	w.cond.Broadcast()
}

func (w *snapshotWriter) open() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gated = false
	w.cond.Broadcast()
}

// flush blocks until every submitted snapshot has been written.
func (w *snapshotWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for (w.has && !w.gated) || w.writing {
		w.cond.Wait()
	}
}

// close writes the last pending snapshot, if the gate is open, and stops the writer.
func (w *snapshotWriter) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.cond.Broadcast()
	}
	w.mu.Unlock()
	<-w.done
}

func (w *snapshotWriter) loop() {
	defer close(w.done)

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		for !w.closed && (w.gated || !w.has) {
			w.cond.Wait()
		}
		if w.has && !w.gated {
			data := w.pending
			w.pending, w.has, w.writing = nil, false, true
			w.mu.Unlock()

			w.store.Set(context.Background(), w.key, data)

			w.mu.Lock()
			w.writing = false
			w.cond.Broadcast()
			continue
		}
		if w.closed {
			w.cond.Broadcast()
			return
		}
	}
}
