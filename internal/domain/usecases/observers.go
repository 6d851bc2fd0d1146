package usecases

import "sync"

// observers is a set of change callbacks. Callbacks run synchronously on the
// goroutine that performed the mutation, after the manager lock is released.
type observers struct {
	mu   sync.Mutex
	next int
	fns  []observer
}

type observer struct {
	id int
	fn func()
}

func (o *observers) subscribe(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.next
	o.next++
	o.fns = append(o.fns, observer{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, ob := range o.fns {
				if ob.id == id {
					o.fns = append(o.fns[:i], o.fns[i+1:]...)
					return
				}
			}
		})
	}
}

func (o *observers) notify() {
	o.mu.Lock()
	fns := make([]func(), len(o.fns))
	for i, ob := range o.fns {
		fns[i] = ob.fn
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
