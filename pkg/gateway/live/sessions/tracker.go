// Package sessions tracks open transcription connections so shutdown can
// notify, wait for, and finally cancel them.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches one connection.
type Handle struct {
	// Cancel tears the connection down.
	Cancel func()
	// Notify sends a client-visible error event. It must not block for long.
	Notify func(message string) error
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*entry
	wg    sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*entry)}
}

// Register adds a connection and returns the func that removes it. Calling
// the returned func more than once is safe. Re-registering an id replaces
// and releases the previous entry.
func (t *Tracker) Register(id string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*entry)
	}
	prev := t.conns[id]
	t.conns[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if prev != nil {
		t.release(id, prev)
	}
	return func() { t.release(id, e) }
}

func (t *Tracker) release(id string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.conns[id] == e {
			delete(t.conns, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for _, e := range t.conns {
		out = append(out, e.handle)
	}
	return out
}

// NotifyAll sends message to every connection, best effort. It returns the
// number of connections that accepted it.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Notify == nil {
			continue
		}
		if err := h.Notify(message); err == nil {
			sent++
		}
	}
	return sent
}

// CancelAll cancels every tracked connection.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every connection unregistered or ctx ends. It reports
// whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
