package kernel

import (
	"context"
	"sync"

	"github.com/mitchmitchell/elke27/internal/routes"
)

// Waiter is the handle a caller blocks on for one outstanding request.
// It resolves exactly once, via either complete or fail.
type Waiter struct {
	Seq           int
	CommandKey    string
	ExpectedRoute routes.Route

	done     chan struct{}
	once     sync.Once
	envelope map[string]any
	err      error
}

func newWaiter(seq int, commandKey string, route routes.Route) *Waiter {
	return &Waiter{Seq: seq, CommandKey: commandKey, ExpectedRoute: route, done: make(chan struct{})}
}

func (w *Waiter) complete(envelope map[string]any) {
	w.once.Do(func() {
		w.envelope = envelope
		close(w.done)
	})
}

func (w *Waiter) fail(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Wait blocks until the waiter resolves or ctx is done. cancelled
// reports whether ctx won the race, so the caller knows whether it
// still needs to unwind the waiter's registration itself.
func (w *Waiter) Wait(ctx context.Context) (envelope map[string]any, err error, cancelled bool) {
	select {
	case <-w.done:
		return w.envelope, w.err, false
	case <-ctx.Done():
		return nil, ctx.Err(), true
	}
}

// PendingRegistry is the pure seq-keyed waiter table (spec §4.2). All
// methods are safe for concurrent use: the kernel's readLoop, timers,
// and callers of Submit all touch it from different goroutines.
type PendingRegistry struct {
	mu      sync.Mutex
	waiters map[int]*Waiter
}

func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{waiters: make(map[int]*Waiter)}
}

// Create inserts a new waiter for seq. Fails with DuplicateSeqError if
// one is already registered.
func (p *PendingRegistry) Create(seq int, commandKey string, route routes.Route) (*Waiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiters[seq]; ok {
		return nil, &DuplicateSeqError{Seq: seq}
	}
	w := newWaiter(seq, commandKey, route)
	p.waiters[seq] = w
	return w, nil
}

// Complete removes and resolves the waiter for seq with envelope. If
// no entry exists (a late reply after timeout, or a duplicate
// broadcast), it silently does nothing and reports false.
func (p *PendingRegistry) Complete(seq int, envelope map[string]any) bool {
	w, ok := p.remove(seq)
	if !ok {
		return false
	}
	w.complete(envelope)
	return true
}

// Fail removes and rejects the waiter for seq with err.
func (p *PendingRegistry) Fail(seq int, err error) bool {
	w, ok := p.remove(seq)
	if !ok {
		return false
	}
	w.fail(err)
	return true
}

// Remove drops the waiter for seq without resolving it — used when a
// caller cancels before the request resolves any other way.
func (p *PendingRegistry) Remove(seq int) {
	p.remove(seq)
}

func (p *PendingRegistry) remove(seq int) (*Waiter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiters[seq]
	if ok {
		delete(p.waiters, seq)
	}
	return w, ok
}

// Lookup returns the waiter for seq without removing it.
func (p *PendingRegistry) Lookup(seq int) (*Waiter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiters[seq]
	return w, ok
}

// AbortAll fails every pending waiter with err and clears the table.
func (p *PendingRegistry) AbortAll(err error) {
	p.mu.Lock()
	waiters := make([]*Waiter, 0, len(p.waiters))
	for seq, w := range p.waiters {
		waiters = append(waiters, w)
		delete(p.waiters, seq)
	}
	p.mu.Unlock()

	for _, w := range waiters {
		w.fail(err)
	}
}

// PendingCount reports how many waiters are currently outstanding.
func (p *PendingRegistry) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
