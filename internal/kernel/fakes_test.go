package kernel

import (
	"errors"
	"sync"
	"time"

	"github.com/mitchmitchell/elke27/internal/session"
)

// fakeSession is a hand-written Session test double (spec §9 design
// note: fakes, not mocking frameworks). Every envelope SendJSON is
// asked to write is also pushed onto sentCh, so tests can synchronize
// on "the kernel has put seq S on the wire" without sleeping.
type fakeSession struct {
	mu       sync.Mutex
	sentCh   chan map[string]any
	failNext bool
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{sentCh: make(chan map[string]any, 64)}
}

func (f *fakeSession) SendJSON(obj map[string]any, priority session.Priority, onSent func(time.Time), onFail func(error)) {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()

	if fail {
		if onFail != nil {
			onFail(errors.New("fake send failure"))
		}
		return
	}
	f.sentCh <- obj
	if onSent != nil {
		onSent(time.Now())
	}
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) failNextSend() {
	f.mu.Lock()
	f.failNext = true
	f.mu.Unlock()
}

// fakeTimer is a Scheduler.Timer that only fires when the test tells
// it to, never on a wall clock.
type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
	fire    func()
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasStopped := t.stopped
	t.stopped = true
	return !wasStopped
}

func (t *fakeTimer) Fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.fire()
	}
}

// fakeScheduler records every timer it creates so a test can fire a
// specific one deterministically instead of waiting on a real clock.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{fire: f}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

// Last returns the most recently created timer.
func (s *fakeScheduler) Last() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}
