// Package kernel implements the elke27 protocol core: the single
// active session, the at-most-one-in-flight send discipline, sequence
// correlation, paged response merging, dispatch into the state
// mirror, keepalive, and connection-lifecycle events. It owns no
// transport of its own; it drives a session.Session and reacts to the
// session.Callbacks it is wired up with.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mitchmitchell/elke27/internal/events"
	"github.com/mitchmitchell/elke27/internal/routes"
	"github.com/mitchmitchell/elke27/internal/session"
	"github.com/mitchmitchell/elke27/internal/state"
)

const (
	minSeq = 10
	maxSeq = 2147483647
)

type requestState int

const (
	stateIdle requestState = iota
	stateInFlight
)

// queuedSend is one outbound request, either about to be sent or
// waiting its turn behind the current in-flight one.
type queuedSend struct {
	seq      int
	domain   string
	verb     string
	payload  map[string]any
	timeout  time.Duration
	priority session.Priority
}

// Config bundles the kernel's constructor-time tunables (spec §6,
// External Interfaces: "Configuration options (kernel constructor)").
type Config struct {
	RequestTimeout     time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveTimeout   time.Duration
	KeepaliveMaxMissed int
	KeepaliveEnabled   bool
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 5 * time.Second
	}
	if c.KeepaliveMaxMissed <= 0 {
		c.KeepaliveMaxMissed = 3
	}
	return c
}

// Kernel is the protocol core described above. Spec §5 models request
// state as owned by a single-threaded cooperative scheduler with "no
// internal locking" — Go has no equivalent runtime guarantee, so every
// mutator here serializes on the same mutex instead. The reply/timeout
// race in spec §8 scenario 7 falls out of that naturally: both
// completeActive and onReplyTimeout check activeSeq == seq under the
// same lock before acting, so whichever one observes the match first
// wins, and the other finds activeSeq already cleared and no-ops.
type Kernel struct {
	instanceID string
	cfg        Config
	logger     *slog.Logger

	sess      session.Session
	routes    *routes.Table
	mirror    *state.Mirror
	eventq    *events.Queue
	chatter   *events.EntityRateLimiter
	pending   *PendingRegistry
	clock     Clock
	scheduler Scheduler
	keepalive *keepaliveLoop

	mu          sync.Mutex
	seq         int
	reqState    requestState
	activeSeq   int
	activeTimer Timer
	sendQueue   []queuedSend
	closed      bool
}

// Option configures a Kernel at construction.
type Option func(*Kernel)

func WithClock(c Clock) Option         { return func(k *Kernel) { k.clock = c } }
func WithScheduler(s Scheduler) Option { return func(k *Kernel) { k.scheduler = s } }
func WithLogger(l *slog.Logger) Option { return func(k *Kernel) { k.logger = l } }
func WithInstanceID(id string) Option  { return func(k *Kernel) { k.instanceID = id } }
func WithEventQueue(q *events.Queue) Option {
	return func(k *Kernel) { k.eventq = q }
}

// WithChatterLimit caps how many broadcast-derived events per event
// kind (e.g. "ZoneChanged") the kernel will push to the event queue per
// minute. Zero (the default) disables the limit. A panel running a
// self-test can emit the same zone's status dozens of times a second;
// this keeps a slow consumer from falling permanently behind.
func WithChatterLimit(perMinute int) Option {
	return func(k *Kernel) { k.chatter = events.NewEntityRateLimiter(perMinute) }
}

// New creates a Kernel bound to sess, dispatching paged/broadcast
// traffic through routeTable and mirror. All three are required; a
// nil one is a programming error and New panics, matching
// connwatch.Manager.Watch's panic-on-misuse contract.
func New(sess session.Session, routeTable *routes.Table, mirror *state.Mirror, cfg Config, opts ...Option) *Kernel {
	if sess == nil {
		panic("kernel: sess must not be nil")
	}
	if routeTable == nil {
		panic("kernel: routeTable must not be nil")
	}
	if mirror == nil {
		panic("kernel: mirror must not be nil")
	}

	k := &Kernel{
		cfg:      cfg.withDefaults(),
		sess:     sess,
		routes:   routeTable,
		mirror:   mirror,
		pending:  NewPendingRegistry(),
		seq:      minSeq,
		reqState: stateIdle,
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.clock == nil {
		k.clock = realClock{}
	}
	if k.scheduler == nil {
		k.scheduler = realScheduler{}
	}
	if k.eventq == nil {
		k.eventq = events.NewQueue(nil)
	}
	if k.instanceID == "" {
		k.instanceID = uuid.NewString()
	}
	k.keepalive = newKeepaliveLoop(k)
	return k
}

// Events returns the kernel's event queue.
func (k *Kernel) Events() *events.Queue { return k.eventq }

// InstanceID returns the kernel's generated (or injected) instance id,
// used to disambiguate multiple kernels in one process's logs.
func (k *Kernel) InstanceID() string { return k.instanceID }

// NextSeq returns the current sequence counter and advances it,
// wrapping from maxSeq back to minSeq, never below minSeq (spec §4.5).
func (k *Kernel) NextSeq() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nextSeqLocked()
}

func (k *Kernel) nextSeqLocked() int {
	s := k.seq
	if k.seq >= maxSeq {
		k.seq = minSeq
	} else {
		k.seq++
	}
	return s
}

// PendingCount reports the number of requests currently awaiting a
// reply, for test observability (spec §4.2).
func (k *Kernel) PendingCount() int { return k.pending.PendingCount() }

// Submit issues one request and blocks until it resolves, fails, or
// ctx is done. It is the synchronous primitive both ClientFacade and
// PagingEngine build on (spec §4.5 submit / §4.10 async_execute).
func (k *Kernel) Submit(ctx context.Context, commandKey, domain, verb string, payload map[string]any, timeout time.Duration, priority session.Priority) (map[string]any, error) {
	if timeout <= 0 {
		timeout = k.cfg.RequestTimeout
	}
	route := routes.Route{Domain: domain, Verb: verb}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, &ClosedError{}
	}
	seq := k.nextSeqLocked()
	waiter, err := k.pending.Create(seq, commandKey, route)
	if err != nil {
		k.mu.Unlock()
		return nil, err
	}

	send := queuedSend{seq: seq, domain: domain, verb: verb, payload: payload, timeout: timeout, priority: priority}
	var dispatch *queuedSend
	if k.reqState == stateIdle {
		k.activateLocked(send)
		dispatch = &send
	} else {
		k.sendQueue = append(k.sendQueue, send)
	}
	k.mu.Unlock()

	if dispatch != nil {
		k.dispatchSend(*dispatch)
	}

	envelope, waitErr, cancelled := waiter.Wait(ctx)
	if cancelled {
		k.cancelWaiter(seq)
		return nil, waitErr
	}
	return envelope, waitErr
}

// activateLocked arms the state machine for send: it does bookkeeping
// only (no I/O), so it can be called while k.mu is held. The caller is
// responsible for calling dispatchSend outside the lock afterward.
func (k *Kernel) activateLocked(send queuedSend) {
	k.reqState = stateInFlight
	k.activeSeq = send.seq
	seq := send.seq
	k.activeTimer = k.scheduler.AfterFunc(send.timeout, func() { k.onReplyTimeout(seq) })
}

func (k *Kernel) stopActiveTimerLocked() {
	if k.activeTimer != nil {
		k.activeTimer.Stop()
		k.activeTimer = nil
	}
}

// clearAndAdvanceLocked disarms the active request's timer, returns
// the state machine to IDLE, and — if anything is queued — activates
// the next send and returns it so the caller can dispatch it outside
// the lock. Must be called with k.mu held.
func (k *Kernel) clearAndAdvanceLocked() *queuedSend {
	k.stopActiveTimerLocked()
	k.reqState = stateIdle
	k.activeSeq = 0
	if len(k.sendQueue) == 0 {
		return nil
	}
	next := k.sendQueue[0]
	k.sendQueue = k.sendQueue[1:]
	k.activateLocked(next)
	return &next
}

func (k *Kernel) removeFromQueueLocked(seq int) {
	for i, s := range k.sendQueue {
		if s.seq == seq {
			k.sendQueue = append(k.sendQueue[:i], k.sendQueue[i+1:]...)
			return
		}
	}
}

// dispatchSend writes send's envelope to the wire. Must be called
// without k.mu held: session.Session implementations may invoke
// onSent/onFail synchronously, and those callbacks re-enter the
// kernel's lock.
func (k *Kernel) dispatchSend(send queuedSend) {
	envelope := map[string]any{
		"seq":      send.seq,
		send.domain: map[string]any{send.verb: send.payload},
	}
	k.logger.Debug("elke27: sending request",
		"seq", send.seq, "route", send.domain+"."+send.verb, "priority", send.priority)
	k.sess.SendJSON(envelope, send.priority, nil, func(err error) {
		k.onSendFailed(send.seq, err)
	})
}

// onSendFailed handles a transport-reported send failure for seq. If
// seq is still the active request, the state machine advances exactly
// as it would on a timeout; otherwise the request already resolved by
// some other path and this is a no-op against the registry.
func (k *Kernel) onSendFailed(seq int, sendErr error) {
	k.mu.Lock()
	if k.activeSeq != seq {
		k.mu.Unlock()
		k.pending.Fail(seq, fmt.Errorf("elke27: send failed: %w", sendErr))
		return
	}
	next := k.clearAndAdvanceLocked()
	k.mu.Unlock()

	k.pending.Fail(seq, fmt.Errorf("elke27: send failed: %w", sendErr))
	if next != nil {
		k.dispatchSend(*next)
	}
}

// onReplyTimeout fires when seq's deadline elapses (spec §4.5
// on_reply_timeout). If seq is no longer the active request, a
// reply already won the race and this is a no-op.
func (k *Kernel) onReplyTimeout(seq int) {
	k.mu.Lock()
	if k.activeSeq != seq {
		k.mu.Unlock()
		return
	}
	next := k.clearAndAdvanceLocked()
	k.mu.Unlock()

	commandKey := ""
	if w, ok := k.pending.Lookup(seq); ok {
		commandKey = w.CommandKey
	}
	k.pending.Fail(seq, &TimeoutError{CommandKey: commandKey})
	if next != nil {
		k.dispatchSend(*next)
	}
}

// completeActive resolves seq with envelope if it is the active
// in-flight request, advancing the queue. If seq is not active (a
// racing timeout already cleared it, or this is some other stray
// completion), PendingRegistry.Complete alone decides the outcome —
// it will correctly no-op if the waiter was already removed.
func (k *Kernel) completeActive(seq int, envelope map[string]any) {
	k.mu.Lock()
	if k.activeSeq != seq {
		k.mu.Unlock()
		k.pending.Complete(seq, envelope)
		return
	}
	next := k.clearAndAdvanceLocked()
	k.mu.Unlock()

	k.pending.Complete(seq, envelope)
	if next != nil {
		k.dispatchSend(*next)
	}
}

// failActive fails seq's waiter with err. Route mismatches still need
// the reply's slot cleared exactly like a successful completion, so
// like completeActive it goes through clearAndAdvanceLocked and
// dispatches the next queued send.
func (k *Kernel) failActive(seq int, err error) {
	k.mu.Lock()
	if k.activeSeq != seq {
		k.mu.Unlock()
		k.pending.Fail(seq, err)
		return
	}
	next := k.clearAndAdvanceLocked()
	k.mu.Unlock()

	k.pending.Fail(seq, err)
	if next != nil {
		k.dispatchSend(*next)
	}
}

// cancelWaiter unwinds seq's registration after its caller's context
// was cancelled (spec §5 Cancellation). If seq was in flight, the
// state machine returns to IDLE and the next queued send is issued; if
// seq was merely queued, it is spliced out in place.
func (k *Kernel) cancelWaiter(seq int) {
	k.mu.Lock()
	if k.activeSeq == seq {
		next := k.clearAndAdvanceLocked()
		k.mu.Unlock()
		k.pending.Remove(seq)
		if next != nil {
			k.dispatchSend(*next)
		}
		return
	}
	k.removeFromQueueLocked(seq)
	k.mu.Unlock()
	k.pending.Remove(seq)
}

// AbortRequests fails every pending request with err and resets the
// state machine to IDLE (spec §4.5 abort_requests / §5 Cancellation).
func (k *Kernel) AbortRequests(err error) {
	k.mu.Lock()
	k.stopActiveTimerLocked()
	k.reqState = stateIdle
	k.activeSeq = 0
	k.sendQueue = nil
	k.mu.Unlock()
	k.pending.AbortAll(err)
}

// OnSessionDisconnected is the Session callback for an unexpected
// transport loss. Spec §4.5 close(): "any SessionIOError arriving
// after explicit close is silently absorbed" — the closed check below
// is exactly that suppression.
func (k *Kernel) OnSessionDisconnected(err error) {
	k.mu.Lock()
	alreadyClosed := k.closed
	k.mu.Unlock()
	if alreadyClosed {
		return
	}

	reason := "disconnected"
	if err != nil {
		reason = err.Error()
	}
	k.AbortRequests(&ConnectionLostError{Reason: reason})
	k.eventq.Push(events.ConnectionState(false, "disconnected", reason))
}

// Close initiates orderly shutdown: it fails all pending requests,
// stops keepalive, closes the session, and emits exactly one
// ConnectionState event. Idempotent; a second call is a no-op (spec
// §4.5, §8: "After explicit close(), any subsequent SessionIOError
// notification emits no additional ConnectionState event").
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.AbortRequests(&ClosedError{})
	k.StopKeepalive()
	err := k.sess.Close()
	k.eventq.Push(events.ConnectionState(false, "closed", ""))
	return err
}
