// Package session defines the transport contract the kernel depends
// on (spec §4.1: SessionAdapter) and provides a default WebSocket
// implementation of it. The kernel never frames bytes or dials a
// socket itself; it only calls Session.SendJSON and reacts to the
// Callbacks it was constructed with.
package session

import (
	"fmt"
	"time"
)

// Priority is an opaque hint passed through to the transport. It has
// no effect on the kernel's own send queue, which is strict FIFO
// (spec §9, Open Questions: "Priority values ... treat as an
// implementation hint, not a contract").
type Priority int

const (
	// PriorityNormal is used for ordinary command traffic.
	PriorityNormal Priority = iota
	// PriorityHigh is used for keepalive probes.
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Session is the pluggable transport the kernel sends envelopes
// through and receives decoded envelopes from. Implementations own
// framing, TLS, and reconnection; the kernel only ever sees JSON
// objects.
type Session interface {
	// SendJSON enqueues an outbound JSON object. onSent is invoked
	// once the transport has flushed it; onFail is invoked instead if
	// the transport could not deliver it. Exactly one of the two fires,
	// exactly once, for every call.
	SendJSON(obj map[string]any, priority Priority, onSent func(sentAt time.Time), onFail func(err error))

	// Close initiates orderly shutdown. Idempotent.
	Close() error
}

// Callbacks are the kernel's entry points a Session implementation
// invokes as events happen on the wire. They express the
// transport-to-kernel relation as a callback set rather than a back
// reference (spec §9, Design Notes), so a Session never needs to know
// about *kernel.Kernel's type.
type Callbacks struct {
	// OnMessage is called once per decoded inbound envelope, in
	// transport-delivery order.
	OnMessage func(obj map[string]any)
	// OnDisconnected is called when the transport loses the connection
	// for reasons other than an explicit Close.
	OnDisconnected func(err error)
}

// IOError is a transport-level failure: a dial, write, or read error
// that isn't an explicit close.
type IOError struct {
	Detail string
	Err    error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: transport error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("session: transport error: %s", e.Detail)
}

func (e *IOError) Unwrap() error { return e.Err }

// ClosedError is returned for operations attempted after Close.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "session: closed" }
