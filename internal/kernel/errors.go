package kernel

import "fmt"

// TimeoutError is returned when a request's deadline elapses before a
// matching reply arrives (spec §7: E27Timeout). The message carries
// the command key so a caller's logs can identify which request
// stalled without cross-referencing a sequence number.
type TimeoutError struct {
	CommandKey string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("elke27: request timed out: %s", e.CommandKey)
}

// ConnectionLostError is returned to every pending request when the
// session drops while requests were outstanding.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("elke27: connection lost: %s", e.Reason)
}

// ClosedError is returned for operations attempted on (or pending at
// the time of) an explicit Kernel.Close.
type ClosedError struct{}

func (e *ClosedError) Error() string { return "elke27: session closed" }

// RoutingError is returned when a reply's seq matches a pending
// waiter but its (domain, verb) does not match what was submitted.
type RoutingError struct {
	ExpectedDomain string
	ExpectedVerb   string
	ObservedDomain string
	ObservedVerb   string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("elke27: reply route mismatch: expected %s.%s, observed %s.%s",
		e.ExpectedDomain, e.ExpectedVerb, e.ObservedDomain, e.ObservedVerb)
}

// APIError is a non-authorization protocol error reported by the
// panel at the root of an envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elke27: panel error %d: %s", e.Code, e.Message)
}

// DuplicateSeqError signals an attempt to register a waiter for a seq
// already pending — a programming error, since NextSeq guarantees
// freshness within the wrap window.
type DuplicateSeqError struct {
	Seq int
}

func (e *DuplicateSeqError) Error() string {
	return fmt.Sprintf("elke27: duplicate pending seq %d", e.Seq)
}
