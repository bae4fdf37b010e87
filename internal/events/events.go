// Package events defines the typed events the kernel emits for
// asynchronous panel state changes, connection lifecycle transitions,
// and protocol-level errors, plus the buffered queue consumers drain
// them from.
//
// The queue is nil-safe: calling Push on a nil *Queue is a no-op, so
// components that hold an optional *Queue don't need guard checks.
package events

import "time"

// Classification describes how an event came to be emitted.
type Classification string

const (
	// ClassificationReply marks an event raised in direct response to a
	// request this client made (e.g. a route mismatch on an awaited reply).
	ClassificationReply Classification = "REPLY"
	// ClassificationBroadcast marks an event raised from an unsolicited
	// panel message (seq == 0, or a root error envelope).
	ClassificationBroadcast Classification = "BROADCAST"
	// ClassificationLocal marks an event raised by the client itself
	// with no corresponding wire message (e.g. explicit Close).
	ClassificationLocal Classification = "LOCAL"
)

// Kind constants identify the event's type within Data's shape.
const (
	// KindConnectionState signals a connection lifecycle transition.
	// Data: reason (string), error_type (string, optional).
	KindConnectionState = "ConnectionState"
	// KindAuthorizationRequired signals the panel rejected a request
	// (or the whole session) for lack of authorization (error_code 11008).
	KindAuthorizationRequired = "AuthorizationRequired"
	// KindAPIError signals a root-level protocol error other than 11008.
	// Data: code (int), message (string).
	KindAPIError = "ApiError"
	// KindDispatchRoutingError signals a reply's seq matched a pending
	// waiter but its (domain, verb) did not match the expected route.
	// Data: expected_domain, expected_verb, observed_domain, observed_verb.
	KindDispatchRoutingError = "DispatchRoutingError"
	// KindZoneChanged signals one or more zones were updated by a
	// broadcast or a configured-response reconciliation.
	// Data: ids ([]int).
	KindZoneChanged = "ZoneChanged"
	// KindAreaChanged signals one or more areas were updated.
	// Data: ids ([]int).
	KindAreaChanged = "AreaChanged"
	// KindOutputChanged signals one or more outputs were updated.
	// Data: ids ([]int).
	KindOutputChanged = "OutputChanged"
	// KindTstatChanged signals one or more thermostats were updated.
	// Data: ids ([]int).
	KindTstatChanged = "TstatChanged"
	// KindUserChanged signals one or more users were updated.
	// Data: ids ([]int).
	KindUserChanged = "UserChanged"
)

// Event is a single typed event emitted by the kernel.
type Event struct {
	Timestamp      time.Time
	Kind           string
	Classification Classification
	Data           map[string]any
}

// ConnectionState builds a KindConnectionState event.
func ConnectionState(connected bool, reason string, errType string) Event {
	data := map[string]any{"connected": connected, "reason": reason}
	if errType != "" {
		data["error_type"] = errType
	}
	return Event{
		Kind:           KindConnectionState,
		Classification: ClassificationLocal,
		Data:           data,
	}
}

// AuthorizationRequired builds a KindAuthorizationRequired event. It is
// always classified BROADCAST: the panel raises it unsolicited, not in
// reply to a specific pending request (spec §4.4).
func AuthorizationRequired(message string) Event {
	return Event{
		Kind:           KindAuthorizationRequired,
		Classification: ClassificationBroadcast,
		Data:           map[string]any{"message": message},
	}
}

// APIError builds a KindAPIError event for a root-level error envelope
// whose code is not the authorization-required code.
func APIError(code int, message string) Event {
	return Event{
		Kind:           KindAPIError,
		Classification: ClassificationBroadcast,
		Data:           map[string]any{"code": code, "message": message},
	}
}

// DispatchRoutingError builds a KindDispatchRoutingError event for a
// reply whose seq matched a pending waiter but whose route did not.
func DispatchRoutingError(expectedDomain, expectedVerb, observedDomain, observedVerb string) Event {
	return Event{
		Kind:           KindDispatchRoutingError,
		Classification: ClassificationReply,
		Data: map[string]any{
			"expected_domain": expectedDomain,
			"expected_verb":   expectedVerb,
			"observed_domain": observedDomain,
			"observed_verb":   observedVerb,
		},
	}
}

// EntityChanged builds a change event for one of the state mirror's
// entity domains (zone, area, output, tstat, user). kind must be one
// of the Kind* entity constants above.
func EntityChanged(kind string, classification Classification, ids []int) Event {
	return Event{
		Kind:           kind,
		Classification: classification,
		Data:           map[string]any{"ids": ids},
	}
}
