package kernel

import (
	"fmt"

	"github.com/mitchmitchell/elke27/internal/events"
)

const authRequiredCode = 11008

// OnMessage is the Session callback for every decoded inbound
// envelope, applied in transport-delivery order (spec §4.4
// RouteDispatcher).
func (k *Kernel) OnMessage(obj map[string]any) {
	if code, message, ok := rootError(obj); ok {
		k.handleRootError(code, message)
		return
	}

	domain, verb, payload, ok := splitEnvelope(obj)
	if !ok {
		k.logger.Warn("elke27: envelope has no domain/verb body", "raw", obj)
		return
	}
	seq, _ := toInt(obj["seq"])

	if seq > 0 {
		if waiter, found := k.pending.Lookup(seq); found {
			if waiter.ExpectedRoute.Domain == domain && waiter.ExpectedRoute.Verb == verb {
				k.completeActive(seq, obj)
				return
			}
			routeErr := &RoutingError{
				ExpectedDomain: waiter.ExpectedRoute.Domain,
				ExpectedVerb:   waiter.ExpectedRoute.Verb,
				ObservedDomain: domain,
				ObservedVerb:   verb,
			}
			k.failActive(seq, routeErr)
			k.eventq.Push(events.DispatchRoutingError(
				waiter.ExpectedRoute.Domain, waiter.ExpectedRoute.Verb, domain, verb))
			return
		}
	}

	// seq == 0, or seq > 0 with no matching waiter: broadcast (spec
	// §4.4.3). Broadcasts never resolve a pending waiter, even when
	// their domain/verb/payload coincide with one (spec §3 / SPEC_FULL
	// §3: ack vs. broadcast disambiguation is by seq alone).
	outcome, err := k.mirror.Reconcile(domain, verb, payload)
	if err != nil {
		k.logger.Warn("elke27: state reconciliation failed", "route", domain+"."+verb, "error", err)
		return
	}
	for _, ev := range outcome.Events {
		if !k.chatter.Allow(ev.Kind) {
			continue
		}
		k.eventq.Push(ev)
	}
}

// handleRootError classifies a root-level error_code/error_message
// envelope. These never match a pending waiter and never emit
// DispatchRoutingError; code 11008 emits AuthorizationRequired (and no
// ApiError), every other code emits a generic ApiError event
// (SPEC_FULL §4 open question resolution).
func (k *Kernel) handleRootError(code int, message string) {
	if code == authRequiredCode {
		k.eventq.Push(events.AuthorizationRequired(message))
		return
	}
	k.eventq.Push(events.APIError(code, message))
}

func rootError(obj map[string]any) (code int, message string, ok bool) {
	raw, has := obj["error_code"]
	if !has {
		return 0, "", false
	}
	code, _ = toInt(raw)
	message, _ = obj["error_message"].(string)
	return code, message, true
}

// splitEnvelope finds the envelope's single domain key and the single
// verb key nested beneath it (spec §6: "{seq: N, <domain>: {<verb>:
// <payload>}}"). Loose map typing is preserved here deliberately (spec
// §9 design note): the dispatcher boundary matches the wire shape
// as-is rather than unmarshaling into a fixed struct.
func splitEnvelope(obj map[string]any) (domain, verb string, payload map[string]any, ok bool) {
	for key, val := range obj {
		if key == "seq" || key == "error_code" || key == "error_message" {
			continue
		}
		nested, isMap := val.(map[string]any)
		if !isMap {
			continue
		}
		for verbKey, verbVal := range nested {
			verbPayload, _ := verbVal.(map[string]any)
			if verbPayload == nil {
				verbPayload = map[string]any{}
			}
			return key, verbKey, verbPayload, true
		}
	}
	return "", "", nil, false
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
