package state

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mitchmitchell/elke27/internal/events"
	"github.com/mitchmitchell/elke27/internal/routes"
)

// registerBuiltinReconcilers wires the default handlers for the zone,
// area, output, tstat, and user domains. External Handlers
// (spec §1) may override any of these via Mirror.Register.
func registerBuiltinReconcilers(m *Mirror) {
	m.Register(routes.Route{Domain: "zone", Verb: "status"}, reconcileBulkZoneStatus)
	m.Register(routes.Route{Domain: "zone", Verb: "get_configured"}, reconcileConfiguredZones)
	m.Register(routes.Route{Domain: "area", Verb: "get_configured"}, reconcileConfiguredAreas)
	m.Register(routes.Route{Domain: "output", Verb: "get_configured"}, reconcileConfiguredOutputs)
	m.Register(routes.Route{Domain: "user", Verb: "get_configured"}, reconcileConfiguredUsers)
	m.Register(routes.Route{Domain: "tstat", Verb: "get_configured"}, reconcileConfiguredTstats)
	m.Register(routes.Route{Domain: "area", Verb: "status"}, reconcileAreaStatus)
	m.Register(routes.Route{Domain: "output", Verb: "status"}, reconcileOutputStatus)
	m.Register(routes.Route{Domain: "area", Verb: "get_table_info"}, tableInfoReconciler("area"))
	m.Register(routes.Route{Domain: "zone", Verb: "get_table_info"}, tableInfoReconciler("zone"))
	m.Register(routes.Route{Domain: "output", Verb: "get_table_info"}, tableInfoReconciler("output"))
	m.Register(routes.Route{Domain: "tstat", Verb: "get_table_info"}, tableInfoReconciler("tstat"))
}

// decodeZoneNibble maps each hex nibble to its four decoded flags, read
// low-to-high as (enabled, violated, trouble, bypassed) per bit
// position 0..3 (spec §4.7). Confirmed against the three published
// test vectors: "1" -> enabled only, "A" (0b1010) -> enabled+violated,
// "4" -> all false.
func decodeZoneNibble(nibble byte) (enabled, violated, trouble, bypassed bool, err error) {
	v, err := strconv.ParseUint(string(nibble), 16, 8)
	if err != nil {
		return false, false, false, false, fmt.Errorf("invalid zone status nibble %q: %w", nibble, err)
	}
	enabled = v&0x1 != 0
	violated = v&0x2 != 0
	trouble = v&0x4 != 0
	bypassed = v&0x8 != 0
	return enabled, violated, trouble, bypassed, nil
}

// reconcileBulkZoneStatus decodes a "status" bulk hex string, one
// nibble per zone, index -> zone id (1-based), and applies it to every
// indexed zone, creating any zone not yet in state on its first
// observation.
func reconcileBulkZoneStatus(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	raw, ok := payload["status"].(string)
	if !ok {
		return Outcome{}, fmt.Errorf("zone.status payload missing string \"status\" field")
	}

	// Validate every nibble before touching state so a bad one leaves
	// no zone partially updated.
	for i := 0; i < len(raw); i++ {
		if _, _, _, _, err := decodeZoneNibble(raw[i]); err != nil {
			return Outcome{}, err
		}
	}

	var updated []int
	s.lock()
	defer s.unlock()

	for i := 0; i < len(raw); i++ {
		zoneID := i + 1
		nibble := raw[i]
		enabled, violated, trouble, bypassed, err := decodeZoneNibble(nibble)
		if err != nil {
			return Outcome{}, err
		}

		z, ok := s.Zones[zoneID]
		if !ok {
			z = &Zone{ID: zoneID}
			s.Zones[zoneID] = z
		}
		z.StatusCode = string(nibble)
		z.Enabled = enabled
		z.Violated = violated
		z.Trouble = trouble
		z.Bypassed = bypassed
		updated = append(updated, zoneID)
	}

	return Outcome{
		UpdatedIDs: updated,
		Events:     []events.Event{events.EntityChanged(events.KindZoneChanged, events.ClassificationBroadcast, updated)},
	}, nil
}

// intListField extracts an []int from a merged paged payload's list
// field, tolerating both []int (already-typed, e.g. test fixtures) and
// []any of int, int64, or float64 (decoded JSON).
func intListField(payload map[string]any, field string) ([]int, error) {
	raw, ok := payload[field]
	if !ok {
		return nil, fmt.Errorf("payload missing %q field", field)
	}
	switch v := raw.(type) {
	case []int:
		return v, nil
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			id, err := toInt(item)
			if err != nil {
				return nil, fmt.Errorf("%s entry: %w", field, err)
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s field has unexpected type %T", field, raw)
	}
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

func reconcileConfiguredZones(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	ids, err := intListField(payload, "zones")
	if err != nil {
		return Outcome{}, err
	}
	for _, id := range ids {
		s.GetOrCreateZone(id)
	}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindZoneChanged, events.ClassificationReply, ids)},
	}, nil
}

func reconcileConfiguredAreas(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	ids, err := intListField(payload, "areas")
	if err != nil {
		return Outcome{}, err
	}
	for _, id := range ids {
		s.GetOrCreateArea(id)
	}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindAreaChanged, events.ClassificationReply, ids)},
	}, nil
}

func reconcileConfiguredOutputs(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	ids, err := intListField(payload, "outputs")
	if err != nil {
		return Outcome{}, err
	}
	for _, id := range ids {
		s.GetOrCreateOutput(id)
	}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindOutputChanged, events.ClassificationReply, ids)},
	}, nil
}

func reconcileConfiguredUsers(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	ids, err := intListField(payload, "users")
	if err != nil {
		return Outcome{}, err
	}
	for _, id := range ids {
		s.GetOrCreateUser(id)
	}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindUserChanged, events.ClassificationReply, ids)},
	}, nil
}

func reconcileConfiguredTstats(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	ids, err := intListField(payload, "tstats")
	if err != nil {
		return Outcome{}, err
	}
	for _, id := range ids {
		s.GetOrCreateTstat(id)
	}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindTstatChanged, events.ClassificationReply, ids)},
	}, nil
}

// reconcileAreaStatus applies a broadcast area status change. Payload
// shape mirrors area_set_status's ack: {"area_id": int, "status":
// str, "Chime": bool}, with status/Chime optional.
func reconcileAreaStatus(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	id, err := toInt(payload["area_id"])
	if err != nil {
		return Outcome{}, fmt.Errorf("area.status payload: %w", err)
	}
	a := s.GetOrCreateArea(id)
	s.lock()
	if status, ok := payload["status"].(string); ok {
		a.Status = status
	}
	if chime, ok := payload["Chime"].(bool); ok {
		a.Chime = chime
	}
	s.unlock()
	ids := []int{id}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindAreaChanged, events.ClassificationBroadcast, ids)},
	}, nil
}

// reconcileOutputStatus applies a broadcast output status change.
// Payload shape: {"output_id": int, "active": bool}.
func reconcileOutputStatus(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
	id, err := toInt(payload["output_id"])
	if err != nil {
		return Outcome{}, fmt.Errorf("output.status payload: %w", err)
	}
	o := s.GetOrCreateOutput(id)
	s.lock()
	if active, ok := payload["active"].(bool); ok {
		o.Active = active
	}
	s.unlock()
	ids := []int{id}
	return Outcome{
		UpdatedIDs: ids,
		Events:     []events.Event{events.EntityChanged(events.KindOutputChanged, events.ClassificationBroadcast, ids)},
	}, nil
}

// tableInfoReconciler records a get_table_info reply verbatim under
// its domain; it never touches entity maps, so UpdatedIDs is always
// empty.
func tableInfoReconciler(domain string) ReconcileFunc {
	return func(s *PanelState, payload map[string]any, now time.Time) (Outcome, error) {
		s.SetTableInfo(domain, payload)
		return Outcome{}, nil
	}
}

// sortedIDs is a small helper for tests/CLI output that want
// deterministic ordering over a map's keys.
func sortedIDs(ids map[int]struct{}) []int {
	out := make([]int, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
