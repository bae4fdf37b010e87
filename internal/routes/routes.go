// Package routes provides the (domain, verb) request table: the
// registry that maps a wire route to the callable that builds its
// outbound payload and, optionally, the callable that parses its
// inbound reply payload into structured data for callers.
package routes

import "fmt"

// Route identifies a request/response category on the wire: the
// top-level domain key (area, zone, output, tstat, system, control,
// user) and the single verb key nested beneath it.
type Route struct {
	Domain string
	Verb   string
}

// String renders the route as "domain.verb" for logging and error
// messages.
func (r Route) String() string {
	return r.Domain + "." + r.Verb
}

// NotRegisteredError is returned by Table.Build and Table.Parse when no
// builder/parser is registered for a route. It signals a programming
// error: routes must be registered before they can be dispatched.
type NotRegisteredError struct {
	Route Route
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("route not registered: %s", e.Route)
}

// BuildFunc constructs the outbound payload (the value nested under
// the verb key) from named arguments.
type BuildFunc func(args map[string]any) (map[string]any, error)

// ParseFunc converts a raw reply payload into structured data handed
// back to the caller as Result.Data. A nil ParseFunc means the raw
// payload is returned unchanged.
type ParseFunc func(payload map[string]any) (any, error)

// entry holds everything registered for one route.
type entry struct {
	build BuildFunc
	parse ParseFunc
	paged bool
	// listField names the JSON array field accumulated across pages,
	// e.g. "zones" for zone.get_configured. Only meaningful if paged.
	listField string
}

// Table is a registry of routes to their payload builders, reply
// parsers, and paging metadata. The zero value is not usable; use New.
type Table struct {
	entries map[Route]*entry
}

// New creates an empty route table.
func New() *Table {
	return &Table{entries: make(map[Route]*entry)}
}

// Register adds a non-paged route with its payload builder. A nil
// build func is replaced with one that always returns an empty object.
func (t *Table) Register(route Route, build BuildFunc) {
	if build == nil {
		build = func(map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}
	}
	t.entries[route] = &entry{build: build}
}

// RegisterPaged adds a paged route: one whose replies carry block_id /
// block_count and a list field accumulated across blocks by the
// paging engine. listField names that array field (e.g. "zones").
func (t *Table) RegisterPaged(route Route, listField string) {
	t.entries[route] = &entry{
		build: func(map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		},
		paged:     true,
		listField: listField,
	}
}

// SetParser attaches a reply parser to an already-registered route.
func (t *Table) SetParser(route Route, parse ParseFunc) error {
	e, ok := t.entries[route]
	if !ok {
		return &NotRegisteredError{Route: route}
	}
	e.parse = parse
	return nil
}

// Build constructs the outbound payload for route from args.
func (t *Table) Build(route Route, args map[string]any) (map[string]any, error) {
	e, ok := t.entries[route]
	if !ok {
		return nil, &NotRegisteredError{Route: route}
	}
	return e.build(args)
}

// Parse converts a raw reply payload using route's registered parser.
// If no parser is registered, the payload is returned unchanged.
func (t *Table) Parse(route Route, payload map[string]any) (any, error) {
	e, ok := t.entries[route]
	if !ok {
		return nil, &NotRegisteredError{Route: route}
	}
	if e.parse == nil {
		return payload, nil
	}
	return e.parse(payload)
}

// Paged reports whether route is registered as a paged command, and if
// so, the name of its accumulated list field.
func (t *Table) Paged(route Route) (listField string, paged bool) {
	e, ok := t.entries[route]
	if !ok || !e.paged {
		return "", false
	}
	return e.listField, true
}

// Registered reports whether route has been registered at all.
func (t *Table) Registered(route Route) bool {
	_, ok := t.entries[route]
	return ok
}
