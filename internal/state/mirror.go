package state

import (
	"fmt"
	"time"

	"github.com/mitchmitchell/elke27/internal/events"
	"github.com/mitchmitchell/elke27/internal/routes"
)

// Outcome is what a reconciler returns after applying one message to
// PanelState: which entity ids changed, and any events that change
// should surface to consumers.
type Outcome struct {
	UpdatedIDs []int
	Events     []events.Event
}

// ReconcileFunc applies one domain/verb payload to state and reports
// what changed. now is injected so tests can control timestamps
// without a live clock.
type ReconcileFunc func(s *PanelState, payload map[string]any, now time.Time) (Outcome, error)

// Mirror owns the table of per-route reconcilers and is the single
// entry point the kernel calls to fold a dispatched message into
// PanelState. Spec §4.7: "Each domain has a reconciler returning an
// Outcome ... StateMirror updates are monotonic per message (no
// partial apply on error)."
type Mirror struct {
	state       *PanelState
	reconcilers map[routes.Route]ReconcileFunc
	now         func() time.Time
}

// NewMirror creates a Mirror over state with the built-in reconcilers
// for area/zone/output/tstat/user registered. A nil now defaults to
// time.Now.
func NewMirror(s *PanelState, now func() time.Time) *Mirror {
	if now == nil {
		now = time.Now
	}
	m := &Mirror{state: s, reconcilers: make(map[routes.Route]ReconcileFunc), now: now}
	registerBuiltinReconcilers(m)
	return m
}

// State returns the underlying PanelState.
func (m *Mirror) State() *PanelState {
	return m.state
}

// Register adds or replaces the reconciler for route. External
// Handlers (spec §1: "out of scope external collaborators") call this
// to extend reconciliation beyond the built-ins registered here.
func (m *Mirror) Register(route routes.Route, fn ReconcileFunc) {
	m.reconcilers[route] = fn
}

// Reconcile applies payload for (domain, verb) to state, if a
// reconciler is registered. An unregistered route is not an error:
// plenty of replies (control.get_version_info, area.set_status acks)
// carry nothing for the mirror to apply.
func (m *Mirror) Reconcile(domain, verb string, payload map[string]any) (Outcome, error) {
	route := routes.Route{Domain: domain, Verb: verb}
	fn, ok := m.reconcilers[route]
	if !ok {
		return Outcome{}, nil
	}
	outcome, err := fn(m.state, payload, m.now())
	if err != nil {
		// Monotonic-per-message: a failed reconciliation never
		// partially applies, so we simply don't surface an outcome.
		return Outcome{}, fmt.Errorf("reconcile %s: %w", route, err)
	}
	return outcome, nil
}
