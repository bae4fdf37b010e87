package kernel

import (
	"context"

	"github.com/mitchmitchell/elke27/internal/routes"
	"github.com/mitchmitchell/elke27/internal/session"
)

// bootstrapStep is one entry in the fixed bootstrap sequence.
type bootstrapStep struct {
	Domain, Verb, ListField string
}

// bootstrapSequence is the exact, ordered query list issued on first
// successful session (spec §4.9; order confirmed exact by
// SPEC_FULL §3's test_bootstrap_requests_zone_defs: bootstrap fires
// all nine requests regardless of whether earlier ones succeed).
var bootstrapSequence = []bootstrapStep{
	{"area", "get_table_info", ""},
	{"zone", "get_table_info", ""},
	{"output", "get_table_info", ""},
	{"tstat", "get_table_info", ""},
	{"area", "get_configured", "areas"},
	{"zone", "get_configured", "zones"},
	{"output", "get_configured", "outputs"},
	{"user", "get_configured", "users"},
	{"zone", "get_defs", ""},
}

// Bootstrap issues bootstrapSequence in order using paging for every
// step whose route is registered as paged. A failing step is logged
// and does not abort the remaining steps.
func (k *Kernel) Bootstrap(ctx context.Context, paging *PagingEngine) {
	for _, step := range bootstrapSequence {
		commandKey := step.Domain + "_" + step.Verb
		route := routes.Route{Domain: step.Domain, Verb: step.Verb}

		var err error
		if listField, paged := k.routes.Paged(route); paged {
			_, err = paging.Fetch(ctx, commandKey, step.Domain, step.Verb, listField, k.cfg.RequestTimeout)
		} else {
			_, err = k.Submit(ctx, commandKey, step.Domain, step.Verb, map[string]any{}, k.cfg.RequestTimeout, session.PriorityNormal)
		}
		if err != nil {
			k.logger.Warn("elke27: bootstrap query failed", "route", step.Domain+"."+step.Verb, "error", err)
		}
	}
}
