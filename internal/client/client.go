// Package client implements the ClientFacade (spec §4.10): the single
// async entry point callers use to talk to the panel by command key,
// plus the event drain they read panel-originated changes from.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mitchmitchell/elke27/internal/events"
	"github.com/mitchmitchell/elke27/internal/kernel"
	"github.com/mitchmitchell/elke27/internal/routes"
	"github.com/mitchmitchell/elke27/internal/session"
)

// Result is the outcome of one Execute call (spec §6: "Result{ok,
// data, error}").
type Result struct {
	OK    bool
	Data  any
	Error error
}

// Client is the ClientFacade: a route table bound to a kernel.
type Client struct {
	kernel  *kernel.Kernel
	routes  *routes.Table
	paging  *kernel.PagingEngine
	timeout time.Duration
}

// New creates a Client. timeout is the per-request default passed to
// Kernel.Submit when a caller doesn't override it; zero uses the
// kernel's own configured default.
func New(k *kernel.Kernel, routeTable *routes.Table, timeout time.Duration) *Client {
	return &Client{kernel: k, routes: routeTable, paging: kernel.NewPagingEngine(k), timeout: timeout}
}

// Execute looks up commandKey's route, builds its payload from args,
// submits it (driving the PagingEngine for paged routes), and parses
// the reply into Result.Data.
func (c *Client) Execute(ctx context.Context, commandKey string, args map[string]any) Result {
	domain, verb, err := splitCommandKey(commandKey)
	if err != nil {
		return Result{Error: err}
	}
	route := routes.Route{Domain: domain, Verb: verb}

	payload, err := c.routes.Build(route, args)
	if err != nil {
		return Result{Error: err}
	}

	if listField, paged := c.routes.Paged(route); paged {
		merged, err := c.paging.Fetch(ctx, commandKey, domain, verb, listField, c.timeout)
		if err != nil {
			return Result{Error: err}
		}
		data, err := c.routes.Parse(route, merged)
		if err != nil {
			return Result{Error: err}
		}
		return Result{OK: true, Data: data}
	}

	envelope, err := c.kernel.Submit(ctx, commandKey, domain, verb, payload, c.timeout, session.PriorityNormal)
	if err != nil {
		return Result{Error: err}
	}
	domainBody, _ := envelope[domain].(map[string]any)
	replyPayload, _ := domainBody[verb].(map[string]any)
	data, err := c.routes.Parse(route, replyPayload)
	if err != nil {
		return Result{Error: err}
	}
	return Result{OK: true, Data: data}
}

// DrainEvents returns and clears the kernel's buffered events (spec
// §6: "drain_events() -> list[Event]").
func (c *Client) DrainEvents() []events.Event {
	return c.kernel.Events().Drain()
}

// Bootstrap runs the fixed bootstrap query sequence (spec §4.9).
func (c *Client) Bootstrap(ctx context.Context) {
	c.kernel.Bootstrap(ctx, c.paging)
}

// splitCommandKey splits on the first underscore: "area_set_status" ->
// ("area", "set_status"); "zone_get_configured" -> ("zone",
// "get_configured"). Verbs themselves may contain underscores, so the
// split is always on the first one, never the last.
func splitCommandKey(commandKey string) (domain, verb string, err error) {
	idx := strings.IndexByte(commandKey, '_')
	if idx <= 0 || idx == len(commandKey)-1 {
		return "", "", fmt.Errorf("client: malformed command key %q", commandKey)
	}
	return commandKey[:idx], commandKey[idx+1:], nil
}
