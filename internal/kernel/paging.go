package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchmitchell/elke27/internal/session"
)

// PagingEngine drives a multi-block request to completion (spec
// §4.6): one request per block, merged by listField, with each block
// independently timed out. A timeout on any block discards everything
// accumulated so far and fails the whole operation.
type PagingEngine struct {
	kernel *Kernel
}

func NewPagingEngine(k *Kernel) *PagingEngine {
	return &PagingEngine{kernel: k}
}

// Fetch issues block_id=1,2,... for (domain, verb) until block_id ==
// block_count, accumulating listField across replies, and returns the
// merged {listField: [...], "block_count": N} result.
func (p *PagingEngine) Fetch(ctx context.Context, commandKey, domain, verb, listField string, timeout time.Duration) (map[string]any, error) {
	var items []any
	blockID := 1

	for {
		payload := map[string]any{"block_id": blockID}
		envelope, err := p.kernel.Submit(ctx, commandKey, domain, verb, payload, timeout, session.PriorityNormal)
		if err != nil {
			return nil, err
		}
		domainBody, _ := envelope[domain].(map[string]any)
		reply, _ := domainBody[verb].(map[string]any)

		blockCount, err := intField(reply, "block_count")
		if err != nil {
			return nil, fmt.Errorf("paged reply for %s.%s: %w", domain, verb, err)
		}
		list, ok := reply[listField].([]any)
		if !ok {
			return nil, fmt.Errorf("paged reply for %s.%s missing list field %q", domain, verb, listField)
		}
		items = append(items, list...)

		if blockID >= blockCount {
			return map[string]any{
				listField:     items,
				"block_count": blockCount,
			}, nil
		}
		blockID++
	}
}

func intField(m map[string]any, field string) (int, error) {
	v, ok := m[field]
	if !ok {
		return 0, fmt.Errorf("missing field %q", field)
	}
	return toInt(v)
}
