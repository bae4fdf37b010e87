package events

import "testing"

func TestNilQueuePush(t *testing.T) {
	var q *Queue
	// Must not panic.
	q.Push(ConnectionState(true, "connected", ""))
}

func TestNilQueueDrainAndLen(t *testing.T) {
	var q *Queue
	if got := q.Drain(); got != nil {
		t.Errorf("Drain() on nil queue = %v, want nil", got)
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len() on nil queue = %d, want 0", got)
	}
}

func TestPushThenDrainClears(t *testing.T) {
	q := NewQueue(nil)
	q.Push(AuthorizationRequired("no authorization"))
	q.Push(APIError(9001, "boom"))

	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	drained := q.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain() returned %d events, want 2", len(drained))
	}
	if drained[0].Kind != KindAuthorizationRequired {
		t.Errorf("drained[0].Kind = %q, want %q", drained[0].Kind, KindAuthorizationRequired)
	}
	if drained[0].Classification != ClassificationBroadcast {
		t.Errorf("drained[0].Classification = %q, want BROADCAST", drained[0].Classification)
	}

	if got := q.Len(); got != 0 {
		t.Errorf("Len() after Drain() = %d, want 0", got)
	}
	if got := q.Drain(); got != nil {
		t.Errorf("second Drain() = %v, want nil", got)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewQueue(nil)
	for i := 0; i < maxQueued+10; i++ {
		q.Push(APIError(i, "x"))
	}
	if got := q.Len(); got != maxQueued {
		t.Fatalf("Len() = %d, want %d", got, maxQueued)
	}
	if got := q.Dropped(); got != 10 {
		t.Errorf("Dropped() = %d, want 10", got)
	}
	drained := q.Drain()
	first := drained[0].Data["code"].(int)
	if first != 10 {
		t.Errorf("oldest surviving event code = %d, want 10", first)
	}
}
