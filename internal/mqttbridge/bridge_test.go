package mqttbridge

import (
	"testing"
	"time"

	"github.com/mitchmitchell/elke27/internal/client"
	"github.com/mitchmitchell/elke27/internal/config"
	"github.com/mitchmitchell/elke27/internal/kernel"
	"github.com/mitchmitchell/elke27/internal/routes"
	"github.com/mitchmitchell/elke27/internal/session"
	"github.com/mitchmitchell/elke27/internal/state"
)

type fakeSession struct {
	sentCh chan map[string]any
}

func newFakeSession() *fakeSession {
	return &fakeSession{sentCh: make(chan map[string]any, 16)}
}

func (f *fakeSession) SendJSON(obj map[string]any, priority session.Priority, onSent func(time.Time), onFail func(error)) {
	f.sentCh <- obj
	if onSent != nil {
		onSent(time.Now())
	}
}

func (f *fakeSession) Close() error { return nil }

func newTestBridge(sess session.Session) (*Bridge, *state.Mirror, *kernel.Kernel) {
	table := routes.New()
	client.RegisterDefaultRoutes(table)
	mirror := state.NewMirror(state.New(), nil)
	k := kernel.New(sess, table, mirror, kernel.Config{})
	c := client.New(k, table, time.Second)

	cfg := config.MQTTBridgeConfig{TopicPrefix: "elke27", DeviceName: "panel", DiscoveryTag: "homeassistant"}
	b := New(cfg, "test-instance", mirror, c, nil)
	return b, mirror, k
}

func TestHandleCommandAreaChime(t *testing.T) {
	sess := newFakeSession()
	b, _, k := newTestBridge(sess)

	done := make(chan struct{})
	go func() {
		b.handleCommand("elke27/panel/area_3_chime/set", []byte("ON"))
		close(done)
	}()

	sent := <-sess.sentCh
	seq, _ := sent["seq"].(int)
	area, _ := sent["area"].(map[string]any)
	setStatus, _ := area["set_status"].(map[string]any)
	if setStatus["area_id"] != 3 || setStatus["Chime"] != true {
		t.Fatalf("outbound payload = %+v, want {area_id:3, Chime:true}", setStatus)
	}

	k.OnMessage(map[string]any{
		"seq":  seq,
		"area": map[string]any{"set_status": map[string]any{"area_id": 3, "Chime": true}},
	})
	<-done
}

func TestHandleCommandOutput(t *testing.T) {
	sess := newFakeSession()
	b, _, k := newTestBridge(sess)

	done := make(chan struct{})
	go func() {
		b.handleCommand("elke27/panel/output_7/set", []byte("OFF"))
		close(done)
	}()

	sent := <-sess.sentCh
	seq, _ := sent["seq"].(int)
	output, _ := sent["output"].(map[string]any)
	setStatus, _ := output["set_status"].(map[string]any)
	if setStatus["output_id"] != 7 || setStatus["active"] != false {
		t.Fatalf("outbound payload = %+v, want {output_id:7, active:false}", setStatus)
	}

	k.OnMessage(map[string]any{
		"seq":    seq,
		"output": map[string]any{"set_status": map[string]any{"output_id": 7, "active": false}},
	})
	<-done
}

func TestHandleCommandUnrecognizedEntityIsNoop(t *testing.T) {
	sess := newFakeSession()
	b, _, _ := newTestBridge(sess)

	b.handleCommand("elke27/panel/bogus_entity/set", []byte("ON"))

	select {
	case sent := <-sess.sentCh:
		t.Fatalf("unexpected send for unrecognized entity: %+v", sent)
	default:
	}
}

func TestPublishStatesWithoutConnectionDoesNotPanic(t *testing.T) {
	sess := newFakeSession()
	b, mirror, _ := newTestBridge(sess)

	s := mirror.State()
	s.GetOrCreateZone(1).Violated = true
	s.GetOrCreateArea(2).Chime = true
	s.GetOrCreateOutput(3).Active = true
	s.GetOrCreateTstat(4).Temperature = 72.5

	// publishStates requires a live connection manager; we only verify
	// it does not panic against an unconnected bridge (cm is nil).
	b.publishStates(nil)
}
