package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mitchmitchell/elke27/internal/client"
	"github.com/mitchmitchell/elke27/internal/config"
	"github.com/mitchmitchell/elke27/internal/state"
)

// Bridge manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, subscribes to command topics, and runs a
// periodic loop that pushes panel state updates to the broker.
type Bridge struct {
	cfg        config.MQTTBridgeConfig
	instanceID string
	device     DeviceInfo
	mirror     *state.Mirror
	exec       *client.Client
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	limiter *commandRateLimiter
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and publish loop. A nil logger is replaced with
// [slog.Default].
func New(cfg config.MQTTBridgeConfig, instanceID string, mirror *state.Mirror, exec *client.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		mirror:     mirror,
		exec:       exec,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs, a birth message, and re-subscribes to
// command topics.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt bridge connected to broker", "broker", b.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.publishDiscovery(publishCtx, cm)
			b.publishAvailability(publishCtx, cm, "online")
			b.subscribeCommands(publishCtx, cm)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt bridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	b.limiter = newCommandRateLimiter(50, time.Second, b.logger)
	go b.limiter.start(ctx)

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.limiter.allow() {
			return true, nil
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqtt command handler panicked",
						"topic", pr.Packet.Topic, "panic", r)
				}
			}()
			b.handleCommand(pr.Packet.Topic, pr.Packet.Payload)
		}()
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return b.cfg.TopicPrefix + "/" + b.cfg.DeviceName
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/state"
}

func (b *Bridge) commandTopic(entity string) string {
	return b.baseTopic() + "/" + entity + "/set"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryTag + "/" + component + "/" + b.cfg.DeviceName + "/" + entity + "/config"
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}

// --- Periodic state loop ---

func (b *Bridge) runLoop(ctx context.Context) {
	const minInterval = 5 * time.Second
	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = minInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

func (b *Bridge) publishStates(ctx context.Context) {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return
	}

	snap := b.mirror.State()

	for id, z := range snap.SnapshotZones() {
		b.publish(ctx, cm, fmt.Sprintf("zone_%d", id), onOff(z.Violated))
	}
	for id, a := range snap.SnapshotAreas() {
		b.publish(ctx, cm, fmt.Sprintf("area_%d_chime", id), onOff(a.Chime))
	}
	for id, o := range snap.SnapshotOutputs() {
		b.publish(ctx, cm, fmt.Sprintf("output_%d", id), onOff(o.Active))
	}
	for id, t := range snap.SnapshotTstats() {
		b.publish(ctx, cm, fmt.Sprintf("tstat_%d", id), strconv.FormatFloat(t.Temperature, 'f', 1, 64))
	}
}

func (b *Bridge) publish(ctx context.Context, cm *autopaho.ConnectionManager, entity, value string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.stateTopic(entity),
		Payload: []byte(value),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
	}
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

// --- Commands ---

// subscribeCommands sends SUBSCRIBE packets for the command topic
// wildcard. Called on every (re-)connect because autopaho does not
// automatically resubscribe after reconnection.
func (b *Bridge) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := b.baseTopic() + "/+/set"
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		b.logger.Error("mqtt subscribe failed", "error", err, "filter", filter)
	}
}

// handleCommand dispatches an inbound command-topic message to the
// kernel via the client facade. Supported entities are
// "area_<id>_chime/set" (payload ON/OFF) and "output_<id>/set"
// (payload ON/OFF).
func (b *Bridge) handleCommand(topic string, payload []byte) {
	prefix := b.baseTopic() + "/"
	if !strings.HasPrefix(topic, prefix) {
		return
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/set")
	on := strings.EqualFold(strings.TrimSpace(string(payload)), "ON")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case strings.HasPrefix(rest, "area_") && strings.HasSuffix(rest, "_chime"):
		idStr := strings.TrimSuffix(strings.TrimPrefix(rest, "area_"), "_chime")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			b.logger.Warn("mqtt command: malformed area id", "topic", topic)
			return
		}
		res := b.exec.Execute(ctx, "area_set_status", map[string]any{"area_id": id, "chime": on})
		if res.Error != nil {
			b.logger.Warn("mqtt command failed", "topic", topic, "error", res.Error)
		}
	case strings.HasPrefix(rest, "output_"):
		idStr := strings.TrimPrefix(rest, "output_")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			b.logger.Warn("mqtt command: malformed output id", "topic", topic)
			return
		}
		res := b.exec.Execute(ctx, "output_set_status", map[string]any{"output_id": id, "active": on})
		if res.Error != nil {
			b.logger.Warn("mqtt command failed", "topic", topic, "error", res.Error)
		}
	default:
		b.logger.Debug("mqtt command: unrecognized entity", "topic", topic)
	}
}

// --- Discovery ---

func (b *Bridge) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	avail := b.availabilityTopic()
	snap := b.mirror.State()

	for id := range snap.SnapshotZones() {
		entity := fmt.Sprintf("zone_%d", id)
		cfg := EntityConfig{
			Name:              fmt.Sprintf("Zone %d", id),
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          b.instanceID + "_" + entity,
			StateTopic:        b.stateTopic(entity),
			AvailabilityTopic: avail,
			Device:            b.device,
			DeviceClass:       "motion",
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
		}
		b.publishEntityDiscovery(ctx, cm, "binary_sensor", entity, cfg)
	}

	for id := range snap.SnapshotAreas() {
		entity := fmt.Sprintf("area_%d_chime", id)
		cfg := EntityConfig{
			Name:              fmt.Sprintf("Area %d Chime", id),
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          b.instanceID + "_" + entity,
			StateTopic:        b.stateTopic(entity),
			CommandTopic:      b.commandTopic(entity),
			AvailabilityTopic: avail,
			Device:            b.device,
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
		}
		b.publishEntityDiscovery(ctx, cm, "switch", entity, cfg)
	}

	for id := range snap.SnapshotOutputs() {
		entity := fmt.Sprintf("output_%d", id)
		cfg := EntityConfig{
			Name:              fmt.Sprintf("Output %d", id),
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          b.instanceID + "_" + entity,
			StateTopic:        b.stateTopic(entity),
			CommandTopic:      b.commandTopic(entity),
			AvailabilityTopic: avail,
			Device:            b.device,
			PayloadOn:         "ON",
			PayloadOff:        "OFF",
		}
		b.publishEntityDiscovery(ctx, cm, "switch", entity, cfg)
	}

	for id := range snap.SnapshotTstats() {
		entity := fmt.Sprintf("tstat_%d", id)
		cfg := EntityConfig{
			Name:              fmt.Sprintf("Thermostat %d", id),
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          b.instanceID + "_" + entity,
			StateTopic:        b.stateTopic(entity),
			AvailabilityTopic: avail,
			Device:            b.device,
			Icon:              "mdi:thermometer",
			EntityCategory:    "diagnostic",
		}
		b.publishEntityDiscovery(ctx, cm, "sensor", entity, cfg)
	}
}

func (b *Bridge) publishEntityDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, component, entity string, cfg EntityConfig) {
	topic := b.discoveryTopic(component, entity)
	payload, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt discovery publish failed", "entity", entity, "topic", topic, "error", err)
	}
}
