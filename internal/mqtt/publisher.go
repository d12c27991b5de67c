package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/miraie-bridge/internal/bridge"
	"github.com/nugget/miraie-bridge/internal/buildinfo"
	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/events"
)

const (
	// bridgeNode is the topic segment for the bridge's own entities.
	bridgeNode = "bridge"

	statsInterval  = 60 * time.Second
	commandTimeout = 15 * time.Second
	inboundLimit   = 20
	inboundQueue   = 64
	busBuffer      = 512
)

// Source is the bridge surface the publisher reads devices from and
// forwards commands to. [bridge.Registry] satisfies it.
type Source interface {
	Devices() []bridge.DeviceView
	Device(deviceID string) (bridge.DeviceView, bool)
	Command(ctx context.Context, deviceID string, cmds ...climate.Command) error
}

// conn is the slice of [autopaho.ConnectionManager] the publisher uses.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

// Publisher manages the connection to Home Assistant's MQTT broker. It
// publishes discovery configs on (re-)connect, mirrors device state
// from the event bus and forwards commands from HA to the [Source].
type Publisher struct {
	cfg        config.HomeAssistantConfig
	instanceID string
	device     DeviceInfo
	source     Source
	bus        *events.Bus
	commands   *DailyCounter
	limiter    *messageRateLimiter
	inbound    chan inboundCommand
	logger     *slog.Logger

	mu   sync.Mutex
	conn conn
	cm   *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.HomeAssistantConfig, instanceID string, source Source, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewBridgeDeviceInfo(instanceID),
		source:     source,
		bus:        bus,
		commands:   NewDailyCounter(nil),
		limiter:    newMessageRateLimiter(inboundLimit, time.Second, logger),
		inbound:    make(chan inboundCommand, inboundQueue),
		logger:     logger,
	}
}

// Commands returns the counter of commands forwarded today.
func (p *Publisher) Commands() *DailyCounter { return p.commands }

// Start connects to the broker and runs until ctx is cancelled. On
// every (re-)connect it publishes discovery, a birth message and the
// current state of every device, then subscribes to command topics.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no device change is missed.
	feed := p.bus.Subscribe(busBuffer)
	defer p.bus.Unsubscribe(feed)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.bridgeAvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				p.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	go p.commandWorker(ctx)

	p.runLoop(ctx, feed)
	return nil
}

// Stop publishes "offline" on the bridge availability topic and closes
// the connection. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, p.bridgeAvailabilityTopic(), []byte("offline"), true)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as the connwatch health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	return "miraie-bridge-" + p.instanceID
}

// current returns the live connection, or nil before the first connect.
func (p *Publisher) current() conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// --- Topic helpers ---

func (p *Publisher) deviceTopic(deviceID, leaf string) string {
	return p.cfg.BaseTopic + "/" + deviceID + "/" + leaf
}

func (p *Publisher) stateTopic(deviceID string) string {
	return p.deviceTopic(deviceID, "state")
}

func (p *Publisher) availabilityTopic(deviceID string) string {
	return p.deviceTopic(deviceID, "availability")
}

func (p *Publisher) commandTopic(deviceID, attr string) string {
	return p.cfg.BaseTopic + "/" + deviceID + "/" + attr + "/set"
}

func (p *Publisher) commandFilter() string {
	return p.cfg.BaseTopic + "/+/+/set"
}

func (p *Publisher) bridgeAvailabilityTopic() string {
	return p.deviceTopic(bridgeNode, "availability")
}

func (p *Publisher) bridgeStateTopic(sensor string) string {
	return p.cfg.BaseTopic + "/" + bridgeNode + "/" + sensor + "/state"
}

func (p *Publisher) discoveryTopic(component, node, object string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + node + "/" + object + "/config"
}

// --- Connection lifecycle ---

// onConnect runs on every (re-)connect.
func (p *Publisher) onConnect(ctx context.Context, c conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()

	p.publishBridgeDiscovery(ctx, c)
	devices := p.source.Devices()
	for _, v := range devices {
		p.publishDeviceDiscovery(ctx, c, v)
	}
	p.publish(ctx, c, p.bridgeAvailabilityTopic(), []byte("online"), true)

	if _, err := c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.commandFilter(), QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed",
			"filter", p.commandFilter(), "error", err)
	} else {
		p.logger.Debug("mqtt subscribed", "filter", p.commandFilter())
	}

	for _, v := range devices {
		p.publishDeviceState(ctx, c, v)
	}
	p.publishStats(ctx, c)
}

// publish sends one message at QoS 1. Failures are logged; autopaho
// redelivers discovery and state on the next connect anyway.
func (p *Publisher) publish(ctx context.Context, c conn, topic string, payload []byte, retain bool) bool {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

func (p *Publisher) publishJSON(ctx context.Context, c conn, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	p.publish(ctx, c, topic, payload, true)
}

// --- Discovery ---

type discoveryMessage struct {
	topic string
	// config is nil when the entity must be removed from HA.
	config any
}

// deviceDiscovery builds the discovery messages for one air
// conditioner. Switches for features its capabilities disable are
// removed rather than published.
func (p *Publisher) deviceDiscovery(v bridge.DeviceView) []discoveryMessage {
	d := v.Device
	caps := d.Capabilities
	node := nodeID(d.ID)
	uid := deviceIdentifier(d.ID)
	state := p.stateTopic(d.ID)

	entity := func(name, object string) EntityConfig {
		e := EntityConfig{
			UniqueID: uid + "_" + object,
			Availability: []AvailabilityTopic{
				{Topic: p.bridgeAvailabilityTopic()},
				{Topic: p.availabilityTopic(d.ID)},
			},
			AvailabilityMode: "all",
			Device:           NewDeviceInfo(d, p.instanceID),
		}
		if name != "" {
			e.Name = strPtr(name)
		}
		return e
	}

	climateCfg := ClimateConfig{
		EntityConfig: entity("", "climate"),

		ModeCommandTopic:  p.commandTopic(d.ID, attrHVACMode),
		ModeStateTopic:    state,
		ModeStateTemplate: "{{ value_json.hvac_mode }}",
		Modes:             climate.HVACModes(),

		TemperatureCommandTopic:  p.commandTopic(d.ID, string(climate.AttrTargetTemp)),
		TemperatureStateTopic:    state,
		TemperatureStateTemplate: "{{ value_json.target_temperature }}",

		CurrentTemperatureTopic:    state,
		CurrentTemperatureTemplate: "{{ value_json.current_temperature }}",

		FanModeCommandTopic:  p.commandTopic(d.ID, string(climate.AttrFanSpeed)),
		FanModeStateTopic:    state,
		FanModeStateTemplate: "{{ value_json.fan_mode }}",
		FanModes:             climate.HAFanModes(),

		MinTemp:         caps.MinTemp,
		MaxTemp:         caps.MaxTemp,
		TempStep:        caps.TempStep,
		Precision:       0.5,
		TemperatureUnit: "C",

		JSONAttributesTopic:    state,
		JSONAttributesTemplate: `{{ {"errors": value_json.errors, "warnings": value_json.warnings} | tojson }}`,
	}
	if modes := climate.SwingModes(caps); len(modes) > 0 {
		climateCfg.SwingModeCommandTopic = p.commandTopic(d.ID, string(climate.AttrSwing))
		climateCfg.SwingModeStateTopic = state
		climateCfg.SwingModeStateTemplate = "{{ value_json.swing_mode }}"
		climateCfg.SwingModes = modes
	}

	msgs := []discoveryMessage{
		{topic: p.discoveryTopic("climate", node, "climate"), config: climateCfg},
	}

	switches := []struct {
		attr    climate.Attribute
		name    string
		field   string
		icon    string
		enabled bool
	}{
		{climate.AttrNanoe, "nanoe G", "nanoe_g", "mdi:air-purifier", caps.Nanoe},
		{climate.AttrPowerful, "Powerful", "powerful_mode", "mdi:weather-windy", caps.Powerful},
		{climate.AttrEconomy, "Economy", "economy_mode", "mdi:leaf", caps.Economy},
	}
	for _, s := range switches {
		msg := discoveryMessage{topic: p.discoveryTopic("switch", node, string(s.attr))}
		if s.enabled {
			msg.config = SwitchConfig{
				EntityConfig:  withIcon(entity(s.name, string(s.attr)), s.icon),
				CommandTopic:  p.commandTopic(d.ID, string(s.attr)),
				StateTopic:    state,
				ValueTemplate: "{{ 'ON' if value_json." + s.field + " else 'OFF' }}",
				PayloadOn:     "ON",
				PayloadOff:    "OFF",
				StateOn:       "ON",
				StateOff:      "OFF",
			}
		}
		msgs = append(msgs, msg)
	}

	dust := entity("Filter dust level", "filter_dust")
	dust.Icon = "mdi:air-filter"
	dust.EntityCategory = "diagnostic"
	msgs = append(msgs, discoveryMessage{
		topic: p.discoveryTopic("sensor", node, "filter_dust"),
		config: SensorConfig{
			EntityConfig:      dust,
			StateTopic:        state,
			ValueTemplate:     "{{ value_json.filter_dust_level }}",
			UnitOfMeasurement: "%",
			StateClass:        "measurement",
		},
	})

	cleaning := entity("Filter cleaning required", "filter_cleaning")
	cleaning.EntityCategory = "diagnostic"
	msgs = append(msgs, discoveryMessage{
		topic: p.discoveryTopic("binary_sensor", node, "filter_cleaning"),
		config: BinarySensorConfig{
			EntityConfig:  cleaning,
			StateTopic:    state,
			ValueTemplate: "{{ 'ON' if value_json.filter_cleaning_required else 'OFF' }}",
			PayloadOn:     "ON",
			PayloadOff:    "OFF",
			DeviceClass:   "problem",
		},
	})
	return msgs
}

func withIcon(e EntityConfig, icon string) EntityConfig {
	e.Icon = icon
	return e
}

// removalDiscovery clears every entity a device may have published.
func (p *Publisher) removalDiscovery(deviceID string) []discoveryMessage {
	node := nodeID(deviceID)
	msgs := []discoveryMessage{
		{topic: p.discoveryTopic("climate", node, "climate")},
		{topic: p.discoveryTopic("sensor", node, "filter_dust")},
		{topic: p.discoveryTopic("binary_sensor", node, "filter_cleaning")},
	}
	for _, attr := range []climate.Attribute{climate.AttrNanoe, climate.AttrPowerful, climate.AttrEconomy} {
		msgs = append(msgs, discoveryMessage{topic: p.discoveryTopic("switch", node, string(attr))})
	}
	return msgs
}

func (p *Publisher) sendDiscovery(ctx context.Context, c conn, msgs []discoveryMessage) {
	for _, m := range msgs {
		var payload []byte
		if m.config != nil {
			var err error
			if payload, err = json.Marshal(m.config); err != nil {
				p.logger.Error("mqtt marshal discovery payload", "topic", m.topic, "error", err)
				continue
			}
		}
		if p.publish(ctx, c, m.topic, payload, true) {
			p.logger.Debug("mqtt discovery published", "topic", m.topic, "removed", m.config == nil)
		}
	}
}

func (p *Publisher) publishDeviceDiscovery(ctx context.Context, c conn, v bridge.DeviceView) {
	p.sendDiscovery(ctx, c, p.deviceDiscovery(v))
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	def := func(entity, name, icon string) SensorConfig {
		return SensorConfig{
			EntityConfig: EntityConfig{
				Name:         strPtr(name),
				UniqueID:     p.instanceID + "_" + entity,
				Availability: []AvailabilityTopic{{Topic: p.bridgeAvailabilityTopic()}},
				Device:       p.device,
				Icon:         icon,
			},
			StateTopic: p.bridgeStateTopic(entity),
		}
	}

	version := def("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"
	uptime := def("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	uptime.UnitOfMeasurement = "s"
	uptime.DeviceClass = "duration"
	online := def("devices_online", "Devices online", "mdi:air-conditioner")
	online.StateClass = "measurement"
	commands := def("commands_today", "Commands today", "mdi:counter")
	commands.StateClass = "total_increasing"
	failed := def("commands_failed_today", "Failed commands today", "mdi:alert-circle-outline")
	failed.StateClass = "total_increasing"
	failed.EntityCategory = "diagnostic"

	return []sensorDef{
		{"version", version},
		{"uptime", uptime},
		{"devices_online", online},
		{"commands_today", commands},
		{"commands_failed_today", failed},
	}
}

func (p *Publisher) publishBridgeDiscovery(ctx context.Context, c conn) {
	defs := p.sensorDefinitions()
	msgs := make([]discoveryMessage, 0, len(defs))
	for _, s := range defs {
		msgs = append(msgs, discoveryMessage{
			topic:  p.discoveryTopic("sensor", nodeID(p.instanceID), s.entity),
			config: s.config,
		})
	}
	p.sendDiscovery(ctx, c, msgs)
}

// --- State ---

// haAvailability maps a device availability onto HA's two payloads.
// A device that has not reported yet shows as offline.
func haAvailability(a climate.Availability) string {
	if a == climate.Online {
		return "online"
	}
	return "offline"
}

func (p *Publisher) publishDeviceState(ctx context.Context, c conn, v bridge.DeviceView) {
	p.publishJSON(ctx, c, p.stateTopic(v.Device.ID), v.Attributes)
	p.publish(ctx, c, p.availabilityTopic(v.Device.ID), []byte(haAvailability(v.Availability)), true)
}

func (p *Publisher) bridgeStats() map[string]string {
	online := 0
	for _, v := range p.source.Devices() {
		if v.Availability == climate.Online {
			online++
		}
	}
	ok, failed := p.commands.Snapshot()
	return map[string]string{
		"version":               buildinfo.Version,
		"uptime":                strconv.FormatInt(int64(buildinfo.Uptime().Seconds()), 10),
		"devices_online":        strconv.Itoa(online),
		"commands_today":        strconv.FormatInt(ok, 10),
		"commands_failed_today": strconv.FormatInt(failed, 10),
	}
}

func (p *Publisher) publishStats(ctx context.Context, c conn) {
	stats := p.bridgeStats()
	for entity, value := range stats {
		p.publish(ctx, c, p.bridgeStateTopic(entity), []byte(value), true)
	}
	p.logger.Debug("mqtt bridge states published", "entities", len(stats))
}

// --- Event loop ---

func (p *Publisher) runLoop(ctx context.Context, feed <-chan events.Event) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			p.handleEvent(ctx, ev)
		case <-ticker.C:
			if c := p.current(); c != nil {
				p.publishStats(ctx, c)
			}
		}
	}
}

// handleEvent mirrors one bridge event onto the broker.
func (p *Publisher) handleEvent(ctx context.Context, ev events.Event) {
	c := p.current()
	if c == nil || ev.DeviceID == "" {
		return
	}

	switch ev.Kind {
	case events.KindStateChanged, events.KindAvailabilityChanged:
		if v, ok := p.source.Device(ev.DeviceID); ok {
			p.publishDeviceState(ctx, c, v)
		}
	case events.KindDeviceAdded:
		if v, ok := p.source.Device(ev.DeviceID); ok {
			p.publishDeviceDiscovery(ctx, c, v)
			p.publishDeviceState(ctx, c, v)
		}
	case events.KindDeviceRemoved:
		p.sendDiscovery(ctx, c, p.removalDiscovery(ev.DeviceID))
		p.publish(ctx, c, p.stateTopic(ev.DeviceID), nil, true)
		p.publish(ctx, c, p.availabilityTopic(ev.DeviceID), nil, true)
	}
}

// --- Commands ---

// receive is called on paho's goroutine for every inbound message. It
// only queues; the command worker does the slow part.
func (p *Publisher) receive(topic string, payload []byte) {
	deviceID, attr, ok := parseCommandTopic(p.cfg.BaseTopic, topic)
	if !ok {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}
	select {
	case p.inbound <- inboundCommand{deviceID: deviceID, attr: attr, value: string(payload)}:
	default:
		p.logger.Warn("mqtt command queue full, dropping command",
			"device", deviceID, "attr", attr)
	}
}

// commandWorker executes queued commands one at a time so a device
// sees them in the order HA sent them.
func (p *Publisher) commandWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.inbound:
			p.execute(ctx, cmd)
		}
	}
}

func (p *Publisher) execute(ctx context.Context, in inboundCommand) {
	log := p.logger.With("device", in.deviceID, "attr", in.attr, "value", in.value)

	cmds, err := commandsFor(in.attr, in.value)
	if err == nil {
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err = p.source.Command(cctx, in.deviceID, cmds...)
		cancel()
	}
	p.commands.Record(err == nil)
	if err != nil {
		log.Warn("home assistant command failed", "error", err)
		// Put HA's view back to the last reported state.
		if v, ok := p.source.Device(in.deviceID); ok {
			if c := p.current(); c != nil {
				p.publishDeviceState(ctx, c, v)
			}
		}
		return
	}
	log.Info("home assistant command forwarded")
}
