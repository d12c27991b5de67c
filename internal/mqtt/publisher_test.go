package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/miraie-bridge/internal/bridge"
	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/events"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakeConn struct {
	mu      sync.Mutex
	pubs    []published
	filters []string
}

func (c *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, published{topic: p.Topic, payload: string(p.Payload), retain: p.Retain})
	return &paho.PublishResponse{}, nil
}

func (c *fakeConn) Subscribe(_ context.Context, s *paho.Subscribe) (*paho.Suback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range s.Subscriptions {
		c.filters = append(c.filters, o.Topic)
	}
	return &paho.Suback{}, nil
}

// last returns the most recent payload published to topic.
func (c *fakeConn) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.pubs) - 1; i >= 0; i-- {
		if c.pubs[i].topic == topic {
			return c.pubs[i], true
		}
	}
	return published{}, false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.pubs = nil
	c.mu.Unlock()
}

type sentCommand struct {
	deviceID string
	cmds     []climate.Command
}

type fakeSource struct {
	mu      sync.Mutex
	devices map[string]bridge.DeviceView
	sent    []sentCommand
	err     error
}

func (s *fakeSource) Devices() []bridge.DeviceView {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bridge.DeviceView
	for _, v := range s.devices {
		out = append(out, v)
	}
	return out
}

func (s *fakeSource) Device(id string) (bridge.DeviceView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.devices[id]
	return v, ok
}

func (s *fakeSource) Command(_ context.Context, id string, cmds ...climate.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentCommand{deviceID: id, cmds: cmds})
	return s.err
}

func ptr[T any](v T) *T { return &v }

func testView(id string, caps climate.Capabilities) bridge.DeviceView {
	st := climate.DeviceState{
		Power:      ptr(true),
		Mode:       ptr(climate.ModeCool),
		FanSpeed:   ptr(climate.FanQuiet),
		TargetTemp: ptr(24.0),
		RoomTemp:   ptr(27.5),
	}
	return bridge.DeviceView{
		Account: "home",
		Snapshot: climate.Snapshot{
			Device: climate.Device{
				ID:           id,
				Name:         "Bedroom AC",
				SpaceName:    "Bedroom",
				Capabilities: caps,
			},
			State:        st,
			Availability: climate.Online,
		},
		Attributes: climate.Encode(st, caps),
	}
}

func newTestPublisher(t *testing.T, views ...bridge.DeviceView) (*Publisher, *fakeSource, *fakeConn) {
	t.Helper()
	src := &fakeSource{devices: map[string]bridge.DeviceView{}}
	for _, v := range views {
		src.devices[v.Device.ID] = v
	}
	cfg := config.HomeAssistantConfig{
		Broker:          "mqtt://localhost:1883",
		DiscoveryPrefix: "homeassistant",
		BaseTopic:       "miraie",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg, "inst-1", src, events.New(), logger)
	return p, src, &fakeConn{}
}

func TestTopics(t *testing.T) {
	p, _, _ := newTestPublisher(t)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"state", p.stateTopic("ac-1"), "miraie/ac-1/state"},
		{"availability", p.availabilityTopic("ac-1"), "miraie/ac-1/availability"},
		{"command", p.commandTopic("ac-1", "fan_mode"), "miraie/ac-1/fan_mode/set"},
		{"filter", p.commandFilter(), "miraie/+/+/set"},
		{"bridge availability", p.bridgeAvailabilityTopic(), "miraie/bridge/availability"},
		{"bridge state", p.bridgeStateTopic("uptime"), "miraie/bridge/uptime/state"},
		{"discovery", p.discoveryTopic("climate", "ac-1", "climate"), "homeassistant/climate/ac-1/climate/config"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s topic = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestClientID(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	if got := p.clientID(); got != "miraie-bridge-inst-1" {
		t.Errorf("clientID() = %q", got)
	}
	p.cfg.ClientID = "custom"
	if got := p.clientID(); got != "custom" {
		t.Errorf("clientID() = %q, want custom", got)
	}
}

func TestDeviceDiscovery_Climate(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	msgs := p.deviceDiscovery(testView("ac-1", climate.DefaultCapabilities()))

	if len(msgs) != 6 {
		t.Fatalf("got %d discovery messages, want 6", len(msgs))
	}
	if msgs[0].topic != "homeassistant/climate/ac-1/climate/config" {
		t.Fatalf("first topic = %q", msgs[0].topic)
	}

	raw, err := json.Marshal(msgs[0].config)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}

	if got["name"] != nil {
		t.Errorf("name = %v, want null so HA uses the device name", got["name"])
	}
	if got["unique_id"] != "miraie_ac-1_climate" {
		t.Errorf("unique_id = %v", got["unique_id"])
	}
	if got["mode_command_topic"] != "miraie/ac-1/mode/set" {
		t.Errorf("mode_command_topic = %v", got["mode_command_topic"])
	}
	if got["temperature_command_topic"] != "miraie/ac-1/temperature/set" {
		t.Errorf("temperature_command_topic = %v", got["temperature_command_topic"])
	}
	if got["availability_mode"] != "all" {
		t.Errorf("availability_mode = %v", got["availability_mode"])
	}
	if got["min_temp"] != 16.0 || got["max_temp"] != 30.0 || got["temp_step"] != 0.5 {
		t.Errorf("temperature range = %v..%v step %v", got["min_temp"], got["max_temp"], got["temp_step"])
	}

	fanModes, _ := got["fan_modes"].([]any)
	var hasDiffuse bool
	for _, m := range fanModes {
		if m == "diffuse" {
			hasDiffuse = true
		}
		if m == "quiet" {
			t.Error("fan_modes exposes vendor spelling quiet")
		}
	}
	if !hasDiffuse {
		t.Errorf("fan_modes = %v, want diffuse", fanModes)
	}
	if modes, _ := got["modes"].([]any); len(modes) == 0 || modes[0] != "off" {
		t.Errorf("modes = %v, want off first", got["modes"])
	}

	device, _ := got["device"].(map[string]any)
	if device["manufacturer"] != "Panasonic" || device["via_device"] != "inst-1" {
		t.Errorf("device = %v", device)
	}
	if device["suggested_area"] != "Bedroom" {
		t.Errorf("suggested_area = %v", device["suggested_area"])
	}
}

func TestDeviceDiscovery_DisabledFeaturesRemoved(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	caps := climate.DefaultCapabilities()
	caps.Nanoe = false
	caps.VerticalSwing = false
	caps.HorizontalSwing = false

	msgs := p.deviceDiscovery(testView("ac-1", caps))

	byTopic := map[string]any{}
	for _, m := range msgs {
		byTopic[m.topic] = m.config
	}
	if cfg, ok := byTopic["homeassistant/switch/ac-1/nanoe/config"]; !ok || cfg != nil {
		t.Errorf("nanoe switch config = %v, want removal", cfg)
	}
	if cfg := byTopic["homeassistant/switch/ac-1/powerful/config"]; cfg == nil {
		t.Error("powerful switch missing")
	}

	raw, _ := json.Marshal(byTopic["homeassistant/climate/ac-1/climate/config"])
	if strings.Contains(string(raw), "swing_mode") {
		t.Errorf("climate config advertises swing without support: %s", raw)
	}
}

func TestOnConnect(t *testing.T) {
	p, _, c := newTestPublisher(t, testView("ac-1", climate.DefaultCapabilities()))
	p.onConnect(context.Background(), c)

	if got := p.current(); got != c {
		t.Error("onConnect did not record the connection")
	}
	if len(c.filters) != 1 || c.filters[0] != "miraie/+/+/set" {
		t.Errorf("subscriptions = %v", c.filters)
	}

	avail, ok := c.last("miraie/bridge/availability")
	if !ok || avail.payload != "online" || !avail.retain {
		t.Errorf("bridge availability = %+v", avail)
	}
	if _, ok := c.last("homeassistant/climate/ac-1/climate/config"); !ok {
		t.Error("climate discovery not published")
	}
	if _, ok := c.last("homeassistant/sensor/inst-1/commands_today/config"); !ok {
		t.Error("bridge sensor discovery not published")
	}
	if v, ok := c.last("miraie/bridge/devices_online/state"); !ok || v.payload != "1" {
		t.Errorf("devices_online = %+v", v)
	}

	state, ok := c.last("miraie/ac-1/state")
	if !ok {
		t.Fatal("device state not published")
	}
	var attrs climate.Attributes
	if err := json.Unmarshal([]byte(state.payload), &attrs); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if attrs.HVACMode != "cool" || attrs.FanMode != "diffuse" {
		t.Errorf("state = %+v", attrs)
	}
	if v, _ := c.last("miraie/ac-1/availability"); v.payload != "online" {
		t.Errorf("device availability = %q", v.payload)
	}
}

func TestHandleEvent(t *testing.T) {
	p, src, c := newTestPublisher(t, testView("ac-1", climate.DefaultCapabilities()))
	ctx := context.Background()

	// Before the first connect events are ignored.
	p.handleEvent(ctx, events.Event{Kind: events.KindStateChanged, DeviceID: "ac-1"})

	p.onConnect(ctx, c)
	c.reset()

	v := src.devices["ac-1"]
	v.Availability = climate.Offline
	src.devices["ac-1"] = v
	p.handleEvent(ctx, events.Event{Kind: events.KindAvailabilityChanged, DeviceID: "ac-1"})
	if got, _ := c.last("miraie/ac-1/availability"); got.payload != "offline" {
		t.Errorf("availability = %q, want offline", got.payload)
	}

	src.devices["ac-2"] = testView("ac-2", climate.DefaultCapabilities())
	p.handleEvent(ctx, events.Event{Kind: events.KindDeviceAdded, DeviceID: "ac-2"})
	if _, ok := c.last("homeassistant/climate/ac-2/climate/config"); !ok {
		t.Error("added device discovery not published")
	}

	p.handleEvent(ctx, events.Event{Kind: events.KindDeviceRemoved, DeviceID: "ac-1"})
	for _, topic := range []string{
		"homeassistant/climate/ac-1/climate/config",
		"homeassistant/switch/ac-1/economy/config",
		"miraie/ac-1/state",
	} {
		got, ok := c.last(topic)
		if !ok || got.payload != "" || !got.retain {
			t.Errorf("%s = %+v, want empty retained payload", topic, got)
		}
	}
}

func TestParseCommandTopic(t *testing.T) {
	tests := []struct {
		topic  string
		device string
		attr   string
		ok     bool
	}{
		{"miraie/ac-1/mode/set", "ac-1", "mode", true},
		{"miraie/ac-1/temperature/set", "ac-1", "temperature", true},
		{"miraie/ac-1/fan_mode/set", "ac-1", "fan_mode", true},
		{"miraie/ac-1/swing_mode/set", "ac-1", "swing_mode", true},
		{"miraie/ac-1/nanoe/set", "ac-1", "nanoe", true},
		{"miraie/ac-1/state", "", "", false},
		{"miraie/ac-1/color/set", "", "", false},
		{"miraie/bridge/mode/set", "", "", false},
		{"other/ac-1/mode/set", "", "", false},
		{"miraie//mode/set", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			device, attr, ok := parseCommandTopic("miraie", tt.topic)
			if ok != tt.ok || device != tt.device || attr != tt.attr {
				t.Errorf("parseCommandTopic(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.topic, device, attr, ok, tt.device, tt.attr, tt.ok)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name  string
		attr  string
		value string
		want  []climate.Command
	}{
		{"hvac off", "mode", "off", []climate.Command{climate.SetPower(false)}},
		{"hvac cool", "mode", "cool", []climate.Command{climate.SetPower(true), climate.SetMode(climate.ModeCool)}},
		{"temperature", "temperature", "24.5", []climate.Command{climate.SetTargetTemperature(24.5)}},
		{"fan diffuse", "fan_mode", "diffuse", []climate.Command{climate.SetFanSpeed(climate.FanQuiet)}},
		{"switch", "powerful", "ON", []climate.Command{climate.SetPowerful(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, src, _ := newTestPublisher(t, testView("ac-1", climate.DefaultCapabilities()))
			p.execute(context.Background(), inboundCommand{deviceID: "ac-1", attr: tt.attr, value: tt.value})

			if len(src.sent) != 1 {
				t.Fatalf("sent %d commands, want 1", len(src.sent))
			}
			got := src.sent[0]
			if got.deviceID != "ac-1" || len(got.cmds) != len(tt.want) {
				t.Fatalf("sent %+v, want %+v", got, tt.want)
			}
			for i := range tt.want {
				if got.cmds[i] != tt.want[i] {
					t.Errorf("cmd[%d] = %+v, want %+v", i, got.cmds[i], tt.want[i])
				}
			}
			if ok, _ := p.commands.Snapshot(); ok != 1 {
				t.Errorf("commands today = %d, want 1", ok)
			}
		})
	}
}

func TestExecute_FailureRestoresState(t *testing.T) {
	p, src, c := newTestPublisher(t, testView("ac-1", climate.DefaultCapabilities()))
	p.onConnect(context.Background(), c)
	c.reset()
	src.err = errors.New("rate limited")

	p.execute(context.Background(), inboundCommand{deviceID: "ac-1", attr: "mode", value: "heat"})

	if _, failed := p.commands.Snapshot(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if _, ok := c.last("miraie/ac-1/state"); !ok {
		t.Error("state not republished after failure")
	}
}

func TestExecute_InvalidValueNeverSent(t *testing.T) {
	p, src, _ := newTestPublisher(t, testView("ac-1", climate.DefaultCapabilities()))
	p.execute(context.Background(), inboundCommand{deviceID: "ac-1", attr: "mode", value: "turbo"})
	p.execute(context.Background(), inboundCommand{deviceID: "ac-1", attr: "temperature", value: "warm"})

	if len(src.sent) != 0 {
		t.Errorf("sent %+v, want nothing", src.sent)
	}
	if _, failed := p.commands.Snapshot(); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
}

func TestReceive_QueuesAndLimits(t *testing.T) {
	p, _, _ := newTestPublisher(t)

	p.receive("miraie/ac-1/temperature/set", []byte("22"))
	p.receive("miraie/ac-1/state", []byte("{}"))

	select {
	case got := <-p.inbound:
		want := inboundCommand{deviceID: "ac-1", attr: "temperature", value: "22"}
		if got != want {
			t.Errorf("queued %+v, want %+v", got, want)
		}
	default:
		t.Fatal("command not queued")
	}
	if len(p.inbound) != 0 {
		t.Errorf("non-command topic was queued")
	}

	for range inboundLimit + 5 {
		p.receive("miraie/ac-1/nanoe/set", []byte("ON"))
	}
	if got := p.limiter.dropped.Load(); got != 6 {
		t.Errorf("dropped = %d, want 6", got)
	}
}
