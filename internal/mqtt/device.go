package mqtt

import (
	"strings"

	"github.com/nugget/miraie-bridge/internal/buildinfo"
	"github.com/nugget/miraie-bridge/internal/climate"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every entity of one device. Air conditioners point at the bridge
// device through ViaDevice so HA shows them as connected through it.
type DeviceInfo struct {
	Identifiers   []string `json:"identifiers"`
	Name          string   `json:"name"`
	Manufacturer  string   `json:"manufacturer"`
	Model         string   `json:"model"`
	SWVersion     string   `json:"sw_version,omitempty"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
	ViaDevice     string   `json:"via_device,omitempty"`
}

// AvailabilityTopic is one entry of an entity's availability list.
type AvailabilityTopic struct {
	Topic string `json:"topic"`
}

// EntityConfig carries the discovery fields every entity shares. A nil
// Name makes HA name the entity after its device.
type EntityConfig struct {
	Name             *string             `json:"name"`
	UniqueID         string              `json:"unique_id"`
	ObjectID         string              `json:"object_id,omitempty"`
	Availability     []AvailabilityTopic `json:"availability"`
	AvailabilityMode string              `json:"availability_mode,omitempty"`
	Device           DeviceInfo          `json:"device"`
	Icon             string              `json:"icon,omitempty"`
	EntityCategory   string              `json:"entity_category,omitempty"`
}

// ClimateConfig is the discovery payload for an HA MQTT climate entity.
// Every state template reads the device's JSON state topic.
type ClimateConfig struct {
	EntityConfig

	ModeCommandTopic  string   `json:"mode_command_topic"`
	ModeStateTopic    string   `json:"mode_state_topic"`
	ModeStateTemplate string   `json:"mode_state_template"`
	Modes             []string `json:"modes"`

	TemperatureCommandTopic  string `json:"temperature_command_topic"`
	TemperatureStateTopic    string `json:"temperature_state_topic"`
	TemperatureStateTemplate string `json:"temperature_state_template"`

	CurrentTemperatureTopic    string `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string `json:"current_temperature_template"`

	FanModeCommandTopic  string   `json:"fan_mode_command_topic"`
	FanModeStateTopic    string   `json:"fan_mode_state_topic"`
	FanModeStateTemplate string   `json:"fan_mode_state_template"`
	FanModes             []string `json:"fan_modes"`

	SwingModeCommandTopic  string   `json:"swing_mode_command_topic,omitempty"`
	SwingModeStateTopic    string   `json:"swing_mode_state_topic,omitempty"`
	SwingModeStateTemplate string   `json:"swing_mode_state_template,omitempty"`
	SwingModes             []string `json:"swing_modes,omitempty"`

	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
	TempStep        float64 `json:"temp_step"`
	Precision       float64 `json:"precision"`
	TemperatureUnit string  `json:"temperature_unit"`

	JSONAttributesTopic    string `json:"json_attributes_topic,omitempty"`
	JSONAttributesTemplate string `json:"json_attributes_template,omitempty"`
}

// SwitchConfig is the discovery payload for an HA MQTT switch.
type SwitchConfig struct {
	EntityConfig
	CommandTopic  string `json:"command_topic"`
	StateTopic    string `json:"state_topic"`
	ValueTemplate string `json:"value_template"`
	PayloadOn     string `json:"payload_on"`
	PayloadOff    string `json:"payload_off"`
	StateOn       string `json:"state_on"`
	StateOff      string `json:"state_off"`
}

// SensorConfig is the discovery payload for an HA MQTT sensor.
type SensorConfig struct {
	EntityConfig
	StateTopic        string `json:"state_topic"`
	ValueTemplate     string `json:"value_template,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
}

// BinarySensorConfig is the discovery payload for an HA MQTT binary
// sensor.
type BinarySensorConfig struct {
	EntityConfig
	StateTopic    string `json:"state_topic"`
	ValueTemplate string `json:"value_template"`
	PayloadOn     string `json:"payload_on"`
	PayloadOff    string `json:"payload_off"`
	DeviceClass   string `json:"device_class,omitempty"`
}

// NewBridgeDeviceInfo describes the bridge itself. The instance ID is
// the primary HA device identifier, stable across restarts and
// reconfiguration.
func NewBridgeDeviceInfo(instanceID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         "MirAIe Bridge",
		Manufacturer: "miraie-bridge",
		Model:        "Home Assistant MQTT bridge",
		SWVersion:    buildinfo.Version,
	}
}

// NewDeviceInfo describes one air conditioner, connected through the
// bridge device bridgeID.
func NewDeviceInfo(d climate.Device, bridgeID string) DeviceInfo {
	name := d.Name
	if name == "" {
		name = d.ID
	}
	return DeviceInfo{
		Identifiers:   []string{deviceIdentifier(d.ID)},
		Name:          name,
		Manufacturer:  "Panasonic",
		Model:         "MirAIe air conditioner",
		SuggestedArea: d.SpaceName,
		ViaDevice:     bridgeID,
	}
}

func deviceIdentifier(id string) string {
	return "miraie_" + nodeID(id)
}

// nodeID maps a device ID onto the characters HA accepts in a
// discovery node ID.
func nodeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, id)
}

func strPtr(s string) *string { return &s }
