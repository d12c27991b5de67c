package climate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Attribute names the single device setting a Command changes.
type Attribute string

// Command attributes. The string forms double as the Home Assistant
// command topic suffixes and the HTTP API's "attr" field.
const (
	AttrPower      Attribute = "power"
	AttrMode       Attribute = "mode"
	AttrFanSpeed   Attribute = "fan_mode"
	AttrSwing      Attribute = "swing_mode"
	AttrTargetTemp Attribute = "temperature"
	AttrNanoe      Attribute = "nanoe"
	AttrPowerful   Attribute = "powerful"
	AttrEconomy    Attribute = "economy"
)

// Command is one requested change to one attribute. Only the field that
// matches Attr is read.
type Command struct {
	Attr        Attribute
	On          bool
	Mode        Mode
	FanSpeed    FanSpeed
	Swing       Swing
	Temperature float64
}

// SetPower turns the unit on or off.
func SetPower(on bool) Command { return Command{Attr: AttrPower, On: on} }

// SetMode selects an operating mode.
func SetMode(m Mode) Command { return Command{Attr: AttrMode, Mode: m} }

// SetFanSpeed selects a fan speed.
func SetFanSpeed(f FanSpeed) Command { return Command{Attr: AttrFanSpeed, FanSpeed: f} }

// SetSwing selects a swing setting.
func SetSwing(s Swing) Command { return Command{Attr: AttrSwing, Swing: s} }

// SetTargetTemperature sets the target temperature in degrees Celsius.
func SetTargetTemperature(t float64) Command {
	return Command{Attr: AttrTargetTemp, Temperature: t}
}

// SetNanoe toggles nanoe-G air purification.
func SetNanoe(on bool) Command { return Command{Attr: AttrNanoe, On: on} }

// SetPowerful toggles powerful mode.
func SetPowerful(on bool) Command { return Command{Attr: AttrPowerful, On: on} }

// SetEconomy toggles economy mode.
func SetEconomy(on bool) Command { return Command{Attr: AttrEconomy, On: on} }

// HVACOff is the Home Assistant HVAC mode that means "power off".
const HVACOff = "off"

// HVACCommands maps a Home Assistant HVAC mode onto the vendor command
// sequence. "off" powers the unit down. Any operating mode powers the
// unit on and then selects the mode, in that order.
func HVACCommands(hvacMode string) ([]Command, error) {
	hvacMode = strings.ToLower(strings.TrimSpace(hvacMode))
	if hvacMode == HVACOff {
		return []Command{SetPower(false)}, nil
	}
	m := Mode(hvacMode)
	if !m.Valid() {
		return nil, fmt.Errorf("unknown hvac mode %q", hvacMode)
	}
	return []Command{SetPower(true), SetMode(m)}, nil
}

// ParseCommand builds a Command from an attribute name and its textual
// value as received from Home Assistant or the HTTP API. Fan speeds
// accept the Home Assistant spelling "diffuse" for quiet. Toggles accept
// on/off and true/false.
func ParseCommand(attr, value string) (Command, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch Attribute(attr) {
	case AttrPower, AttrNanoe, AttrPowerful, AttrEconomy:
		on, err := parseToggle(value)
		if err != nil {
			return Command{}, err
		}
		return Command{Attr: Attribute(attr), On: on}, nil
	case AttrMode:
		return SetMode(Mode(value)), nil
	case AttrFanSpeed:
		if value == haFanDiffuse {
			value = string(FanQuiet)
		}
		return SetFanSpeed(FanSpeed(value)), nil
	case AttrSwing:
		return SetSwing(Swing(value)), nil
	case AttrTargetTemp:
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Command{}, fmt.Errorf("temperature %q is not a number", value)
		}
		return SetTargetTemperature(t), nil
	}
	return Command{}, fmt.Errorf("unknown attribute %q", attr)
}

func parseToggle(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

// Vane codes used in commands.
const (
	vaneSwing = "0"
	vaneFixed = "3"
)

// buildPayload validates cmd against caps and returns the vendor command
// body. The body is the fixed envelope plus the attribute's keys.
func buildPayload(deviceID string, caps Capabilities, cmd Command) ([]byte, error) {
	unsupported := func(reason string) error {
		return &UnsupportedCommandError{DeviceID: deviceID, Attr: cmd.Attr, Reason: reason}
	}
	invalid := func(format string, args ...any) error {
		return &InvalidCommandError{DeviceID: deviceID, Attr: cmd.Attr, Reason: fmt.Sprintf(format, args...)}
	}

	body := map[string]any{"ki": 1, "cnt": "an", "sid": "1"}

	switch cmd.Attr {
	case AttrPower:
		body[keyPower] = onOff(cmd.On)

	case AttrMode:
		if !cmd.Mode.Valid() {
			return nil, invalid("unknown mode %q", cmd.Mode)
		}
		body[keyMode] = modeToVendor(cmd.Mode)

	case AttrFanSpeed:
		if !cmd.FanSpeed.Valid() {
			return nil, invalid("unknown fan speed %q", cmd.FanSpeed)
		}
		body[keyFanSpeed] = string(cmd.FanSpeed)

	case AttrSwing:
		if !cmd.Swing.Valid() {
			return nil, invalid("unknown swing setting %q", cmd.Swing)
		}
		if err := swingKeys(body, caps, cmd.Swing, unsupported); err != nil {
			return nil, err
		}

	case AttrTargetTemp:
		t := cmd.Temperature
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, invalid("temperature must be finite")
		}
		if t < caps.MinTemp || t > caps.MaxTemp {
			return nil, invalid("%g is outside [%g, %g]", t, caps.MinTemp, caps.MaxTemp)
		}
		if !onStep(t, caps.MinTemp, caps.TempStep) {
			return nil, invalid("%g is not a multiple of step %g from %g", t, caps.TempStep, caps.MinTemp)
		}
		body[keyTargetTemp] = formatTemp(t)

	case AttrNanoe:
		if !caps.Nanoe {
			return nil, unsupported("nanoe is disabled")
		}
		body[keyNanoe] = onOff(cmd.On)

	case AttrPowerful:
		if !caps.Powerful {
			return nil, unsupported("powerful mode is disabled")
		}
		body[keyPowerful] = onOff(cmd.On)

	case AttrEconomy:
		if !caps.Economy {
			return nil, unsupported("economy mode is disabled")
		}
		body[keyEconomy] = onOff(cmd.On)

	default:
		return nil, invalid("unknown attribute")
	}

	return json.Marshal(body)
}

// swingKeys sets the vane codes for s. Each supported vane is driven
// explicitly so switching from "both" to "vertical" stops the
// horizontal vane.
func swingKeys(body map[string]any, caps Capabilities, s Swing, unsupported func(string) error) error {
	wantV := s == SwingVertical || s == SwingBoth
	wantH := s == SwingHorizontal || s == SwingBoth

	if wantV && !caps.VerticalSwing {
		return unsupported("vertical swing is disabled")
	}
	if wantH && !caps.HorizontalSwing {
		return unsupported("horizontal swing is disabled")
	}
	if !caps.VerticalSwing && !caps.HorizontalSwing {
		return unsupported("swing is disabled")
	}

	if caps.VerticalSwing {
		body[keyVerticalVane] = vaneCode(wantV)
	}
	if caps.HorizontalSwing {
		body[keyHorizontalVane] = vaneCode(wantH)
	}
	return nil
}

func vaneCode(swing bool) string {
	if swing {
		return vaneSwing
	}
	return vaneFixed
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func onStep(t, minTemp, step float64) bool {
	if step <= 0 {
		return true
	}
	n := (t - minTemp) / step
	return math.Abs(n-math.Round(n)) < 1e-6
}

// formatTemp renders a temperature the way the vendor app does: the
// shortest exact decimal, always with a fractional part ("18.0").
func formatTemp(t float64) string {
	s := strconv.FormatFloat(t, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
