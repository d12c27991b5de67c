// Package climate is the device state adapter. It keeps the last-known
// decoded state of every MirAIe air conditioner, merges the partial
// status payloads the vendor pushes into that state, turns requested
// changes into vendor command payloads, and projects state into the
// Home Assistant climate attribute contract.
//
// Merges for the same device are serialized by a per-device lock.
// Merges for different devices proceed independently.
package climate

import (
	"time"
)

// Mode is an operating mode while the unit is powered on.
type Mode string

// Operating modes. Vendor payloads spell fan-only as "fan".
const (
	ModeAuto    Mode = "auto"
	ModeCool    Mode = "cool"
	ModeHeat    Mode = "heat"
	ModeDry     Mode = "dry"
	ModeFanOnly Mode = "fan_only"
)

// Modes lists every operating mode in display order.
var Modes = []Mode{ModeAuto, ModeCool, ModeHeat, ModeDry, ModeFanOnly}

// Valid reports whether m is a known operating mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeCool, ModeHeat, ModeDry, ModeFanOnly:
		return true
	}
	return false
}

// FanSpeed is the indoor fan setting.
type FanSpeed string

// Fan speeds. Vendor and internal spellings match.
const (
	FanAuto   FanSpeed = "auto"
	FanLow    FanSpeed = "low"
	FanMedium FanSpeed = "medium"
	FanHigh   FanSpeed = "high"
	FanQuiet  FanSpeed = "quiet"
)

// FanSpeeds lists every fan speed in display order.
var FanSpeeds = []FanSpeed{FanAuto, FanLow, FanMedium, FanHigh, FanQuiet}

// Valid reports whether f is a known fan speed.
func (f FanSpeed) Valid() bool {
	switch f {
	case FanAuto, FanLow, FanMedium, FanHigh, FanQuiet:
		return true
	}
	return false
}

// Swing is the combined louver swing setting.
type Swing string

// Swing settings.
const (
	SwingOff        Swing = "off"
	SwingVertical   Swing = "vertical"
	SwingHorizontal Swing = "horizontal"
	SwingBoth       Swing = "both"
)

// Valid reports whether s is a known swing setting.
func (s Swing) Valid() bool {
	switch s {
	case SwingOff, SwingVertical, SwingHorizontal, SwingBoth:
		return true
	}
	return false
}

// Availability is a device's reachability as seen by the bridge.
type Availability int

// Availability states. A device starts Unknown, becomes Online on its
// first decoded payload and moves between Online and Offline after that.
const (
	Unknown Availability = iota
	Online
	Offline
)

func (a Availability) String() string {
	switch a {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText renders the availability as its string form.
func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses the string form produced by MarshalText.
func (a *Availability) UnmarshalText(b []byte) error {
	*a = ParseAvailability(string(b))
	return nil
}

// ParseAvailability is the inverse of [Availability.String]. Unrecognized
// input yields Unknown.
func ParseAvailability(s string) Availability {
	switch s {
	case "online":
		return Online
	case "offline":
		return Offline
	default:
		return Unknown
	}
}

// Capabilities describes what a device supports. Commands for disabled
// features are rejected before anything is published.
type Capabilities struct {
	Nanoe           bool    `json:"nanoe"`
	Powerful        bool    `json:"powerful"`
	Economy         bool    `json:"economy"`
	VerticalSwing   bool    `json:"vertical_swing"`
	HorizontalSwing bool    `json:"horizontal_swing"`
	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
	TempStep        float64 `json:"temp_step"`
}

// DefaultCapabilities matches the vendor app for current indoor units:
// every feature on, 16 to 30 degrees in half-degree steps.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Nanoe:           true,
		Powerful:        true,
		Economy:         true,
		VerticalSwing:   true,
		HorizontalSwing: true,
		MinTemp:         16,
		MaxTemp:         30,
		TempStep:        0.5,
	}
}

// Device is the static description of one air conditioner.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	HomeID       string       `json:"home_id,omitempty"`
	HomeName     string       `json:"home_name,omitempty"`
	SpaceName    string       `json:"space_name,omitempty"`
	StatusTopic  string       `json:"status_topic"`
	CommandTopic string       `json:"command_topic"`
	Capabilities Capabilities `json:"capabilities"`
}

// DeviceState is the last-known decoded state of a device. A nil field
// has never been reported. Fields are only replaced by later reports,
// never cleared.
type DeviceState struct {
	Power                  *bool     `json:"power,omitempty"`
	Mode                   *Mode     `json:"mode,omitempty"`
	FanSpeed               *FanSpeed `json:"fan_speed,omitempty"`
	VerticalSwing          *bool     `json:"vertical_swing,omitempty"`
	HorizontalSwing        *bool     `json:"horizontal_swing,omitempty"`
	TargetTemp             *float64  `json:"target_temp,omitempty"`
	RoomTemp               *float64  `json:"room_temp,omitempty"`
	Nanoe                  *bool     `json:"nanoe,omitempty"`
	Powerful               *bool     `json:"powerful,omitempty"`
	Economy                *bool     `json:"economy,omitempty"`
	FilterDustLevel        *float64  `json:"filter_dust_level,omitempty"`
	FilterCleaningRequired *bool     `json:"filter_cleaning_required,omitempty"`
	Errors                 *string   `json:"errors,omitempty"`
	Warnings               *string   `json:"warnings,omitempty"`
}

// Merge copies every field set in p into s. Fields p leaves nil are
// untouched.
func (s *DeviceState) Merge(p DeviceState) {
	mergeField(&s.Power, p.Power)
	mergeField(&s.Mode, p.Mode)
	mergeField(&s.FanSpeed, p.FanSpeed)
	mergeField(&s.VerticalSwing, p.VerticalSwing)
	mergeField(&s.HorizontalSwing, p.HorizontalSwing)
	mergeField(&s.TargetTemp, p.TargetTemp)
	mergeField(&s.RoomTemp, p.RoomTemp)
	mergeField(&s.Nanoe, p.Nanoe)
	mergeField(&s.Powerful, p.Powerful)
	mergeField(&s.Economy, p.Economy)
	mergeField(&s.FilterDustLevel, p.FilterDustLevel)
	mergeField(&s.FilterCleaningRequired, p.FilterCleaningRequired)
	mergeField(&s.Errors, p.Errors)
	mergeField(&s.Warnings, p.Warnings)
}

// Clone returns a deep copy of s.
func (s DeviceState) Clone() DeviceState {
	var c DeviceState
	c.Merge(s)
	return c
}

// Empty reports whether no field has ever been set.
func (s DeviceState) Empty() bool {
	return s == DeviceState{}
}

// Swing derives the combined swing setting from the two vane flags.
// It returns false when neither vane has been reported.
func (s DeviceState) Swing() (Swing, bool) {
	if s.VerticalSwing == nil && s.HorizontalSwing == nil {
		return "", false
	}
	v := s.VerticalSwing != nil && *s.VerticalSwing
	h := s.HorizontalSwing != nil && *s.HorizontalSwing
	switch {
	case v && h:
		return SwingBoth, true
	case v:
		return SwingVertical, true
	case h:
		return SwingHorizontal, true
	default:
		return SwingOff, true
	}
}

func mergeField[T any](dst **T, src *T) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

// Snapshot is a consistent, caller-owned copy of one device's view.
type Snapshot struct {
	Device       Device       `json:"device"`
	State        DeviceState  `json:"state"`
	Availability Availability `json:"availability"`
	LastSeen     time.Time    `json:"last_seen,omitzero"`
}
