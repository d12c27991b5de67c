package climate

// Home Assistant spells the quiet fan speed "diffuse".
const haFanDiffuse = "diffuse"

// Attributes is the Home Assistant climate attribute set for one device.
// Pointer fields are omitted until the device has reported them.
type Attributes struct {
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	TargetTemperature  *float64 `json:"target_temperature,omitempty"`
	HVACMode           string   `json:"hvac_mode,omitempty"`
	FanMode            string   `json:"fan_mode,omitempty"`
	SwingMode          string   `json:"swing_mode,omitempty"`
	MinTemp            float64  `json:"min_temp"`
	MaxTemp            float64  `json:"max_temp"`
	TargetTempStep     float64  `json:"target_temp_step"`

	Nanoe                  *bool    `json:"nanoe_g,omitempty"`
	Powerful               *bool    `json:"powerful_mode,omitempty"`
	Economy                *bool    `json:"economy_mode,omitempty"`
	FilterDustLevel        *float64 `json:"filter_dust_level,omitempty"`
	FilterCleaningRequired *bool    `json:"filter_cleaning_required,omitempty"`
	Errors                 *string  `json:"errors,omitempty"`
	Warnings               *string  `json:"warnings,omitempty"`
}

// Encode projects state onto the climate attribute contract. It is pure:
// the result shares no memory with st.
//
// hvac_mode is "off" whenever the unit reports power off, otherwise the
// operating mode. Extras for features caps disables are omitted.
func Encode(st DeviceState, caps Capabilities) Attributes {
	st = st.Clone()
	a := Attributes{
		CurrentTemperature: st.RoomTemp,
		TargetTemperature:  st.TargetTemp,
		MinTemp:            caps.MinTemp,
		MaxTemp:            caps.MaxTemp,
		TargetTempStep:     caps.TempStep,

		FilterDustLevel:        st.FilterDustLevel,
		FilterCleaningRequired: st.FilterCleaningRequired,
		Errors:                 st.Errors,
		Warnings:               st.Warnings,
	}

	switch {
	case st.Power != nil && !*st.Power:
		a.HVACMode = HVACOff
	case st.Mode != nil:
		a.HVACMode = string(*st.Mode)
	}

	if st.FanSpeed != nil {
		a.FanMode = HAFanMode(*st.FanSpeed)
	}
	if s, ok := st.Swing(); ok {
		a.SwingMode = string(s)
	}

	if caps.Nanoe {
		a.Nanoe = st.Nanoe
	}
	if caps.Powerful {
		a.Powerful = st.Powerful
	}
	if caps.Economy {
		a.Economy = st.Economy
	}
	return a
}

// HAFanMode returns the Home Assistant spelling of a fan speed.
func HAFanMode(f FanSpeed) string {
	if f == FanQuiet {
		return haFanDiffuse
	}
	return string(f)
}

// HVACModes lists the Home Assistant HVAC modes a device accepts.
func HVACModes() []string {
	out := []string{HVACOff}
	for _, m := range Modes {
		out = append(out, string(m))
	}
	return out
}

// HAFanModes lists the Home Assistant fan modes a device accepts.
func HAFanModes() []string {
	out := make([]string, 0, len(FanSpeeds))
	for _, f := range FanSpeeds {
		out = append(out, HAFanMode(f))
	}
	return out
}

// SwingModes lists the swing settings caps allows.
func SwingModes(caps Capabilities) []string {
	var out []string
	if caps.VerticalSwing || caps.HorizontalSwing {
		out = append(out, string(SwingOff))
	}
	if caps.VerticalSwing {
		out = append(out, string(SwingVertical))
	}
	if caps.HorizontalSwing {
		out = append(out, string(SwingHorizontal))
	}
	if caps.VerticalSwing && caps.HorizontalSwing {
		out = append(out, string(SwingBoth))
	}
	return out
}
