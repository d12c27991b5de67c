package climate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Vendor status payload keys.
const (
	keyOnline         = "onlineStatus"
	keyRoomTemp       = "rmtmp"
	keyTargetTemp     = "actmp"
	keyMode           = "acmd"
	keyFanSpeed       = "acfs"
	keyVerticalVane   = "acvs"
	keyHorizontalVane = "achs"
	keyPower          = "ps"
	keyNanoe          = "acng"
	keyPowerful       = "acpm"
	keyEconomy        = "acec"
	keyDustLevel      = "filterDustLevel"
	keyFilterClean    = "filterCleaningRequired"
	keyErrors         = "errors"
	keyWarnings       = "warnings"
)

// vaneSwinging is the vane position code that means "swing".
const vaneSwinging = "0"

// decoded is the result of decoding one status payload.
type decoded struct {
	state DeviceState
	// online is the device's own connectivity report, if present.
	online *bool
	// ignored lists keys skipped for carrying an unknown enum value.
	ignored []ignoredKey
}

type ignoredKey struct {
	key, value string
}

// decodeStatus decodes a vendor status payload into a partial state.
// Keys that are absent, null or empty strings are left unset. A mode or
// fan speed the bridge does not know is skipped and reported in
// ignored; any other value that cannot be interpreted fails the whole
// payload.
func decodeStatus(deviceID string, raw []byte) (decoded, error) {
	var out decoded

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return out, &DecodeError{DeviceID: deviceID, Err: errors.New("empty payload")}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out, &DecodeError{DeviceID: deviceID, Err: err}
	}
	if fields == nil {
		return out, &DecodeError{DeviceID: deviceID, Err: errors.New("payload is not an object")}
	}

	fail := func(key string, err error) (decoded, error) {
		return decoded{}, &DecodeError{DeviceID: deviceID, Key: key, Err: err}
	}

	var err error
	st := &out.state

	if out.online, err = decodeFlag(fields[keyOnline], "true", "false"); err != nil {
		return fail(keyOnline, err)
	}
	if st.RoomTemp, err = decodeNumber(fields[keyRoomTemp]); err != nil {
		return fail(keyRoomTemp, err)
	}
	if st.TargetTemp, err = decodeNumber(fields[keyTargetTemp]); err != nil {
		return fail(keyTargetTemp, err)
	}
	if st.Power, err = decodeFlag(fields[keyPower], "on", "off"); err != nil {
		return fail(keyPower, err)
	}
	if st.Mode, err = decodeMode(fields[keyMode]); err != nil {
		if !errors.Is(err, errUnknownEnum) {
			return fail(keyMode, err)
		}
		out.ignore(keyMode, fields[keyMode])
	}
	if st.FanSpeed, err = decodeFanSpeed(fields[keyFanSpeed]); err != nil {
		if !errors.Is(err, errUnknownEnum) {
			return fail(keyFanSpeed, err)
		}
		out.ignore(keyFanSpeed, fields[keyFanSpeed])
	}
	if st.VerticalSwing, err = decodeVane(fields[keyVerticalVane]); err != nil {
		return fail(keyVerticalVane, err)
	}
	if st.HorizontalSwing, err = decodeVane(fields[keyHorizontalVane]); err != nil {
		return fail(keyHorizontalVane, err)
	}
	if st.Nanoe, err = decodeFlag(fields[keyNanoe], "on", "off"); err != nil {
		return fail(keyNanoe, err)
	}
	if st.Powerful, err = decodeFlag(fields[keyPowerful], "on", "off"); err != nil {
		return fail(keyPowerful, err)
	}
	if st.Economy, err = decodeFlag(fields[keyEconomy], "on", "off"); err != nil {
		return fail(keyEconomy, err)
	}
	if st.FilterDustLevel, err = decodeNumber(fields[keyDustLevel]); err != nil {
		return fail(keyDustLevel, err)
	}
	if st.FilterCleaningRequired, err = decodeFlag(fields[keyFilterClean], "true", "false"); err != nil {
		return fail(keyFilterClean, err)
	}
	if st.Errors, err = decodeCodes(fields[keyErrors]); err != nil {
		return fail(keyErrors, err)
	}
	if st.Warnings, err = decodeCodes(fields[keyWarnings]); err != nil {
		return fail(keyWarnings, err)
	}

	return out, nil
}

// errUnknownEnum marks a well-formed value outside the known set.
var errUnknownEnum = errors.New("unknown value")

func (d *decoded) ignore(key string, raw json.RawMessage) {
	v, _, _ := scalar(raw)
	d.ignored = append(d.ignored, ignoredKey{key: key, value: v})
}

// scalar unpacks a raw JSON value into its string form. It reports
// present=false for missing keys, null and empty strings.
func scalar(raw json.RawMessage) (s string, present bool, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false, nil
	}
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	case '{', '[':
		return "", false, fmt.Errorf("unexpected %s value", kindOf(raw))
	default:
		// number or boolean literal
		return string(raw), true, nil
	}
}

func kindOf(raw json.RawMessage) string {
	if raw[0] == '{' {
		return "object"
	}
	return "array"
}

func decodeNumber(raw json.RawMessage) (*float64, error) {
	s, ok, err := scalar(raw)
	if err != nil || !ok {
		return nil, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return &f, nil
}

// decodeFlag maps the vendor's two-valued strings (and JSON booleans,
// and 0/1) onto a bool.
func decodeFlag(raw json.RawMessage, on, off string) (*bool, error) {
	s, ok, err := scalar(raw)
	if err != nil || !ok {
		return nil, err
	}
	var v bool
	switch strings.ToLower(s) {
	case on, "true", "1":
		v = true
	case off, "false", "0":
		v = false
	default:
		return nil, fmt.Errorf("expected %q or %q, got %q", on, off, s)
	}
	return &v, nil
}

func decodeMode(raw json.RawMessage) (*Mode, error) {
	s, ok, err := scalar(raw)
	if err != nil || !ok {
		return nil, err
	}
	// "off" comes with ps:"off"; power carries it and the last
	// operating mode is kept.
	if strings.EqualFold(s, "off") {
		return nil, nil
	}
	m, err := modeFromVendor(s)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeFanSpeed(raw json.RawMessage) (*FanSpeed, error) {
	s, ok, err := scalar(raw)
	if err != nil || !ok {
		return nil, err
	}
	f := FanSpeed(strings.ToLower(s))
	if !f.Valid() {
		return nil, fmt.Errorf("%w: fan speed %q", errUnknownEnum, s)
	}
	return &f, nil
}

// decodeVane reports whether a vane is swinging. Any position code
// other than "0" is a fixed position.
func decodeVane(raw json.RawMessage) (*bool, error) {
	s, ok, err := scalar(raw)
	if err != nil || !ok {
		return nil, err
	}
	if _, err := strconv.Atoi(s); err != nil {
		return nil, fmt.Errorf("vane position %q is not an integer", s)
	}
	v := s == vaneSwinging
	return &v, nil
}

// decodeCodes normalizes error and warning codes to a sorted,
// comma-separated set. The vendor sends a string, a number or a list of
// either, and a string may itself be comma-separated.
func decodeCodes(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			v, ok, err := scalar(item)
			if err != nil {
				return nil, err
			}
			if ok {
				parts = append(parts, v)
			}
		}
		s = strings.Join(parts, ",")
	} else {
		v, _, err := scalar(raw)
		if err != nil {
			return nil, err
		}
		s = v
	}
	s = normalizeCodes(s)
	return &s, nil
}

func normalizeCodes(s string) string {
	var codes []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	slices.Sort(codes)
	return strings.Join(slices.Compact(codes), ",")
}

func modeFromVendor(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "fan":
		return ModeFanOnly, nil
	case "auto", "cool", "heat", "dry":
		return Mode(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("%w: mode %q", errUnknownEnum, s)
}

func modeToVendor(m Mode) string {
	if m == ModeFanOnly {
		return "fan"
	}
	return string(m)
}
