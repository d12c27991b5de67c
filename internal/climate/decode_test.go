package climate

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeStatus_ValueForms(t *testing.T) {
	d, err := decodeStatus("ac-1", []byte(`{
		"onlineStatus": true,
		"rmtmp": 26.5,
		"actmp": "24",
		"ps": "ON",
		"acmd": "fan",
		"acfs": "quiet",
		"acvs": 0,
		"achs": "5",
		"acng": "off",
		"filterDustLevel": "7",
		"filterCleaningRequired": 1,
		"errors": [101, "E5"],
		"warnings": null
	}`))
	if err != nil {
		t.Fatalf("decodeStatus error: %v", err)
	}
	st := d.state

	if d.online == nil || !*d.online {
		t.Errorf("online = %v, want true", d.online)
	}
	if *st.RoomTemp != 26.5 || *st.TargetTemp != 24 {
		t.Errorf("temps = %v / %v", *st.RoomTemp, *st.TargetTemp)
	}
	if !*st.Power || *st.Mode != ModeFanOnly || *st.FanSpeed != FanQuiet {
		t.Errorf("power/mode/fan = %v/%v/%v", *st.Power, *st.Mode, *st.FanSpeed)
	}
	if !*st.VerticalSwing || *st.HorizontalSwing {
		t.Errorf("vanes = %v/%v, want true/false", *st.VerticalSwing, *st.HorizontalSwing)
	}
	if *st.Nanoe || st.Powerful != nil {
		t.Errorf("nanoe = %v, powerful = %v", *st.Nanoe, st.Powerful)
	}
	if *st.FilterDustLevel != 7 || !*st.FilterCleaningRequired {
		t.Errorf("filter = %v/%v", *st.FilterDustLevel, *st.FilterCleaningRequired)
	}
	if *st.Errors != "101,E5" || st.Warnings != nil {
		t.Errorf("errors = %q, warnings = %v", *st.Errors, st.Warnings)
	}
}

func TestDecodeStatus_ErrorNamesKey(t *testing.T) {
	_, err := decodeStatus("ac-9", []byte(`{"acfs":"high","acvs":"up"}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *DecodeError", err)
	}
	if de.Key != "acvs" || de.DeviceID != "ac-9" {
		t.Errorf("DecodeError = %+v", de)
	}
}

func TestDeviceState_Swing(t *testing.T) {
	tests := []struct {
		v, h   *bool
		want   Swing
		wantOK bool
	}{
		{nil, nil, "", false},
		{ptr(true), nil, SwingVertical, true},
		{ptr(true), ptr(true), SwingBoth, true},
		{nil, ptr(true), SwingHorizontal, true},
		{ptr(false), ptr(false), SwingOff, true},
	}
	for _, tt := range tests {
		got, ok := DeviceState{VerticalSwing: tt.v, HorizontalSwing: tt.h}.Swing()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Swing(%v,%v) = %q,%v want %q,%v", tt.v, tt.h, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDecodeStatus_LenientEnums(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantMode    *Mode
		wantFan     *FanSpeed
		wantIgnored []string
	}{
		{
			name: "mode off leaves mode unset",
			raw:  `{"onlineStatus":"true","ps":"off","acmd":"off","rmtmp":"27.5"}`,
		},
		{
			name:        "unknown mode is skipped",
			raw:         `{"acmd":"turbo","acfs":"low","rmtmp":"27.5"}`,
			wantFan:     ptr(FanLow),
			wantIgnored: []string{"acmd"},
		},
		{
			name:        "unknown fan speed is skipped",
			raw:         `{"acmd":"cool","acfs":"ultra","rmtmp":"27.5"}`,
			wantMode:    ptr(ModeCool),
			wantIgnored: []string{"acfs"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := decodeStatus("ac-1", []byte(tt.raw))
			if err != nil {
				t.Fatalf("decodeStatus error: %v", err)
			}
			if d.state.RoomTemp == nil || *d.state.RoomTemp != 27.5 {
				t.Errorf("RoomTemp = %v, want 27.5", d.state.RoomTemp)
			}
			if (d.state.Mode == nil) != (tt.wantMode == nil) || (tt.wantMode != nil && *d.state.Mode != *tt.wantMode) {
				t.Errorf("Mode = %v, want %v", d.state.Mode, tt.wantMode)
			}
			if (d.state.FanSpeed == nil) != (tt.wantFan == nil) || (tt.wantFan != nil && *d.state.FanSpeed != *tt.wantFan) {
				t.Errorf("FanSpeed = %v, want %v", d.state.FanSpeed, tt.wantFan)
			}
			var ignored []string
			for _, k := range d.ignored {
				ignored = append(ignored, k.key)
			}
			if strings.Join(ignored, ",") != strings.Join(tt.wantIgnored, ",") {
				t.Errorf("ignored = %v, want %v", ignored, tt.wantIgnored)
			}
		})
	}
}

func TestDecodeStatus_CodesNormalized(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"errors":["E5",101,"E5"]}`, "101,E5"},
		{`{"errors":"H11, E5,H11"}`, "E5,H11"},
		{`{"errors":7}`, "7"},
		{`{"errors":[]}`, ""},
	}
	for _, tt := range tests {
		d, err := decodeStatus("ac-1", []byte(tt.raw))
		if err != nil {
			t.Fatalf("decodeStatus(%s) error: %v", tt.raw, err)
		}
		if d.state.Errors == nil || *d.state.Errors != tt.want {
			t.Errorf("decodeStatus(%s) errors = %v, want %q", tt.raw, d.state.Errors, tt.want)
		}
	}
}
