package climate

import (
	"errors"
	"fmt"
)

// ErrUnknownDevice is returned for operations on a device ID the adapter
// does not hold.
var ErrUnknownDevice = errors.New("unknown device")

// DecodeError reports a status payload that could not be decoded. The
// device's state and availability are unchanged when it is returned.
type DecodeError struct {
	DeviceID string
	// Key is the offending payload key, empty for whole-payload problems.
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("decode status for %s: %v", e.DeviceID, e.Err)
	}
	return fmt.Sprintf("decode status for %s: key %q: %v", e.DeviceID, e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnsupportedCommandError reports a command for a feature the device's
// capabilities disable.
type UnsupportedCommandError struct {
	DeviceID string
	Attr     Attribute
	Reason   string
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("device %s does not support %s: %s", e.DeviceID, e.Attr, e.Reason)
}

// InvalidCommandError reports a command whose value is out of range or
// not a member of the attribute's enumeration.
type InvalidCommandError struct {
	DeviceID string
	Attr     Attribute
	Reason   string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid %s for device %s: %s", e.Attr, e.DeviceID, e.Reason)
}
