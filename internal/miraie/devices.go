package miraie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Home is one home in the account, as returned by the homes endpoint.
type Home struct {
	ID     string  `json:"homeId"`
	Name   string  `json:"homeName"`
	Spaces []Space `json:"spaces"`
}

// Space is a room within a home.
type Space struct {
	ID      string        `json:"spaceId"`
	Name    string        `json:"spaceName"`
	Type    string        `json:"spaceType"`
	Devices []SpaceDevice `json:"devices"`
}

// SpaceDevice is a device as nested inside a space.
type SpaceDevice struct {
	ID     string   `json:"deviceId"`
	Name   string   `json:"deviceName"`
	Topics []string `json:"topic"`
}

// Device is a flattened device entry with its home and space context.
type Device struct {
	ID        string
	Name      string
	BaseTopic string
	HomeID    string
	HomeName  string
	SpaceID   string
	SpaceName string
	SpaceType string
}

// StatusTopic is where the device publishes status payloads.
func (d Device) StatusTopic() string { return d.BaseTopic + "/state" }

// CommandTopic is where the device accepts command payloads.
func (d Device) CommandTopic() string { return d.BaseTopic + "/control" }

// Homes returns every home registered to the account.
func (c *Client) Homes(ctx context.Context) ([]Home, error) {
	body, err := c.getJSON(ctx, "list homes", "/homeManagement/homes")
	if err != nil {
		return nil, err
	}
	var homes []Home
	if err := json.Unmarshal(body, &homes); err != nil {
		return nil, &APIError{Op: "list homes", Err: fmt.Errorf("malformed response: %w", err)}
	}
	return homes, nil
}

// ListDevices returns every device across all homes and spaces. Devices
// without an ID or an MQTT topic cannot be bridged and are skipped.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	homes, err := c.Homes(ctx)
	if err != nil {
		return nil, err
	}

	var out []Device
	for _, h := range homes {
		for _, s := range h.Spaces {
			for _, d := range s.Devices {
				if d.ID == "" || len(d.Topics) == 0 || d.Topics[0] == "" {
					c.logger.Warn("skipping device without id or topic",
						"device_id", d.ID,
						"device_name", d.Name,
						"home", h.Name,
					)
					continue
				}
				out = append(out, Device{
					ID:        d.ID,
					Name:      d.Name,
					BaseTopic: d.Topics[0],
					HomeID:    h.ID,
					HomeName:  h.Name,
					SpaceID:   s.ID,
					SpaceName: s.Name,
					SpaceType: s.Type,
				})
			}
		}
	}
	c.logger.Debug("listed miraie devices", "homes", len(homes), "devices", len(out))
	return out, nil
}

// ErrNoHome is returned when the account has no homes registered.
var ErrNoHome = errors.New("account has no homes")

// HomeID returns the first home's ID. The broker expects it as the MQTT
// username.
func (c *Client) HomeID(ctx context.Context) (string, error) {
	homes, err := c.Homes(ctx)
	if err != nil {
		return "", err
	}
	if len(homes) == 0 || homes[0].ID == "" {
		return "", &APIError{Op: "list homes", Err: ErrNoHome}
	}
	return homes[0].ID, nil
}

// DeviceStatus fetches a device's full status. The body uses the same
// keys as the MQTT status stream and is returned undecoded.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) ([]byte, error) {
	path := "/deviceManagement/devices/" + url.PathEscape(deviceID) + "/mobile/status"
	body, err := c.getJSON(ctx, "device status", path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &APIError{Op: "device status", Err: errors.New("malformed response")}
	}
	return body, nil
}
