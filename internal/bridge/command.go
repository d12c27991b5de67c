package bridge

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/metrics"
)

// Command validates cmds against the device and publishes them in
// order to its command topic. All commands are built before the first
// is published, so an invalid command publishes nothing. The whole
// request counts once against the device's rate limit.
//
// Errors are returned unchanged for the caller to surface:
// ErrNotLoaded, ErrUnknownDevice, ErrRateLimited, the adapter's
// *climate.UnsupportedCommandError and *climate.InvalidCommandError,
// and *broker.PublishError.
func (e *Entry) Command(ctx context.Context, deviceID string, cmds ...climate.Command) error {
	if len(cmds) == 0 {
		return errors.New("no command given")
	}
	attr := string(cmds[0].Attr)

	e.mu.Lock()
	state, session := e.state, e.session
	e.mu.Unlock()
	if state != EntryLoaded || session == nil {
		return ErrNotLoaded
	}

	snap, ok := e.adapter.Snapshot(deviceID)
	if !ok {
		return ErrUnknownDevice
	}

	if !e.limiter(deviceID).AllowN(e.opts.Now(), 1) {
		e.opts.Metrics.CommandResult(e.name, attr, metrics.CommandRateLimited)
		return fmt.Errorf("device %s: %w", deviceID, ErrRateLimited)
	}

	payloads := make([][]byte, 0, len(cmds))
	for _, c := range cmds {
		p, err := e.adapter.BuildCommand(deviceID, c)
		if err != nil {
			e.opts.Metrics.CommandResult(e.name, string(c.Attr), metrics.CommandRejected)
			e.commandFailed(deviceID, c.Attr, err)
			return err
		}
		payloads = append(payloads, p)
	}

	topic := snap.Device.CommandTopic
	for i, p := range payloads {
		if err := session.Publish(ctx, topic, p); err != nil {
			e.opts.Metrics.CommandResult(e.name, string(cmds[i].Attr), metrics.CommandPublishErr)
			e.commandFailed(deviceID, cmds[i].Attr, err)
			return err
		}
		e.opts.Metrics.CommandResult(e.name, string(cmds[i].Attr), metrics.CommandOK)
		e.publish(events.SourceBridge, events.KindCommandPublished, deviceID, map[string]any{
			"attr":    string(cmds[i].Attr),
			"topic":   topic,
			"payload": string(p),
		})
		e.logger.Info("command published", "device_id", deviceID, "attr", string(cmds[i].Attr))
	}
	return nil
}

// SetHVACMode applies a Home Assistant HVAC mode: "off" powers down,
// any operating mode powers on and then selects it.
func (e *Entry) SetHVACMode(ctx context.Context, deviceID, hvacMode string) error {
	cmds, err := climate.HVACCommands(hvacMode)
	if err != nil {
		return &climate.InvalidCommandError{DeviceID: deviceID, Attr: climate.AttrMode, Reason: err.Error()}
	}
	return e.Command(ctx, deviceID, cmds...)
}

func (e *Entry) commandFailed(deviceID string, attr climate.Attribute, err error) {
	e.logger.Warn("command failed", "device_id", deviceID, "attr", string(attr), "error", err)
	e.publish(events.SourceBridge, events.KindCommandFailed, deviceID, map[string]any{
		"attr":  string(attr),
		"error": err.Error(),
	})
}

func (e *Entry) limiter(deviceID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(e.opts.CommandRate, e.opts.CommandBurst)
		e.limiters[deviceID] = l
	}
	return l
}
