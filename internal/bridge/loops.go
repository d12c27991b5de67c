package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/nugget/miraie-bridge/internal/broker"
	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/miraie"
)

// pollLoop fetches every device's status over REST on PollInterval and
// runs the liveness sweep on StatusInterval. The MQTT push stream is
// the primary source; polling covers devices that stay quiet.
func (e *Entry) pollLoop() {
	defer e.wg.Done()

	poll := time.NewTicker(e.opts.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(e.opts.StatusInterval)
	defer sweep.Stop()

	e.pollOnce(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-poll.C:
			e.pollOnce(e.ctx)
		case <-sweep.C:
			e.sweep()
		}
	}
}

// pollOnce fetches each device's status and then sweeps. A failed
// fetch is logged and does not change the device's availability.
func (e *Entry) pollOnce(ctx context.Context) {
	for _, id := range e.adapter.DeviceIDs() {
		if ctx.Err() != nil {
			return
		}
		raw, err := e.cloud.DeviceStatus(ctx, id)
		e.opts.Metrics.Poll(e.name, err == nil)
		if err != nil {
			e.logger.Warn("device status poll failed", "device_id", id, "error", err)
			var authErr *miraie.AuthError
			if errors.As(err, &authErr) {
				e.wakeSupervisor()
			}
			continue
		}
		e.ingest(id, raw)
	}
	e.sweep()
}

func (e *Entry) sweep() {
	for _, id := range e.adapter.Sweep(e.opts.Now()) {
		e.logger.Debug("device silent past liveness window", "device_id", id)
	}
}

// supervise keeps the account's credentials and session healthy. It
// runs on SuperviseInterval and whenever the session gives up.
func (e *Entry) supervise() {
	defer e.wg.Done()

	t := time.NewTicker(e.opts.SuperviseInterval)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
		case <-e.wake:
		}
		e.superviseOnce(e.ctx)
	}
}

// superviseOnce re-logs in when the token is due or the session has
// failed, asks a failed session to reconnect, and picks up device list
// changes once the cached list expires.
func (e *Entry) superviseOnce(ctx context.Context) {
	e.mu.Lock()
	session := e.session
	lastLogin := e.lastLogin
	e.mu.Unlock()
	if session == nil {
		return
	}

	failed := session.State() == broker.StateFailed
	if failed || e.opts.Now().Sub(lastLogin) >= e.opts.TokenRefresh {
		if err := e.refreshToken(ctx); err != nil {
			if credentialsRejected(err) {
				e.logger.Error("vendor rejected account credentials; update the configuration", "error", err)
			} else {
				e.logger.Warn("token refresh failed", "error", err)
			}
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
			return
		}
		e.mu.Lock()
		e.lastErr = nil
		e.mu.Unlock()
	}
	if failed {
		e.logger.Info("requesting vendor session reconnect after re-login")
		session.Reconnect()
	}

	devices, err := e.listDevices(ctx, false)
	if err != nil {
		e.logger.Warn("device list refresh failed", "error", err)
		return
	}
	e.applyDevices(ctx, devices, false)
}

// notifier forwards adapter notifications. It runs under the device
// lock, so it only publishes to the bus and marks state dirty.
type notifier struct{ e *Entry }

func (n notifier) StateChanged(s climate.Snapshot) {
	n.e.publish(events.SourceClimate, events.KindStateChanged, s.Device.ID, map[string]any{
		"attributes":   climate.Encode(s.State, s.Device.Capabilities),
		"availability": s.Availability.String(),
	})
	n.e.markDirty(s.Device.ID)
}

func (n notifier) AvailabilityChanged(id string, from, to climate.Availability) {
	n.e.opts.Metrics.DeviceAvailability(n.e.name, id, availabilityValue(to))
	n.e.publish(events.SourceClimate, events.KindAvailabilityChanged, id, map[string]any{
		"availability": to.String(),
		"previous":     from.String(),
	})
	n.e.markDirty(id)
}

func availabilityValue(a climate.Availability) float64 {
	switch a {
	case climate.Online:
		return 1
	case climate.Offline:
		return 0
	default:
		return -1
	}
}

func (e *Entry) markDirty(id string) {
	if e.opts.Store == nil {
		return
	}
	e.pmu.Lock()
	e.pending[id] = true
	e.pmu.Unlock()
	select {
	case e.flush <- struct{}{}:
	default:
	}
}

// persistLoop writes dirty devices to the store off the notification
// path.
func (e *Entry) persistLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.flush:
			e.flushPending()
		}
	}
}

func (e *Entry) flushPending() {
	e.pmu.Lock()
	ids := e.pending
	e.pending = make(map[string]bool)
	e.pmu.Unlock()

	if e.opts.Store == nil {
		return
	}
	for id := range ids {
		snap, ok := e.adapter.Snapshot(id)
		if !ok {
			continue
		}
		if err := e.opts.Store.Save(e.name, snap); err != nil {
			e.logger.Warn("saving device state failed", "device_id", id, "error", err)
		}
	}
}
