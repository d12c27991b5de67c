package climate

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Notifier receives the adapter's change notifications. Calls are made
// while the device's lock is held so notifications for one device
// arrive in merge order. Implementations must not block and must not
// call back into the adapter.
type Notifier interface {
	// StateChanged is called after every successful merge.
	StateChanged(s Snapshot)
	// AvailabilityChanged is called once per availability transition.
	AvailabilityChanged(deviceID string, from, to Availability)
}

// Config configures an Adapter.
type Config struct {
	// StatusInterval is how often a healthy device is expected to report.
	StatusInterval time.Duration
	// MissedIntervals is how many silent intervals mark a device offline.
	MissedIntervals int
	Notifier        Notifier
	Logger          *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

type entry struct {
	mu           sync.Mutex
	device       Device
	state        DeviceState
	availability Availability
	lastSeen     time.Time
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		Device:       e.device,
		State:        e.state.Clone(),
		Availability: e.availability,
		LastSeen:     e.lastSeen,
	}
}

// Adapter holds the device set for one account.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*entry
}

// NewAdapter creates an Adapter with no devices.
func NewAdapter(cfg Config) *Adapter {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Minute
	}
	if cfg.MissedIntervals <= 0 {
		cfg.MissedIntervals = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger,
		devices: make(map[string]*entry),
	}
}

// AddDevice registers a device, or refreshes the static description of
// one already held. Existing state and availability are kept.
func (a *Adapter) AddDevice(d Device) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.devices[d.ID]; ok {
		e.mu.Lock()
		e.device = d
		e.mu.Unlock()
		return
	}
	a.devices[d.ID] = &entry{device: d}
}

// RemoveDevice forgets a device. It reports whether the device was held.
func (a *Adapter) RemoveDevice(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.devices[id]
	delete(a.devices, id)
	return ok
}

// Restore seeds a held device with persisted state. Availability stays
// as it is, so a restored device remains Unknown until it reports.
func (a *Adapter) Restore(id string, st DeviceState) error {
	e, ok := a.lookup(id)
	if !ok {
		return ErrUnknownDevice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Merge(st)
	return nil
}

func (a *Adapter) lookup(id string) (*entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.devices[id]
	return e, ok
}

// OnStatusPayload decodes a vendor status payload and merges it into
// the device's state. Fields absent from the payload keep their values.
//
// A payload that fails to decode leaves state and availability
// untouched and returns a *DecodeError. A payload that decodes is
// always followed by a StateChanged notification, and by an
// AvailabilityChanged notification when availability moves.
func (a *Adapter) OnStatusPayload(id string, raw []byte) error {
	e, ok := a.lookup(id)
	if !ok {
		return ErrUnknownDevice
	}

	d, err := decodeStatus(id, raw)
	if err != nil {
		a.logger.Warn("dropping malformed status payload",
			"device_id", id,
			"error", err,
		)
		return err
	}
	for _, k := range d.ignored {
		a.logger.Warn("ignoring unknown status value",
			"device_id", id,
			"key", k.key,
			"value", k.value,
		)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Merge(d.state)
	e.lastSeen = a.cfg.Now()

	next := Online
	if d.online != nil && !*d.online {
		next = Offline
	}
	a.setAvailability(e, next)

	if a.cfg.Notifier != nil {
		a.cfg.Notifier.StateChanged(e.snapshot())
	}
	return nil
}

// MarkOffline moves a device to Offline, for an explicit disconnect
// notice that does not arrive as a status payload.
func (a *Adapter) MarkOffline(id string) error {
	e, ok := a.lookup(id)
	if !ok {
		return ErrUnknownDevice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a.setAvailability(e, Offline)
	return nil
}

// setAvailability must be called with e.mu held.
func (a *Adapter) setAvailability(e *entry, next Availability) bool {
	prev := e.availability
	if prev == next {
		return false
	}
	e.availability = next
	if a.cfg.Notifier != nil {
		a.cfg.Notifier.AvailabilityChanged(e.device.ID, prev, next)
	}
	a.logger.Info("device availability changed",
		"device_id", e.device.ID,
		"from", prev.String(),
		"to", next.String(),
	)
	return true
}

// Sweep marks Online devices Offline once they have been silent for
// MissedIntervals status intervals. It returns the IDs it changed.
func (a *Adapter) Sweep(now time.Time) []string {
	limit := time.Duration(a.cfg.MissedIntervals) * a.cfg.StatusInterval

	a.mu.RLock()
	entries := make([]*entry, 0, len(a.devices))
	for _, e := range a.devices {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	var changed []string
	for _, e := range entries {
		e.mu.Lock()
		if e.availability == Online && now.Sub(e.lastSeen) >= limit {
			a.setAvailability(e, Offline)
			changed = append(changed, e.device.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(changed)
	return changed
}

// BuildCommand validates cmd against the device's capabilities and
// returns the vendor payload to publish on its command topic. It never
// changes state: the device confirms a command by reporting it.
func (a *Adapter) BuildCommand(id string, cmd Command) ([]byte, error) {
	e, ok := a.lookup(id)
	if !ok {
		return nil, ErrUnknownDevice
	}
	e.mu.Lock()
	caps := e.device.Capabilities
	e.mu.Unlock()

	payload, err := buildPayload(id, caps, cmd)
	if err != nil {
		var unsupported *UnsupportedCommandError
		if errors.As(err, &unsupported) {
			a.logger.Debug("rejected unsupported command", "device_id", id, "attr", cmd.Attr)
		}
		return nil, err
	}
	return payload, nil
}

// Snapshot returns a copy of one device's view.
func (a *Adapter) Snapshot(id string) (Snapshot, bool) {
	e, ok := a.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Devices returns snapshots of every device, ordered by ID.
func (a *Adapter) Devices() []Snapshot {
	a.mu.RLock()
	entries := make([]*entry, 0, len(a.devices))
	for _, e := range a.devices {
		entries = append(entries, e)
	}
	a.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}

// DeviceIDs returns the held device IDs in sorted order.
func (a *Adapter) DeviceIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.devices))
	for id := range a.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
