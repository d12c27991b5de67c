package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/miraie-bridge/internal/climate"
)

// Registry holds every configured account entry and routes device
// operations to the entry that owns the device.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers an entry. Account names must be unique.
func (r *Registry) Add(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name()]; ok {
		return fmt.Errorf("account %q already registered", e.Name())
	}
	r.entries[e.Name()] = e
	return nil
}

// Entry returns the entry for an account name.
func (r *Registry) Entry(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Entries returns every entry sorted by account name.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Owner returns the entry holding deviceID.
func (r *Registry) Owner(deviceID string) (*Entry, bool) {
	for _, e := range r.Entries() {
		if e.HasDevice(deviceID) {
			return e, true
		}
	}
	return nil, false
}

// DeviceView is a device snapshot with its account and encoded
// climate attributes.
type DeviceView struct {
	Account string `json:"account"`
	climate.Snapshot
	Attributes climate.Attributes `json:"attributes"`
}

func view(account string, s climate.Snapshot) DeviceView {
	return DeviceView{
		Account:    account,
		Snapshot:   s,
		Attributes: climate.Encode(s.State, s.Device.Capabilities),
	}
}

// Devices returns every device across all entries, by account then ID.
func (r *Registry) Devices() []DeviceView {
	var out []DeviceView
	for _, e := range r.Entries() {
		for _, s := range e.Devices() {
			out = append(out, view(e.Name(), s))
		}
	}
	return out
}

// Device returns one device's view.
func (r *Registry) Device(deviceID string) (DeviceView, bool) {
	e, ok := r.Owner(deviceID)
	if !ok {
		return DeviceView{}, false
	}
	s, ok := e.Snapshot(deviceID)
	if !ok {
		return DeviceView{}, false
	}
	return view(e.Name(), s), true
}

// Command routes cmds to the entry that owns deviceID.
func (r *Registry) Command(ctx context.Context, deviceID string, cmds ...climate.Command) error {
	e, ok := r.Owner(deviceID)
	if !ok {
		return ErrUnknownDevice
	}
	return e.Command(ctx, deviceID, cmds...)
}

// SetHVACMode routes an HVAC mode change to the owning entry.
func (r *Registry) SetHVACMode(ctx context.Context, deviceID, hvacMode string) error {
	e, ok := r.Owner(deviceID)
	if !ok {
		return ErrUnknownDevice
	}
	return e.SetHVACMode(ctx, deviceID, hvacMode)
}

// Refresh re-reads one account's device list and polls its devices.
func (r *Registry) Refresh(ctx context.Context, account string) error {
	e, ok := r.Entry(account)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return e.Refresh(ctx)
}

// SetupAll sets up every entry concurrently. One account failing does
// not stop the others; the joined errors are returned.
func (r *Registry) SetupAll(ctx context.Context) error {
	entries := r.Entries()
	errs := make([]error, len(entries))

	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.Setup(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StartAll sets up every entry in the background, retrying transient
// failures, and returns immediately. Accounts still setting up report
// in Status as not loaded. done, if non-nil, is called once per entry
// with the final setup result.
func (r *Registry) StartAll(ctx context.Context, done func(account string, err error)) {
	for _, e := range r.Entries() {
		go func() {
			err := e.SetupWithRetry(ctx)
			if done != nil {
				done(e.Name(), err)
			}
		}()
	}
}

// UnloadAll unloads every entry.
func (r *Registry) UnloadAll(ctx context.Context) error {
	var errs []error
	for _, e := range r.Entries() {
		if err := e.Unload(ctx); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Status returns every entry's status, by account name.
func (r *Registry) Status() []Status {
	entries := r.Entries()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Status())
	}
	return out
}
