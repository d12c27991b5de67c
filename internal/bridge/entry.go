// Package bridge ties one MirAIe account's cloud client, vendor MQTT
// session and device adapter together into an Entry with an explicit
// lifecycle, and keeps every configured Entry in a Registry.
//
// An Entry moves Setup → Loaded → Unloading → Unloaded, or Setup →
// SetupFailed when login, discovery or the first broker connect fails.
// Unload cancels anything Setup still has in flight.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/nugget/miraie-bridge/internal/broker"
	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/connwatch"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/metrics"
	"github.com/nugget/miraie-bridge/internal/miraie"
	"github.com/nugget/miraie-bridge/internal/statestore"
)

var (
	// ErrUnknownDevice is returned for a device ID no entry holds.
	ErrUnknownDevice = climate.ErrUnknownDevice
	// ErrRateLimited is returned when a device's command budget is spent.
	ErrRateLimited = errors.New("command rate limit exceeded")
	// ErrNotLoaded is returned for commands to an entry that is not Loaded.
	ErrNotLoaded = errors.New("account entry is not loaded")
	// ErrUnknownAccount is returned for an account name not configured.
	ErrUnknownAccount = errors.New("unknown account")
)

// EntryState is an Entry's lifecycle state.
type EntryState int

// Lifecycle states.
const (
	EntrySetup EntryState = iota
	EntryLoaded
	EntrySetupFailed
	EntryUnloading
	EntryUnloaded
)

func (s EntryState) String() string {
	switch s {
	case EntryLoaded:
		return "loaded"
	case EntrySetupFailed:
		return "setup_failed"
	case EntryUnloading:
		return "unloading"
	case EntryUnloaded:
		return "unloaded"
	default:
		return "setup"
	}
}

// Cloud is the part of the vendor REST client an Entry uses.
type Cloud interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Invalidate()
	HomeID(ctx context.Context) (string, error)
	ListDevices(ctx context.Context) ([]miraie.Device, error)
	DeviceStatus(ctx context.Context, deviceID string) ([]byte, error)
	Close()
}

// Session is the part of the vendor MQTT session an Entry uses.
type Session interface {
	Start(ctx context.Context) error
	AwaitConnection(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, h broker.Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	State() broker.State
	Status() broker.Status
	Reconnect()
	Stop(ctx context.Context) error
}

// Store persists last-known device state.
type Store interface {
	Save(account string, snap climate.Snapshot) error
	Load(account string) ([]statestore.Record, error)
	Delete(account, deviceID string) error
	Prune(account string, keep []string) (int, error)
}

// Options configures an Entry. Zero durations take the defaults noted.
type Options struct {
	Account config.AccountConfig
	Cloud   Cloud
	// NewSession builds the vendor MQTT session. Defaults to broker.New.
	NewSession func(cfg broker.Config) Session
	Backoff    connwatch.BackoffConfig

	PollInterval      time.Duration // REST status poll (default 5m)
	TokenRefresh      time.Duration // forced re-login (default 7d)
	StatusInterval    time.Duration // liveness interval (default 5m)
	MissedIntervals   int           // silent intervals before offline (default 3)
	SuperviseInterval time.Duration // supervisor tick (default 60s)
	DeviceCacheTTL    time.Duration // cloud device list cache (default 1h)

	CommandRate  rate.Limit // per device (default 2/s)
	CommandBurst int        // default 4

	Bus     *events.Bus
	Store   Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o *Options) applyDefaults() {
	if o.NewSession == nil {
		o.NewSession = func(cfg broker.Config) Session { return broker.New(cfg) }
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Minute
	}
	if o.TokenRefresh <= 0 {
		o.TokenRefresh = miraie.DefaultTokenLifetime
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 5 * time.Minute
	}
	if o.MissedIntervals <= 0 {
		o.MissedIntervals = 3
	}
	if o.SuperviseInterval <= 0 {
		o.SuperviseInterval = time.Minute
	}
	if o.DeviceCacheTTL <= 0 {
		o.DeviceCacheTTL = time.Hour
	}
	if o.CommandRate <= 0 {
		o.CommandRate = 2
	}
	if o.CommandBurst <= 0 {
		o.CommandBurst = 4
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

const deviceListKey = "devices"

// Entry is the per-account context: one cloud client, one vendor MQTT
// session, one adapter and the account's device set.
type Entry struct {
	opts    Options
	name    string
	logger  *slog.Logger
	cloud   Cloud
	adapter *climate.Adapter
	cache   *cache.Cache

	// ctx lives until Unload.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
	flush  chan struct{}

	// syncMu serializes device list changes.
	syncMu sync.Mutex

	mu         sync.Mutex
	state      EntryState
	lastErr    error
	session    Session
	homeID     string
	lastLogin  time.Time
	sessionUps int
	restored   bool
	limiters   map[string]*rate.Limiter

	pmu     sync.Mutex
	pending map[string]bool
}

// NewEntry creates an Entry in the Setup state. Nothing touches the
// network until Setup.
func NewEntry(opts Options) *Entry {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Entry{
		opts:     opts,
		name:     opts.Account.Name,
		logger:   opts.Logger.With("account", opts.Account.Name),
		cloud:    opts.Cloud,
		cache:    cache.New(opts.DeviceCacheTTL, 0),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		flush:    make(chan struct{}, 1),
		limiters: make(map[string]*rate.Limiter),
		pending:  make(map[string]bool),
	}
	e.adapter = climate.NewAdapter(climate.Config{
		StatusInterval:  opts.StatusInterval,
		MissedIntervals: opts.MissedIntervals,
		Notifier:        notifier{e},
		Logger:          e.logger,
		Now:             opts.Now,
	})

	e.wg.Add(1)
	go e.persistLoop()
	return e
}

// Name returns the account name.
func (e *Entry) Name() string { return e.name }

// State returns the lifecycle state.
func (e *Entry) State() EntryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// setState moves to next if the current state is one of from. It
// reports whether the transition happened.
func (e *Entry) setState(next EntryState, err error, from ...EntryState) bool {
	e.mu.Lock()
	prev := e.state
	allowed := false
	for _, f := range from {
		if prev == f {
			allowed = true
			break
		}
	}
	if !allowed {
		e.mu.Unlock()
		return false
	}
	e.state = next
	e.lastErr = err
	e.mu.Unlock()

	e.announce(prev, next, err)
	return true
}

func (e *Entry) announce(prev, next EntryState, err error) {
	data := map[string]any{"state": next.String(), "previous": prev.String()}
	if err != nil {
		data["error"] = err.Error()
		e.logger.Error("account entry state changed", "from", prev.String(), "to", next.String(), "error", err)
	} else {
		e.logger.Info("account entry state changed", "from", prev.String(), "to", next.String())
	}
	e.publish(events.SourceBridge, events.KindEntryState, "", data)
}

func (e *Entry) publish(source, kind, deviceID string, data map[string]any) {
	e.opts.Bus.Publish(events.Event{
		Source:   source,
		Kind:     kind,
		Account:  e.name,
		DeviceID: deviceID,
		Data:     data,
	})
}

// Setup logs in, discovers devices, restores persisted state and
// connects the vendor session. It returns once the session is
// connected or setup has failed. Setup may be retried after
// SetupFailed.
func (e *Entry) Setup(ctx context.Context) error {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st != EntrySetup && st != EntrySetupFailed {
		return fmt.Errorf("account %s: cannot set up from state %s", e.name, st)
	}
	e.setState(EntrySetup, nil, EntrySetupFailed)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	if err := e.setup(ctx); err != nil {
		e.mu.Lock()
		session := e.session
		e.session = nil
		e.mu.Unlock()
		if session != nil {
			stopCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			_ = session.Stop(stopCtx)
			done()
		}
		err = fmt.Errorf("account %s: %w", e.name, err)
		e.setState(EntrySetupFailed, err, EntrySetup)
		return err
	}
	return nil
}

// SetupWithRetry runs Setup until it succeeds, the vendor rejects the
// account credentials, or the entry unloads. Other failures are retried
// on the entry's backoff schedule with no attempt limit.
func (e *Entry) SetupWithRetry(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	backoff := connwatch.NewBackoff(e.opts.Backoff)
	for attempt := 1; ; attempt++ {
		err := e.Setup(ctx)
		if err == nil {
			return nil
		}
		if credentialsRejected(err) {
			e.logger.Error("vendor rejected account credentials; update the configuration", "error", err)
			return err
		}
		if e.State() != EntrySetupFailed {
			return err
		}
		delay := backoff.Next()
		e.logger.Warn("account setup failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !connwatch.SleepCtx(ctx, delay) {
			return err
		}
	}
}

// credentialsRejected reports whether err carries a 4xx login failure.
// Network and server-side login failures are transient.
func credentialsRejected(err error) bool {
	var authErr *miraie.AuthError
	return errors.As(err, &authErr) && authErr.StatusCode >= 400 && authErr.StatusCode < 500
}

func (e *Entry) setup(ctx context.Context) error {
	if err := e.login(ctx); err != nil {
		return err
	}
	homeID, err := e.cloud.HomeID(ctx)
	if err != nil {
		return fmt.Errorf("home lookup: %w", err)
	}
	devices, err := e.listDevices(ctx, true)
	if err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}

	session := e.opts.NewSession(broker.Config{
		BrokerURL:     e.opts.Account.BrokerURL,
		Credentials:   e.credentials,
		Backoff:       e.opts.Backoff,
		OnStateChange: e.onSessionState,
		Logger:        e.logger,
	})

	e.mu.Lock()
	if e.state != EntrySetup {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	e.homeID = homeID
	e.session = session
	e.mu.Unlock()

	// A retried setup holds devices from the earlier attempt; the new
	// session still needs every status subscription.
	e.applyDevices(ctx, devices, true)
	e.restore()

	if err := session.Start(e.ctx); err != nil {
		return fmt.Errorf("start vendor session: %w", err)
	}
	if err := session.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("vendor broker: %w", err)
	}

	// Loops are only started while still in Setup so Unload's Wait
	// never races an Add.
	e.mu.Lock()
	if e.state != EntrySetup {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	e.wg.Add(2)
	e.mu.Unlock()
	go e.pollLoop()
	go e.supervise()

	if !e.setState(EntryLoaded, nil, EntrySetup) {
		return ErrNotLoaded
	}
	e.logger.Info("account entry loaded", "home_id", homeID, "devices", len(devices))
	return nil
}

// login fetches a token through the client's cached token source.
func (e *Entry) login(ctx context.Context) error {
	_, err := e.cloud.Token(ctx)
	e.opts.Metrics.Login(e.name, err == nil)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	e.mu.Lock()
	e.lastLogin = e.opts.Now()
	e.mu.Unlock()
	return nil
}

// refreshToken discards the cached token and logs in again.
func (e *Entry) refreshToken(ctx context.Context) error {
	e.cloud.Invalidate()
	if err := e.login(ctx); err != nil {
		return err
	}
	e.publish(events.SourceBridge, events.KindTokenRefreshed, "", nil)
	e.logger.Info("vendor token refreshed")
	return nil
}

// credentials supplies the vendor broker login: home ID and the
// current access token.
func (e *Entry) credentials(ctx context.Context) (broker.Credentials, error) {
	tok, err := e.cloud.Token(ctx)
	if err != nil {
		return broker.Credentials{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return broker.Credentials{Username: e.homeID, Password: tok.AccessToken}, nil
}

func (e *Entry) onSessionState(state broker.State, err error) {
	switch state {
	case broker.StateConnected:
		e.mu.Lock()
		e.sessionUps++
		reconnect := e.sessionUps > 1
		e.mu.Unlock()
		e.opts.Metrics.BrokerConnected(e.name, true, reconnect)
		e.publish(events.SourceBroker, events.KindConnected, "", map[string]any{"reconnect": reconnect})
	case broker.StateReconnecting:
		if err == nil {
			return
		}
		e.opts.Metrics.BrokerConnected(e.name, false, false)
		e.publish(events.SourceBroker, events.KindDisconnected, "", map[string]any{"error": err.Error()})
	case broker.StateFailed:
		e.opts.Metrics.BrokerConnected(e.name, false, false)
		data := map[string]any{}
		if err != nil {
			data["error"] = err.Error()
		}
		e.publish(events.SourceBroker, events.KindReconnectFailed, "", data)
		e.wakeSupervisor()
	}
}

func (e *Entry) wakeSupervisor() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// listDevices returns the cloud device list, from cache unless force.
func (e *Entry) listDevices(ctx context.Context, force bool) ([]miraie.Device, error) {
	if !force {
		if v, ok := e.cache.Get(deviceListKey); ok {
			return v.([]miraie.Device), nil
		}
	}
	devices, err := e.cloud.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(deviceListKey, devices)
	return devices, nil
}

// Refresh re-reads the device list from the cloud, applies additions
// and removals, and polls every device's status once.
func (e *Entry) Refresh(ctx context.Context) error {
	if e.State() != EntryLoaded {
		return ErrNotLoaded
	}
	devices, err := e.listDevices(ctx, true)
	if err != nil {
		return fmt.Errorf("account %s: refresh devices: %w", e.name, err)
	}
	e.applyDevices(ctx, devices, false)
	e.pollOnce(ctx)
	return nil
}

// applyDevices reconciles the adapter with the cloud device list. New
// devices are subscribed on the current session; resubscribe extends
// that to every device.
func (e *Entry) applyDevices(ctx context.Context, devices []miraie.Device, resubscribe bool) {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	e.mu.Lock()
	session := e.session
	e.mu.Unlock()

	want := make(map[string]climate.Device, len(devices))
	for _, d := range devices {
		want[d.ID] = toClimateDevice(e.opts.Account, d)
	}

	for _, id := range e.adapter.DeviceIDs() {
		if _, ok := want[id]; !ok {
			e.removeDevice(ctx, session, id)
		}
	}

	for _, d := range devices {
		cd := want[d.ID]
		_, known := e.adapter.Snapshot(cd.ID)
		e.adapter.AddDevice(cd)
		if session != nil && (!known || resubscribe) {
			if err := session.Subscribe(ctx, cd.StatusTopic, e.statusHandler(cd.ID)); err != nil {
				e.logger.Warn("status subscribe failed", "device_id", cd.ID, "topic", cd.StatusTopic, "error", err)
			}
		}
		if known {
			continue
		}
		e.opts.Metrics.DeviceAvailability(e.name, cd.ID, -1)
		e.publish(events.SourceBridge, events.KindDeviceAdded, cd.ID, map[string]any{
			"name":    cd.Name,
			"home_id": cd.HomeID,
		})
		e.logger.Info("device added", "device_id", cd.ID, "name", cd.Name, "space", cd.SpaceName)
	}

	if e.opts.Store != nil {
		if n, err := e.opts.Store.Prune(e.name, e.adapter.DeviceIDs()); err != nil {
			e.logger.Warn("state store prune failed", "error", err)
		} else if n > 0 {
			e.logger.Debug("pruned stored state for removed devices", "count", n)
		}
	}
}

func (e *Entry) removeDevice(ctx context.Context, session Session, id string) {
	snap, ok := e.adapter.Snapshot(id)
	if !ok {
		return
	}
	e.adapter.RemoveDevice(id)
	if session != nil {
		if err := session.Unsubscribe(ctx, snap.Device.StatusTopic); err != nil {
			e.logger.Warn("status unsubscribe failed", "device_id", id, "error", err)
		}
	}
	e.mu.Lock()
	delete(e.limiters, id)
	e.mu.Unlock()
	e.opts.Metrics.ForgetDevice(e.name, id)
	e.publish(events.SourceBridge, events.KindDeviceRemoved, id, nil)
	e.logger.Info("device removed", "device_id", id)
}

// toClimateDevice applies the account's per-device overrides.
func toClimateDevice(acct config.AccountConfig, d miraie.Device) climate.Device {
	cd := climate.Device{
		ID:           d.ID,
		Name:         d.Name,
		HomeID:       d.HomeID,
		HomeName:     d.HomeName,
		SpaceName:    d.SpaceName,
		StatusTopic:  d.StatusTopic(),
		CommandTopic: d.CommandTopic(),
		Capabilities: climate.DefaultCapabilities(),
	}
	o, ok := acct.Override(d.ID)
	if !ok {
		return cd
	}
	if o.Name != "" {
		cd.Name = o.Name
	}
	c := &cd.Capabilities
	setIf(&c.Nanoe, o.Nanoe)
	setIf(&c.Powerful, o.Powerful)
	setIf(&c.Economy, o.Economy)
	setIf(&c.VerticalSwing, o.VerticalSwing)
	setIf(&c.HorizontalSwing, o.HorizontalSwing)
	setIf(&c.MinTemp, o.MinTemp)
	setIf(&c.MaxTemp, o.MaxTemp)
	setIf(&c.TempStep, o.TempStep)
	return cd
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// restore seeds held devices with their persisted state, once per
// entry.
func (e *Entry) restore() {
	if e.opts.Store == nil {
		return
	}
	e.mu.Lock()
	done := e.restored
	e.restored = true
	e.mu.Unlock()
	if done {
		return
	}
	records, err := e.opts.Store.Load(e.name)
	if err != nil {
		e.logger.Warn("loading stored device state failed", "error", err)
		return
	}
	n := 0
	for _, r := range records {
		if err := e.adapter.Restore(r.DeviceID, r.State); err == nil {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("restored last-known device state", "devices", n)
	}
}

func (e *Entry) statusHandler(id string) broker.Handler {
	return func(_ string, payload []byte) {
		e.ingest(id, payload)
	}
}

// ingest feeds one raw status payload to the adapter.
func (e *Entry) ingest(id string, raw []byte) {
	err := e.adapter.OnStatusPayload(id, raw)
	switch {
	case err == nil:
		e.opts.Metrics.Payload(e.name, id, true, float64(e.opts.Now().Unix()))
	case errors.Is(err, climate.ErrUnknownDevice):
		e.logger.Debug("status for unknown device", "device_id", id)
	default:
		e.opts.Metrics.Payload(e.name, id, false, 0)
		e.publish(events.SourceClimate, events.KindDecodeFailed, id, map[string]any{"error": err.Error()})
	}
}

// Unload stops the entry's loops and vendor session. Setup still in
// flight is cancelled. Unload is idempotent.
func (e *Entry) Unload(ctx context.Context) error {
	e.mu.Lock()
	prev := e.state
	if prev == EntryUnloading || prev == EntryUnloaded {
		e.mu.Unlock()
		return nil
	}
	e.state = EntryUnloading
	session := e.session
	e.session = nil
	e.mu.Unlock()
	e.announce(prev, EntryUnloading, nil)

	e.cancel()
	var errs []error
	if session != nil {
		if err := session.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop vendor session: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background loops: %w", ctx.Err()))
	}

	e.flushPending()
	e.cloud.Close()

	e.setState(EntryUnloaded, nil, EntryUnloading)
	return errors.Join(errs...)
}

// Snapshot returns one device's snapshot.
func (e *Entry) Snapshot(deviceID string) (climate.Snapshot, bool) {
	return e.adapter.Snapshot(deviceID)
}

// Devices returns snapshots of every device, sorted by ID.
func (e *Entry) Devices() []climate.Snapshot {
	return e.adapter.Devices()
}

// HasDevice reports whether the entry holds deviceID.
func (e *Entry) HasDevice(deviceID string) bool {
	_, ok := e.adapter.Snapshot(deviceID)
	return ok
}

// Status summarizes the entry for health output.
type Status struct {
	Account   string         `json:"account"`
	State     string         `json:"state"`
	Error     string         `json:"error,omitempty"`
	HomeID    string         `json:"home_id,omitempty"`
	LastLogin time.Time      `json:"last_login,omitzero"`
	Broker    *broker.Status `json:"broker,omitempty"`
	Devices   int            `json:"devices"`
	Online    int            `json:"online"`
}

// Healthy reports whether the entry is Loaded with a connected session.
func (s Status) Healthy() bool {
	return s.State == EntryLoaded.String() && s.Broker != nil && s.Broker.State == broker.StateConnected.String()
}

// Status returns the entry's current status.
func (e *Entry) Status() Status {
	e.mu.Lock()
	s := Status{
		Account:   e.name,
		State:     e.state.String(),
		HomeID:    e.homeID,
		LastLogin: e.lastLogin,
	}
	if e.lastErr != nil {
		s.Error = e.lastErr.Error()
	}
	session := e.session
	e.mu.Unlock()

	if session != nil {
		bs := session.Status()
		s.Broker = &bs
	}
	for _, snap := range e.adapter.Devices() {
		s.Devices++
		if snap.Availability == climate.Online {
			s.Online++
		}
	}
	return s
}
