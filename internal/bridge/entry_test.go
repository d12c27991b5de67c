package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/miraie-bridge/internal/broker"
	"github.com/nugget/miraie-bridge/internal/climate"
	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/connwatch"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/miraie"
	"github.com/nugget/miraie-bridge/internal/statestore"
)

func ptr[T any](v T) *T { return &v }

func twoDevices() *fakeCloud {
	return newFakeCloud(device("ac-1", "u/1/ac-1"), device("ac-2", "u/1/ac-2"))
}

func guestRoomOverride(o *Options) {
	o.Account.Devices = []config.DeviceOverride{{
		ID:      "ac-2",
		Name:    "Guest room",
		Nanoe:   ptr(false),
		MaxTemp: ptr(28.0),
	}}
}

// waitEvent reads ch until an event of kind for deviceID arrives.
func waitEvent(t *testing.T, ch <-chan events.Event, kind, deviceID string) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind && ev.DeviceID == deviceID {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event for %q", kind, deviceID)
		}
	}
}

func TestSetup_Loaded(t *testing.T) {
	h := newHarness(t, twoDevices(), guestRoomOverride)
	h.setup(t)

	if got := h.entry.State(); got != EntryLoaded {
		t.Fatalf("State() = %v, want loaded", got)
	}
	for _, topic := range []string{"u/1/ac-1/state", "u/1/ac-2/state"} {
		if _, ok := h.session.handlers[topic]; !ok {
			t.Errorf("no subscription for %s", topic)
		}
	}
	if h.session.cfg.BrokerURL != config.DefaultBrokerURL {
		t.Errorf("BrokerURL = %q", h.session.cfg.BrokerURL)
	}

	creds, err := h.session.cfg.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() error: %v", err)
	}
	if creds.Username != "home-1" || creds.Password != "tok-1" {
		t.Errorf("Credentials() = %+v, want home ID and access token", creds)
	}

	snap, ok := h.entry.Snapshot("ac-2")
	if !ok {
		t.Fatal("ac-2 not held")
	}
	if snap.Device.Name != "Guest room" {
		t.Errorf("Name = %q, want override", snap.Device.Name)
	}
	if snap.Device.Capabilities.Nanoe || snap.Device.Capabilities.MaxTemp != 28 {
		t.Errorf("Capabilities = %+v, want nanoe off and max 28", snap.Device.Capabilities)
	}
	if !snap.Device.Capabilities.Powerful {
		t.Error("capabilities without an override should keep defaults")
	}
	if snap.Availability != climate.Unknown {
		t.Errorf("Availability = %v, want unknown before any payload", snap.Availability)
	}
	if snap.Device.CommandTopic != "u/1/ac-2/control" {
		t.Errorf("CommandTopic = %q", snap.Device.CommandTopic)
	}

	st := h.entry.Status()
	if st.Devices != 2 || !st.Healthy() || st.HomeID != "home-1" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestSetup_LoginFailureThenRetry(t *testing.T) {
	cloud := twoDevices()
	cloud.tokenErr = &miraie.AuthError{StatusCode: 401, Body: "bad password"}
	h := newHarness(t, cloud, nil)

	err := h.entry.Setup(context.Background())
	var authErr *miraie.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Setup() error = %v, want *miraie.AuthError", err)
	}
	if got := h.entry.State(); got != EntrySetupFailed {
		t.Errorf("State() = %v, want setup_failed", got)
	}
	if h.entry.Status().Error == "" {
		t.Error("Status().Error empty after failed setup")
	}

	cloud.mu.Lock()
	cloud.tokenErr = nil
	cloud.mu.Unlock()
	h.setup(t)
	if got := h.entry.State(); got != EntryLoaded {
		t.Errorf("State() after retry = %v, want loaded", got)
	}
}

func TestSetup_BrokerUnreachable(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.session.awaitErr = errors.New("connection refused")

	if err := h.entry.Setup(context.Background()); err == nil {
		t.Fatal("Setup() succeeded with an unreachable broker")
	}
	if got := h.entry.State(); got != EntrySetupFailed {
		t.Errorf("State() = %v, want setup_failed", got)
	}
	if !h.session.stopped {
		t.Error("session left running after failed setup")
	}
}

func TestSetup_OnlyFromSetupStates(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.setup(t)
	if err := h.entry.Setup(context.Background()); err == nil {
		t.Error("second Setup() on a loaded entry succeeded")
	}
}

func TestStatusPayload_UpdatesStateAndNotifies(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)
	h.setup(t)

	h.session.deliver(t, "u/1/ac-1/state", `{"onlineStatus":"true","acmd":"cool","actmp":"24.0","ps":"on"}`)

	snap, _ := h.entry.Snapshot("ac-1")
	if snap.State.Mode == nil || *snap.State.Mode != climate.ModeCool {
		t.Errorf("Mode = %v, want cool", snap.State.Mode)
	}
	if snap.Availability != climate.Online {
		t.Errorf("Availability = %v, want online", snap.Availability)
	}

	ev := waitEvent(t, ch, events.KindAvailabilityChanged, "ac-1")
	if ev.Data["availability"] != "online" || ev.Account != "home" {
		t.Errorf("availability event = %+v", ev)
	}
	ev = waitEvent(t, ch, events.KindStateChanged, "ac-1")
	attrs, ok := ev.Data["attributes"].(climate.Attributes)
	if !ok {
		t.Fatalf("attributes = %T, want climate.Attributes", ev.Data["attributes"])
	}
	if attrs.HVACMode != "cool" || *attrs.TargetTemperature != 24 {
		t.Errorf("attributes = %+v", attrs)
	}
}

func TestStatusPayload_MalformedIsDropped(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)
	h.setup(t)

	h.session.deliver(t, "u/1/ac-1/state", `{"acmd":"cool","actmp":"twenty"}`)

	ev := waitEvent(t, ch, events.KindDecodeFailed, "ac-1")
	if !strings.Contains(ev.Data["error"].(string), "actmp") {
		t.Errorf("decode event error = %v, want key named", ev.Data["error"])
	}
	snap, _ := h.entry.Snapshot("ac-1")
	if !snap.State.Empty() || snap.Availability != climate.Unknown {
		t.Errorf("snapshot changed by malformed payload: %+v", snap)
	}
}

func TestPoll_FeedsAdapter(t *testing.T) {
	cloud := twoDevices()
	cloud.status["ac-1"] = []byte(`{"onlineStatus":"true","rmtmp":"27.5"}`)
	h := newHarness(t, cloud, nil)
	h.setup(t)

	eventually(t, func() bool {
		snap, _ := h.entry.Snapshot("ac-1")
		return snap.State.RoomTemp != nil && *snap.State.RoomTemp == 27.5
	})
	// ac-2's poll fails; a failed fetch does not make it offline.
	if snap, _ := h.entry.Snapshot("ac-2"); snap.Availability != climate.Unknown {
		t.Errorf("ac-2 availability = %v, want unknown", snap.Availability)
	}
}

func payloadFields(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("payload %s: %v", raw, err)
	}
	return m
}

func TestSetHVACMode(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.setup(t)
	ctx := context.Background()

	if err := h.entry.SetHVACMode(ctx, "ac-1", "cool"); err != nil {
		t.Fatalf("SetHVACMode(cool) error: %v", err)
	}
	if err := h.entry.SetHVACMode(ctx, "ac-1", "off"); err != nil {
		t.Fatalf("SetHVACMode(off) error: %v", err)
	}

	got := h.session.publishes()
	if len(got) != 3 {
		t.Fatalf("published %d payloads, want 3", len(got))
	}
	want := []map[string]any{{"ps": "on"}, {"acmd": "cool"}, {"ps": "off"}}
	for i, p := range got {
		if p.topic != "u/1/ac-1/control" {
			t.Errorf("publish %d topic = %q", i, p.topic)
		}
		fields := payloadFields(t, p.payload)
		for k, v := range want[i] {
			if fields[k] != v {
				t.Errorf("publish %d %s = %v, want %v", i, k, fields[k], v)
			}
		}
		if fields["cnt"] != "an" || fields["sid"] != "1" {
			t.Errorf("publish %d missing envelope: %s", i, p.payload)
		}
	}
}

func TestCommand_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		device     string
		publishErr error
		run        func(e *Entry, id string) error
		check      func(error) bool
	}{
		{
			name:   "capability disabled",
			device: "ac-2",
			run:    func(e *Entry, id string) error { return e.Command(ctx, id, climate.SetNanoe(true)) },
			check: func(err error) bool {
				var u *climate.UnsupportedCommandError
				return errors.As(err, &u)
			},
		},
		{
			name:   "temperature out of range",
			device: "ac-1",
			run:    func(e *Entry, id string) error { return e.Command(ctx, id, climate.SetTargetTemperature(15)) },
			check: func(err error) bool {
				var inv *climate.InvalidCommandError
				return errors.As(err, &inv)
			},
		},
		{
			name:   "unknown hvac mode",
			device: "ac-1",
			run:    func(e *Entry, id string) error { return e.SetHVACMode(ctx, id, "blast") },
			check: func(err error) bool {
				var inv *climate.InvalidCommandError
				return errors.As(err, &inv)
			},
		},
		{
			name:   "unknown device",
			device: "ac-404",
			run:    func(e *Entry, id string) error { return e.Command(ctx, id, climate.SetPower(true)) },
			check:  func(err error) bool { return errors.Is(err, ErrUnknownDevice) },
		},
		{
			name:       "publish fails",
			device:     "ac-1",
			publishErr: broker.ErrNotConnected,
			run:        func(e *Entry, id string) error { return e.Command(ctx, id, climate.SetPower(true)) },
			check: func(err error) bool {
				var pe *broker.PublishError
				return errors.As(err, &pe) && errors.Is(err, broker.ErrNotConnected)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, twoDevices(), guestRoomOverride)
			h.setup(t)
			h.session.publishErr = tt.publishErr

			err := tt.run(h.entry, tt.device)
			if err == nil || !tt.check(err) {
				t.Fatalf("error = %v (%T)", err, err)
			}
			if n := len(h.session.publishes()); n != 0 {
				t.Errorf("published %d payloads for a failed command", n)
			}
		})
	}
}

func TestCommand_InvalidSecondCommandPublishesNothing(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.setup(t)

	err := h.entry.Command(context.Background(), "ac-1", climate.SetPower(true), climate.SetMode("blast"))
	if err == nil {
		t.Fatal("Command() accepted an invalid mode")
	}
	if n := len(h.session.publishes()); n != 0 {
		t.Errorf("published %d payloads, want none", n)
	}
}

func TestCommand_RateLimitedPerDevice(t *testing.T) {
	h := newHarness(t, twoDevices(), func(o *Options) {
		o.CommandRate = rate.Limit(0.001)
		o.CommandBurst = 1
	})
	h.setup(t)
	ctx := context.Background()

	if err := h.entry.Command(ctx, "ac-1", climate.SetPower(true)); err != nil {
		t.Fatalf("first command: %v", err)
	}
	if err := h.entry.Command(ctx, "ac-1", climate.SetPower(false)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second command error = %v, want ErrRateLimited", err)
	}
	if err := h.entry.Command(ctx, "ac-2", climate.SetPower(true)); err != nil {
		t.Errorf("other device limited too: %v", err)
	}
}

func TestCommand_NotLoaded(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	ctx := context.Background()

	if err := h.entry.Command(ctx, "ac-1", climate.SetPower(true)); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("before setup: error = %v, want ErrNotLoaded", err)
	}
	h.setup(t)
	if err := h.entry.Unload(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.entry.Command(ctx, "ac-1", climate.SetPower(true)); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("after unload: error = %v, want ErrNotLoaded", err)
	}
}

func TestUnload(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)
	h.setup(t)
	ctx := context.Background()

	if err := h.entry.Unload(ctx); err != nil {
		t.Fatalf("Unload() error: %v", err)
	}
	if got := h.entry.State(); got != EntryUnloaded {
		t.Errorf("State() = %v, want unloaded", got)
	}
	if !h.session.stopped {
		t.Error("session not stopped")
	}
	if !h.cloud.closed {
		t.Error("cloud client not closed")
	}
	if err := h.entry.Unload(ctx); err != nil {
		t.Errorf("second Unload() error: %v", err)
	}

	var states []string
	for len(ch) > 0 {
		ev := <-ch
		if ev.Kind == events.KindEntryState {
			states = append(states, ev.Data["state"].(string))
		}
	}
	want := "loaded,unloading,unloaded"
	if got := strings.Join(states, ","); got != want {
		t.Errorf("entry states = %s, want %s", got, want)
	}
}

func TestUnload_CancelsSetup(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	block := make(chan struct{})
	h.entry.opts.NewSession = func(cfg broker.Config) Session {
		h.session.cfg = cfg
		return &blockingSession{fakeSession: h.session, release: block}
	}

	errc := make(chan error, 1)
	go func() { errc <- h.entry.Setup(context.Background()) }()

	eventually(t, func() bool {
		h.entry.mu.Lock()
		defer h.entry.mu.Unlock()
		return h.entry.session != nil
	})
	if err := h.entry.Unload(context.Background()); err != nil {
		t.Fatalf("Unload() error: %v", err)
	}
	close(block)

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Setup() succeeded after Unload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Setup() did not return after Unload")
	}
	if got := h.entry.State(); got != EntryUnloaded {
		t.Errorf("State() = %v, want unloaded", got)
	}
}

// blockingSession waits in AwaitConnection until ctx ends.
type blockingSession struct {
	*fakeSession
	release chan struct{}
}

func (s *blockingSession) AwaitConnection(ctx context.Context) error {
	<-ctx.Done()
	<-s.release
	return ctx.Err()
}

func TestPersistAndRestore(t *testing.T) {
	store, err := statestore.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	withStore := func(o *Options) { o.Store = store }
	ctx := context.Background()

	first := newHarness(t, twoDevices(), withStore)
	first.setup(t)
	first.session.deliver(t, "u/1/ac-1/state", `{"onlineStatus":"true","actmp":"22.0","acmd":"dry"}`)
	if err := first.entry.Unload(ctx); err != nil {
		t.Fatal(err)
	}

	records, err := store.Load("home")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].DeviceID != "ac-1" || records[0].Availability != climate.Online {
		t.Fatalf("stored records = %+v", records)
	}

	second := newHarness(t, twoDevices(), withStore)
	second.setup(t)
	snap, _ := second.entry.Snapshot("ac-1")
	if snap.State.TargetTemp == nil || *snap.State.TargetTemp != 22 {
		t.Errorf("restored TargetTemp = %v, want 22", snap.State.TargetTemp)
	}
	if snap.Availability != climate.Unknown {
		t.Errorf("restored Availability = %v, want unknown until the device reports", snap.Availability)
	}
}

func TestSupervise_ReloginAndReconnectWhenFailed(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.setup(t)
	ctx := context.Background()

	h.session.mu.Lock()
	h.session.state = broker.StateFailed
	h.session.mu.Unlock()

	h.entry.superviseOnce(ctx)

	if h.cloud.invalidated != 1 {
		t.Errorf("token invalidated %d times, want 1", h.cloud.invalidated)
	}
	if h.session.reconnects != 1 {
		t.Errorf("Reconnect called %d times, want 1", h.session.reconnects)
	}
	if h.cloud.listCalls != 1 {
		t.Errorf("device list fetched %d times, want 1 (cached)", h.cloud.listCalls)
	}
}

func TestSupervise_TokenRefreshWhenDue(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.setup(t)
	ctx := context.Background()

	h.entry.superviseOnce(ctx)
	if h.cloud.invalidated != 0 {
		t.Fatalf("token refreshed before it was due")
	}

	h.advance(miraie.DefaultTokenLifetime + time.Minute)
	h.entry.superviseOnce(ctx)
	if h.cloud.invalidated != 1 {
		t.Errorf("token invalidated %d times, want 1", h.cloud.invalidated)
	}
	if h.session.reconnects != 0 {
		t.Error("healthy session asked to reconnect")
	}
	if got := h.entry.Status().LastLogin; !got.Equal(h.now()) {
		t.Errorf("LastLogin = %v, want %v", got, h.now())
	}
}

func TestSupervise_RejectedCredentials(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	h.setup(t)

	h.session.mu.Lock()
	h.session.state = broker.StateFailed
	h.session.mu.Unlock()
	h.cloud.mu.Lock()
	h.cloud.tokenErr = &miraie.AuthError{StatusCode: 401}
	h.cloud.mu.Unlock()

	h.entry.superviseOnce(context.Background())

	if h.session.reconnects != 0 {
		t.Error("reconnect requested without a valid token")
	}
	if !strings.Contains(h.entry.Status().Error, "login") {
		t.Errorf("Status().Error = %q, want login failure", h.entry.Status().Error)
	}
}

func TestRefresh_AddsAndRemovesDevices(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	ch := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(ch)
	h.setup(t)

	h.cloud.setDevices(device("ac-1", "u/1/ac-1"), device("ac-3", "u/1/ac-3"))
	if err := h.entry.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	var ids []string
	for _, s := range h.entry.Devices() {
		ids = append(ids, s.Device.ID)
	}
	if got := strings.Join(ids, ","); got != "ac-1,ac-3" {
		t.Errorf("devices = %s, want ac-1,ac-3", got)
	}
	if len(h.session.unsubs) != 1 || h.session.unsubs[0] != "u/1/ac-2/state" {
		t.Errorf("unsubscribed = %v", h.session.unsubs)
	}
	if _, ok := h.session.handlers["u/1/ac-3/state"]; !ok {
		t.Error("new device not subscribed")
	}
	waitEvent(t, ch, events.KindDeviceRemoved, "ac-2")
	waitEvent(t, ch, events.KindDeviceAdded, "ac-3")
}

func fastBackoff(o *Options) {
	o.Backoff = connwatch.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestSetup_RetrySubscribesEveryDeviceOnNewSession(t *testing.T) {
	h := newHarness(t, twoDevices(), nil)
	first := h.session
	first.awaitErr = errors.New("connection refused")

	if err := h.entry.Setup(context.Background()); err == nil {
		t.Fatal("Setup() succeeded with an unreachable broker")
	}

	h.session = &fakeSession{handlers: make(map[string]broker.Handler)}
	h.setup(t)

	if got := h.entry.State(); got != EntryLoaded {
		t.Fatalf("State() = %v, want loaded", got)
	}
	for _, topic := range []string{"u/1/ac-1/state", "u/1/ac-2/state"} {
		if _, ok := h.session.handlers[topic]; !ok {
			t.Errorf("retried session has no subscription for %s", topic)
		}
	}
	h.session.deliver(t, "u/1/ac-1/state", `{"onlineStatus":"true","rmtmp":"26.0"}`)
	if snap, _ := h.entry.Snapshot("ac-1"); snap.Availability != climate.Online {
		t.Errorf("Availability = %v, want online after live status", snap.Availability)
	}
}

func TestSetupWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		tokenErr  error
		wantErr   bool
		wantState EntryState
	}{
		{name: "broker comes up after failures", failures: 2, wantState: EntryLoaded},
		{name: "network login failure is retried", tokenErr: &miraie.AuthError{Err: errors.New("i/o timeout")}, wantState: EntryLoaded},
		{name: "rejected credentials stop retrying", tokenErr: &miraie.AuthError{StatusCode: 401}, wantErr: true, wantState: EntrySetupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cloud := twoDevices()
			cloud.tokenErr = tt.tokenErr

			var (
				mu       sync.Mutex
				sessions []*fakeSession
			)
			h := newHarness(t, cloud, func(o *Options) {
				fastBackoff(o)
				o.NewSession = func(cfg broker.Config) Session {
					mu.Lock()
					defer mu.Unlock()
					s := &fakeSession{cfg: cfg, handlers: make(map[string]broker.Handler)}
					if len(sessions) < tt.failures {
						s.awaitErr = errors.New("connection refused")
					}
					sessions = append(sessions, s)
					return s
				}
			})

			done := make(chan error, 1)
			go func() { done <- h.entry.SetupWithRetry(context.Background()) }()

			if tt.tokenErr != nil && !tt.wantErr {
				eventually(t, func() bool { return h.entry.State() == EntrySetupFailed })
				cloud.mu.Lock()
				cloud.tokenErr = nil
				cloud.mu.Unlock()
			}

			select {
			case err := <-done:
				if (err != nil) != tt.wantErr {
					t.Fatalf("SetupWithRetry() error = %v, wantErr %v", err, tt.wantErr)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("SetupWithRetry() did not return")
			}
			if got := h.entry.State(); got != tt.wantState {
				t.Errorf("State() = %v, want %v", got, tt.wantState)
			}

			mu.Lock()
			defer mu.Unlock()
			if tt.failures > 0 && len(sessions) != tt.failures+1 {
				t.Errorf("sessions built = %d, want %d", len(sessions), tt.failures+1)
			}
			if tt.wantState == EntryLoaded {
				last := sessions[len(sessions)-1]
				if len(last.handlers) != 2 {
					t.Errorf("final session subscriptions = %d, want 2", len(last.handlers))
				}
			}
		})
	}
}

func TestSetupWithRetry_StopsOnUnload(t *testing.T) {
	h := newHarness(t, twoDevices(), fastBackoff)
	h.session.awaitErr = errors.New("connection refused")

	done := make(chan error, 1)
	go func() { done <- h.entry.SetupWithRetry(context.Background()) }()

	eventually(t, func() bool { return h.entry.State() == EntrySetupFailed })
	if err := h.entry.Unload(context.Background()); err != nil {
		t.Fatalf("Unload() error: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("SetupWithRetry() = nil after unload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SetupWithRetry() kept retrying after unload")
	}
	if got := h.entry.State(); got != EntryUnloaded {
		t.Errorf("State() = %v, want unloaded", got)
	}
}
