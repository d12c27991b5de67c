package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/miraie-bridge/internal/broker"
	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/events"
	"github.com/nugget/miraie-bridge/internal/miraie"
)

type fakeCloud struct {
	mu          sync.Mutex
	tokenErr    error
	tokens      int
	invalidated int
	homeID      string
	devices     []miraie.Device
	listCalls   int
	status      map[string][]byte
	closed      bool
}

func newFakeCloud(devices ...miraie.Device) *fakeCloud {
	return &fakeCloud{homeID: "home-1", devices: devices, status: map[string][]byte{}}
}

func (c *fakeCloud) Token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenErr != nil {
		return nil, c.tokenErr
	}
	c.tokens++
	return &oauth2.Token{AccessToken: "tok-1", TokenType: "Bearer"}, nil
}

func (c *fakeCloud) Invalidate() {
	c.mu.Lock()
	c.invalidated++
	c.mu.Unlock()
}

func (c *fakeCloud) HomeID(ctx context.Context) (string, error) { return c.homeID, nil }

func (c *fakeCloud) ListDevices(ctx context.Context) ([]miraie.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	return append([]miraie.Device(nil), c.devices...), nil
}

func (c *fakeCloud) setDevices(devices ...miraie.Device) {
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
}

func (c *fakeCloud) DeviceStatus(ctx context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.status[id]
	if !ok {
		return nil, &miraie.APIError{Op: "device status", StatusCode: 503}
	}
	return raw, nil
}

func (c *fakeCloud) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

type publishCall struct {
	topic   string
	payload string
}

type fakeSession struct {
	cfg broker.Config

	mu         sync.Mutex
	state      broker.State
	awaitErr   error
	publishErr error
	handlers   map[string]broker.Handler
	unsubs     []string
	published  []publishCall
	reconnects int
	stopped    bool
}

func (s *fakeSession) Start(ctx context.Context) error {
	s.mu.Lock()
	s.state = broker.StateConnected
	s.mu.Unlock()
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(broker.StateConnected, nil)
	}
	return nil
}

func (s *fakeSession) AwaitConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaitErr
}

func (s *fakeSession) Subscribe(ctx context.Context, topic string, h broker.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = h
	return nil
}

func (s *fakeSession) Unsubscribe(ctx context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, topic)
	s.unsubs = append(s.unsubs, topic)
	return nil
}

func (s *fakeSession) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return &broker.PublishError{Topic: topic, Err: s.publishErr}
	}
	s.published = append(s.published, publishCall{topic, string(payload)})
	return nil
}

func (s *fakeSession) State() broker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSession) Status() broker.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return broker.Status{State: s.state.String(), Subscriptions: len(s.handlers)}
}

func (s *fakeSession) Reconnect() {
	s.mu.Lock()
	s.reconnects++
	s.state = broker.StateConnected
	s.mu.Unlock()
}

func (s *fakeSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.state = broker.StateStopped
	s.mu.Unlock()
	return nil
}

// deliver pushes a payload through the subscribed handler for topic.
func (s *fakeSession) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	s.mu.Lock()
	h := s.handlers[topic]
	s.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscription for %s", topic)
	}
	h(topic, []byte(payload))
}

func (s *fakeSession) publishes() []publishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishCall(nil), s.published...)
}

func device(id, base string) miraie.Device {
	return miraie.Device{
		ID:        id,
		Name:      "AC " + id,
		BaseTopic: base,
		HomeID:    "home-1",
		HomeName:  "Home",
		SpaceName: "Bedroom",
	}
}

type harness struct {
	entry   *Entry
	cloud   *fakeCloud
	session *fakeSession
	bus     *events.Bus

	mu    sync.Mutex
	clock time.Time
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

// newHarness builds an entry around fakes. mutate may adjust options
// before the entry is created.
func newHarness(t *testing.T, cloud *fakeCloud, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		cloud: cloud,
		bus:   events.New(),
		clock: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.session = &fakeSession{handlers: make(map[string]broker.Handler)}
	opts := Options{
		Account: config.AccountConfig{Name: "home", BrokerURL: config.DefaultBrokerURL},
		Cloud:   cloud,
		NewSession: func(cfg broker.Config) Session {
			h.session.cfg = cfg
			return h.session
		},
		PollInterval:      time.Hour,
		SuperviseInterval: time.Hour,
		Bus:               h.bus,
		Now:               h.now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.entry = NewEntry(opts)
	t.Cleanup(func() { _ = h.entry.Unload(context.Background()) })
	return h
}

func (h *harness) setup(t *testing.T) {
	t.Helper()
	if err := h.entry.Setup(context.Background()); err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
