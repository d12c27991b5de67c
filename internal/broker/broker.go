// Package broker owns the MQTT session to the MirAIe vendor broker for
// one account. It subscribes to device status topics, publishes command
// payloads, and reconnects with capped exponential backoff when the
// session drops, resubscribing every registered topic on each
// reconnect.
//
// Publishes are fire-and-forget. A publish while disconnected fails
// immediately with a *PublishError and is never queued or retried.
package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/connwatch"
)

// State is the session's connection state.
type State int

// Session states. Failed means the reconnect budget is spent and the
// manager waits for [Manager.Reconnect].
const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Credentials are the MQTT username and password for one connect.
type Credentials struct {
	Username string
	Password string
}

// CredentialsFunc supplies fresh credentials before every connect
// attempt. The vendor broker takes the home ID as username and the
// current access token as password.
type CredentialsFunc func(ctx context.Context) (Credentials, error)

// Handler receives messages for a subscribed topic. It runs on the MQTT
// client's own goroutine.
type Handler func(topic string, payload []byte)

// Client is the subset of the paho client the manager drives.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Defaults for Config fields left zero.
const (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultOpTimeout      = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	// BrokerURL is mqtts://host:port, ssl://host:port or tcp://host:port.
	BrokerURL   string
	ClientID    string
	Credentials CredentialsFunc
	Backoff     connwatch.BackoffConfig
	QoS         byte

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// OpTimeout bounds a single publish, subscribe or unsubscribe.
	OpTimeout time.Duration
	TLSConfig *tls.Config

	// OnStateChange is called from the session goroutine after every
	// state transition. Optional; must not block.
	OnStateChange func(state State, err error)
	Logger        *slog.Logger

	// Dial, Sleep and Now are replaced in tests.
	Dial  func(opts *mqtt.ClientOptions) Client
	Sleep func(ctx context.Context, d time.Duration) bool
	Now   func() time.Time
}

// Manager owns one MQTT session.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	backoff *connwatch.Backoff
	client  Client

	lost      chan error
	reconnect chan struct{}

	mu        sync.Mutex
	state     State
	lastErr   error
	changed   chan struct{}
	creds     Credentials
	subs      map[string]Handler
	since     time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	connCount int
}

// NewClientID returns a client ID in the vendor app's format.
func NewClientID() string {
	return "ha-panasonic-miraie-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// New creates a Manager. Nothing connects until Start.
func New(cfg Config) *Manager {
	if cfg.ClientID == "" {
		cfg.ClientID = NewClientID()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(opts *mqtt.ClientOptions) Client { return mqtt.NewClient(opts) }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = connwatch.SleepCtx
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff.MaxRetries <= 0 {
		cfg.Backoff.MaxRetries = connwatch.DefaultBackoffConfig().MaxRetries
	}

	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		backoff:   connwatch.NewBackoff(cfg.Backoff),
		lost:      make(chan error, 1),
		reconnect: make(chan struct{}, 1),
		changed:   make(chan struct{}),
		subs:      make(map[string]Handler),
	}
}

// brokerAddress maps the configured URL onto a scheme paho dials.
func brokerAddress(raw string) (addr string, useTLS bool, host string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, "", fmt.Errorf("parse broker url: %w", err)
	}
	if u.Host == "" {
		return "", false, "", fmt.Errorf("broker url %q has no host", raw)
	}
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		return "ssl://" + u.Host, true, u.Hostname(), nil
	case "mqtt", "tcp":
		return "tcp://" + u.Host, false, u.Hostname(), nil
	default:
		return "", false, "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// Start creates the MQTT client and launches the session goroutine. It
// returns once the goroutine is running; use AwaitConnection to wait
// for the first connect.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.Credentials == nil {
		return errors.New("broker: no credentials provider")
	}
	addr, useTLS, host, err := brokerAddress(m.cfg.BrokerURL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return errors.New("broker: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(addr).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(m.cfg.KeepAlive).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCredentialsProvider(m.currentCredentials).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case m.lost <- err:
			default:
			}
		})
	if useTLS {
		tlsCfg := m.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		}
		opts.SetTLSConfig(tlsCfg)
	}
	m.client = m.cfg.Dial(opts)

	go m.run(runCtx)
	return nil
}

func (m *Manager) currentCredentials() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Username, m.creds.Password
}

// run is the session loop: connect, wait for loss, back off, repeat.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	first := true
	for {
		if !m.connectWithRetry(ctx, first) {
			return
		}
		first = false
		m.mu.Lock()
		connectedAt := m.since
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case err := <-m.lost:
			up := m.cfg.Now().Sub(connectedAt)
			if m.backoff.ObserveUptime(up) {
				m.logger.Debug("connection was stable, backoff reset", "uptime", up.String())
			}
			m.logger.Warn("vendor mqtt connection lost", "error", err, "uptime", up.String())
			m.setState(StateReconnecting, err)
		}
	}
}

// connectWithRetry connects, backing off between attempts. After
// MaxRetries failures the manager enters StateFailed and waits for
// Reconnect. It returns false when ctx ends.
func (m *Manager) connectWithRetry(ctx context.Context, first bool) bool {
	maxRetries := m.cfg.Backoff.MaxRetries
	if first {
		m.setState(StateConnecting, nil)
	}

	attempt := 0
	wait := !first
	for {
		if wait {
			delay := m.backoff.Next()
			m.logger.Debug("waiting before vendor mqtt reconnect", "delay", delay.String(), "attempt", attempt+1)
			if !m.cfg.Sleep(ctx, delay) {
				return false
			}
		}
		wait = true
		attempt++

		err := m.connectOnce(ctx)
		if err == nil {
			m.mu.Lock()
			m.since = m.cfg.Now()
			m.connCount++
			m.mu.Unlock()
			m.logger.Info("vendor mqtt connected", "attempts", attempt, "client_id", m.cfg.ClientID)
			m.setState(StateConnected, nil)
			m.resubscribe()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.logger.Warn("vendor mqtt connect failed",
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)

		if attempt >= maxRetries {
			m.setState(StateFailed, err)
			m.logger.Error("vendor mqtt reconnect budget exhausted", "attempts", attempt, "error", err)
			select {
			case <-ctx.Done():
				return false
			case <-m.reconnect:
			}
			m.logger.Info("vendor mqtt reconnect requested")
			m.setState(StateReconnecting, nil)
			attempt = 0
			wait = false
			continue
		}
		m.setState(StateReconnecting, err)
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	creds, err := m.cfg.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	// A drop notice from a previous session must not end the new one.
	select {
	case <-m.lost:
	default:
	}

	return m.wait(ctx, m.client.Connect(), m.cfg.ConnectTimeout)
}

var (
	// ErrNotConnected is the cause of a publish while disconnected.
	ErrNotConnected = errors.New("not connected to vendor broker")
	// ErrTimeout is the cause of an operation the broker did not
	// acknowledge in time.
	ErrTimeout = errors.New("timed out waiting for vendor broker")
)

// PublishError reports a command that was not delivered to the broker.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// wait blocks on tok for at most timeout or until ctx ends.
func (m *Manager) wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends payload to topic. It fails with a *PublishError when the
// session is down or the broker does not take the message.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.State() != StateConnected {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}
	m.logger.Log(ctx, config.LevelTrace, "vendor mqtt publish", "topic", topic, "payload", string(payload))
	if err := m.wait(ctx, m.client.Publish(topic, m.cfg.QoS, false, payload), m.cfg.OpTimeout); err != nil {
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

// Subscribe registers handler for topic. The subscription is sent now
// if connected and again after every reconnect. A second Subscribe for
// the same topic replaces the handler.
func (m *Manager) Subscribe(ctx context.Context, topic string, handler Handler) error {
	m.mu.Lock()
	m.subs[topic] = handler
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	if err := m.wait(ctx, m.client.Subscribe(topic, m.cfg.QoS, m.dispatch), m.cfg.OpTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	m.logger.Debug("vendor mqtt subscribed", "topic", topic)
	return nil
}

// Unsubscribe removes the handler for topic.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	_, ok := m.subs[topic]
	delete(m.subs, topic)
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	if err := m.wait(ctx, m.client.Unsubscribe(topic), m.cfg.OpTimeout); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// dispatch routes an inbound message to the handler registered for its
// topic at delivery time.
func (m *Manager) dispatch(_ mqtt.Client, msg mqtt.Message) {
	m.mu.Lock()
	h := m.subs[msg.Topic()]
	m.mu.Unlock()
	if h == nil {
		m.logger.Debug("message on unsubscribed topic", "topic", msg.Topic())
		return
	}
	h(msg.Topic(), msg.Payload())
}

func (m *Manager) resubscribe() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, t := range topics {
		if err := m.wait(ctx, m.client.Subscribe(t, m.cfg.QoS, m.dispatch), m.cfg.OpTimeout); err != nil {
			m.logger.Warn("vendor mqtt resubscribe failed", "topic", t, "error", err)
		}
	}
	if len(topics) > 0 {
		m.logger.Debug("vendor mqtt resubscribed", "topics", len(topics))
	}
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.lastErr = err
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(s, err)
	}
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status describes the session for health output.
type Status struct {
	State          string    `json:"state"`
	ConnectedSince time.Time `json:"connected_since,omitzero"`
	Connects       int       `json:"connects"`
	Subscriptions  int       `json:"subscriptions"`
	LastError      string    `json:"last_error,omitempty"`
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:         m.state.String(),
		Connects:      m.connCount,
		Subscriptions: len(m.subs),
	}
	if m.state == StateConnected {
		s.ConnectedSince = m.since
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// AwaitConnection blocks until the session is connected, ctx ends, or
// the manager gives up. It returns nil once connected.
func (m *Manager) AwaitConnection(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, lastErr, changed := m.state, m.lastErr, m.changed
		m.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			return fmt.Errorf("vendor broker unreachable: %w", lastErr)
		case StateStopped:
			return errors.New("broker stopped")
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		case <-changed:
		}
	}
}

// Reconnect restarts connect attempts after the manager has entered
// StateFailed. It has no effect in any other state.
func (m *Manager) Reconnect() {
	if m.State() != StateFailed {
		return
	}
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// Stop ends the session and disconnects. It waits for the session
// goroutine to exit or ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if m.client != nil && m.client.IsConnectionOpen() {
		m.client.Disconnect(250)
	}

	m.mu.Lock()
	m.state = StateStopped
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(StateStopped, nil)
	}
	m.logger.Info("vendor mqtt session stopped", "client_id", m.cfg.ClientID)
	return nil
}
