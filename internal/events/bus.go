// Package events provides a publish/subscribe event bus that carries
// device and connection changes from the bridge core to its outer
// surfaces: the Home Assistant MQTT facade, the websocket event stream
// and the state store. The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceClimate identifies events from the device adapter.
	SourceClimate = "climate"
	// SourceBroker identifies events from the vendor MQTT session.
	SourceBroker = "broker"
	// SourceBridge identifies events from an account entry's lifecycle.
	SourceBridge = "bridge"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals a merged status update for a device.
	// Data: attributes (map[string]any as produced by the encoder).
	KindStateChanged = "state_changed"
	// KindAvailabilityChanged signals an availability transition.
	// Data: availability ("online", "offline"), previous.
	KindAvailabilityChanged = "availability_changed"
	// KindDeviceAdded signals a device joined an entry after discovery.
	// Data: name, home_id.
	KindDeviceAdded = "device_added"
	// KindDeviceRemoved signals a device was dropped from an entry.
	KindDeviceRemoved = "device_removed"
	// KindDecodeFailed signals a status payload that was rejected whole.
	// Data: error.
	KindDecodeFailed = "decode_failed"

	// KindCommandPublished signals a command reached the broker.
	// Data: topic, payload.
	KindCommandPublished = "command_published"
	// KindCommandFailed signals a command that could not be built or sent.
	// Data: error.
	KindCommandFailed = "command_failed"

	// KindConnected signals the vendor MQTT session came up.
	// Data: attempts.
	KindConnected = "connected"
	// KindDisconnected signals the vendor MQTT session dropped.
	// Data: error.
	KindDisconnected = "disconnected"
	// KindReconnectFailed signals the reconnect loop gave up.
	// Data: attempts, error.
	KindReconnectFailed = "reconnect_failed"

	// KindEntryState signals an entry lifecycle transition.
	// Data: state, previous, error.
	KindEntryState = "entry_state"
	// KindTokenRefreshed signals a fresh vendor login.
	KindTokenRefreshed = "token_refreshed"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred. Publish fills it in when zero.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Account is the configured account name the event belongs to.
	Account string `json:"account,omitempty"`
	// DeviceID is set for device-scoped events.
	DeviceID string `json:"device_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs.
	recvToSend map[<-chan Event]chan Event
	dropped    map[chan Event]uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		dropped:    make(map[chan Event]uint64),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped[ch]++
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. Consumers that must not
// miss state (the MQTT facade) should use a generous buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	delete(b.dropped, sendCh)
	close(sendCh)
}

// Dropped returns how many events were dropped for ch because its
// buffer was full.
func (b *Bus) Dropped(ch <-chan Event) uint64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[b.recvToSend[ch]]
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
