package server

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaomanyi/AutoXPlugin/internal/protocol"
)

// Listener observes device events. Callbacks run on the goroutine of the
// session that produced the event, so they must not block for long.
type Listener interface {
	OnConnected(d Device)
	OnDisconnected(d Device)
	OnLog(d Device, text string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Connected    func(Device)
	Disconnected func(Device)
	Log          func(Device, string)
}

func (f ListenerFuncs) OnConnected(d Device) {
	if f.Connected != nil {
		f.Connected(d)
	}
}

func (f ListenerFuncs) OnDisconnected(d Device) {
	if f.Disconnected != nil {
		f.Disconnected(d)
	}
}

func (f ListenerFuncs) OnLog(d Device, text string) {
	if f.Log != nil {
		f.Log(d, text)
	}
}

// Subscription identifies one registered listener.
type Subscription uint64

type subscriber struct {
	token    Subscription
	consumer string
	listener Listener
}

// Multiplexer fans every hub event out to all listeners of all consumers.
// Removing one consumer's listeners never touches another's, nor the
// device registry.
type Multiplexer struct {
	log zerolog.Logger

	mu   sync.RWMutex
	next Subscription
	subs map[Subscription]subscriber
}

// NewMultiplexer returns a multiplexer with no subscribers.
func NewMultiplexer(log zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		log:  log,
		subs: make(map[Subscription]subscriber),
	}
}

// Subscribe registers l on behalf of consumerID.
func (m *Multiplexer) Subscribe(consumerID string, l Listener) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.subs[m.next] = subscriber{token: m.next, consumer: consumerID, listener: l}
	return m.next
}

// Unsubscribe removes one listener. It reports whether it was registered.
func (m *Multiplexer) Unsubscribe(token Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[token]; !ok {
		return false
	}
	delete(m.subs, token)
	return true
}

// UnsubscribeAll removes every listener of consumerID and returns how many
// there were.
func (m *Multiplexer) UnsubscribeAll(consumerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for token, sub := range m.subs {
		if sub.consumer == consumerID {
			delete(m.subs, token)
			n++
		}
	}
	return n
}

// Consumers returns the sorted ids of consumers with at least one listener.
func (m *Multiplexer) Consumers() []string {
	m.mu.RLock()
	seen := make(map[string]bool)
	for _, sub := range m.subs {
		seen[sub.consumer] = true
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered listeners.
func (m *Multiplexer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Multiplexer) snapshot() []subscriber {
	m.mu.RLock()
	subs := make([]subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].token < subs[j].token })
	return subs
}

// emit calls fn for every subscriber outside the lock. A panicking listener
// is logged and does not stop delivery to the rest.
func (m *Multiplexer) emit(event string, fn func(Listener)) {
	for _, sub := range m.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().
						Str("consumer", sub.consumer).
						Str("event", event).
						Interface("panic", r).
						Msg("listener panicked")
				}
			}()
			fn(sub.listener)
		}()
	}
}

func (m *Multiplexer) emitConnected(d Device) {
	m.emit(string(EventConnected), func(l Listener) { l.OnConnected(d) })
}

func (m *Multiplexer) emitDisconnected(d Device) {
	m.emit(string(EventDisconnected), func(l Listener) { l.OnDisconnected(d) })
}

func (m *Multiplexer) emitLog(d Device, text string) {
	m.emit(string(EventLog), func(l Listener) { l.OnLog(d, text) })
}

// Consumer is one independent user of a shared hub. Closing it removes its
// listeners and nothing else: the hub and its devices stay up.
type Consumer struct {
	id     string
	server *Server
	closed atomic.Bool
}

// Attach returns a consumer façade over the hub.
func (s *Server) Attach(consumerID string) *Consumer {
	return &Consumer{id: consumerID, server: s}
}

// ID returns the consumer id.
func (c *Consumer) ID() string {
	return c.id
}

// Subscribe adds a listener owned by this consumer. After Close it is a no-op.
func (c *Consumer) Subscribe(l Listener) Subscription {
	if c.closed.Load() {
		return 0
	}
	return c.server.listeners.Subscribe(c.id, l)
}

// Unsubscribe removes one of this consumer's listeners.
func (c *Consumer) Unsubscribe(token Subscription) bool {
	return c.server.listeners.Unsubscribe(token)
}

// IsRunning reports whether the shared hub is running.
func (c *Consumer) IsRunning() bool {
	return c.server.IsRunning()
}

// Devices lists the devices currently connected to the shared hub.
func (c *Consumer) Devices() []Device {
	return c.server.Devices()
}

// Disconnect closes one device session on the shared hub.
func (c *Consumer) Disconnect(sessionID string) bool {
	return c.server.Disconnect(sessionID)
}

// Send delivers a command through the shared hub.
func (c *Consumer) Send(ctx context.Context, env protocol.Envelope, payload []byte, targets []string) (Result, error) {
	return c.server.SendCommand(ctx, env, payload, targets)
}

// Close removes every listener this consumer registered. The hub keeps
// running; use Server.Stop to shut it down.
func (c *Consumer) Close() int {
	if c.closed.Swap(true) {
		return 0
	}
	return c.server.listeners.UnsubscribeAll(c.id)
}

// EventKind names a hub event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventLog          EventKind = "log"
)

// Event is a serializable hub event, used by streaming consumers.
type Event struct {
	Kind   EventKind `json:"kind"`
	Device Device    `json:"device"`
	Text   string    `json:"text,omitempty"`
	Time   time.Time `json:"time"`
}

// ChannelListener turns callbacks into a bounded stream of Events. When the
// reader falls behind, new events are dropped rather than blocking devices.
type ChannelListener struct {
	ch      chan Event
	log     zerolog.Logger
	dropped atomic.Int64
}

// NewChannelListener returns a listener buffering up to size events.
func NewChannelListener(size int, log zerolog.Logger) *ChannelListener {
	if size <= 0 {
		size = channelBufferSize
	}
	return &ChannelListener{ch: make(chan Event, size), log: log}
}

// Events is the stream of received events. It is never closed; readers stop
// when their own context ends.
func (c *ChannelListener) Events() <-chan Event {
	return c.ch
}

// Dropped is the number of events lost to a full buffer.
func (c *ChannelListener) Dropped() int64 {
	return c.dropped.Load()
}

func (c *ChannelListener) push(e Event) {
	select {
	case c.ch <- e:
	default:
		if c.dropped.Add(1) == 1 {
			c.log.Warn().Str("kind", string(e.Kind)).Msg("event stream full, dropping events")
		}
	}
}

func (c *ChannelListener) OnConnected(d Device) {
	c.push(Event{Kind: EventConnected, Device: d, Time: time.Now()})
}

func (c *ChannelListener) OnDisconnected(d Device) {
	c.push(Event{Kind: EventDisconnected, Device: d, Time: time.Now()})
}

func (c *ChannelListener) OnLog(d Device, text string) {
	c.push(Event{Kind: EventLog, Device: d, Text: text, Time: time.Now()})
}
