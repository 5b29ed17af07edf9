// Package bus is the in-process publish/subscribe fabric over which state
// deltas propagate.
//
// Each subscription owns an independent bounded buffer (default 256 events).
// Publishing never blocks a producer: when a subscriber's buffer is full the
// oldest event is dropped and the subscription's lag counter is incremented;
// the subscription itself is never terminated. Ordering is FIFO per topic
// per subscription; there is no cross-topic total order.
//
// Every subscription receives a synthetic "connected" event first and a
// heartbeat marker every 30 seconds, so SSE/WS consumers can detect dead
// streams without extra plumbing.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics. Components publish state deltas under these names.
const (
	TopicPortfolioUpdated  = "portfolio:updated"
	TopicApprovalCreated   = "approval:created"
	TopicApprovalUpdated   = "approval:updated"
	TopicTradeSubmitted    = "trade:submitted"
	TopicTradeResult       = "trade:result"
	TopicKillSwitchChanged = "killswitch:changed"
	TopicAlertRaised       = "alert:raised"
	TopicSystemReconnected = "system:reconnected"
	TopicConnected         = "connected"
	TopicHeartbeat         = "heartbeat"
)

// DefaultBufferSize is the per-subscription buffer capacity.
const DefaultBufferSize = 256

// heartbeatInterval is how often idle subscriptions receive a marker event.
const heartbeatInterval = 30 * time.Second

// Event is one published state delta.
type Event struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Subscription is one consumer's view of the bus. Read events from C;
// call Close when done (idempotent).
type Subscription struct {
	bus    *Bus
	topics map[string]bool // nil means all topics
	ch     chan Event
	lag    atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// C returns the event stream. The channel is closed when the subscription
// or the bus is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Lag returns how many events were dropped due to buffer overflow.
func (s *Subscription) Lag() uint64 { return s.lag.Load() }

// Close detaches the subscription and releases its buffer. Idempotent;
// events published after Close are no-ops for this subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}

func (s *Subscription) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	return s.topics[topic]
}

// push delivers an event, dropping the oldest buffered event on overflow.
// Serialized per subscription by the bus mutex, so FIFO order holds.
func (s *Subscription) push(evt Event) {
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.ch <- evt:
			return
		default:
		}
		// Buffer full: drop oldest and retry. If a consumer drained the
		// channel in between, the retry succeeds immediately.
		select {
		case <-s.ch:
			s.lag.Add(1)
			s.bus.dropped.Add(1)
		default:
		}
	}
}

// Bus fans events out to all live subscriptions. Multi-producer,
// multi-consumer, single-process.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]bool
	closed bool
	logger *slog.Logger

	bufSize int
	stopHB  chan struct{}
	dropped atomic.Uint64
}

// New creates a bus and starts its heartbeat loop.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		subs:    make(map[*Subscription]bool),
		logger:  logger.With("component", "bus"),
		bufSize: DefaultBufferSize,
		stopHB:  make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Publish fans an event out to every subscription interested in topic.
// Never blocks; publishing to a closed bus is a no-op.
func (b *Bus) Publish(topic string, data any) {
	evt := Event{Topic: topic, Timestamp: time.Now().UTC(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.wants(topic) {
			sub.push(evt)
		}
	}
}

// Subscribe registers a consumer for the given topics. An empty topic list
// subscribes to everything. The first event on the stream is a synthetic
// "connected" marker.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		bus:  b,
		ch:   make(chan Event, b.bufSize),
		done: make(chan struct{}),
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics)+2)
		for _, t := range topics {
			sub.topics[t] = true
		}
		// Markers are always delivered.
		sub.topics[TopicConnected] = true
		sub.topics[TopicHeartbeat] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Consume closeOnce so the subscriber's own Close stays a no-op.
		sub.closeOnce.Do(func() { close(sub.done) })
		close(sub.ch)
		return sub
	}
	b.subs[sub] = true
	sub.push(Event{Topic: TopicConnected, Timestamp: time.Now().UTC()})
	return sub
}

// Close shuts the bus down and closes every subscription's channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stopHB)
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]bool)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
		close(sub.ch)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Dropped returns the total number of events discarded across all
// subscriptions since the bus was created.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopHB:
			return
		case <-ticker.C:
			b.Publish(TopicHeartbeat, nil)
		}
	}
}
