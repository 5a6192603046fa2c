// Package events is the in-process pub/sub bus that fans telephony,
// campaign, and agent state changes out to connected clients. Delivery is
// best-effort, at-most-once, in publish order per topic; slow subscribers
// lose their oldest queued events first.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic groups. Per-entity topics are built with the helpers below;
// TopicSupervisors is the global firehose: subscribing to it delivers every
// event on the bus.
const TopicSupervisors = "supervisors"

func CallTopic(id string) string     { return "call/" + id }
func AgentTopic(id string) string    { return "agent/" + id }
func CampaignTopic(id string) string { return "campaign/" + id }

// Event is one bus message.
type Event struct {
	Type  string         `json:"type"`
	Topic string         `json:"topic"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// defaultQueueSize bounds each subscriber's queue when the bus is built
// with size 0.
const defaultQueueSize = 64

// Subscription is one subscriber's view of the bus. Events arrive on C
// until Close.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      uint64
	topics  map[string]struct{}
	all     bool
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Safe to call more than once; the
// event channel is not closed, it simply stops receiving.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id)
	})
}

func (s *Subscription) matches(topic string) bool {
	if s.all {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus fans published events out to matching subscribers. Publish never
// blocks: a full subscriber queue drops its oldest event to make room.
type Bus struct {
	logger    *slog.Logger
	queueSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus with the given per-subscriber queue size
// (0 = default).
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		logger:    logger.With("subsystem", "event-bus"),
		queueSize: queueSize,
		subs:      make(map[uint64]*Subscription),
	}
}

// Subscribe registers for the given topics. Including TopicSupervisors
// makes the subscription a firehose receiving every event.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	set := make(map[string]struct{}, len(topics))
	all := false
	for _, t := range topics {
		if t == TopicSupervisors {
			all = true
		}
		set[t] = struct{}{}
	}

	ch := make(chan Event, b.queueSize)
	sub := &Subscription{C: ch, bus: b, topics: set, all: all, ch: ch}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers the event to every matching subscriber. A zero Time is
// stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.matches(ev.Topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: drop the oldest event, then retry once. If a consumer
		// raced us and drained the queue, the retry lands.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Stats returns bus-wide counters.
func (b *Bus) Stats() (published, dropped uint64, subscribers int) {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return b.published.Load(), b.dropped.Load(), n
}
