package node

import (
	"sync"
	"sync/atomic"
)

// EventKind enumerates the events §6 names the core as emitting.
type EventKind string

const (
	EventMessageReceived        EventKind = "message_received"
	EventMessageSent            EventKind = "message_sent"
	EventTransactionStateChanged EventKind = "transaction_state_changed"
	EventCustomerUpdated        EventKind = "customer_updated"
	EventDecisionCreated        EventKind = "decision_created"
	EventDecisionResolved       EventKind = "decision_resolved"
	EventDecisionExpired        EventKind = "decision_expired"
)

// Event is one occurrence published on the Bus.
type Event struct {
	Kind          EventKind
	AgentDID      string
	TransactionID string
	Data          interface{}
}

// subscriber is one Bus consumer's bounded, ring-buffer mailbox: a full
// channel drops the oldest pending event rather than blocking the
// publisher (§5's shared resource policy — "bounded per-subscriber
// queues; subscribers that fall behind drop oldest messages"). Grounded
// on pkg/compliance/regwatch/swarm.go's buffered-channel-plus-accessor
// shape (`changes chan *RegChange` / `Changes() <-chan *RegChange`),
// generalized from a single consumer to multiple independent
// subscribers each with their own buffer and drop counter — no pack
// example implements multi-subscriber drop-oldest fan-out directly, so
// this is built from spec.md's literal requirement using only
// sync/channels: an in-process pub/sub primitive this small is squarely
// stdlib territory, and every third-party messaging library in the
// domain stack (the Redis-backed pieces) is already wired into
// pkg/router's rate limiter instead.
type subscriber struct {
	ch      chan Event
	dropped int64
}

// Bus is a multi-producer, multi-subscriber event bus with bounded
// per-subscriber queues.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
}

// NewBus returns a Bus whose subscriber channels hold up to bufferSize
// pending events before the oldest is dropped.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers a new consumer and returns its read channel plus
// a Dropped accessor exposing how many events that consumer has missed.
func (b *Bus) Subscribe() (<-chan Event, func() int64) {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
	return s.ch, func() int64 { return atomic.LoadInt64(&s.dropped) }
}

// Publish fans ev out to every subscriber. A subscriber whose channel is
// full has its oldest pending event discarded to make room, never
// blocking the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		deliverOne(s, ev)
	}
}

// deliverOne tries to enqueue ev without blocking; if the subscriber's
// channel is full it discards exactly one pending event (the oldest,
// since the channel is FIFO) and retries once.
func deliverOne(s *subscriber, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	select {
	case <-s.ch:
		atomic.AddInt64(&s.dropped, 1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		// another goroutine refilled the slot first; count this one
		// dropped too rather than block the publisher.
		atomic.AddInt64(&s.dropped, 1)
	}
}
