// Package bus provides the in-process pub/sub fabric carrying the
// scores, switch, and narration topics between director components.
//
// Publishers never block: each subscriber owns a bounded queue and the
// oldest queued message is dropped when the queue is full. Drops are
// counted per subscriber so slow consumers are visible without ever
// back-pressuring the pipeline.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// Topic names carried by the bus.
const (
	TopicScores    = "scores"
	TopicSwitch    = "switch"
	TopicNarration = "narration"
)

// DefaultQueueSize is the per-subscriber queue depth.
const DefaultQueueSize = 256

// Bus is a topic-based broadcast fabric.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*Subscription
	queueSize int
}

// Subscription is one subscriber's bounded view of a topic.
type Subscription struct {
	id      string
	topic   string
	ch      chan protocol.Message
	dropped atomic.Uint64

	cancelOnce sync.Once
	cancel     func()
}

// New creates a bus with the default per-subscriber queue size.
func New() *Bus {
	return NewWithQueueSize(DefaultQueueSize)
}

// NewWithQueueSize creates a bus with a custom per-subscriber queue size.
func NewWithQueueSize(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		topics:    make(map[string]map[string]*Subscription),
		queueSize: size,
	}
}

// Subscribe registers a new subscriber on a topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan protocol.Message, b.queueSize),
	}
	sub.cancel = func() {
		b.mu.Lock()
		if subs, ok := b.topics[topic]; ok {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
		b.mu.Unlock()
		close(sub.ch)
	}

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[string]*Subscription)
	}
	b.topics[topic][sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Publish delivers a message to every subscriber of the topic.
// It never blocks; a full subscriber queue loses its oldest message.
func (b *Bus) Publish(topic string, msg protocol.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.topics[topic] {
		for {
			select {
			case sub.ch <- msg:
			default:
				// Queue full: evict the oldest and retry.
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// C returns the receive channel. It is closed by Cancel.
func (s *Subscription) C() <-chan protocol.Message {
	return s.ch
}

// Dropped returns how many messages this subscriber has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its channel. Idempotent.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(s.cancel)
}
