// Package eventbus is the in-process publish/subscribe fan-out for board and
// worker lifecycle events. Delivery is best effort: each subscriber owns a
// bounded queue and a slow subscriber loses its oldest events instead of
// ever blocking a publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/domain"
)

// QueueCapacity is the per-subscriber buffer size. Overflow drops the
// oldest queued event.
const QueueCapacity = 100

type subscriber struct {
	id uint64
	ch chan domain.Event
}

// Bus implements domain.EventBus.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	nextID atomic.Uint64
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{topics: map[string][]*subscriber{}}
}

var _ domain.EventBus = (*Bus)(nil)

// Subscribe registers a new subscriber on topic and returns its handle.
func (b *Bus) Subscribe(topic string) *domain.Subscription {
	sub := &subscriber{
		id: b.nextID.Add(1),
		ch: make(chan domain.Event, QueueCapacity),
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return &domain.Subscription{ID: sub.id, Topic: topic, C: sub.ch}
}

// Unsubscribe removes the subscriber and closes its stream.
func (b *Bus) Unsubscribe(s *domain.Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	subs := b.topics[s.Topic]
	for i, sub := range subs {
		if sub.id == s.ID {
			b.topics[s.Topic] = append(subs[:i], subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	if len(b.topics[s.Topic]) == 0 {
		delete(b.topics, s.Topic)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber of topic without blocking.
// Enqueueing is non-blocking with drop-oldest overflow, so the read lock is
// held only for the duration of the channel operations; it also excludes
// Unsubscribe closing a channel mid-send.
func (b *Bus) Publish(topic string, ev domain.Event) {
	ev.Channel = topic
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: evict the oldest event, then retry once. The
			// second send can still lose the race against the consumer
			// draining; in that case the buffer has room anyway.
			select {
			case <-sub.ch:
				observability.EventBusDropped(topic)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
