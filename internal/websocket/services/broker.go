package services

import (
	"fmt"
	"sync"
	"sync/atomic"

	killmodels "wanderer-kills/internal/killmails/models"
	"wanderer-kills/pkg/metrics"
)

// TopicForSystem returns the base broker topic for a system.
func TopicForSystem(systemID int64) string {
	return fmt.Sprintf("system:%d", systemID)
}

// DetailedTopicForSystem returns the detailed variant of a system topic.
func DetailedTopicForSystem(systemID int64) string {
	return fmt.Sprintf("system:%d:detailed", systemID)
}

// BrokerMessage is one killmail published on a topic.
type BrokerMessage struct {
	Topic    string
	SystemID int64
	Killmail *killmodels.Killmail
}

// Subscriber is one bounded receive queue on the broker. When the queue is
// full the oldest undelivered message is dropped and the lag counter
// advances; the publisher is never blocked.
type Subscriber struct {
	ch     chan *BrokerMessage
	lagged atomic.Int64
}

// C is the subscriber's receive channel.
func (s *Subscriber) C() <-chan *BrokerMessage {
	return s.ch
}

// Lagged returns how many messages were dropped for this subscriber.
func (s *Subscriber) Lagged() int64 {
	return s.lagged.Load()
}

// Broker is the in-process fan-out between the event store and WebSocket
// sessions. Each stored killmail is published on `system:<id>` and
// `system:<id>:detailed`; sessions subscribe and unsubscribe topics as
// their followed set changes.
type Broker struct {
	mu       sync.RWMutex
	topics   map[string]map[*Subscriber]struct{}
	buffer   int
	registry *metrics.Registry

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates a broker whose subscribers buffer up to buffer
// messages each.
func NewBroker(buffer int, registry *metrics.Registry) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		topics:   make(map[string]map[*Subscriber]struct{}),
		buffer:   buffer,
		registry: registry,
	}
}

// NewSubscriber allocates a receive queue that can then be attached to
// topics.
func (b *Broker) NewSubscriber() *Subscriber {
	return &Subscriber{ch: make(chan *BrokerMessage, b.buffer)}
}

// Subscribe attaches the subscriber to a topic.
func (b *Broker) Subscribe(sub *Subscriber, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.topics[topic] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe detaches the subscriber from a topic.
func (b *Broker) Unsubscribe(sub *Subscriber, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

// UnsubscribeAll detaches the subscriber from every topic.
func (b *Broker) UnsubscribeAll(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, set := range b.topics {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.topics, topic)
		}
	}
}

// PublishKillmail publishes a stored killmail to the system's base and
// detailed topics. Satisfies the event store's Publisher contract: it never
// blocks, whatever the state of the subscribers.
func (b *Broker) PublishKillmail(systemID int64, km *killmodels.Killmail) {
	b.publish(&BrokerMessage{Topic: TopicForSystem(systemID), SystemID: systemID, Killmail: km})
	b.publish(&BrokerMessage{Topic: DetailedTopicForSystem(systemID), SystemID: systemID, Killmail: km})
}

func (b *Broker) publish(msg *BrokerMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.topics[msg.Topic] {
		for {
			select {
			case sub.ch <- msg:
				b.published.Add(1)
			default:
				// Queue full: drop the oldest undelivered message and
				// retry, so slow sessions lose old data, not new.
				select {
				case <-sub.ch:
					sub.lagged.Add(1)
					b.dropped.Add(1)
					b.registry.Counter("broker.lagged").Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// Stats returns totals across all subscribers.
func (b *Broker) Stats() (published, dropped int64, topics int) {
	b.mu.RLock()
	n := len(b.topics)
	b.mu.RUnlock()
	return b.published.Load(), b.dropped.Load(), n
}
