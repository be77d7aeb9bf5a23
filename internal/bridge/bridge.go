// Package bridge relays accepted messages between transport pools.
//
// A Bridge is an in-process publish/subscribe channel with named topics.
// Publishers never block and never learn about delivery: each subscriber
// owns a bounded mailbox drained by its own goroutine, so events reach a
// subscriber in publish order and a slow subscriber only drops its own events.
package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// TopicPublishMessage carries client-originated chat content.
const TopicPublishMessage = "chat.publish"

// DefaultMailboxSize is used when Config.MailboxSize is not set.
const DefaultMailboxSize = 256

// Event is a message published on a topic, tagged with the protocol of the
// pool that accepted it.
type Event struct {
	Protocol   string
	Message    protocol.Message
	ReceivedAt time.Time
}

// Handler receives events for a subscription.
type Handler func(Event)

// Config holds the bridge configuration.
type Config struct {
	// MailboxSize bounds the number of undelivered events per subscriber.
	MailboxSize int

	// Logger for dropped events
	Logger *slog.Logger
}

type subscription struct {
	name    string
	topic   string
	handler Handler
	mailbox chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case ev := <-s.mailbox:
			s.handler(ev)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Bridge is a process-wide publish/subscribe channel.
type Bridge struct {
	config Config
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
	wg     sync.WaitGroup
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultMailboxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		config: cfg,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe registers handler for topic. The name identifies the subscriber
// in logs. The returned function removes the subscription; it is safe to call
// more than once.
func (b *Bridge) Subscribe(topic, name string, handler Handler) func() {
	sub := &subscription{
		name:    name,
		topic:   topic,
		handler: handler,
		mailbox: make(chan Event, b.config.MailboxSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.run(&b.wg)

	return func() { b.unsubscribe(sub) }
}

func (b *Bridge) unsubscribe(sub *subscription) {
	b.mu.Lock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.stop()
}

// Publish delivers ev to every subscriber of topic and returns the number of
// subscribers that accepted it.
func (b *Bridge) Publish(topic string, ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.subs[topic] {
		select {
		case sub.mailbox <- ev:
			delivered++
		default:
			b.config.Logger.Warn("bridge mailbox full, dropping event",
				slog.String("topic", topic),
				slog.String("subscriber", sub.name),
				slog.String("protocol", ev.Protocol))
		}
	}
	return delivered
}

// Subscribers returns the number of subscribers of topic.
func (b *Bridge) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close stops every subscription and waits for the running handlers to
// return. Events still in mailboxes are discarded.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
