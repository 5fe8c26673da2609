package bus

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Handler receives one published payload. Handlers of different
// subscriptions run on independent goroutines: a slow handler never blocks
// delivery to its siblings.
type Handler func(payload []byte)

// Bus is a named-topic broadcast primitive. Topics are created lazily on
// first subscribe and dropped from the registry on last unsubscribe. A Bus
// is always an explicitly constructed instance handed to its users; there is
// no package-level singleton.
type Bus struct {
	mu      sync.Mutex
	pub     message.Publisher
	sub     message.Subscriber
	owned   io.Closer
	prepare func(ctx context.Context, topic string) error
	topics  map[string][]*Subscription
	closed  bool
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithTopicInit runs fn before the first underlying subscribe on each
// Subscribe call. Backends that need per-topic setup (e.g. Redis Streams
// consumer groups anchored at the tail) hook in here.
func WithTopicInit(fn func(ctx context.Context, topic string) error) Option {
	return func(b *Bus) { b.prepare = fn }
}

// Subscription is one registered handler on one topic.
type Subscription struct {
	bus    *Bus
	topic  string
	cancel context.CancelFunc
	once   sync.Once
	active atomic.Bool
}

// New builds a Bus on an in-process watermill channel pub/sub.
func New() *Bus {
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		NewWatermillLogger(log.Logger),
	)
	return &Bus{pub: ps, sub: ps, owned: ps, topics: map[string][]*Subscription{}}
}

// NewFromPubSub builds a Bus over an externally owned publisher/subscriber
// pair (e.g. Redis Streams). The caller keeps ownership of the transport.
func NewFromPubSub(pub message.Publisher, sub message.Subscriber, opts ...Option) *Bus {
	b := &Bus{pub: pub, sub: sub, topics: map[string][]*Subscription{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn on topic and starts delivering published payloads
// to it. Subscribers of one topic are registered in call order.
func (b *Bus) Subscribe(topic string, fn Handler) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("bus: empty topic")
	}
	if fn == nil {
		return nil, errors.New("bus: nil handler")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus: closed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{bus: b, topic: topic, cancel: cancel}
	s.active.Store(true)
	if b.prepare != nil {
		if err := b.prepare(ctx, topic); err != nil {
			b.mu.Unlock()
			cancel()
			return nil, errors.Wrapf(err, "bus: prepare topic %s", topic)
		}
	}
	ch, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		b.mu.Unlock()
		cancel()
		return nil, errors.Wrapf(err, "bus: subscribe %s", topic)
	}
	b.topics[topic] = append(b.topics[topic], s)
	b.mu.Unlock()

	go func() {
		for msg := range ch {
			if s.active.Load() {
				fn(msg.Payload)
			}
			msg.Ack()
		}
	}()
	return s, nil
}

// Publish broadcasts payload to every current subscriber of topic.
// Publishing to a topic nobody subscribed to is a no-op, not an error.
func (b *Bus) Publish(topic string, payload []byte) error {
	if topic == "" {
		return errors.New("bus: empty topic")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus: closed")
	}
	b.mu.Unlock()
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "bus: publish %s", topic)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Close tears down every subscription and, when the Bus owns its pub/sub,
// the underlying transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, list := range b.topics {
		subs = append(subs, list...)
	}
	b.topics = map[string][]*Subscription{}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	if b.owned != nil {
		return b.owned.Close()
	}
	return nil
}

// Unsubscribe stops future callbacks immediately. Calling it more than once
// is safe.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.stop()
	s.bus.remove(s)
}

func (s *Subscription) stop() {
	s.once.Do(func() {
		s.active.Store(false)
		s.cancel()
	})
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.topics[target.topic]
	for i, s := range list {
		if s == target {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.topics, target.topic)
		return
	}
	b.topics[target.topic] = list
}
