// Package events fans status-change events out to in-process subscribers
// and, when configured, to a Redis pub/sub channel.
package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/metrics"
)

// DefaultSubscriberBuffer is the channel size used when Subscribe gets zero.
const DefaultSubscriberBuffer = 64

var ErrClosed = errors.New("event bus closed")

var _ domain.EventPublisher = (*Bus)(nil)

// Bus is an in-memory publisher. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
	logger *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[int]chan domain.Event), logger: logger}
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Bus) Publish(_ context.Context, ev domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.EventsDroppedTotal.Inc()
			b.logger.Debug("subscriber lagging, event dropped",
				zap.Int("subscriber", id),
				zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it. buffer <= 0 uses DefaultSubscriberBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan domain.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers reports how many subscriptions are open.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Multi publishes to several publishers and joins their errors.
type Multi []domain.EventPublisher

var _ domain.EventPublisher = Multi(nil)

func (m Multi) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
