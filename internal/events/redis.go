package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
	"github.com/eliteGoblin/devorch/internal/metrics"
)

var ErrQueueFull = errors.New("redis event queue full")

// RedisConfig points the publisher at a Redis channel.
type RedisConfig struct {
	Addr         string
	Channel      string
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:         addr,
		Channel:      "devorch:events",
		QueueSize:    256,
		WriteTimeout: 2 * time.Second,
	}
}

var _ domain.EventPublisher = (*RedisBus)(nil)

// RedisBus publishes events as JSON on a Redis channel. Publish only queues
// the event; Run does the network writes so callers holding locks are
// never held up by Redis.
type RedisBus struct {
	client  redis.Cmdable
	channel string
	timeout time.Duration
	queue   chan domain.Event
	logger  *zap.Logger
}

// NewRedisBus creates a publisher with its own client.
func NewRedisBus(cfg RedisConfig, logger *zap.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewRedisBusWithClient(client, cfg, logger)
}

// NewRedisBusWithClient uses an existing client.
func NewRedisBusWithClient(client redis.Cmdable, cfg RedisConfig, logger *zap.Logger) *RedisBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultRedisConfig("").QueueSize
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultRedisConfig("").Channel
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultRedisConfig("").WriteTimeout
	}
	return &RedisBus{
		client:  client,
		channel: cfg.Channel,
		timeout: cfg.WriteTimeout,
		queue:   make(chan domain.Event, cfg.QueueSize),
		logger:  logger,
	}
}

// Channel is the Redis channel events go to.
func (b *RedisBus) Channel() string { return b.channel }

// Ping checks the connection.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish queues ev for delivery.
func (b *RedisBus) Publish(_ context.Context, ev domain.Event) error {
	select {
	case b.queue <- ev:
		return nil
	default:
		metrics.EventsDroppedTotal.Inc()
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is done. Events still queued at that
// point are flushed with a short deadline.
func (b *RedisBus) Run(ctx context.Context) error {
	b.logger.Info("redis event publisher started", zap.String("channel", b.channel))
	for {
		select {
		case <-ctx.Done():
			b.flush()
			if c, ok := b.client.(*redis.Client); ok {
				_ = c.Close()
			}
			return ctx.Err()
		case ev := <-b.queue:
			b.send(ctx, ev)
		}
	}
}

func (b *RedisBus) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	for {
		select {
		case ev := <-b.queue:
			b.send(ctx, ev)
		default:
			return
		}
	}
}

func (b *RedisBus) send(ctx context.Context, ev domain.Event) {
	if err := b.publishNow(ctx, ev); err != nil {
		b.logger.Warn("failed to publish event to redis",
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (b *RedisBus) publishNow(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.client.Publish(ctx, b.channel, data).Err()
}
