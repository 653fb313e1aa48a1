package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/devorch/internal/domain"
)

// fakeRedis records PUBLISH calls. Other commands are not used.
type fakeRedis struct {
	redis.Cmdable

	mu         sync.Mutex
	channels   []string
	payloads   []string
	publishErr error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "ping")
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func TestRedisBus_DeliversJSON(t *testing.T) {
	fake := &fakeRedis{}
	bus := NewRedisBusWithClient(fake, RedisConfig{Channel: "test:events"}, zap.NewNop())
	require.NoError(t, bus.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	ev := domain.Event{
		Type:      domain.EventScriptResult,
		DeviceID:  "dev-1",
		ScriptID:  "s1",
		Status:    "success",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, bus.Publish(context.Background(), ev))

	require.Eventually(t, func() bool { return len(fake.published()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	var got domain.Event
	require.NoError(t, json.Unmarshal([]byte(fake.published()[0]), &got))
	assert.Equal(t, ev, got)
	assert.Equal(t, []string{"test:events"}, fake.channels)
}

func TestRedisBus_QueueFull(t *testing.T) {
	bus := NewRedisBusWithClient(&fakeRedis{}, RedisConfig{QueueSize: 1}, zap.NewNop())
	require.NoError(t, bus.Publish(context.Background(), domain.Event{}))
	assert.ErrorIs(t, bus.Publish(context.Background(), domain.Event{}), ErrQueueFull)
	assert.Equal(t, "devorch:events", bus.Channel())
}

func TestRedisBus_FlushesOnShutdown(t *testing.T) {
	fake := &fakeRedis{}
	bus := NewRedisBusWithClient(fake, RedisConfig{QueueSize: 4}, zap.NewNop())
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), domain.Event{Type: domain.EventDeviceStatus}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Run(ctx), context.Canceled)
	assert.Len(t, fake.published(), 3)
}

func TestRedisBus_PublishErrorIsLogged(t *testing.T) {
	fake := &fakeRedis{publishErr: errors.New("connection refused")}
	bus := NewRedisBusWithClient(fake, RedisConfig{}, zap.NewNop())

	err := bus.publishNow(context.Background(), domain.Event{})
	assert.EqualError(t, err, "connection refused")
}
