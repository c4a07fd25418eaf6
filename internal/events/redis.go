package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus distributes events across processes using Redis Pub/Sub while also
// fanning out to in-process subscribers for zero-latency local delivery.
// Used when the gateway runs more than one replica: a broadcast emitted on
// one pod reaches websocket subscribers attached to another.
type RedisBus struct {
	local   *LocalBus
	rdb     *redis.Client
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus connects to Redis, verifies connectivity and starts the
// subscription pump.
func NewRedisBus(addr, password, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = "weave:events"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	bus := &RedisBus{
		local:   NewLocalBus(),
		rdb:     rdb,
		channel: channel,
		cancel:  stop,
		done:    make(chan struct{}),
	}
	go bus.pump(runCtx)
	slog.Info("redis event bus connected", "addr", addr, "channel", channel)
	return bus, nil
}

// pump forwards remote events to local subscribers.
func (b *RedisBus) pump(ctx context.Context) {
	defer close(b.done)
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("drop malformed remote event", "error", err)
				continue
			}
			b.local.Publish(ctx, &event)
		}
	}
}

// Publish sends the event to Redis; local subscribers receive our own publish
// back through the pump. When the Redis publish fails the event is delivered
// to local subscribers directly and the error is returned so callers with a
// retry policy can act on it.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		slog.Warn("redis publish failed, delivering locally only", "type", event.EventType, "error", err)
		b.local.Publish(ctx, event)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(handler Handler) func() {
	return b.local.Subscribe(handler)
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancel()
	<-b.done
	b.local.Close()
	return b.rdb.Close()
}
