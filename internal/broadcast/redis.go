package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// busChannelPrefix namespaces bus topics on the Redis pub/sub keyspace.
const busChannelPrefix = "coderoom:bus:"

// Compile-time interface satisfaction check.
var _ Bus = (*RedisBus)(nil)

// RedisBus is a Bus shared by several server processes. Publish goes through
// Redis pub/sub; a single pattern subscription per process feeds an embedded
// LocalBus that serves local subscribers. Redis delivers messages on one
// subscription connection in publish order, so per-publisher ordering holds.
type RedisBus struct {
	rdb    redis.UniversalClient
	ps     *redis.PubSub
	local  *LocalBus
	logger *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisBus subscribes to all bus channels and starts dispatching them to
// local subscribers. The subscription is confirmed before returning, so
// messages published after NewRedisBus returns are delivered.
func NewRedisBus(ctx context.Context, rdb redis.UniversalClient, logger *slog.Logger) (*RedisBus, error) {
	ps := rdb.PSubscribe(ctx, busChannelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe bus channels: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &RedisBus{
		rdb:    rdb,
		ps:     ps,
		local:  NewLocalBus(),
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.recv(ctx)

	logger.Info("redis bus started", "pattern", busChannelPrefix+"*")
	return b, nil
}

// Publish encodes msg and publishes it on the topic's Redis channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.rdb.Publish(ctx, busChannelPrefix+msg.Topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe registers a local subscriber for topic.
func (b *RedisBus) Subscribe(topic string) (<-chan Message, func()) {
	return b.local.Subscribe(topic)
}

// Close stops the subscription loop and closes all local subscribers.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.ps.Close()
		<-b.done
		b.local.Close()
	})
	return err
}

// recv dispatches messages from the pattern subscription until ctx is
// cancelled or the subscription is closed. go-redis re-establishes the
// subscription on connection loss behind the channel.
func (b *RedisBus) recv(ctx context.Context) {
	defer close(b.done)

	ch := b.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("drop malformed bus message", "channel", m.Channel, "error", err)
				continue
			}
			_ = b.local.Publish(ctx, msg)
		}
	}
}
