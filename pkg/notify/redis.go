package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis publishes messages as JSON over Redis Pub/Sub.
type Redis struct {
	rdb *redis.Client
}

// NewRedis creates a messenger for the Redis server at addr ("host:port").
func NewRedis(addr string) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// Connect pings the server.
func (r *Redis) Connect(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis messenger: %w", err)
	}
	return nil
}

// Send publishes msg on the channel named topic.
func (r *Redis) Send(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, topic, data).Err()
}

// Subscribe waits for the subscription confirmation, then delivers messages
// from a background goroutine. Malformed payloads are skipped.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) error {
	ps := r.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ch := ps.Channel()
	go func() {
		defer ps.Close()
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
					continue
				}
				handler(msg)
			}
		}
	}()
	return nil
}

// Close closes the underlying client, which also ends active subscriptions.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
