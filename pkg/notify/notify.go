// Package notify carries task status messages to an external message broker.
//
// Every backend implements Messenger. The backend is picked by name:
//   - "none" (default): discards everything
//   - "log": writes messages to the logger and delivers them to in-process subscribers
//   - "redis": Redis Pub/Sub
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Message is the JSON object published on a topic.
type Message map[string]interface{}

// Handler receives messages for a subscribed topic.
type Handler func(Message)

// Messenger is the messaging capability.
type Messenger interface {
	// Connect verifies the backend is reachable.
	Connect(ctx context.Context) error
	// Send publishes msg on topic.
	Send(ctx context.Context, topic string, msg Message) error
	// Subscribe delivers messages published on topic to handler until ctx
	// is cancelled or the messenger is closed. It returns once the
	// subscription is active.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Close releases backend resources.
	Close() error
}

// Kind names a Messenger backend.
type Kind string

const (
	KindNone  Kind = "none"
	KindLog   Kind = "log"
	KindRedis Kind = "redis"
)

// Options configure New.
type Options struct {
	// RedisAddr is used by KindRedis ("host:port").
	RedisAddr string
	Logger    zerolog.Logger
}

// New builds the backend named kind. An empty kind selects KindNone.
func New(kind string, opts Options) (Messenger, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case "", KindNone:
		return Noop{}, nil
	case KindLog:
		return NewLog(opts.Logger), nil
	case KindRedis:
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("redis messenger requires an address")
		}
		return NewRedis(opts.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unknown messenger type %q", kind)
	}
}

// Noop is the disabled Messenger.
type Noop struct{}

func (Noop) Connect(context.Context) error { return nil }
func (Noop) Send(context.Context, string, Message) error { return nil }
func (Noop) Subscribe(context.Context, string, Handler) error { return nil }
func (Noop) Close() error { return nil }
