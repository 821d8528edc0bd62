package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Log writes every message to a logger and fans it out to in-process subscribers.
type Log struct {
	log zerolog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
}

// NewLog returns a Log messenger writing to l.
func NewLog(l zerolog.Logger) *Log {
	return &Log{
		log:  l.With().Str("component", "notify").Logger(),
		subs: make(map[string]map[int]Handler),
	}
}

func (l *Log) Connect(context.Context) error { return nil }

func (l *Log) Send(_ context.Context, topic string, msg Message) error {
	l.log.Info().Str("topic", topic).Interface("message", msg).Msg("Message published")

	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[topic]))
	for _, h := range l.subs[topic] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (l *Log) Subscribe(ctx context.Context, topic string, handler Handler) error {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	if l.subs[topic] == nil {
		l.subs[topic] = make(map[int]Handler)
	}
	l.subs[topic][id] = handler
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[topic], id)
		l.mu.Unlock()
	}()
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	l.subs = make(map[string]map[int]Handler)
	l.mu.Unlock()
	return nil
}
