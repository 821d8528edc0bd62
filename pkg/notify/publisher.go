package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/asyncq/pkg/tasks"
)

// DefaultTopic is the topic task status messages are published on.
const DefaultTopic = "task_status"

// Publisher sends messages fire-and-forget: Publish returns immediately and a
// failed send is only logged.
type Publisher struct {
	m       Messenger
	topic   string
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewPublisher publishes on topic through m. Each send is bounded by timeout.
func NewPublisher(m Messenger, topic string, timeout time.Duration, log zerolog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		m:       m,
		topic:   topic,
		timeout: timeout,
		log:     log.With().Str("component", "publisher").Str("topic", topic).Logger(),
	}
}

// Topic returns the topic messages go to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish sends msg in the background. Messages published after Wait has
// begun are dropped.
func (p *Publisher) Publish(msg Message) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warn().Interface("message", msg).Msg("Publisher closed, message dropped")
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.m.Send(ctx, p.topic, msg); err != nil {
			p.log.Error().Err(err).Interface("message", msg).Msg("Failed to publish message")
		}
	}()
}

// TaskSubmitted announces a newly accepted task. callbackURL is forwarded when set.
func (p *Publisher) TaskSubmitted(taskID, callbackURL string) {
	msg := Message{"task_id": taskID, "status": "submitted"}
	if callbackURL != "" {
		msg["callback_url"] = callbackURL
	}
	p.Publish(msg)
}

// TaskTransitioned publishes terminal transitions. It satisfies manager.Observer.
func (p *Publisher) TaskTransitioned(snap tasks.Snapshot) {
	if !snap.Status.Terminal() {
		return
	}
	msg := Message{"task_id": snap.ID, "status": string(snap.Status)}
	if snap.Error != "" {
		msg["error"] = snap.Error
	}
	p.Publish(msg)
}

// Wait closes the publisher and blocks until every in-flight publish has
// returned.
func (p *Publisher) Wait() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
