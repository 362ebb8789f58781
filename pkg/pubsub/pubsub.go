// Package pubsub provides the named-topic publish/subscribe primitives the
// package protocols run over. Delivery is best-effort broadcast: every
// subscriber of a topic receives each message published after it
// subscribed, and nothing is retained for late subscribers.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Next once a subscription has been closed.
	ErrClosed = errors.New("subscription closed")
	// ErrUnableToConnect reports that the broker could not be reached.
	ErrUnableToConnect = errors.New("unable to connect to broker")
)

// Message is one payload delivered on a topic.
type Message struct {
	Topic string
	From  string
	Data  []byte
}

// Transport publishes to and subscribes on named topics.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

// Subscription is a stream of messages for one topic. It is closed when
// Close is called or the context passed to Subscribe is done.
type Subscription struct {
	topic   string
	ch      <-chan Message
	closeFn func()

	mu     sync.Mutex
	closed bool
	stop   func() bool
}

func newSubscription(ctx context.Context, topic string, ch <-chan Message, closeFn func()) *Subscription {
	s := &Subscription{topic: topic, ch: ch, closeFn: closeFn}
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	return s
}

// Topic is the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Messages exposes the underlying channel for use in select statements.
// The channel is closed when the subscription ends.
func (s *Subscription) Messages() <-chan Message {
	return s.ch
}

// Next blocks for the next message, the end of ctx, or the end of the
// subscription.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.closeFn()
}
