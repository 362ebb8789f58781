package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

var errHubClosed = errors.New("hub closed")

// Compile-time interface check.
var _ Transport = (*Hub)(nil)

// Hub is an in-process broker. It backs the gRPC broker service and
// doubles as the transport for nodes sharing one process.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]chan Message // topic -> subscriber id -> queue
	nextID  uint64
	buffer  int
	closed  bool
	logger  *zap.Logger
	dropped atomic.Uint64
}

// NewHub creates a hub whose subscribers queue up to buffer messages.
// Messages for a full queue are dropped.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[uint64]chan Message),
		buffer: buffer,
		logger: logger,
	}
}

// Publish broadcasts data to the current subscribers of topic.
func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	return h.PublishFrom(ctx, "", topic, data)
}

// PublishFrom is Publish with an explicit sender id.
func (h *Hub) PublishFrom(ctx context.Context, from, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := Message{Topic: topic, From: from, Data: append([]byte(nil), data...)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errHubClosed
	}

	for id, ch := range h.subs[topic] {
		select {
		case ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Dropping message for slow subscriber",
				zap.String("topic", topic),
				zap.Uint64("subscriber", id))
		}
	}
	return nil
}

// Subscribe registers a new subscriber on topic.
func (h *Hub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errHubClosed
	}
	id := h.nextID
	h.nextID++
	ch := make(chan Message, h.buffer)
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]chan Message)
	}
	h.subs[topic][id] = ch
	h.mu.Unlock()

	return newSubscription(ctx, topic, ch, func() { h.unsubscribe(topic, id) }), nil
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[topic][id]
	if !ok {
		return
	}
	delete(h.subs[topic], id)
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
	close(ch)
}

// Subscribers returns the number of live subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Dropped is the number of messages discarded because a subscriber's
// queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, topic)
	}
}
