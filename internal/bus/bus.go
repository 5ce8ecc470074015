// Package bus fans committed message changes out to in-process
// subscribers, one topic per conversation.
package bus

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

var (
	// ErrSlowSubscriber ends a subscription whose queue filled up.
	ErrSlowSubscriber = errors.New("subscriber fell behind")

	// ErrBusClosed ends every subscription when the bus shuts down.
	ErrBusClosed = errors.New("bus closed")
)

// Subscriber receives the changes of one conversation. Events is closed
// when the subscription ends; Err then reports why (nil after
// Unsubscribe).
type Subscriber struct {
	conversationID string
	events         chan models.ChangeEvent

	mu  sync.Mutex
	err error
}

// Events returns the change stream.
func (s *Subscriber) Events() <-chan models.ChangeEvent {
	return s.events
}

// Err returns why the subscription ended.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// ConversationID returns the subscribed conversation.
func (s *Subscriber) ConversationID() string {
	return s.conversationID
}

// Bus is a per-conversation publish/subscribe hub.
type Bus struct {
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]map[*Subscriber]struct{}
	closed bool
}

// New creates a bus with DefaultBuffer slots per subscriber.
func New(logger *slog.Logger) *Bus {
	return NewWithBuffer(DefaultBuffer, logger)
}

// NewWithBuffer creates a bus with a custom per-subscriber buffer.
func NewWithBuffer(buffer int, logger *slog.Logger) *Bus {
	if buffer < 1 {
		buffer = 1
	}

	return &Bus{
		buffer: buffer,
		logger: logger,
		topics: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe starts receiving changes for conversationID. Subscribing to a
// closed bus returns a subscriber that has already ended with
// ErrBusClosed.
func (b *Bus) Subscribe(conversationID string) *Subscriber {
	sub := &Subscriber{
		conversationID: conversationID,
		events:         make(chan models.ChangeEvent, b.buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.end(ErrBusClosed)
		return sub
	}

	topic := b.topics[conversationID]
	if topic == nil {
		topic = make(map[*Subscriber]struct{})
		b.topics[conversationID] = topic
	}

	topic[sub] = struct{}{}

	return sub
}

// Unsubscribe ends sub. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.removeLocked(sub) {
		sub.end(nil)
	}
}

// Publish delivers ev to every subscriber of its conversation without
// blocking. A subscriber whose queue is full is dropped.
func (b *Bus) Publish(ev models.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.topics[ev.Message.ConversationID] {
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn("dropping slow subscriber",
				slog.String("conversation_id", sub.conversationID),
				slog.Int("buffer", b.buffer),
			)

			b.removeLocked(sub)
			sub.end(ErrSlowSubscriber)
		}
	}
}

// Subscribers returns the number of subscribers for a conversation.
func (b *Bus) Subscribers(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.topics[conversationID])
}

// Close ends every subscription with ErrBusClosed. Later publishes are
// dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, topic := range b.topics {
		for sub := range topic {
			sub.end(ErrBusClosed)
		}
	}

	b.topics = make(map[string]map[*Subscriber]struct{})
}

func (b *Bus) removeLocked(sub *Subscriber) bool {
	topic := b.topics[sub.conversationID]
	if _, ok := topic[sub]; !ok {
		return false
	}

	delete(topic, sub)

	if len(topic) == 0 {
		delete(b.topics, sub.conversationID)
	}

	return true
}

// end records the reason and closes the stream. Called with the bus lock
// held, exactly once per subscriber.
func (s *Subscriber) end(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	close(s.events)
}
