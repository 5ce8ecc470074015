package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
)

// LocalNotifier serves chatsync push subscriptions straight from the bus.
// The realtime handler uses it for each websocket subscription.
type LocalNotifier struct {
	bus    *Bus
	logger *slog.Logger
}

// NewLocalNotifier wraps b.
func NewLocalNotifier(b *Bus, logger *slog.Logger) *LocalNotifier {
	return &LocalNotifier{bus: b, logger: logger}
}

var _ chatsync.Notifier = (*LocalNotifier)(nil)

// Subscribe attaches to the bus and confirms right away. When the bus
// drops the subscriber, cb.OnStatus receives ChannelClosed with the
// reason.
func (n *LocalNotifier) Subscribe(ctx context.Context, conversationID string, cb chatsync.Callbacks) (chatsync.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := n.bus.Subscribe(conversationID)
	ls := &localSubscription{bus: n.bus, sub: sub, done: make(chan struct{})}

	if cb.OnStatus != nil {
		cb.OnStatus(chatsync.ChannelSubscribed, nil)
	}

	go ls.forward(cb, n.logger)

	return ls, nil
}

type localSubscription struct {
	bus  *Bus
	sub  *Subscriber
	done chan struct{}
	once sync.Once
}

func (s *localSubscription) forward(cb chatsync.Callbacks, logger *slog.Logger) {
	defer close(s.done)

	for ev := range s.sub.Events() {
		if cb.OnChange != nil {
			cb.OnChange(ev)
		}
	}

	err := s.sub.Err()
	if err == nil {
		return
	}

	logger.Debug("bus subscription ended",
		slog.String("conversation_id", s.sub.ConversationID()),
		slog.String("reason", err.Error()),
	)

	if cb.OnStatus != nil {
		cb.OnStatus(chatsync.ChannelClosed, err)
	}
}

// Unsubscribe detaches from the bus. It does not wait for the forwarding
// goroutine, which may be blocked inside a callback.
func (s *localSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.Unsubscribe(s.sub)
	})

	return nil
}
