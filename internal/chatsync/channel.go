package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// SessionEvent is delivered by a channel session to its sink. Exactly one
// of Change or Status is meaningful: when Change is nil the event is a
// status transition.
type SessionEvent struct {
	Generation uint64
	Status     ChannelStatus
	Err        error
	Change     *models.ChangeEvent
}

// SessionHandle identifies one channel session. Handles are never reused:
// every Open gets a new generation so late callbacks from a superseded
// session can be told apart.
type SessionHandle struct {
	conversationID string
	generation     uint64
	cancel         context.CancelFunc

	mu     sync.Mutex
	sub    Subscription
	status ChannelStatus
	closed bool
}

// Generation returns the session generation number.
func (h *SessionHandle) Generation() uint64 {
	if h == nil {
		return 0
	}

	return h.generation
}

// ConversationID returns the conversation the session is bound to.
func (h *SessionHandle) ConversationID() string {
	return h.conversationID
}

// Status returns the last status the session reported.
func (h *SessionHandle) Status() ChannelStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}

func (h *SessionHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// setStatus records a status unless the session has been closed. Closed
// sessions keep ChannelClosed.
func (h *SessionHandle) setStatus(s ChannelStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.status = s

	return true
}

// attach stores the subscription. Returns false when the session was
// closed while subscribing, in which case the caller must release sub.
func (h *SessionHandle) attach(sub Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	h.sub = sub

	return true
}

// ChannelManager opens and closes push subscriptions bound to a single
// conversation. It never writes to the store.
type ChannelManager struct {
	notifier Notifier
	logger   *slog.Logger
	nextGen  atomic.Uint64
}

// NewChannelManager creates a manager on top of a notifier.
func NewChannelManager(notifier Notifier, logger *slog.Logger) *ChannelManager {
	return &ChannelManager{notifier: notifier, logger: logger}
}

// Open starts a subscription for conversationID and returns immediately.
// Status transitions and change events are delivered to sink from other
// goroutines, tagged with the handle's generation. Nothing is delivered
// after Close.
func (m *ChannelManager) Open(conversationID string, sink func(SessionEvent)) *SessionHandle {
	ctx, cancel := context.WithCancel(context.Background())

	h := &SessionHandle{
		conversationID: conversationID,
		generation:     m.nextGen.Add(1),
		cancel:         cancel,
		status:         ChannelConnecting,
	}

	go m.subscribe(ctx, h, sink)

	return h
}

func (m *ChannelManager) subscribe(ctx context.Context, h *SessionHandle, sink func(SessionEvent)) {
	emit := func(ev SessionEvent) {
		if h.isClosed() {
			return
		}

		sink(ev)
	}

	emit(SessionEvent{Generation: h.generation, Status: ChannelConnecting})

	sub, err := m.notifier.Subscribe(ctx, h.conversationID, Callbacks{
		OnChange: func(ev models.ChangeEvent) {
			m.forwardChange(h, ev, emit)
		},
		OnStatus: func(status ChannelStatus, err error) {
			if !h.setStatus(status) {
				return
			}

			if err != nil && status == ChannelError {
				err = fmt.Errorf("%w: %w", chaterrors.ErrChannelUnavailable, err)
			}

			emit(SessionEvent{Generation: h.generation, Status: status, Err: err})
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		m.logger.Debug("channel subscribe failed",
			slog.String("conversation_id", h.conversationID),
			slog.Uint64("generation", h.generation),
			slog.String("error", err.Error()),
		)

		if h.setStatus(ChannelError) {
			emit(SessionEvent{
				Generation: h.generation,
				Status:     ChannelError,
				Err:        fmt.Errorf("%w: %w", chaterrors.ErrChannelUnavailable, err),
			})
		}

		return
	}

	if !h.attach(sub) {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Debug("releasing late subscription", slog.String("error", err.Error()))
		}
	}
}

// forwardChange validates a change event before it reaches the sink.
// Malformed payloads are logged and dropped.
func (m *ChannelManager) forwardChange(h *SessionHandle, ev models.ChangeEvent, emit func(SessionEvent)) {
	if err := ev.Validate(); err != nil {
		m.logger.Warn("dropping malformed change event",
			slog.String("conversation_id", h.conversationID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)

		return
	}

	if ev.Message.ConversationID != h.conversationID {
		m.logger.Warn("dropping change event for another conversation",
			slog.String("conversation_id", h.conversationID),
			slog.String("event_conversation_id", ev.Message.ConversationID),
		)

		return
	}

	emit(SessionEvent{Generation: h.generation, Change: &ev})
}

// Close releases the session. It is safe to call more than once, on a
// failed session, or with a nil handle.
func (m *ChannelManager) Close(h *SessionHandle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	h.closed = true
	h.status = ChannelClosed
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()

	h.cancel()

	if sub == nil {
		return
	}

	if err := sub.Unsubscribe(); err != nil {
		m.logger.Debug("unsubscribe failed",
			slog.String("conversation_id", h.conversationID),
			slog.Uint64("generation", h.generation),
			slog.String("error", err.Error()),
		)
	}
}
