package chatsync

import (
	"context"
	"log/slog"
	"sync"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// Sessions tracks the open conversations of one viewer. Each conversation
// has at most one controller, so the view of a conversation always has a
// single writer.
type Sessions struct {
	viewerID string
	store    MessageStore
	notifier Notifier
	timing   Timing
	logger   *slog.Logger

	mu     sync.Mutex
	open   map[string]*Controller
	closed bool
}

// NewSessions creates an empty session set for viewerID.
func NewSessions(viewerID string, store MessageStore, notifier Notifier, timing Timing, logger *slog.Logger) *Sessions {
	return &Sessions{
		viewerID: viewerID,
		store:    store,
		notifier: notifier,
		timing:   timing,
		logger:   logger.With(slog.String("viewer_id", viewerID)),
		open:     make(map[string]*Controller),
	}
}

// Open starts syncing conversationID and returns its controller. If the
// conversation is already open the existing controller is returned and
// hooks are ignored. A controller that shut down on its own, because the
// context it was started with ended, is replaced.
func (s *Sessions) Open(ctx context.Context, conversationID string, hooks Hooks) (*Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, chaterrors.ErrSessionClosed
	}

	if c, ok := s.open[conversationID]; ok {
		if !c.isClosed() {
			return c, nil
		}

		s.logger.Debug("replacing closed controller", slog.String("conversation_id", conversationID))
	}

	c := NewController(ControllerConfig{
		ConversationID: conversationID,
		ViewerID:       s.viewerID,
		Store:          s.store,
		Notifier:       s.notifier,
		Timing:         s.timing,
		Hooks:          hooks,
	}, s.logger)

	s.open[conversationID] = c
	c.Start(ctx)

	return c, nil
}

// Get returns the controller for an open conversation.
func (s *Sessions) Get(conversationID string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.open[conversationID]
	if ok && c.isClosed() {
		return nil, false
	}

	return c, ok
}

// Close closes one conversation. Closing a conversation that is not open
// is a no-op.
func (s *Sessions) Close(conversationID string) {
	s.mu.Lock()
	c, ok := s.open[conversationID]
	delete(s.open, conversationID)
	s.mu.Unlock()

	if ok {
		c.Close()
	}
}

// CloseAll closes every open conversation. Open fails afterwards.
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	s.closed = true
	open := s.open
	s.open = make(map[string]*Controller)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range open {
		wg.Go(c.Close)
	}

	wg.Wait()
}

// Len returns the number of open conversations.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.open)
}
