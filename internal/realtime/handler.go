package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/coder/websocket"
)

// ConversationSource looks up conversations for entitlement checks.
type ConversationSource interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
}

// Handler upgrades authenticated requests to a websocket and streams the
// changes of one conversation. It must sit behind auth.Middleware.
type Handler struct {
	conversations ConversationSource
	notifier      chatsync.Notifier
	logger        *slog.Logger

	disconnectAfter  time.Duration
	heartbeatCheckAt time.Duration
}

// NewHandler creates a realtime handler. notifier is normally a
// bus.LocalNotifier.
func NewHandler(conversations ConversationSource, notifier chatsync.Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		conversations:    conversations,
		notifier:         notifier,
		logger:           logger,
		disconnectAfter:  disconnectAfter,
		heartbeatCheckAt: heartbeatCheckAt,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participant := auth.RequestParticipantID(r.Context())
	if participant == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	defer conn.CloseNow()

	conn.SetReadLimit(readLimit)

	sc := &serverConn{
		Handler:     h,
		conn:        conn,
		participant: participant,
		logger:      h.logger.With(slog.String("participant_id", participant)),
		ended:       make(chan error, 1),
	}

	err = sc.serve(r.Context())

	switch status := websocket.CloseStatus(err); {
	case err == nil, errors.Is(err, context.Canceled),
		status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		sc.logger.Debug("realtime connection closed")
	default:
		sc.logger.Info("realtime connection ended", slog.String("error", err.Error()))
	}
}

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// serverConn is one accepted websocket.
type serverConn struct {
	*Handler

	conn        *websocket.Conn
	participant string
	logger      *slog.Logger

	sub            chatsync.Subscription
	conversationID string

	// ended receives the reason the upstream subscription stopped.
	ended chan error
}

func (s *serverConn) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	defer func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
	}()

	in := make(chan inbound, 16)

	go func() {
		for {
			typ, data, err := s.conn.Read(ctx)

			select {
			case in <- inbound{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeatCheckAt)
	defer ticker.Stop()

	lastMessage := time.Now()

	for {
		select {
		case msg := <-in:
			if msg.err != nil {
				return msg.err
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				continue
			}

			if err := s.handleFrame(ctx, cancel, msg.data); err != nil {
				return err
			}

		case err := <-s.ended:
			s.logger.Info("subscription ended, closing connection",
				slog.String("conversation_id", s.conversationID),
				slog.String("reason", err.Error()),
			)
			_ = writeFrame(ctx, s.conn, Frame{Op: OpError, ConversationID: s.conversationID, Msg: err.Error()})

			return s.conn.Close(websocket.StatusTryAgainLater, "subscription ended")

		case <-ticker.C:
			if time.Since(lastMessage) > s.disconnectAfter {
				s.logger.Warn("realtime client idle, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *serverConn) handleFrame(ctx context.Context, cancel context.CancelFunc, data []byte) error {
	switch op := peekOp(data); op {
	case OpPing:
		return writeFrame(ctx, s.conn, Frame{Op: OpPong})

	case OpSubscribe:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return writeFrame(ctx, s.conn, Frame{Op: OpError, Msg: "invalid subscribe frame"})
		}

		return s.subscribe(ctx, cancel, f.ConversationID)

	default:
		s.logger.Debug("ignoring frame", slog.String("op", op))
		return nil
	}
}

func (s *serverConn) subscribe(ctx context.Context, cancel context.CancelFunc, conversationID string) error {
	if s.sub != nil {
		return writeFrame(ctx, s.conn, Frame{Op: OpError, ConversationID: conversationID, Msg: "already subscribed"})
	}

	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil || !conv.HasParticipant(s.participant) {
		if err != nil && !errors.Is(err, chaterrors.ErrConversationNotFound) {
			s.logger.Warn("conversation lookup failed", slog.String("error", err.Error()))
		}

		_ = writeFrame(ctx, s.conn, Frame{
			Op:             OpError,
			ConversationID: conversationID,
			Msg:            chaterrors.ErrEntitlementDenied.Error(),
		})

		return s.conn.Close(websocket.StatusPolicyViolation, "not a participant")
	}

	sub, err := s.notifier.Subscribe(ctx, conversationID, chatsync.Callbacks{
		OnChange: func(ev models.ChangeEvent) {
			if err := writeFrame(ctx, s.conn, changeFrame(ev)); err != nil {
				s.logger.Debug("writing change frame failed", slog.String("error", err.Error()))
				cancel()
			}
		},
		OnStatus: func(status chatsync.ChannelStatus, err error) {
			if status != chatsync.ChannelClosed && status != chatsync.ChannelError {
				return
			}

			if err == nil {
				err = chaterrors.ErrChannelUnavailable
			}

			select {
			case s.ended <- err:
			default:
			}
		},
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", conversationID, err)
	}

	s.sub = sub
	s.conversationID = conversationID

	s.logger.Debug("realtime subscribed", slog.String("conversation_id", conversationID))

	return writeFrame(ctx, s.conn, Frame{Op: OpSubscribed, ConversationID: conversationID})
}
