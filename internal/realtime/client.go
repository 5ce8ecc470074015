package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Path is where the realtime handler is mounted.
const Path = "/v1/realtime"

// Notifier subscribes to conversation changes on a remote server. It
// implements chatsync.Notifier; each subscription owns one websocket.
type Notifier struct {
	url    string
	token  string
	logger *slog.Logger

	pingAfter        time.Duration
	disconnectAfter  time.Duration
	heartbeatCheckAt time.Duration
}

var _ chatsync.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier for the server at serverURL (http or
// https). token is the participant Bearer token.
func NewNotifier(serverURL, token string, logger *slog.Logger) *Notifier {
	u := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return &Notifier{
		url:              u + Path,
		token:            token,
		logger:           logger,
		pingAfter:        pingAfter,
		disconnectAfter:  disconnectAfter,
		heartbeatCheckAt: heartbeatCheckAt,
	}
}

// Subscribe dials the server and requests changes for conversationID.
// The confirmation arrives later through cb.OnStatus.
func (n *Notifier) Subscribe(ctx context.Context, conversationID string, cb chatsync.Callbacks) (chatsync.Subscription, error) {
	conn, _, err := websocket.Dial(ctx, n.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + n.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", n.url, err)
	}

	conn.SetReadLimit(readLimit)

	if err := writeFrame(ctx, conn, Frame{Op: OpSubscribe, ConversationID: conversationID}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sending subscribe: %w", err)
	}

	// The connection outlives the dial context; Unsubscribe ends it.
	connCtx, cancel := context.WithCancel(context.Background())

	s := &remoteSubscription{
		Notifier:       n,
		conn:           conn,
		conversationID: conversationID,
		cb:             cb,
		cancel:         cancel,
		logger:         n.logger.With(slog.String("conversation_id", conversationID)),
	}

	go s.run(connCtx)

	return s, nil
}

type remoteSubscription struct {
	*Notifier

	conn           *websocket.Conn
	conversationID string
	cb             chatsync.Callbacks
	cancel         context.CancelFunc
	logger         *slog.Logger

	once sync.Once
}

// Unsubscribe closes the websocket. It does not wait for the reader to
// exit and no callbacks fire afterwards.
func (s *remoteSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.conn.CloseNow()
	})

	return nil
}

func (s *remoteSubscription) run(ctx context.Context) {
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
	lastPing := time.Time{}

	for {
		select {
		case msg := <-in:
			if msg.err != nil {
				s.readFailed(ctx, msg.err)
				return
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				continue
			}

			if done := s.handleFrame(ctx, msg.data); done {
				return
			}

		case <-ticker.C:
			idle := time.Since(lastMessage)

			if idle > s.disconnectAfter {
				s.logger.Warn("realtime server idle, closing", slog.Duration("idle", idle))
				s.finish(ctx, chatsync.ChannelError, fmt.Errorf("heartbeat timeout after %s", idle))

				return
			}

			if idle > s.pingAfter && time.Since(lastPing) > s.pingAfter {
				lastPing = time.Now()
				if err := writeFrame(ctx, s.conn, Frame{Op: OpPing}); err != nil {
					s.logger.Debug("ping failed", slog.String("error", err.Error()))
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// handleFrame dispatches one server frame and reports whether the
// subscription is over.
func (s *remoteSubscription) handleFrame(ctx context.Context, data []byte) bool {
	switch op := peekOp(data); op {
	case OpSubscribed:
		s.emitStatus(ctx, chatsync.ChannelSubscribed, nil)

	case OpChange:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("dropping undecodable change frame", slog.String("error", err.Error()))
			return false
		}

		ev, err := f.ChangeEvent()
		if err != nil {
			s.logger.Debug("dropping malformed change frame", slog.String("error", err.Error()))
			return false
		}

		if ctx.Err() == nil && s.cb.OnChange != nil {
			s.cb.OnChange(ev)
		}

	case OpError:
		s.finish(ctx, chatsync.ChannelError, fmt.Errorf("server: %s", gjson.GetBytes(data, "msg").Str))
		return true

	case OpPong:

	default:
		s.logger.Debug("ignoring frame", slog.String("op", op))
	}

	return false
}

func (s *remoteSubscription) readFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		s.finish(ctx, chatsync.ChannelClosed, nil)
	default:
		if errors.Is(err, context.Canceled) {
			return
		}

		s.finish(ctx, chatsync.ChannelError, err)
	}
}

// finish reports a terminal status and drops the connection.
func (s *remoteSubscription) finish(ctx context.Context, status chatsync.ChannelStatus, err error) {
	s.emitStatus(ctx, status, err)
	s.conn.CloseNow()
}

func (s *remoteSubscription) emitStatus(ctx context.Context, status chatsync.ChannelStatus, err error) {
	if ctx.Err() != nil || s.cb.OnStatus == nil {
		return
	}

	s.cb.OnStatus(status, err)
}
