// Package realtime carries conversation change events over a websocket.
// One connection serves one conversation: the client sends a subscribe
// frame, the server acknowledges it and then streams change frames until
// either side goes away.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Frame ops.
const (
	OpSubscribe  = "subscribe"
	OpPing       = "ping"
	OpSubscribed = "subscribed"
	OpChange     = "change"
	OpError      = "error"
	OpPong       = "pong"
)

const (
	// pingAfter is the idle time after which the client pings.
	pingAfter = 10 * time.Second

	// disconnectAfter is the idle time after which either side gives up.
	disconnectAfter = 60 * time.Second

	// heartbeatCheckAt is how often idleness is checked.
	heartbeatCheckAt = 5 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// readLimit caps an inbound frame. Message bodies are small.
	readLimit = 64 << 10
)

// Frame is the JSON envelope for every message in either direction.
type Frame struct {
	Op             string            `json:"op"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Kind           models.ChangeKind `json:"kind,omitempty"`
	Message        *models.Message   `json:"message,omitempty"`
	Msg            string            `json:"msg,omitempty"`
}

// changeFrame wraps a change event for the wire.
func changeFrame(ev models.ChangeEvent) Frame {
	m := ev.Message

	return Frame{
		Op:             OpChange,
		ConversationID: m.ConversationID,
		Kind:           ev.Kind,
		Message:        &m,
	}
}

// ChangeEvent extracts the change carried by a change frame.
func (f Frame) ChangeEvent() (models.ChangeEvent, error) {
	if f.Message == nil {
		return models.ChangeEvent{}, fmt.Errorf("change frame without message")
	}

	ev := models.ChangeEvent{Kind: f.Kind, Message: *f.Message}

	return ev, ev.Validate()
}

// peekOp reads the op field without decoding the whole frame.
func peekOp(data []byte) string {
	return gjson.GetBytes(data, "op").Str
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}
