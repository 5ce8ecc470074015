package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// ReceiptResult describes one read-receipt pass.
type ReceiptResult struct {
	// Marked holds the ids whose read timestamp was set by this pass.
	Marked []string

	// MarkedAt is taken just before MarkRead. The store assigns its own
	// timestamp; this one is only used when the refetch failed.
	MarkedAt time.Time

	// Snapshot is the freshest ordered fetch taken during the pass. It is
	// nil when the fetch after MarkRead failed.
	Snapshot []models.Message
}

// receiptMarker is the part of ReceiptSync the controller depends on.
type receiptMarker interface {
	MarkIncomingAsRead(ctx context.Context, conversationID, viewerID string) (ReceiptResult, error)
}

// ReceiptSync marks the counterpart's unread messages as read.
type ReceiptSync struct {
	store  MessageStore
	logger *slog.Logger
}

// NewReceiptSync creates a synchronizer over the shared store.
func NewReceiptSync(store MessageStore, logger *slog.Logger) *ReceiptSync {
	return &ReceiptSync{store: store, logger: logger}
}

// MarkIncomingAsRead sets the read timestamp on every message in the
// conversation that was not sent by viewerID and has not been read, using
// one batched MarkRead, then fetches the conversation again. With nothing
// to mark it returns the first fetch and does not call MarkRead.
func (r *ReceiptSync) MarkIncomingAsRead(ctx context.Context, conversationID, viewerID string) (ReceiptResult, error) {
	msgs, err := r.store.FetchOrdered(ctx, conversationID)
	if err != nil {
		return ReceiptResult{}, fmt.Errorf("fetching messages: %w", err)
	}

	var unread []string

	for _, m := range msgs {
		if m.SenderID != viewerID && m.ReadAt == nil {
			unread = append(unread, m.ID)
		}
	}

	if len(unread) == 0 {
		return ReceiptResult{Snapshot: msgs}, nil
	}

	markedAt := time.Now()

	if err := r.store.MarkRead(ctx, unread); err != nil {
		return ReceiptResult{}, fmt.Errorf("marking %d messages read: %w", len(unread), err)
	}

	r.logger.Debug("marked incoming messages read",
		slog.String("conversation_id", conversationID),
		slog.Int("count", len(unread)),
	)

	fresh, err := r.store.FetchOrdered(ctx, conversationID)
	if err != nil {
		return ReceiptResult{Marked: unread, MarkedAt: markedAt}, fmt.Errorf("refetching after mark read: %w", err)
	}

	return ReceiptResult{Marked: unread, MarkedAt: markedAt, Snapshot: fresh}, nil
}
