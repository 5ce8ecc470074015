// Package mcpserver registers MCP tools that expose a participant's
// conversations. Every server instance acts for exactly one participant.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultReadLimit is how many recent messages chat_read_messages returns
// when no limit is given.
const defaultReadLimit = 50

// ChatStore is the persistence the tools need.
type ChatStore interface {
	chatsync.MessageStore
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, participant string) ([]models.Conversation, error)
}

// NewServer creates an MCP server whose tools act as participantID.
func NewServer(store ChatStore, participantID, version string, logger *slog.Logger) *mcp.Server {
	server := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-mcp", Version: version},
		nil,
	)
	RegisterTools(server, store, participantID, logger)

	return server
}

// Handler serves MCP over streamable HTTP. It must sit behind
// auth.Middleware; each session gets a server for the authenticated
// participant.
func Handler(store ChatStore, version string, logger *slog.Logger) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		id := auth.RequestParticipantID(r.Context())
		if id == "" {
			return nil
		}

		return NewServer(store, id, version, logger.With(slog.String("participant_id", id)))
	}, nil)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, store ChatStore, participantID string, logger *slog.Logger) {
	t := &tools{
		store:       store,
		participant: participantID,
		receipts:    chatsync.NewReceiptSync(store, logger),
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List your conversations, most recently active first, with the other participant and unread count.",
	}, t.listConversations)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the most recent messages of a conversation in chronological order. Does not mark anything read.",
	}, t.readMessages)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to a conversation. Leading and trailing whitespace is trimmed; empty messages are rejected.",
	}, t.sendMessage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark every unread incoming message of a conversation as read. Safe to repeat.",
	}, t.markRead)
}

// --- Input and output types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListConversationsInput has no parameters.
type ListConversationsInput struct{}

// ConversationSummary is one entry of chat_list_conversations.
type ConversationSummary struct {
	ID             string `json:"id"`
	Peer           string `json:"peer"`
	LastActivityAt string `json:"last_activity_at"`
	Unread         int    `json:"unread"`
}

// ListConversationsResult is the output of chat_list_conversations.
type ListConversationsResult struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"the conversation to read"`
	Limit          int    `json:"limit,omitempty" jsonschema:"number of most recent messages to return, defaults to 50"`
}

// MessageView is a message as tools present it. Timestamps are RFC 3339.
type MessageView struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	ReadAt    string `json:"read_at,omitempty"`
}

func viewOf(m models.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
	}

	if m.ReadAt != nil {
		v.ReadAt = m.ReadAt.Format(time.RFC3339Nano)
	}

	return v
}

// ReadMessagesResult is the output of chat_read_messages.
type ReadMessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Total          int           `json:"total"`
	Messages       []MessageView `json:"messages"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"the conversation to post to"`
	Body           string `json:"body" jsonschema:"message text"`
}

// MarkReadInput holds parameters for chat_mark_read.
type MarkReadInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"the conversation whose incoming messages to mark"`
}

// MarkReadResult is the output of chat_mark_read.
type MarkReadResult struct {
	Marked []string `json:"marked"`
}

// --- Handlers ---

type tools struct {
	store       ChatStore
	participant string
	receipts    *chatsync.ReceiptSync
}

// conversation loads id and checks the participant takes part in it.
func (t *tools) conversation(ctx context.Context, id string) (models.Conversation, error) {
	conv, err := t.store.GetConversation(ctx, id)
	if err != nil {
		return models.Conversation{}, err
	}

	if !conv.HasParticipant(t.participant) {
		return models.Conversation{}, fmt.Errorf("%w: %s", chaterrors.ErrEntitlementDenied, id)
	}

	return conv, nil
}

func (t *tools) listConversations(ctx context.Context, _ *mcp.CallToolRequest, _ ListConversationsInput) (*mcp.CallToolResult, *ListConversationsResult, error) {
	convs, err := t.store.ListConversations(ctx, t.participant)
	if err != nil {
		return nil, nil, err
	}

	result := &ListConversationsResult{Conversations: make([]ConversationSummary, 0, len(convs))}

	for _, c := range convs {
		msgs, err := t.store.FetchOrdered(ctx, c.ID)
		if err != nil {
			return nil, nil, err
		}

		unread := 0
		for _, m := range msgs {
			if m.SenderID != t.participant && !m.IsRead() {
				unread++
			}
		}

		result.Conversations = append(result.Conversations, ConversationSummary{
			ID:             c.ID,
			Peer:           c.Counterpart(t.participant),
			LastActivityAt: c.LastActivityAt.Format(time.RFC3339Nano),
			Unread:         unread,
		})
	}

	return textResult(result), result, nil
}

func (t *tools) readMessages(ctx context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
	conv, err := t.conversation(ctx, input.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := t.store.FetchOrdered(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	total := len(msgs)
	if total > limit {
		msgs = msgs[total-limit:]
	}

	result := &ReadMessagesResult{ConversationID: conv.ID, Total: total, Messages: make([]MessageView, len(msgs))}
	for i, m := range msgs {
		result.Messages[i] = viewOf(m)
	}

	return textResult(result), result, nil
}

func (t *tools) sendMessage(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *MessageView, error) {
	conv, err := t.conversation(ctx, input.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	m, err := t.store.Insert(ctx, conv.ID, t.participant, input.Body)
	if err != nil {
		return nil, nil, err
	}

	v := viewOf(m)

	return textResult(v), &v, nil
}

func (t *tools) markRead(ctx context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
	conv, err := t.conversation(ctx, input.ConversationID)
	if err != nil {
		return nil, nil, err
	}

	res, err := t.receipts.MarkIncomingAsRead(ctx, conv.ID, t.participant)
	if err != nil && len(res.Marked) == 0 {
		return nil, nil, err
	}

	result := &MarkReadResult{Marked: res.Marked}
	if result.Marked == nil {
		result.Marked = []string{}
	}

	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
