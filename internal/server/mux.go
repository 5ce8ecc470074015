// Package server provides HTTP server construction for chatsync.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/chatsync/internal/api"
	"github.com/alexjbarnes/chatsync/internal/auth"
	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 64 << 10

// ChatStore is the persistence the REST handlers need.
type ChatStore interface {
	CreateConversation(ctx context.Context, a, b string) (models.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context, participant string) ([]models.Conversation, error)
	Insert(ctx context.Context, conversationID, senderID, body string) (models.Message, error)
	FetchOrdered(ctx context.Context, conversationID string) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	MarkReadFor(ctx context.Context, viewerID string, ids []string) ([]models.Message, error)
	DeleteMessage(ctx context.Context, conversationID, id string) (models.Message, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store           ChatStore
	Participants    *auth.Participants
	RealtimeHandler http.Handler
	MCPHandler      http.Handler
	Logger          *slog.Logger
}

// NewMux builds the HTTP mux with the REST API, the realtime websocket
// and, when configured, the MCP endpoint. Everything except /healthz is
// protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{store: cfg.Store, participants: cfg.Participants, logger: cfg.Logger}
	authMiddleware := auth.Middleware(cfg.Participants, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	protected := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(fn))
	}

	protected("GET /v1/me", h.me)
	protected("GET /v1/conversations", h.listConversations)
	protected("POST /v1/conversations", h.createConversation)
	protected("GET /v1/conversations/{id}/messages", h.listMessages)
	protected("POST /v1/conversations/{id}/messages", h.sendMessage)
	protected("DELETE /v1/conversations/{id}/messages/{messageID}", h.deleteMessage)
	protected("POST /v1/messages/read", h.markRead)

	if cfg.RealtimeHandler != nil {
		mux.Handle("GET /v1/realtime", authMiddleware(cfg.RealtimeHandler))
	}

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))
	}

	return mux
}

type handlers struct {
	store        ChatStore
	participants *auth.Participants
	logger       *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chaterrors.ErrConversationNotFound), errors.Is(err, chaterrors.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chaterrors.ErrEntitlementDenied), errors.Is(err, chaterrors.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, chaterrors.ErrEmptyBody), errors.Is(err, chaterrors.ErrBodyTooLong),
		errors.Is(err, chaterrors.ErrInvalidParticipants):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		msg = "internal error"
	}

	writeJSON(w, status, api.ErrorResponse{Error: msg, Code: api.ErrorCode(err)})
}

func (h *handlers) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: msg, Code: api.CodeBadRequest})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v)
}

// conversationFor loads the conversation named in the path and checks the
// caller takes part in it.
func (h *handlers) conversationFor(r *http.Request) (models.Conversation, error) {
	conv, err := h.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		return models.Conversation{}, err
	}

	if !conv.HasParticipant(auth.RequestParticipantID(r.Context())) {
		return models.Conversation{}, chaterrors.ErrEntitlementDenied
	}

	return conv, nil
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.MeResponse{
		ParticipantID: auth.RequestParticipantID(r.Context()),
		Participants:  h.participants.IDs(),
	})
}

func (h *handlers) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context(), auth.RequestParticipantID(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, api.ConversationsResponse{Conversations: convs})
}

func (h *handlers) createConversation(w http.ResponseWriter, r *http.Request) {
	var req api.CreateConversationRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	if !h.participants.Has(req.Peer) {
		h.writeError(w, r, chaterrors.ErrInvalidParticipants)
		return
	}

	conv, created, err := h.store.CreateConversation(r.Context(), auth.RequestParticipantID(r.Context()), req.Peer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	writeJSON(w, status, api.CreateConversationResponse{Conversation: conv, Created: created})
}

func (h *handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversationFor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	msgs, err := h.store.FetchOrdered(r.Context(), conv.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, api.MessagesResponse{Messages: msgs})
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversationFor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req api.SendMessageRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	me := auth.RequestParticipantID(r.Context())
	if req.SenderID != "" && req.SenderID != me {
		h.writeError(w, r, chaterrors.ErrNotParticipant)
		return
	}

	m, err := h.store.Insert(r.Context(), conv.ID, me, req.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// deleteMessage lets a sender retract their own message.
func (h *handlers) deleteMessage(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversationFor(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.store.GetMessage(r.Context(), r.PathValue("messageID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if m.ConversationID != conv.ID {
		h.writeError(w, r, chaterrors.ErrMessageNotFound)
		return
	}

	if m.SenderID != auth.RequestParticipantID(r.Context()) {
		h.writeError(w, r, chaterrors.ErrNotParticipant)
		return
	}

	deleted, err := h.store.DeleteMessage(r.Context(), conv.ID, m.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, deleted)
}

func (h *handlers) markRead(w http.ResponseWriter, r *http.Request) {
	var req api.MarkReadRequest
	if err := decode(w, r, &req); err != nil {
		h.badRequest(w, "invalid request body")
		return
	}

	marked, err := h.store.MarkReadFor(r.Context(), auth.RequestParticipantID(r.Context()), req.IDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if marked == nil {
		marked = []models.Message{}
	}

	writeJSON(w, http.StatusOK, api.MarkReadResponse{Marked: marked})
}
