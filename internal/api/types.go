// Package api holds the HTTP wire types shared by the server and the
// remote store client.
package api

import (
	"errors"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// MeResponse is returned by GET /v1/me.
type MeResponse struct {
	ParticipantID string   `json:"participant_id"`
	Participants  []string `json:"participants"`
}

// CreateConversationRequest is the body of POST /v1/conversations.
type CreateConversationRequest struct {
	Peer string `json:"peer"`
}

// CreateConversationResponse reports whether the conversation is new.
type CreateConversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

// ConversationsResponse is returned by GET /v1/conversations.
type ConversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

// SendMessageRequest is the body of POST /v1/conversations/{id}/messages.
// SenderID is optional and must match the caller when present.
type SendMessageRequest struct {
	SenderID string `json:"sender_id,omitempty"`
	Body     string `json:"body"`
}

// MessagesResponse is returned by GET /v1/conversations/{id}/messages.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
}

// MarkReadRequest is the body of POST /v1/messages/read.
type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

// MarkReadResponse lists the messages that changed.
type MarkReadResponse struct {
	Marked []models.Message `json:"marked"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound            = "not_found"
	CodeMessageNotFound     = "message_not_found"
	CodeForbidden           = "forbidden"
	CodeNotParticipant      = "not_participant"
	CodeEmptyBody           = "empty_body"
	CodeBodyTooLong         = "body_too_long"
	CodeInvalidParticipants = "invalid_participants"
	CodeBadRequest          = "bad_request"
	CodeInternal            = "internal"
)

var codeErrors = map[string]error{
	CodeNotFound:            chaterrors.ErrConversationNotFound,
	CodeMessageNotFound:     chaterrors.ErrMessageNotFound,
	CodeForbidden:           chaterrors.ErrEntitlementDenied,
	CodeNotParticipant:      chaterrors.ErrNotParticipant,
	CodeEmptyBody:           chaterrors.ErrEmptyBody,
	CodeBodyTooLong:         chaterrors.ErrBodyTooLong,
	CodeInvalidParticipants: chaterrors.ErrInvalidParticipants,
}

// ErrorCode returns the wire code for a domain error, or CodeInternal.
func ErrorCode(err error) string {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeInternal
}

// CodeError maps a wire code back to its domain error, or nil.
func CodeError(code string) error {
	return codeErrors[code]
}
