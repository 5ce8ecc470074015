package errors

import "errors"

// Sync errors. None of these should interrupt an open conversation.
var (
	ErrChannelUnavailable = errors.New("realtime channel unavailable")
	ErrMalformedEvent     = errors.New("malformed change event")
	ErrStore              = errors.New("message store request failed")
	ErrSessionClosed      = errors.New("conversation session closed")
)

// Conversation errors.
var (
	ErrEntitlementDenied    = errors.New("not allowed to access conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("sender is not a participant")
	ErrEmptyBody            = errors.New("message body is empty")
	ErrBodyTooLong          = errors.New("message body is too long")
	ErrInvalidParticipants  = errors.New("conversation needs two distinct participants")
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("invalid or unknown token")
)
