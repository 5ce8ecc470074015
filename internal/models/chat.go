// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
)

// Conversation is a two-party chat. The identifier is immutable and
// LastActivityAt never moves backwards.
type Conversation struct {
	ID             string    `json:"id"`
	Participants   [2]string `json:"participants"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// HasParticipant reports whether id is one of the two participants.
func (c Conversation) HasParticipant(id string) bool {
	return id != "" && (c.Participants[0] == id || c.Participants[1] == id)
}

// Counterpart returns the participant that is not id, or "" when id is
// not part of the conversation.
func (c Conversation) Counterpart(id string) string {
	switch id {
	case c.Participants[0]:
		return c.Participants[1]
	case c.Participants[1]:
		return c.Participants[0]
	default:
		return ""
	}
}

// Message is a single chat message. ReadAt is nil until the recipient
// has seen it and is set at most once.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// Validate checks that every field required to display a message is set.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", chaterrors.ErrMalformedEvent)
	case m.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", chaterrors.ErrMalformedEvent)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender", chaterrors.ErrMalformedEvent)
	case strings.TrimSpace(m.Body) == "":
		return fmt.Errorf("%w: missing body", chaterrors.ErrMalformedEvent)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", chaterrors.ErrMalformedEvent)
	}

	return nil
}

// ValidateDelete checks the subset of fields a delete notification carries.
func (m Message) ValidateDelete() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", chaterrors.ErrMalformedEvent)
	}

	if m.ConversationID == "" {
		return fmt.Errorf("%w: missing conversation id", chaterrors.ErrMalformedEvent)
	}

	return nil
}

// IsRead reports whether the message has a read timestamp.
func (m Message) IsRead() bool {
	return m.ReadAt != nil
}

// Less orders messages by creation time, breaking ties by id.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return a.ID < b.ID
}

// Compare is the three-way form of Less, for slices.SortFunc.
func Compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}

	return strings.Compare(a.ID, b.ID)
}

// ChangeKind is the type of change carried by a notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return true
	default:
		return false
	}
}

// ChangeEvent is a single message change pushed by the notification bus.
type ChangeEvent struct {
	Kind    ChangeKind `json:"kind"`
	Message Message    `json:"message"`
}

// Validate checks the event kind and the fields that kind requires.
func (e ChangeEvent) Validate() error {
	switch e.Kind {
	case ChangeInsert, ChangeUpdate:
		return e.Message.Validate()
	case ChangeDelete:
		return e.Message.ValidateDelete()
	default:
		return fmt.Errorf("%w: unknown kind %q", chaterrors.ErrMalformedEvent, e.Kind)
	}
}
