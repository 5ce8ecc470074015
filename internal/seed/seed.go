// Package seed loads YAML fixtures of conversations and messages into a
// store. Conversations that already hold messages are left alone, so
// applying the same file on every start is safe.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// messageSpacing separates messages that carry no explicit timestamp.
const messageSpacing = time.Minute

// File is the fixture document.
type File struct {
	Conversations []Conversation `yaml:"conversations"`
}

// Conversation is one fixture conversation. Start anchors messages
// without an explicit At; it defaults to the time the fixture is applied.
type Conversation struct {
	Participants []string  `yaml:"participants"`
	Start        time.Time `yaml:"start"`
	Messages     []Message `yaml:"messages"`
}

// Message is one fixture message. A missing ID is derived from the
// conversation and position, so re-imports are idempotent.
type Message struct {
	ID     string    `yaml:"id"`
	Sender string    `yaml:"sender"`
	Body   string    `yaml:"body"`
	At     time.Time `yaml:"at"`
	Read   bool      `yaml:"read"`
}

// Store is what Apply writes to.
type Store interface {
	CreateConversation(ctx context.Context, a, b string) (models.Conversation, bool, error)
	FetchOrdered(ctx context.Context, conversationID string) ([]models.Message, error)
	Import(ctx context.Context, m models.Message) error
}

// Result summarizes an Apply.
type Result struct {
	Conversations int
	Messages      int
	Skipped       int
}

// Load reads and parses a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a fixture document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	for i, c := range f.Conversations {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i+1, err)
		}
	}

	return &f, nil
}

func (c Conversation) validate() error {
	if len(c.Participants) != 2 || c.Participants[0] == "" || c.Participants[1] == "" || c.Participants[0] == c.Participants[1] {
		return fmt.Errorf("need two distinct participants, got %v", c.Participants)
	}

	for j, m := range c.Messages {
		if !slices.Contains(c.Participants, m.Sender) {
			return fmt.Errorf("message %d: sender %q is not a participant", j+1, m.Sender)
		}

		if strings.TrimSpace(m.Body) == "" {
			return fmt.Errorf("message %d: empty body", j+1)
		}
	}

	return nil
}

// Apply writes the fixtures to st. now anchors conversations without a
// start time.
func Apply(ctx context.Context, st Store, f *File, now time.Time, logger *slog.Logger) (Result, error) {
	var res Result

	for _, c := range f.Conversations {
		conv, _, err := st.CreateConversation(ctx, c.Participants[0], c.Participants[1])
		if err != nil {
			return res, fmt.Errorf("creating conversation %v: %w", c.Participants, err)
		}

		res.Conversations++

		existing, err := st.FetchOrdered(ctx, conv.ID)
		if err != nil {
			return res, fmt.Errorf("checking conversation %s: %w", conv.ID, err)
		}

		if len(existing) > 0 {
			logger.Debug("seed: conversation already has messages, skipping",
				slog.String("conversation_id", conv.ID),
				slog.Int("messages", len(existing)),
			)

			res.Skipped++

			continue
		}

		start := c.Start
		if start.IsZero() {
			start = now.Add(-time.Duration(len(c.Messages)) * messageSpacing)
		}

		for j, fm := range c.Messages {
			m := fm.message(conv.ID, j, start)
			if err := st.Import(ctx, m); err != nil {
				return res, fmt.Errorf("importing message %d of %s: %w", j+1, conv.ID, err)
			}

			res.Messages++
		}
	}

	logger.Info("seed applied",
		slog.Int("conversations", res.Conversations),
		slog.Int("messages", res.Messages),
		slog.Int("skipped", res.Skipped),
	)

	return res, nil
}

func (fm Message) message(conversationID string, index int, start time.Time) models.Message {
	id := fm.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(conversationID+"/"+strconv.Itoa(index))).String()
	}

	at := fm.At
	if at.IsZero() {
		at = start.Add(time.Duration(index) * messageSpacing)
	}

	m := models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       fm.Sender,
		Body:           fm.Body,
		CreatedAt:      at.UTC(),
	}

	if fm.Read {
		readAt := m.CreatedAt
		m.ReadAt = &readAt
	}

	return m
}
