// Package store persists conversations and messages in a bbolt database.
// It is the shared Message Store: the send path and every sync path read
// and write through it, and each committed change is handed to a
// Publisher so realtime subscribers hear about it.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt database lock.
	dbOpenTimeout = 5 * time.Second

	// MaxBodyLen caps a message body in bytes after normalization.
	MaxBodyLen = 8 << 10
)

var (
	conversationsBucket = []byte("conversations")
	pairsBucket         = []byte("pairs")
	messageIndexBucket  = []byte("message_index")
)

func messagesBucket(conversationID string) []byte {
	return []byte("messages:" + conversationID)
}

// pairKey is the same for (a, b) and (b, a).
func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}

	return []byte(a + "\x00" + b)
}

// messageKey sorts by creation time, then id, which is the view order.
func messageKey(m models.Message) []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt.UnixNano()))

	return append(key, m.ID...)
}

// indexEntry locates a message by id.
type indexEntry struct {
	ConversationID string `json:"conversation_id"`
	Key            []byte `json:"key"`
}

// Publisher receives every committed change.
type Publisher interface {
	Publish(ev models.ChangeEvent)
}

// Store wraps a bbolt database holding every conversation.
type Store struct {
	db        *bolt.DB
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Open opens the database at path, creating it and its directory if they
// do not exist. publisher may be nil.
func Open(path string, publisher Publisher, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening message db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, pairsBucket, messageIndexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing message db: %w", err)
	}

	return &Store{
		db:        db,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(events ...models.ChangeEvent) {
	if s.publisher == nil {
		return
	}

	for _, ev := range events {
		s.publisher.Publish(ev)
	}
}

// storeErr marks infrastructure failures as transient store errors.
// Domain errors pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, domain := range []error{
		chaterrors.ErrConversationNotFound,
		chaterrors.ErrMessageNotFound,
		chaterrors.ErrNotParticipant,
		chaterrors.ErrEmptyBody,
		chaterrors.ErrBodyTooLong,
		chaterrors.ErrInvalidParticipants,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, domain) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	return fmt.Errorf("%s: %w: %w", op, chaterrors.ErrStore, err)
}

// --- conversations ---

// CreateConversation returns the conversation between a and b, creating it
// if needed. The second return value reports whether it was created.
func (s *Store) CreateConversation(ctx context.Context, a, b string) (models.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, false, err
	}

	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return models.Conversation{}, false, fmt.Errorf("%w: need two distinct participants", chaterrors.ErrInvalidParticipants)
	}

	var (
		conv    models.Conversation
		created bool
	)

	err := s.db.Update(func(tx *bolt.Tx) error {
		pairs := tx.Bucket(pairsBucket)
		convs := tx.Bucket(conversationsBucket)

		if id := pairs.Get(pairKey(a, b)); id != nil {
			return json.Unmarshal(convs.Get(id), &conv)
		}

		now := s.now()
		conv = models.Conversation{
			ID:             uuid.NewString(),
			Participants:   [2]string{a, b},
			CreatedAt:      now,
			LastActivityAt: now,
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}

		if err := convs.Put([]byte(conv.ID), data); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(messagesBucket(conv.ID)); err != nil {
			return err
		}

		created = true

		return pairs.Put(pairKey(a, b), []byte(conv.ID))
	})
	if err != nil {
		return models.Conversation{}, false, storeErr("creating conversation", err)
	}

	if created {
		s.logger.Info("conversation created",
			slog.String("conversation_id", conv.ID),
			slog.String("a", a),
			slog.String("b", b),
		)
	}

	return conv, created, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		conv, err = getConversation(tx, id)

		return err
	})
	if err != nil {
		return models.Conversation{}, storeErr("getting conversation", err)
	}

	return conv, nil
}

func getConversation(tx *bolt.Tx, id string) (models.Conversation, error) {
	var conv models.Conversation

	v := tx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return conv, fmt.Errorf("%w: %s", chaterrors.ErrConversationNotFound, id)
	}

	if err := json.Unmarshal(v, &conv); err != nil {
		return conv, fmt.Errorf("decoding conversation %s: %w", id, err)
	}

	return conv, nil
}

// ListConversations returns the conversations participant is in, most
// recently active first.
func (s *Store) ListConversations(ctx context.Context, participant string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return err
			}

			if conv.HasParticipant(participant) {
				out = append(out, conv)
			}

			return nil
		})
	})
	if err != nil {
		return nil, storeErr("listing conversations", err)
	}

	slices.SortFunc(out, func(a, b models.Conversation) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out, nil
}

// --- messages ---

// NormalizeBody returns body in NFC with surrounding whitespace removed.
func NormalizeBody(body string) string {
	return strings.TrimSpace(norm.NFC.String(body))
}

// Insert stores a new message from senderID and returns it with its id and
// creation time assigned.
func (s *Store) Insert(ctx context.Context, conversationID, senderID, body string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	body = NormalizeBody(body)
	if body == "" {
		return models.Message{}, chaterrors.ErrEmptyBody
	}

	if len(body) > MaxBodyLen {
		return models.Message{}, fmt.Errorf("%w: body exceeds %d bytes", chaterrors.ErrBodyTooLong, MaxBodyLen)
	}

	m := models.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      s.now(),
	}

	if err := s.db.Update(func(tx *bolt.Tx) error { return putMessage(tx, m) }); err != nil {
		return models.Message{}, storeErr("inserting message", err)
	}

	s.logger.Debug("message stored",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", m.ID),
	)

	s.publish(models.ChangeEvent{Kind: models.ChangeInsert, Message: m})

	return m, nil
}

// Import stores a fully formed message, keeping its id and timestamps.
// Used for fixtures. Importing an id that already exists is a no-op.
func (s *Store) Import(ctx context.Context, m models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.Body = NormalizeBody(m.Body)
	m.CreatedAt = m.CreatedAt.UTC()

	if err := m.Validate(); err != nil {
		return fmt.Errorf("importing message: %w", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(messageIndexBucket).Get([]byte(m.ID)) != nil {
			return nil
		}

		return putMessage(tx, m)
	})

	return storeErr("importing message", err)
}

// putMessage writes a new message, checking the sender belongs to the
// conversation and bumping its activity time.
func putMessage(tx *bolt.Tx, m models.Message) error {
	conv, err := getConversation(tx, m.ConversationID)
	if err != nil {
		return err
	}

	if !conv.HasParticipant(m.SenderID) {
		return fmt.Errorf("%w: %s in %s", chaterrors.ErrNotParticipant, m.SenderID, m.ConversationID)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	key := messageKey(m)

	if err := tx.Bucket(messagesBucket(m.ConversationID)).Put(key, data); err != nil {
		return err
	}

	idx, err := json.Marshal(indexEntry{ConversationID: m.ConversationID, Key: key})
	if err != nil {
		return err
	}

	if err := tx.Bucket(messageIndexBucket).Put([]byte(m.ID), idx); err != nil {
		return err
	}

	if !m.CreatedAt.After(conv.LastActivityAt) {
		return nil
	}

	conv.LastActivityAt = m.CreatedAt

	convData, err := json.Marshal(conv)
	if err != nil {
		return err
	}

	return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), convData)
}

// FetchOrdered returns every message in the conversation, oldest first.
func (s *Store) FetchOrdered(ctx context.Context, conversationID string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := []models.Message{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(conversationID))
		if b == nil {
			return fmt.Errorf("%w: %s", chaterrors.ErrConversationNotFound, conversationID)
		}

		return b.ForEach(func(_, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})
	if err != nil {
		return nil, storeErr("fetching messages", err)
	}

	return out, nil
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var m models.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v, err := lookup(tx, id)
		if err != nil {
			return err
		}

		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return models.Message{}, storeErr("getting message", err)
	}

	return m, nil
}

func lookup(tx *bolt.Tx, id string) (indexEntry, []byte, error) {
	var entry indexEntry

	raw := tx.Bucket(messageIndexBucket).Get([]byte(id))
	if raw == nil {
		return entry, nil, fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
	}

	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, nil, fmt.Errorf("decoding index for %s: %w", id, err)
	}

	b := tx.Bucket(messagesBucket(entry.ConversationID))
	if b == nil {
		return entry, nil, fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
	}

	v := b.Get(entry.Key)
	if v == nil {
		return entry, nil, fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
	}

	return entry, v, nil
}

// MarkRead sets the read timestamp on every listed message that has none,
// in a single transaction. Unknown ids are skipped.
func (s *Store) MarkRead(ctx context.Context, ids []string) error {
	_, err := s.markRead(ctx, "", ids)
	return err
}

// MarkReadFor is MarkRead on behalf of viewerID: every message must be in
// one of the viewer's conversations and must not be the viewer's own.
// Nothing is written if any id fails that check. It returns the messages
// whose read timestamp was set.
func (s *Store) MarkReadFor(ctx context.Context, viewerID string, ids []string) ([]models.Message, error) {
	return s.markRead(ctx, viewerID, ids)
}

func (s *Store) markRead(ctx context.Context, viewerID string, ids []string) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	var marked []models.Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()
		convs := make(map[string]models.Conversation)

		for _, id := range ids {
			entry, v, err := lookup(tx, id)
			if errors.Is(err, chaterrors.ErrMessageNotFound) {
				continue
			}

			if err != nil {
				return err
			}

			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if viewerID != "" {
				conv, ok := convs[entry.ConversationID]
				if !ok {
					conv, err = getConversation(tx, entry.ConversationID)
					if err != nil {
						return err
					}

					convs[entry.ConversationID] = conv
				}

				if !conv.HasParticipant(viewerID) || m.SenderID == viewerID {
					return fmt.Errorf("%w: %s cannot mark %s", chaterrors.ErrNotParticipant, viewerID, id)
				}
			}

			if m.ReadAt != nil {
				continue
			}

			m.ReadAt = &now

			data, err := json.Marshal(m)
			if err != nil {
				return err
			}

			if err := tx.Bucket(messagesBucket(entry.ConversationID)).Put(entry.Key, data); err != nil {
				return err
			}

			marked = append(marked, m)
		}

		return nil
	})
	if err != nil {
		return nil, storeErr("marking messages read", err)
	}

	events := make([]models.ChangeEvent, len(marked))
	for i, m := range marked {
		events[i] = models.ChangeEvent{Kind: models.ChangeUpdate, Message: m}
	}

	s.publish(events...)

	return marked, nil
}

// DeleteMessage removes a message from a conversation.
func (s *Store) DeleteMessage(ctx context.Context, conversationID, id string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}

	var m models.Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		entry, v, err := lookup(tx, id)
		if err != nil {
			return err
		}

		if entry.ConversationID != conversationID {
			return fmt.Errorf("%w: %s", chaterrors.ErrMessageNotFound, id)
		}

		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}

		if err := tx.Bucket(messagesBucket(conversationID)).Delete(entry.Key); err != nil {
			return err
		}

		return tx.Bucket(messageIndexBucket).Delete([]byte(id))
	})
	if err != nil {
		return models.Message{}, storeErr("deleting message", err)
	}

	s.publish(models.ChangeEvent{Kind: models.ChangeDelete, Message: m})

	return m, nil
}
