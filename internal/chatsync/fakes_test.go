package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	alice  = "alice"
	bob    = "bob"
	convID = "conv-1"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, sender string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Body:           "body " + id,
		CreatedAt:      epoch.Add(offset),
	}
}

func insertEvent(m models.Message) models.ChangeEvent {
	return models.ChangeEvent{Kind: models.ChangeInsert, Message: m}
}

func viewIDs(view []models.Message) []string {
	ids := make([]string, len(view))
	for i, m := range view {
		ids[i] = m.ID
	}

	return ids
}

// memStore is an in-memory MessageStore. Inside a synctest bubble
// time.Now is the fake clock, so timestamps are deterministic.
type memStore struct {
	mu       sync.Mutex
	msgs     []models.Message
	seq      int
	fetchErr error
	fetches  int
	marks    [][]string

	// hold, when set, delays FetchOrdered results until it is closed.
	// The snapshot is taken before waiting.
	hold chan struct{}
}

func newMemStore(msgs ...models.Message) *memStore {
	return &memStore{msgs: msgs}
}

func (s *memStore) Insert(_ context.Context, conversationID, senderID, body string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	m := models.Message{
		ID:             "new-" + strconv.Itoa(s.seq),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now(),
	}
	s.msgs = append(s.msgs, m)

	return m, nil
}

func (s *memStore) FetchOrdered(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++

	if s.fetchErr != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrStore, s.fetchErr)
	}

	var out []models.Message

	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}

	if hold := s.hold; hold != nil {
		s.mu.Unlock()
		<-hold
		s.mu.Lock()
	}

	return out, nil
}

func (s *memStore) holdFetches() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hold = make(chan struct{})

	return s.hold
}

func (s *memStore) MarkRead(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.marks = append(s.marks, append([]string(nil), ids...))
	now := time.Now()

	for i := range s.msgs {
		for _, id := range ids {
			if s.msgs[i].ID == id && s.msgs[i].ReadAt == nil {
				s.msgs[i].ReadAt = &now
			}
		}
	}

	return nil
}

func (s *memStore) add(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, m)
}

func (s *memStore) setFetchErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchErr = err
}

func (s *memStore) markCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.marks)
}

func (s *memStore) fetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.fetches
}

// subscribeMode decides how fakeNotifier answers one Subscribe call.
type subscribeMode int

const (
	// modeAck confirms the subscription immediately.
	modeAck subscribeMode = iota
	// modeSilent accepts the subscription but never confirms it.
	modeSilent
	// modeFail returns an error from Subscribe.
	modeFail
)

type fakeSub struct {
	conversationID string
	cb             Callbacks

	mu           sync.Mutex
	unsubscribed bool
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubscribed = true

	return nil
}

func (s *fakeSub) isUnsubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unsubscribed
}

// fakeNotifier is a scripted Notifier. Calls beyond the script use the
// last mode.
type fakeNotifier struct {
	mu    sync.Mutex
	modes []subscribeMode
	subs  []*fakeSub
	calls int
	times []time.Time
}

func newFakeNotifier(modes ...subscribeMode) *fakeNotifier {
	if len(modes) == 0 {
		modes = []subscribeMode{modeAck}
	}

	return &fakeNotifier{modes: modes}
}

func (n *fakeNotifier) Subscribe(_ context.Context, conversationID string, cb Callbacks) (Subscription, error) {
	n.mu.Lock()
	mode := n.modes[min(n.calls, len(n.modes)-1)]
	n.calls++
	n.times = append(n.times, time.Now())
	n.mu.Unlock()

	if mode == modeFail {
		return nil, fmt.Errorf("connection refused")
	}

	sub := &fakeSub{conversationID: conversationID, cb: cb}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	if mode == modeAck {
		cb.OnStatus(ChannelSubscribed, nil)
	}

	return sub, nil
}

func (n *fakeNotifier) subscribeCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.calls
}

func (n *fakeNotifier) callTimes() []time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]time.Time(nil), n.times...)
}

func (n *fakeNotifier) last() *fakeSub {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.subs) == 0 {
		return nil
	}

	return n.subs[len(n.subs)-1]
}

func (n *fakeNotifier) all() []*fakeSub {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]*fakeSub(nil), n.subs...)
}

// countingMarker wraps a receiptMarker and counts passes.
type countingMarker struct {
	inner receiptMarker

	mu     sync.Mutex
	passes int
}

func (m *countingMarker) MarkIncomingAsRead(ctx context.Context, conversationID, viewerID string) (ReceiptResult, error) {
	m.mu.Lock()
	m.passes++
	m.mu.Unlock()

	return m.inner.MarkIncomingAsRead(ctx, conversationID, viewerID)
}

func (m *countingMarker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.passes
}

// heldMarker runs the inner pass straight away but holds its result until
// release is closed, so the pass can be overtaken by pushes.
type heldMarker struct {
	inner   receiptMarker
	release chan struct{}
}

func (m *heldMarker) MarkIncomingAsRead(ctx context.Context, conversationID, viewerID string) (ReceiptResult, error) {
	res, err := m.inner.MarkIncomingAsRead(ctx, conversationID, viewerID)

	select {
	case <-m.release:
	case <-ctx.Done():
	}

	return res, err
}
