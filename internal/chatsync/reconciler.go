package chatsync

import (
	"fmt"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// Reconciler owns the local view of one conversation: messages sorted by
// creation time (ties by id), never two with the same id. Every apply
// builds a new slice and swaps it in, so a failed apply leaves the
// previous view untouched.
//
// Writes come from the controller's event loop only. View may be called
// from any goroutine.
type Reconciler struct {
	conversationID string

	mu   sync.RWMutex
	view []models.Message
	ids  map[string]struct{}

	// snapshotLatest is the newest CreatedAt seen in the last applied
	// poll snapshot. Snapshots with the same latest timestamp are skipped.
	snapshotLatest time.Time
}

// NewReconciler creates an empty view for a conversation.
func NewReconciler(conversationID string) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		ids:            make(map[string]struct{}),
	}
}

// View returns a copy of the current ordered view.
func (r *Reconciler) View() []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.view)
}

// Len returns the number of messages in the view.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.view)
}

// ApplyPush merges a single push event. It reports whether the view
// changed. Invalid events and events for another conversation return an
// error wrapping ErrMalformedEvent and leave the view as is.
func (r *Reconciler) ApplyPush(ev models.ChangeEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}

	if ev.Message.ConversationID != r.conversationID {
		return false, fmt.Errorf("%w: event for conversation %s", chaterrors.ErrMalformedEvent, ev.Message.ConversationID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case models.ChangeInsert:
		return r.insertLocked(ev.Message), nil
	case models.ChangeUpdate:
		return r.updateLocked(ev.Message), nil
	case models.ChangeDelete:
		return r.deleteLocked(ev.Message.ID), nil
	}

	return false, nil
}

func (r *Reconciler) insertLocked(m models.Message) bool {
	if _, ok := r.ids[m.ID]; ok {
		return false
	}

	pos, _ := slices.BinarySearchFunc(r.view, m, models.Compare)

	next := make([]models.Message, 0, len(r.view)+1)
	next = append(next, r.view[:pos]...)
	next = append(next, m)
	next = append(next, r.view[pos:]...)

	r.view = next
	r.ids[m.ID] = struct{}{}

	return true
}

func (r *Reconciler) updateLocked(m models.Message) bool {
	idx := r.indexLocked(m.ID)
	if idx < 0 {
		return false
	}

	old := r.view[idx]

	// CreatedAt is immutable and ReadAt never goes back to nil or moves
	// once set, so the sort position cannot change.
	m.CreatedAt = old.CreatedAt
	if old.ReadAt != nil {
		m.ReadAt = old.ReadAt
	}

	if sameMessage(old, m) {
		return false
	}

	next := slices.Clone(r.view)
	next[idx] = m
	r.view = next

	return true
}

func (r *Reconciler) deleteLocked(id string) bool {
	idx := r.indexLocked(id)
	if idx < 0 {
		return false
	}

	r.view = slices.Delete(slices.Clone(r.view), idx, idx+1)
	delete(r.ids, id)

	return true
}

func (r *Reconciler) indexLocked(id string) int {
	if _, ok := r.ids[id]; !ok {
		return -1
	}

	return slices.IndexFunc(r.view, func(m models.Message) bool { return m.ID == id })
}

// ApplyPollSnapshot replaces the view with a full ordered fetch, but only
// when the snapshot's latest timestamp differs from the previous
// snapshot's. It reports whether the view changed.
func (r *Reconciler) ApplyPollSnapshot(msgs []models.Message) bool {
	next := r.normalize(msgs)
	latest := latestCreatedAt(next)

	r.mu.Lock()
	defer r.mu.Unlock()

	if latest.Equal(r.snapshotLatest) {
		return false
	}

	r.snapshotLatest = latest

	return r.swapLocked(next)
}

// Replace unconditionally replaces the view with msgs. Used for manual
// reloads where the caller wants the store's state regardless of what
// the last snapshot looked like.
func (r *Reconciler) Replace(msgs []models.Message) bool {
	next := r.normalize(msgs)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshotLatest = latestCreatedAt(next)

	return r.swapLocked(next)
}

func (r *Reconciler) swapLocked(next []models.Message) bool {
	if slices.EqualFunc(r.view, next, sameMessage) {
		return false
	}

	ids := make(map[string]struct{}, len(next))
	for _, m := range next {
		ids[m.ID] = struct{}{}
	}

	r.view = next
	r.ids = ids

	return true
}

// normalize drops invalid or foreign messages, keeps the last copy of
// each id and sorts the result.
func (r *Reconciler) normalize(msgs []models.Message) []models.Message {
	byID := make(map[string]int, len(msgs))
	out := make([]models.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.Validate() != nil || m.ConversationID != r.conversationID {
			continue
		}

		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}

		byID[m.ID] = len(out)
		out = append(out, m)
	}

	slices.SortFunc(out, models.Compare)

	return out
}

func latestCreatedAt(msgs []models.Message) time.Time {
	var latest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(latest) {
			latest = m.CreatedAt
		}
	}

	return latest
}

func sameMessage(a, b models.Message) bool {
	if a.ID != b.ID || a.ConversationID != b.ConversationID || a.SenderID != b.SenderID ||
		a.Body != b.Body || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}

	switch {
	case a.ReadAt == nil && b.ReadAt == nil:
		return true
	case a.ReadAt == nil || b.ReadAt == nil:
		return false
	default:
		return a.ReadAt.Equal(*b.ReadAt)
	}
}
