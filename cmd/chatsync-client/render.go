package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// renderer prints view changes as a chat transcript. Controller hooks and
// the input loop both write through it.
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	viewer string

	shown map[string]models.Message
	conn  chatsync.Connectivity
}

func newRenderer(out io.Writer, viewer string) *renderer {
	return &renderer{out: out, viewer: viewer, shown: make(map[string]models.Message)}
}

// view prints messages that are new, newly read, or gone since the last
// view.
func (r *renderer) view(msgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	present := make(map[string]struct{}, len(msgs))

	for _, m := range msgs {
		present[m.ID] = struct{}{}

		prev, seen := r.shown[m.ID]
		r.shown[m.ID] = m

		switch {
		case !seen:
			fmt.Fprintf(r.out, "%s %s: %s\n", m.CreatedAt.Local().Format("15:04"), r.name(m.SenderID), m.Body)
		case !prev.IsRead() && m.IsRead() && m.SenderID == r.viewer:
			fmt.Fprintf(r.out, "  (read: %q)\n", preview(m.Body))
		}
	}

	for id, m := range r.shown {
		if _, ok := present[id]; !ok {
			delete(r.shown, id)
			fmt.Fprintf(r.out, "  (deleted: %q)\n", preview(m.Body))
		}
	}
}

// state prints the connectivity indicator when it changes.
func (r *renderer) state(s chatsync.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := s.Connectivity()
	if c == r.conn {
		return
	}

	r.conn = c

	switch c {
	case chatsync.ConnectivityLive:
		fmt.Fprintln(r.out, "[live]")
	case chatsync.ConnectivitySyncing:
		fmt.Fprintln(r.out, "[syncing]")
	case chatsync.ConnectivityClosed:
		fmt.Fprintln(r.out, "[closed]")
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) name(sender string) string {
	if sender == r.viewer {
		return "you"
	}

	return sender
}

func preview(body string) string {
	const previewRunes = 24

	runes := []rune(body)
	if len(runes) <= previewRunes {
		return body
	}

	return string(runes[:previewRunes]) + "..."
}
