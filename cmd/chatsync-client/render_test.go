package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
)

func msg(id, sender, body string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           body,
		CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRenderer_View(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "alice")

	m1 := msg("m1", "alice", "hello")
	m2 := msg("m2", "bob", "hi there")

	r.view([]models.Message{m1, m2})
	assert.Contains(t, out.String(), "you: hello")
	assert.Contains(t, out.String(), "bob: hi there")

	out.Reset()
	r.view([]models.Message{m1, m2})
	assert.Empty(t, out.String(), "unchanged view prints nothing")

	read := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	m1.ReadAt = &read

	r.view([]models.Message{m1, m2})
	assert.Equal(t, "  (read: \"hello\")\n", out.String())

	out.Reset()
	r.view([]models.Message{m1})
	assert.Equal(t, "  (deleted: \"hi there\")\n", out.String())
}

func TestRenderer_StateOnlyOnChange(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out, "alice")

	r.state(chatsync.StateConnecting)
	r.state(chatsync.StateLive)
	r.state(chatsync.StateLive)
	r.state(chatsync.StateDegraded)
	r.state(chatsync.StateReconnecting)
	r.state(chatsync.StateClosed)

	assert.Equal(t, []string{"[syncing]", "[live]", "[syncing]", "[closed]"},
		strings.Split(strings.TrimSpace(out.String()), "\n"))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	assert.Equal(t, strings.Repeat("é", 24)+"...", preview(strings.Repeat("é", 30)))
}
