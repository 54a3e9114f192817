package main

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"roomsync/internal/chatview"
	"roomsync/internal/models"

	"github.com/dustin/go-humanize"
)

// renderer prints what changed between two snapshots of a conversation.
type renderer struct {
	t      *terminal
	selfID string
	now    func() time.Time

	shown     map[string]models.Message
	typing    string
	uploading bool
}

func newRenderer(t *terminal, selfID string) *renderer {
	return &renderer{
		t:      t,
		selfID: selfID,
		now:    time.Now,
		shown:  make(map[string]models.Message),
	}
}

// key stays the same when a provisional entry gets confirmed.
func key(m models.Message) string {
	if m.ClientKey != "" {
		return "k:" + m.ClientKey
	}
	return "i:" + m.ID
}

func (r *renderer) render(snap chatview.Snapshot) {
	present := make(map[string]struct{}, len(snap.Messages))
	msgs := slices.Clone(snap.Messages)
	slices.Reverse(msgs)

	for _, m := range msgs {
		k := key(m)
		present[k] = struct{}{}
		prev, ok := r.shown[k]
		r.shown[k] = m
		switch {
		case !ok:
			r.t.printf("%s\n", r.line(0, m))
		case prev.Content != m.Content:
			r.t.printf("  edited: %s\n", r.line(0, m))
		case prev.State != m.State && m.State == models.StateFailed:
			r.t.printf("  not sent: %s\n", r.line(0, m))
		case !prev.Seen && m.Seen && m.UserID == r.selfID:
			r.t.printf("  seen: %s\n", text(m))
		}
	}

	for k, m := range r.shown {
		if _, ok := present[k]; !ok {
			delete(r.shown, k)
			r.t.printf("  deleted: %s\n", text(m))
		}
	}

	typing := ""
	if snap.Typing != nil {
		typing = snap.Typing.UserName
	}
	if typing != r.typing && typing != "" {
		r.t.printf("  %s is typing...\n", typing)
	}
	r.typing = typing

	if snap.Uploading && !r.uploading {
		r.t.printf("  uploading...\n")
	}
	r.uploading = snap.Uploading
}

// list prints the whole conversation with the numbers commands refer to,
// 1 being the newest message.
func (r *renderer) list(snap chatview.Snapshot) {
	if len(snap.Messages) == 0 {
		r.t.printf("  no messages yet\n")
		return
	}
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		r.t.printf("%s\n", r.line(i+1, snap.Messages[i]))
	}
}

func (r *renderer) line(n int, m models.Message) string {
	var b strings.Builder
	if n > 0 {
		b.WriteString("#")
		b.WriteString(strconv.Itoa(n))
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(humanize.RelTime(m.CreatedAt, r.now(), "ago", "from now"))
	b.WriteString("] ")
	name := m.UserName
	if m.UserID == r.selfID {
		name = "you"
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(text(m))

	switch m.State {
	case models.StatePending:
		b.WriteString(" (sending)")
	case models.StateFailed:
		b.WriteString(" (failed, /retry or /discard)")
	}
	if m.Seen && m.UserID == r.selfID {
		b.WriteString(" (seen)")
	}
	return b.String()
}

func text(m models.Message) string {
	switch {
	case m.ImageURL != "":
		return m.Content + " <" + m.ImageURL + ">"
	case m.AudioURL != "":
		return m.Content + " <" + m.AudioURL + ">"
	}
	return m.Content
}
