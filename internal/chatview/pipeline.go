package chatview

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"roomsync/internal/content"
	"roomsync/internal/media"
	"roomsync/internal/models"

	"github.com/google/uuid"
)

type editState struct {
	target   string
	original string
	draft    string
}

// intent is locally edited content whose update has not completed yet.
// Once the feed echoes content, later rows for the message are applied as is.
type intent struct {
	content  string
	inflight int
	echoed   bool
}

// Send shows the message right away and creates it in the background. An
// attachment is uploaded first; when that fails no message is created and the
// error is returned. A failed create leaves the entry marked failed, see Resend.
func (v *View) Send(ctx context.Context, text string, att *media.Attachment) error {
	if strings.TrimSpace(text) == "" && att == nil {
		return ErrEmptyMessage
	}
	if v.ctx.Err() != nil {
		return ErrClosed
	}

	var uploaded media.Uploaded
	if att != nil {
		var err error
		uploaded, err = v.uploader.Upload(ctx, *att)
		if errors.Is(err, media.ErrInFlight) {
			return ErrUploadInFlight
		}
		if err != nil {
			return err
		}
	}

	m := models.Message{
		ClientKey: uuid.NewString(),
		RoomID:    v.cfg.RoomID,
		UserID:    v.cfg.Self.ID,
		UserName:  v.cfg.Self.DisplayName(),
		CreatedAt: v.now().UTC(),
		State:     models.StatePending,
	}
	if att != nil {
		switch att.Kind {
		case media.KindImage:
			m.ImageURL = uploaded.URL
		case media.KindAudio:
			m.AudioURL = uploaded.URL
		}
	}
	m.Content = content.MessageText(text, m.ImageURL != "", m.AudioURL != "")

	return v.call(func() error {
		v.store.AddProvisional(m)
		v.publish()
		v.insert(m)
		return nil
	})
}

func (v *View) insert(m models.Message) {
	row := m
	row.State = models.StateSent
	v.spawn(func(ctx context.Context) {
		stored, err := v.backend.InsertMessage(ctx, row)
		v.post(func() { v.onInserted(m.ClientKey, stored, err) })
	})
}

func (v *View) onInserted(key string, row models.Message, err error) {
	if err != nil {
		if v.store.SetState(key, models.StateFailed) {
			v.notify(Notice{Kind: NoticeWrite, Op: "send message", Err: err})
			v.publish()
		}
		return
	}
	if v.store.Confirm(key, row) {
		v.publish()
	}
}

// Resend retries a failed message.
func (v *View) Resend(clientKey string) error {
	return v.call(func() error {
		m, err := v.failed(clientKey)
		if err != nil {
			return err
		}
		v.store.SetState(clientKey, models.StatePending)
		v.publish()
		v.insert(m)
		return nil
	})
}

// Discard drops a failed message.
func (v *View) Discard(clientKey string) error {
	return v.call(func() error {
		if _, err := v.failed(clientKey); err != nil {
			return err
		}
		v.store.RemoveProvisional(clientKey)
		v.publish()
		return nil
	})
}

func (v *View) failed(clientKey string) (models.Message, error) {
	m, ok := v.store.ByClientKey(clientKey)
	if !ok || !m.Provisional() {
		return models.Message{}, models.ErrNotFound
	}
	if m.State != models.StateFailed {
		return models.Message{}, ErrPending
	}
	return m, nil
}

// BeginEdit switches to editing the message and returns its text as the draft.
// Only confirmed text messages of the signed-in user can be edited.
func (v *View) BeginEdit(id string) (string, error) {
	var draft string
	err := v.call(func() error {
		m, err := v.own(id)
		if err != nil {
			return err
		}
		if m.HasMedia() {
			return ErrNotEditable
		}
		v.edit = &editState{target: id, original: m.Content, draft: m.Content}
		draft = m.Content
		v.publish()
		return nil
	})
	return draft, err
}

// SubmitEdit applies the edit locally, returns to composing and saves it in the
// background. A failed save is reported as a notice; the local text stays.
func (v *View) SubmitEdit(text string) error {
	return v.call(func() error {
		if v.edit == nil {
			return ErrNotEditing
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyMessage
		}

		id := v.edit.target
		v.edit = nil
		m, ok := v.store.Get(id)
		if !ok {
			v.publish()
			return models.ErrNotFound
		}
		if m.Content == text {
			v.publish()
			return nil
		}

		m.Content = text
		v.store.Update(m)
		in := v.intents[id]
		if in == nil {
			in = &intent{}
			v.intents[id] = in
		}
		in.content = text
		in.echoed = false
		in.inflight++
		v.publish()

		v.spawn(func(ctx context.Context) {
			err := v.backend.UpdateMessageContent(ctx, id, text)
			v.post(func() { v.onEdited(id, err) })
		})
		return nil
	})
}

func (v *View) onEdited(id string, err error) {
	if in, ok := v.intents[id]; ok {
		in.inflight--
		if in.inflight <= 0 {
			delete(v.intents, id)
		}
	}
	if err != nil {
		v.notify(Notice{Kind: NoticeWrite, Op: "edit message", Err: err})
	}
}

// CancelEdit returns to composing and drops the draft.
func (v *View) CancelEdit() error {
	return v.call(func() error {
		if v.edit != nil {
			v.edit = nil
			v.publish()
		}
		return nil
	})
}

// Delete removes the message locally and deletes it in the background.
// A failed message that was never created is only dropped locally.
func (v *View) Delete(id string) error {
	return v.call(func() error {
		if p, ok := v.store.ByClientKey(id); ok && p.Provisional() {
			if p.State != models.StateFailed {
				return ErrPending
			}
			v.store.RemoveProvisional(id)
			v.publish()
			return nil
		}

		if _, err := v.own(id); err != nil {
			return err
		}
		v.applyDelete(id)
		v.publish()

		v.spawn(func(ctx context.Context) {
			if err := v.backend.DeleteMessage(ctx, id); err != nil {
				v.post(func() {
					v.notify(Notice{Kind: NoticeWrite, Op: "delete message", Err: err})
				})
			}
		})
		return nil
	})
}

// own returns the confirmed message with the id if the signed-in user wrote it.
func (v *View) own(id string) (models.Message, error) {
	if !v.loaded {
		return models.Message{}, ErrNotReady
	}
	m, ok := v.store.Get(id)
	if !ok {
		if p, ok := v.store.ByClientKey(id); ok && p.Provisional() {
			return models.Message{}, ErrPending
		}
		return models.Message{}, models.ErrNotFound
	}
	if m.UserID != v.cfg.Self.ID {
		return models.Message{}, ErrNotOwner
	}
	return m, nil
}

// MarkSeen records that the signed-in user has read the message.
// Own messages and messages already marked are skipped.
func (v *View) MarkSeen(id string) error {
	return v.call(func() error {
		m, ok := v.store.Get(id)
		if !ok {
			return models.ErrNotFound
		}
		v.markSeen(m)
		return nil
	})
}

// MarkAllSeen marks every loaded message of other users as read.
func (v *View) MarkAllSeen() error {
	return v.call(func() error {
		for _, m := range v.store.Messages() {
			if !m.Provisional() {
				v.markSeen(m)
			}
		}
		return nil
	})
}

func (v *View) markSeen(m models.Message) {
	if m.UserID == v.cfg.Self.ID {
		return
	}
	if _, sent := v.seenSent[m.ID]; sent {
		return
	}
	v.seenSent[m.ID] = struct{}{}

	st := models.MessageStatus{MessageID: m.ID, UserID: v.cfg.Self.ID, Seen: true}
	v.spawn(func(ctx context.Context) {
		if err := v.backend.UpsertMessageStatus(ctx, st); err != nil {
			v.post(func() {
				delete(v.seenSent, st.MessageID)
				v.notify(Notice{Kind: NoticeWrite, Op: "mark seen", Err: err})
			})
		}
	})
}

// InputChanged tells the view the composer text changed. Other members get a
// typing signal, at most one per debounce interval.
func (v *View) InputChanged(text string) error {
	ok := v.post(func() {
		if v.edit != nil {
			v.edit.draft = text
		}
		if strings.TrimSpace(text) == "" || v.sub == nil {
			return
		}
		if !v.emitter.Allow(v.now()) {
			return
		}

		sub := v.sub
		sig := models.TypingSignal{
			UserID:   v.cfg.Self.ID,
			UserName: v.cfg.Self.DisplayName(),
			RoomID:   v.cfg.RoomID,
		}
		v.spawn(func(ctx context.Context) {
			if err := sub.Broadcast(ctx, models.BroadcastTyping, sig); err != nil {
				slog.Debug("typing broadcast failed", "room_id", v.cfg.RoomID, "error", err)
			}
		})
	})
	if !ok {
		return ErrClosed
	}
	return nil
}
