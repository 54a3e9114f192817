package chatview

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/models"
	"roomsync/internal/store"
)

var errFeedEnded = errors.New("change feed ended")

func (v *View) attach(sub backend.Subscription) {
	v.sub = sub
	v.events = sub.Events()
}

func (v *View) onEvent(ev models.Event) {
	if ev.Kind == models.EventBroadcast {
		v.onBroadcast(ev)
		return
	}
	if v.buffering {
		v.buffer = append(v.buffer, ev)
		return
	}
	if v.apply(ev) {
		v.publish()
	}
}

// apply merges one row change into the store and reports whether anything changed.
func (v *View) apply(ev models.Event) bool {
	if ev.Table != models.TableMessages {
		return false
	}
	var m models.Message
	if err := ev.Decode(&m); err != nil {
		slog.Warn("bad message event", "room_id", v.cfg.RoomID, "kind", ev.Kind, "error", err)
		return false
	}
	if m.RoomID != "" && m.RoomID != v.cfg.RoomID {
		return false
	}

	switch ev.Kind {
	case models.EventInsert:
		return v.applyInsert(m)
	case models.EventUpdate:
		return v.applyUpdate(m)
	case models.EventDelete:
		return v.applyDelete(m.ID)
	}
	return false
}

func (v *View) applyInsert(m models.Message) bool {
	v.resolveIntent(&m)
	switch v.store.Insert(m) {
	case store.Inserted, store.Confirmed:
		return true
	}
	return false
}

func (v *View) applyUpdate(m models.Message) bool {
	prev, ok := v.store.Get(m.ID)
	if !ok {
		return false
	}
	v.resolveIntent(&m)
	if m.UserName == "" {
		m.UserName = prev.UserName
	}
	m.Seen = m.Seen || prev.Seen
	if !v.store.Update(m) {
		return false
	}
	if v.edit != nil && v.edit.target == m.ID && m.Content != v.edit.original {
		slog.Debug("edited message changed remotely, leaving edit", "room_id", v.cfg.RoomID, "message_id", m.ID)
		v.edit = nil
	}
	return true
}

func (v *View) applyDelete(id string) bool {
	delete(v.intents, id)
	if v.edit != nil && v.edit.target == id {
		v.edit = nil
	}
	return v.store.Remove(id)
}

func (v *View) onBroadcast(ev models.Event) {
	if ev.Name != models.BroadcastTyping {
		return
	}
	var sig models.TypingSignal
	if err := json.Unmarshal(ev.Payload, &sig); err != nil {
		slog.Debug("bad typing signal", "room_id", v.cfg.RoomID, "error", err)
		return
	}
	if !v.indicator.Receive(sig, v.now()) {
		return
	}
	v.armTypingTimer()
	v.publish()
}

func (v *View) armTypingTimer() {
	d := v.indicator.Deadline().Sub(v.now())
	if d < 0 {
		d = 0
	}
	v.typingTimer.Reset(d)
}

func (v *View) onTypingTimer() {
	if v.indicator.Expire(v.now()) {
		v.publish()
		return
	}
	if _, shown := v.indicator.Current(); shown {
		v.armTypingTimer()
	}
}

func (v *View) onFeedClosed() {
	err := v.sub.Err()
	v.sub = nil
	v.events = nil
	v.indicator.Clear()
	v.typingTimer.Stop()
	if err == nil {
		err = errFeedEnded
	}
	v.notify(Notice{Kind: NoticeSubscription, Op: "live updates", Err: err})
	v.publish()

	v.attempt = 0
	v.scheduleResubscribe()
}

// scheduleResubscribe waits out the backoff of the current attempt and
// subscribes again. The result comes back through the loop.
func (v *View) scheduleResubscribe() {
	delay := v.backoff(v.attempt)
	v.attempt++

	v.spawn(func(ctx context.Context) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}

		sub, err := v.backend.Subscribe(ctx, v.channel)
		if !v.post(func() { v.onResubscribed(sub, err) }) && sub != nil {
			_ = sub.Close()
		}
	})
}

func (v *View) onResubscribed(sub backend.Subscription, err error) {
	if err != nil {
		slog.Warn("resubscribe failed", "room_id", v.cfg.RoomID, "attempt", v.attempt, "error", err)
		v.scheduleResubscribe()
		return
	}

	slog.Info("live updates restored", "room_id", v.cfg.RoomID, "attempts", v.attempt)
	v.attempt = 0
	v.attach(sub)

	// Changes made while disconnected are only in the history.
	if v.loaded {
		v.buffering = true
		v.loadHistory()
	}
	v.publish()
}

func (v *View) backoff(attempt int) time.Duration {
	d := v.cfg.ReconnectMin
	for range attempt {
		d *= 2
		if d >= v.cfg.ReconnectMax {
			return v.cfg.ReconnectMax
		}
	}
	return d
}

// reapplyIntents puts locally edited content back over a refetched history.
func (v *View) reapplyIntents() {
	for id := range v.intents {
		m, ok := v.store.Get(id)
		if !ok {
			delete(v.intents, id)
			continue
		}
		fetched := m.Content
		v.resolveIntent(&m)
		if m.Content != fetched {
			v.store.Update(m)
		}
	}
}

// resolveIntent keeps a pending local edit over server rows that predate it.
// The first row carrying the edited text is its echo; rows after that are
// newer and win.
func (v *View) resolveIntent(m *models.Message) {
	in, ok := v.intents[m.ID]
	if !ok {
		return
	}
	switch {
	case in.echoed:
	case m.Content == in.content:
		in.echoed = true
	default:
		m.Content = in.content
	}
}

// checkEditTarget leaves the editing state when its message is gone.
func (v *View) checkEditTarget() {
	if v.edit == nil {
		return
	}
	m, ok := v.store.Get(v.edit.target)
	if !ok || m.Content != v.edit.original {
		v.edit = nil
	}
}
