// Package chatview keeps one open conversation in sync: it merges the history
// fetch, the live change feed and the user's own optimistic mutations into one
// ordered list of messages.
//
// A View runs a single event loop. Every state change happens on that loop, in
// the order it was requested; network calls run on their own goroutines and post
// their results back. Results that arrive after Close are dropped.
package chatview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/media"
	"roomsync/internal/models"
	"roomsync/internal/store"
	"roomsync/internal/typing"
)

var (
	ErrNotEditable    = errors.New("message with media cannot be edited")
	ErrNotOwner       = errors.New("message belongs to another user")
	ErrPending        = errors.New("message is not confirmed yet")
	ErrNotEditing     = errors.New("no message is being edited")
	ErrUploadInFlight = errors.New("an upload is already in progress")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotReady       = errors.New("conversation is still loading")
	ErrClosed         = errors.New("conversation view is closed")
)

// backendAPI is what a view needs from the backend.
type backendAPI interface {
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	UpsertMessageStatus(ctx context.Context, st models.MessageStatus) error
	Subscribe(ctx context.Context, ch models.Channel) (backend.Subscription, error)
	Upload(ctx context.Context, bucket, name, contentType string, body io.Reader, upsert bool) (string, error)
}

type Config struct {
	RoomID string
	Self   models.Profile

	TypingTimeout  time.Duration
	TypingDebounce time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

func (c *Config) setDefaults() {
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = typing.DefaultTimeout
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = typing.DefaultDebounce
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
}

type NoticeKind string

const (
	NoticeRead         NoticeKind = "read"
	NoticeWrite        NoticeKind = "write"
	NoticeUpload       NoticeKind = "upload"
	NoticeSubscription NoticeKind = "subscription"
)

// Notice is a failure the user should be told about.
type Notice struct {
	Kind NoticeKind
	Op   string
	Err  error
}

func (n Notice) Error() string {
	return fmt.Sprintf("%s failed: %v", n.Op, n.Err)
}

func (n Notice) Unwrap() error {
	return n.Err
}

// Snapshot is the state of a view at one point of its event loop.
type Snapshot struct {
	// Messages, newest first.
	Messages []models.Message
	Typing   *models.TypingSignal
	// Editing is the id of the message being edited, empty while composing.
	Editing   string
	Draft     string
	Ready     bool
	Connected bool
	Uploading bool
}

type View struct {
	cfg      Config
	backend  backendAPI
	channel  models.Channel
	uploader *media.Uploader
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	wg     sync.WaitGroup
	done   chan struct{}

	updates chan Snapshot
	notices chan Notice
	ready   chan struct{}

	closeOnce sync.Once

	// Owned by the loop.
	store       *store.Store
	indicator   *typing.Indicator
	emitter     *typing.Emitter
	typingTimer *time.Timer
	sub         backend.Subscription
	events      <-chan models.Event
	buffering   bool
	buffer      []models.Event
	loaded      bool
	attempt     int
	edit        *editState
	intents     map[string]*intent
	seenSent    map[string]struct{}
}

// Open subscribes to the room's change feed, starts loading its history and
// returns right away. Ready is closed once the history load finished.
func Open(ctx context.Context, b backendAPI, cfg Config) (*View, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	if cfg.Self.ID == "" {
		return nil, models.ErrUnauthorized
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(ctx)
	v := &View{
		cfg:         cfg,
		backend:     b,
		channel:     models.RoomChannel(cfg.RoomID),
		uploader:    media.NewUploader(b),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		ops:         make(chan func()),
		done:        make(chan struct{}),
		updates:     make(chan Snapshot, 1),
		notices:     make(chan Notice, 16),
		ready:       make(chan struct{}),
		store:       store.New(),
		indicator:   typing.NewIndicator(cfg.Self.ID, cfg.TypingTimeout),
		emitter:     typing.NewEmitter(cfg.TypingDebounce),
		typingTimer: time.NewTimer(time.Hour),
		buffering:   true,
		intents:     make(map[string]*intent),
		seenSent:    make(map[string]struct{}),
	}
	v.typingTimer.Stop()
	v.uploader.OnBusyChange(func(bool) { v.post(v.publish) })

	// The feed is armed before the history fetch, so no change is missed.
	// Deltas are buffered until the history is in.
	sub, err := b.Subscribe(ctx, v.channel)
	if err != nil {
		v.notify(Notice{Kind: NoticeSubscription, Op: "subscribe", Err: err})
	} else {
		v.attach(sub)
	}

	go v.loop()

	if v.sub == nil {
		v.post(func() { v.scheduleResubscribe() })
	}
	v.loadHistory()

	return v, nil
}

// Close releases the subscription, stops the loop and waits for in-flight work.
func (v *View) Close() error {
	v.closeOnce.Do(func() {
		v.cancel()
		<-v.done
		v.wg.Wait()
		close(v.updates)
		close(v.notices)
	})
	return nil
}

// Ready is closed when the first history load completed, successfully or not.
func (v *View) Ready() <-chan struct{} {
	return v.ready
}

// Updates delivers the latest snapshot after every change. Older snapshots
// that were not received yet are replaced.
func (v *View) Updates() <-chan Snapshot {
	return v.updates
}

func (v *View) Notices() <-chan Notice {
	return v.notices
}

// Snapshot returns the current state.
func (v *View) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := v.call(func() error {
		snap = v.snapshot()
		return nil
	})
	return snap, err
}

func (v *View) loop() {
	defer close(v.done)
	defer func() {
		v.typingTimer.Stop()
		if v.sub != nil {
			_ = v.sub.Close()
		}
	}()

	for {
		select {
		case fn := <-v.ops:
			fn()
		case ev, ok := <-v.events:
			if !ok {
				v.onFeedClosed()
				continue
			}
			v.onEvent(ev)
		case <-v.typingTimer.C:
			v.onTypingTimer()
		case <-v.ctx.Done():
			return
		}
	}
}

// call runs fn on the loop and returns its error.
func (v *View) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case v.ops <- func() { errCh <- fn() }:
	case <-v.ctx.Done():
		return ErrClosed
	}
	return <-errCh
}

// post queues fn on the loop. It reports false when the view is closed.
// It must not be called from the loop itself.
func (v *View) post(fn func()) bool {
	select {
	case v.ops <- fn:
		return true
	case <-v.ctx.Done():
		return false
	}
}

// spawn runs a network call off the loop. The call sees the view's context.
func (v *View) spawn(fn func(ctx context.Context)) {
	v.wg.Go(func() { fn(v.ctx) })
}

func (v *View) snapshot() Snapshot {
	snap := Snapshot{
		Messages:  v.store.Messages(),
		Ready:     v.loaded,
		Connected: v.sub != nil,
		Uploading: v.uploader.Busy(),
	}
	if sig, ok := v.indicator.Current(); ok {
		snap.Typing = &sig
	}
	if v.edit != nil {
		snap.Editing = v.edit.target
		snap.Draft = v.edit.draft
	}
	return snap
}

// publish replaces any unread snapshot with the current one. Only the loop
// sends on updates, so after draining the send cannot block.
func (v *View) publish() {
	select {
	case <-v.updates:
	default:
	}
	v.updates <- v.snapshot()
}

func (v *View) notify(n Notice) {
	slog.Warn("conversation notice", "room_id", v.cfg.RoomID, "kind", n.Kind, "op", n.Op, "error", n.Err)
	select {
	case v.notices <- n:
	default:
		slog.Warn("notice dropped, nobody is reading", "room_id", v.cfg.RoomID, "kind", n.Kind)
	}
}

func (v *View) loadHistory() {
	v.spawn(func(ctx context.Context) {
		rows, err := v.backend.ListMessages(ctx, v.cfg.RoomID)
		v.post(func() { v.onHistory(rows, err) })
	})
}

func (v *View) onHistory(rows []models.Message, err error) {
	if err != nil {
		// The store keeps what it had: nothing on the first load, stale rows on a resync.
		v.notify(Notice{Kind: NoticeRead, Op: "load history", Err: err})
	} else {
		v.store.Reset(rows)
		v.reapplyIntents()
		v.checkEditTarget()
	}

	buffered := v.buffer
	v.buffer = nil
	v.buffering = false
	for _, ev := range buffered {
		v.apply(ev)
	}

	if !v.loaded {
		v.loaded = true
		close(v.ready)
	}
	v.publish()
}
