package chatview

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"roomsync/internal/backend"
	"roomsync/internal/models"
)

type fakeSub struct {
	events    chan models.Event
	closeOnce sync.Once

	mu         sync.Mutex
	broadcasts []models.TypingSignal
	err        error
	closed     bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan models.Event, 64)}
}

func (s *fakeSub) Events() <-chan models.Event {
	return s.events
}

func (s *fakeSub) Broadcast(_ context.Context, _ string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := payload.(models.TypingSignal); ok {
		s.broadcasts = append(s.broadcasts, sig)
	}
	return nil
}

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

// fail ends the subscription the way a dropped connection does.
func (s *fakeSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) sent() []models.TypingSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.broadcasts)
}

// fakeBackend records every call. A non-nil gate blocks the matching call
// until the gate is closed.
type fakeBackend struct {
	mu sync.Mutex

	history     []models.Message
	historyErr  error
	historyGate chan struct{}
	listCalls   int

	insertGate chan struct{}
	insertErr  error
	inserted   []models.Message

	updateGate chan struct{}
	updateErr  error
	updated    []string

	deleteErr error
	deleted   []string

	statuses []models.MessageStatus

	uploadGate chan struct{}
	uploadErr  error
	uploads    []string

	subscribeFailures int
	subs              chan *fakeSub
}

func newFakeBackend(history ...models.Message) *fakeBackend {
	return &fakeBackend{
		history: history,
		subs:    make(chan *fakeSub, 8),
	}
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.historyGate
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	var rows []models.Message
	for _, m := range f.history {
		if m.RoomID == roomID {
			rows = append(rows, m)
		}
	}
	return rows, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	f.mu.Lock()
	gate := f.insertGate
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return models.Message{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return models.Message{}, f.insertErr
	}
	f.inserted = append(f.inserted, m)
	m.ID = fmt.Sprintf("srv-%d", len(f.inserted))
	return m, nil
}

func (f *fakeBackend) UpdateMessageContent(ctx context.Context, id, content string) error {
	f.mu.Lock()
	gate := f.updateGate
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, id+"="+content)
	return f.updateErr
}

func (f *fakeBackend) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func (f *fakeBackend) UpsertMessageStatus(_ context.Context, st models.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeBackend) Subscribe(_ context.Context, ch models.Channel) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch.FilterValue == "" {
		return nil, fmt.Errorf("unexpected channel %q", ch.Name)
	}
	if f.subscribeFailures > 0 {
		f.subscribeFailures--
		return nil, fmt.Errorf("realtime unavailable")
	}
	s := newFakeSub()
	f.subs <- s
	return s, nil
}

func (f *fakeBackend) Upload(ctx context.Context, bucket, name, _ string, body io.Reader, _ bool) (string, error) {
	f.mu.Lock()
	gate := f.uploadGate
	f.mu.Unlock()
	if err := wait(ctx, gate); err != nil {
		return "", err
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, bucket+"/"+name)
	return "http://files.test/" + bucket + "/" + name, nil
}

// calls counts the mutating calls made so far.
func (f *fakeBackend) calls() (inserts, updates, deletes, statuses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted), len(f.updated), len(f.deleted), len(f.statuses)
}
