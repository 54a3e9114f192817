package rooms

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/backend/local"
	"roomsync/internal/config"
	"roomsync/internal/content"
	"roomsync/internal/models"

	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *local.Server {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBFile = filepath.Join(dir, "rooms.db")
	cfg.UploadsPath = filepath.Join(dir, "uploads")

	srv, err := local.NewServer(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func signUp(t *testing.T, srv *local.Server, email, name string) (*local.Client, models.Profile) {
	t.Helper()
	c := srv.Client()
	s, err := c.SignUp(t.Context(), email, "secret1", name)
	require.NoError(t, err)
	return c, s.User
}

func names(rooms []models.Room) []string {
	var out []string
	for _, r := range rooms {
		out = append(out, r.Name)
	}
	return out
}

func TestDirectory_Groups(t *testing.T) {
	srv := newLocal(t)
	c, me := signUp(t, srv, "alice@example.com", "alice")
	d := NewDirectory(c, me)
	ctx := t.Context()

	_, err := d.CreateGroup(ctx, "   ")
	require.ErrorIs(t, err, content.ErrEmptyName)

	team, err := d.CreateGroup(ctx, " <b>Team</b> ")
	require.NoError(t, err)
	require.Equal(t, "Team", team.Name)
	require.True(t, team.IsGroup)

	_, err = d.CreateGroup(ctx, "Family")
	require.NoError(t, err)

	groups, err := d.ListGroups(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Team", "Family"}, names(groups))

	require.NoError(t, d.RenameGroup(ctx, team.ID, "Work"))
	require.ErrorIs(t, d.RenameGroup(ctx, team.ID, ""), content.ErrEmptyName)
	require.NoError(t, d.DeleteGroup(ctx, team.ID))

	groups, err = d.ListGroups(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Family"}, names(groups))
}

func TestDirectory_OpenDirect(t *testing.T) {
	srv := newLocal(t)
	alice, me := signUp(t, srv, "alice@example.com", "alice")
	_, bob := signUp(t, srv, "bob@example.com", "bob")
	d := NewDirectory(alice, me)
	ctx := t.Context()

	contacts, err := d.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, bob.ID, contacts[0].ID)

	room, err := d.OpenDirect(ctx, contacts[0])
	require.NoError(t, err)
	require.Equal(t, "Chat with bob", room.Name)
	require.False(t, room.IsGroup)

	again, err := d.OpenDirect(ctx, contacts[0])
	require.NoError(t, err)
	require.Equal(t, room.ID, again.ID)

	groups, err := d.ListGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestDirectory_Watch(t *testing.T) {
	srv := newLocal(t)
	c, me := signUp(t, srv, "alice@example.com", "alice")
	d := NewDirectory(c, me)

	lists := make(chan []string, 8)
	w, err := d.Watch(t.Context(), func(rooms []models.Room) { lists <- names(rooms) })
	require.NoError(t, err)

	require.Empty(t, next(t, lists))

	_, err = d.CreateGroup(t.Context(), "Team")
	require.NoError(t, err)
	require.Equal(t, []string{"Team"}, next(t, lists))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = d.CreateGroup(t.Context(), "Late")
	require.NoError(t, err)
	select {
	case got := <-lists:
		t.Fatalf("callback after Close: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func next(t *testing.T, lists chan []string) []string {
	t.Helper()
	select {
	case l := <-lists:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("no room list delivered")
	}
	return nil
}

type dropSub struct {
	events chan models.Event
	err    error
	once   sync.Once
}

func (s *dropSub) Events() <-chan models.Event                  { return s.events }
func (s *dropSub) Broadcast(context.Context, string, any) error { return nil }
func (s *dropSub) Err() error                                   { return s.err }

func (s *dropSub) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// flakyFeed wraps a real backend and hands out subscriptions the test can drop.
type flakyFeed struct {
	*local.Client
	mu        sync.Mutex
	subs      []*dropSub
	failNext  int
	subscribe int
}

func (f *flakyFeed) Subscribe(_ context.Context, _ models.Channel) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribe++
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("realtime unavailable")
	}
	s := &dropSub{events: make(chan models.Event, 1)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *flakyFeed) drop() {
	f.mu.Lock()
	s := f.subs[len(f.subs)-1]
	f.failNext = 1
	f.mu.Unlock()
	s.err = errors.New("socket closed")
	_ = s.Close()
}

func TestDirectory_WatchResubscribes(t *testing.T) {
	srv := newLocal(t)
	c, me := signUp(t, srv, "alice@example.com", "alice")
	feed := &flakyFeed{Client: c}
	d := NewDirectory(feed, me)
	d.SetRetry(5*time.Millisecond, 20*time.Millisecond)

	lists := make(chan []string, 8)
	w, err := d.Watch(t.Context(), func(rooms []models.Room) { lists <- names(rooms) })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.Empty(t, next(t, lists))

	// The fake feed never reports the insert; only the refetch after resubscribing sees it.
	_, err = d.CreateGroup(t.Context(), "Team")
	require.NoError(t, err)
	feed.drop()

	require.Equal(t, []string{"Team"}, next(t, lists))
	feed.mu.Lock()
	defer feed.mu.Unlock()
	require.Equal(t, 3, feed.subscribe)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{2, 4 * time.Second},
		{5, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(time.Second, 10*time.Second, tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
