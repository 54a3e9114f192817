// Package rooms lists, creates and watches the rooms a user can open.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/content"
	"roomsync/internal/models"
)

type backendAPI interface {
	ListRooms(ctx context.Context, isGroup *bool) ([]models.Room, error)
	FindRoomsByName(ctx context.Context, name string) ([]models.Room, error)
	CreateRoom(ctx context.Context, room models.Room) (models.Room, error)
	RenameRoom(ctx context.Context, id, name string) error
	DeleteRoom(ctx context.Context, id string) error
	ListProfiles(ctx context.Context, excludeID string) ([]models.Profile, error)
	Subscribe(ctx context.Context, ch models.Channel) (backend.Subscription, error)
}

type Directory struct {
	backend backendAPI
	self    models.Profile

	retryMin time.Duration
	retryMax time.Duration
}

func NewDirectory(b backendAPI, self models.Profile) *Directory {
	return &Directory{
		backend:  b,
		self:     self,
		retryMin: 500 * time.Millisecond,
		retryMax: 30 * time.Second,
	}
}

// SetRetry sets the backoff bounds Watch uses after the feed drops.
func (d *Directory) SetRetry(first, limit time.Duration) {
	d.retryMin, d.retryMax = first, limit
}

func (d *Directory) ListGroups(ctx context.Context) ([]models.Room, error) {
	group := true
	rooms, err := d.backend.ListRooms(ctx, &group)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return rooms, nil
}

func (d *Directory) CreateGroup(ctx context.Context, name string) (models.Room, error) {
	name, err := content.ValidateName(name)
	if err != nil {
		return models.Room{}, err
	}
	room, err := d.backend.CreateRoom(ctx, models.Room{Name: name, IsGroup: true})
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to create group: %w", err)
	}
	return room, nil
}

func (d *Directory) RenameGroup(ctx context.Context, id, name string) error {
	name, err := content.ValidateName(name)
	if err != nil {
		return err
	}
	if err := d.backend.RenameRoom(ctx, id, name); err != nil {
		return fmt.Errorf("failed to rename group: %w", err)
	}
	return nil
}

func (d *Directory) DeleteGroup(ctx context.Context, id string) error {
	if err := d.backend.DeleteRoom(ctx, id); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}

// ListContacts returns every other user.
func (d *Directory) ListContacts(ctx context.Context) ([]models.Profile, error) {
	profiles, err := d.backend.ListProfiles(ctx, d.self.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return profiles, nil
}

// OpenDirect returns the one-to-one room with the contact, creating it on first contact.
func (d *Directory) OpenDirect(ctx context.Context, contact models.Profile) (models.Room, error) {
	name := content.DirectRoomName(contact.DisplayName())
	found, err := d.backend.FindRoomsByName(ctx, name)
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to look up direct room: %w", err)
	}
	for _, r := range found {
		if !r.IsGroup {
			return r, nil
		}
	}
	if len(found) > 0 {
		return found[0], nil
	}

	room, err := d.backend.CreateRoom(ctx, models.Room{Name: name, IsGroup: false})
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to create direct room: %w", err)
	}
	slog.Info("direct room created", "room_id", room.ID, "contact_id", contact.ID)
	return room, nil
}

// Watcher delivers the group list whenever a room changes.
type Watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops watching and waits for the last callback to return.
func (w *Watcher) Close() error {
	w.once.Do(w.cancel)
	<-w.done
	return nil
}

// Watch subscribes to room changes and calls fn with the refetched group list
// after each one. The first list is delivered right after subscribing. If the
// feed drops, Watch subscribes again with backoff and refetches.
func (d *Directory) Watch(ctx context.Context, fn func([]models.Room)) (*Watcher, error) {
	sub, err := d.backend.Subscribe(ctx, models.RoomsChannel())
	if err != nil {
		return nil, fmt.Errorf("failed to watch rooms: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		d.watch(ctx, sub, fn)
	}()
	return w, nil
}

func (d *Directory) watch(ctx context.Context, sub backend.Subscription, fn func([]models.Room)) {
	attempt := 0
	for {
		d.refresh(ctx, fn)
		err := d.drain(ctx, sub, fn)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("room feed dropped", "error", err)

		for {
			if !sleep(ctx, backoff(d.retryMin, d.retryMax, attempt)) {
				return
			}
			attempt++
			sub, err = d.backend.Subscribe(ctx, models.RoomsChannel())
			if err == nil {
				attempt = 0
				break
			}
			slog.Warn("failed to resubscribe to rooms", "attempt", attempt, "error", err)
		}
	}
}

// drain refetches on every room change until the subscription ends.
func (d *Directory) drain(ctx context.Context, sub backend.Subscription, fn func([]models.Room)) error {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errors.New("room feed ended")
			}
			if ev.Table == models.TableRooms {
				d.refresh(ctx, fn)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Directory) refresh(ctx context.Context, fn func([]models.Room)) {
	rooms, err := d.ListGroups(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("failed to refresh groups", "error", err)
		}
		return
	}
	fn(rooms)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(first, limit time.Duration, attempt int) time.Duration {
	d := first
	for range attempt {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
