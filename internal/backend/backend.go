// Package backend declares the managed backend capabilities the client consumes
// and opens the configured implementation.
package backend

import (
	"context"
	"fmt"
	"io"

	"roomsync/internal/config"
	"roomsync/internal/models"
)

// Auth is the hosted authentication service.
type Auth interface {
	SignUp(ctx context.Context, email, password, username string) (models.Session, error)
	SignIn(ctx context.Context, email, password string) (models.Session, error)
	SignOut(ctx context.Context) error
	// CurrentUser returns the signed-in user or models.ErrUnauthorized.
	CurrentUser(ctx context.Context) (models.Profile, error)
	UpdateProfile(ctx context.Context, username, avatarURL string) (models.Profile, error)
	// OnAuthStateChange calls fn with the new session, nil after sign-out.
	// The returned func unregisters fn.
	OnAuthStateChange(fn func(*models.Session)) (unsubscribe func())
}

// Data is the relational data API.
type Data interface {
	// ListMessages returns the messages of a room, newest first.
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	// InsertMessage creates a message and returns the stored row.
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	UpsertMessageStatus(ctx context.Context, st models.MessageStatus) error

	// ListRooms returns rooms newest first; a non-nil isGroup filters on the group flag.
	ListRooms(ctx context.Context, isGroup *bool) ([]models.Room, error)
	FindRoomsByName(ctx context.Context, name string) ([]models.Room, error)
	CreateRoom(ctx context.Context, room models.Room) (models.Room, error)
	RenameRoom(ctx context.Context, id, name string) error
	DeleteRoom(ctx context.Context, id string) error

	// ListProfiles returns all profiles except the one with excludeID.
	ListProfiles(ctx context.Context, excludeID string) ([]models.Profile, error)
}

// Subscription is an open change feed channel. Events is closed when the
// subscription ends, Err then tells why (nil after Close).
type Subscription interface {
	Events() <-chan models.Event
	Broadcast(ctx context.Context, event string, payload any) error
	Err() error
	Close() error
}

// Feed is the realtime change feed.
type Feed interface {
	Subscribe(ctx context.Context, ch models.Channel) (Subscription, error)
}

// Objects is the binary object storage.
type Objects interface {
	// Upload stores the body and returns its public URL.
	Upload(ctx context.Context, bucket, name, contentType string, body io.Reader, upsert bool) (string, error)
}

// Backend bundles all capabilities of one signed-in client.
type Backend interface {
	Auth
	Data
	Feed
	Objects
	io.Closer
}

// Opener opens one kind of backend.
type Opener func(ctx context.Context, cfg *config.Config) (Backend, error)

var openers = map[string]Opener{}

// Register makes a backend kind available to Open.
func Register(kind string, open Opener) {
	openers[kind] = open
}

// Open opens the backend selected by the configuration.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	open, ok := openers[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return open(ctx, cfg)
}
