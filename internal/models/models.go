package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("not signed in")
)

// Profile represents a user as other users see it.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	UserName  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName returns the best human-readable name of the profile.
func (p Profile) DisplayName() string {
	switch {
	case p.UserName != "":
		return p.UserName
	case p.Email != "":
		return p.Email
	default:
		return "User"
	}
}

// Session is an authenticated session with the backend.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        Profile   `json:"user"`
}

// Room represents a chat conversation.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryState is a local-only state of a message in the conversation view.
type DeliveryState string

const (
	StateSent    DeliveryState = ""
	StatePending DeliveryState = "pending"
	StateFailed  DeliveryState = "failed"
)

// Message represents a chat message. Empty Content, ImageURL and AudioURL
// stand for null columns.
type Message struct {
	ID        string    `json:"id,omitempty"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Seen      bool      `json:"seen,omitempty"`
	// ClientKey is generated by the sender and stored with the row,
	// so the echo of an optimistic send can be matched.
	ClientKey string `json:"client_key,omitempty"`

	State DeliveryState `json:"-"`
}

// HasMedia reports whether the primary payload of the message is an image or audio.
func (m Message) HasMedia() bool {
	return m.ImageURL != "" || m.AudioURL != ""
}

// Provisional reports whether the message has not been acknowledged by the backend yet.
func (m Message) Provisional() bool {
	return m.ID == ""
}

// MessageStatus is a per-user read marker.
type MessageStatus struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Seen      bool   `json:"seen"`
}

// TypingSignal is an ephemeral "someone is typing" notification.
type TypingSignal struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	RoomID   string `json:"room_id,omitempty"`
}

const (
	TableMessages = "messages"
	TableRooms    = "rooms"

	BroadcastTyping = "typing"
)

// Channel identifies a change feed subscription.
type Channel struct {
	Name  string
	Table string
	// Optional equality filter on a column of Table.
	FilterColumn string
	FilterValue  string
}

// RoomChannel returns the change feed channel of the room's messages.
func RoomChannel(roomID string) Channel {
	return Channel{
		Name:         "room-" + roomID,
		Table:        TableMessages,
		FilterColumn: "room_id",
		FilterValue:  roomID,
	}
}

// RoomsChannel returns the change feed channel of the room list.
func RoomsChannel() Channel {
	return Channel{
		Name:  "public:rooms",
		Table: TableRooms,
	}
}

type EventKind string

const (
	EventInsert    EventKind = "INSERT"
	EventUpdate    EventKind = "UPDATE"
	EventDelete    EventKind = "DELETE"
	EventBroadcast EventKind = "BROADCAST"
)

// Event is a single change feed delivery: either a row change or a broadcast.
type Event struct {
	Kind      EventKind       `json:"type"`
	Table     string          `json:"table,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`

	// Broadcast only.
	Name    string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the new row snapshot, or the old one for deletes.
func (e Event) Decode(v any) error {
	raw := e.Record
	if e.Kind == EventDelete || len(raw) == 0 {
		raw = e.OldRecord
	}
	if len(raw) == 0 {
		return errors.New("event carries no row")
	}
	return json.Unmarshal(raw, v)
}

// RowEvent builds a row change event from row snapshots. Either row may be nil.
func RowEvent(kind EventKind, table string, row, old any) (Event, error) {
	ev := Event{Kind: kind, Table: table}
	var err error
	if row != nil {
		if ev.Record, err = json.Marshal(row); err != nil {
			return Event{}, err
		}
	}
	if old != nil {
		if ev.OldRecord, err = json.Marshal(old); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}
