package local

import (
	"encoding"
	"time"

	"roomsync/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBProfile struct {
	ID           string `msgpack:"id"`
	Email        string `msgpack:"email"`
	UserName     string `msgpack:"userName"`
	AvatarURL    string `msgpack:"avatarUrl"`
	PasswordHash []byte `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
	// Consecutive failed sign-in attempts, to throttle brute force attacks.
	FailedAttempts  int64 `msgpack:"failedAttempts"`
	LastAttemptTime int64 `msgpack:"lastAttemptTime"`
}

func (p *DBProfile) Key() []byte {
	return []byte(p.ID)
}

func (p *DBProfile) MarshalBinary() (data []byte, err error) {
	type alias DBProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *DBProfile) UnmarshalBinary(data []byte) error {
	type alias DBProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBProfile) Profile() models.Profile {
	return models.Profile{
		ID:        p.ID,
		Email:     p.Email,
		UserName:  p.UserName,
		AvatarURL: p.AvatarURL,
	}
}

type DBRoom struct {
	ID        string `msgpack:"id"`
	Name      string `msgpack:"name"`
	IsGroup   bool   `msgpack:"isGroup"`
	CreatedAt int64  `msgpack:"createdAt"` // Unix nanoseconds
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

func (r *DBRoom) Room() models.Room {
	return models.Room{
		ID:        r.ID,
		Name:      r.Name,
		IsGroup:   r.IsGroup,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// DBMessage is keyed by its id. Ids are UUIDv7 strings, so keys sort by creation time.
type DBMessage struct {
	ID        string `msgpack:"id"`
	RoomID    string `msgpack:"roomId"`
	UserID    string `msgpack:"userId"`
	UserName  string `msgpack:"userName"`
	Content   string `msgpack:"content"`
	ImageURL  string `msgpack:"imageUrl"`
	AudioURL  string `msgpack:"audioUrl"`
	ClientKey string `msgpack:"clientKey"`
	CreatedAt int64  `msgpack:"createdAt"` // Unix nanoseconds
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMessage) Message(seen bool) models.Message {
	return models.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		UserName:  m.UserName,
		Content:   m.Content,
		ImageURL:  m.ImageURL,
		AudioURL:  m.AudioURL,
		ClientKey: m.ClientKey,
		CreatedAt: time.Unix(0, m.CreatedAt).UTC(),
		Seen:      seen,
	}
}

type DBStatus struct {
	MessageID string `msgpack:"messageId"`
	UserID    string `msgpack:"userId"`
	Seen      bool   `msgpack:"seen"`
}

func (s *DBStatus) Key() []byte {
	return statusKey(s.MessageID, s.UserID)
}

func (s *DBStatus) MarshalBinary() (data []byte, err error) {
	type alias DBStatus
	return msgpack.Marshal((*alias)(s))
}

func (s *DBStatus) UnmarshalBinary(data []byte) error {
	type alias DBStatus
	return msgpack.Unmarshal(data, (*alias)(s))
}

func statusKey(messageID, userID string) []byte {
	return []byte(messageID + "/" + userID)
}

type FileMetadata struct {
	Bucket    string `msgpack:"bucket"`
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.Bucket + "/" + f.Name)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}
