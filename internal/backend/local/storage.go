package local

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"roomsync/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketProfiles     = []byte("profiles")
	bucketEmails       = []byte("emails")
	bucketRooms        = []byte("rooms")
	bucketMessages     = []byte("messages")
	bucketMessageRooms = []byte("message_rooms")
	bucketStatus       = []byte("message_status")
	bucketFiles        = []byte("files")

	ErrEmailTaken = errors.New("user already registered")
)

type Storage struct {
	db *bbolt.DB
}

func NewStorage(path string) (*Storage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketProfiles, bucketEmails, bucketRooms, bucketMessages,
			bucketMessageRooms, bucketStatus, bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func get(b *bbolt.Bucket, key []byte, v Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return v.UnmarshalBinary(data)
}

// CreateProfile stores a new profile. Emails are unique.
func (s *Storage) CreateProfile(p DBProfile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		if emails.Get([]byte(p.Email)) != nil {
			return ErrEmailTaken
		}
		if err := emails.Put([]byte(p.Email), []byte(p.ID)); err != nil {
			return err
		}
		return put(tx.Bucket(bucketProfiles), &p)
	})
}

func (s *Storage) GetProfile(id string) (DBProfile, error) {
	var p DBProfile
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketProfiles), []byte(id), &p)
	})
	return p, err
}

func (s *Storage) GetProfileByEmail(email string) (DBProfile, error) {
	var p DBProfile
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketEmails).Get([]byte(email))
		if id == nil {
			return models.ErrNotFound
		}
		return get(tx.Bucket(bucketProfiles), id, &p)
	})
	return p, err
}

// UpdateProfile applies fn to the stored profile inside one transaction.
func (s *Storage) UpdateProfile(id string, fn func(*DBProfile) error) (DBProfile, error) {
	var p DBProfile
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfiles)
		if err := get(b, []byte(id), &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		return put(b, &p)
	})
	return p, err
}

func (s *Storage) ListProfiles() ([]DBProfile, error) {
	var profiles []DBProfile
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(k, v []byte) error {
			var p DBProfile
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			profiles = append(profiles, p)
			return nil
		})
	})
	return profiles, err
}

func (s *Storage) PutRoom(r DBRoom) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketRooms), &r)
	})
}

func (s *Storage) GetRoom(id string) (DBRoom, error) {
	var r DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketRooms), []byte(id), &r)
	})
	return r, err
}

// ListRooms returns all rooms, newest first.
func (s *Storage) ListRooms() ([]DBRoom, error) {
	var rooms []DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var r DBRoom
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, r)
			return nil
		})
	})
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt > rooms[j].CreatedAt
	})
	return rooms, err
}

func (s *Storage) RenameRoom(id, name string) (old, updated DBRoom, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if err := get(b, []byte(id), &old); err != nil {
			return err
		}
		updated = old
		updated.Name = name
		return put(b, &updated)
	})
	return old, updated, err
}

// DeleteRoom removes the room together with its messages.
func (s *Storage) DeleteRoom(id string) (DBRoom, error) {
	var r DBRoom
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRooms)
		if err := get(b, []byte(id), &r); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}

		msgs := tx.Bucket(bucketMessages)
		roomBucket := msgs.Bucket([]byte(id))
		if roomBucket == nil {
			return nil
		}
		index := tx.Bucket(bucketMessageRooms)
		status := tx.Bucket(bucketStatus)
		err := roomBucket.ForEach(func(k, v []byte) error {
			if err := deleteStatuses(status, string(k)); err != nil {
				return err
			}
			return index.Delete(k)
		})
		if err != nil {
			return err
		}
		return msgs.DeleteBucket([]byte(id))
	})
	return r, err
}

// InsertMessage stores a new message. The room has to exist.
func (s *Storage) InsertMessage(m DBMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if m.RoomID == "" {
			return errors.New("message missing roomID")
		}
		if tx.Bucket(bucketRooms).Get([]byte(m.RoomID)) == nil {
			return fmt.Errorf("room %s: %w", m.RoomID, models.ErrNotFound)
		}

		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(m.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		if err := put(roomBucket, &m); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return tx.Bucket(bucketMessageRooms).Put(m.Key(), []byte(m.RoomID))
	})
}

func (s *Storage) GetMessage(id string) (DBMessage, error) {
	var m DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := messageBucket(tx, id)
		if err != nil {
			return err
		}
		return get(b, []byte(id), &m)
	})
	return m, err
}

// UpdateMessage applies fn to the stored message and returns both versions.
func (s *Storage) UpdateMessage(id string, fn func(*DBMessage) error) (old, updated DBMessage, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := messageBucket(tx, id)
		if err != nil {
			return err
		}
		if err := get(b, []byte(id), &old); err != nil {
			return err
		}
		updated = old
		if err := fn(&updated); err != nil {
			return err
		}
		return put(b, &updated)
	})
	return old, updated, err
}

// DeleteMessage removes the message and its read markers. check may veto the
// deletion after the row was read.
func (s *Storage) DeleteMessage(id string, check func(DBMessage) error) (DBMessage, error) {
	var m DBMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := messageBucket(tx, id)
		if err != nil {
			return err
		}
		if err := get(b, []byte(id), &m); err != nil {
			return err
		}
		if check != nil {
			if err := check(m); err != nil {
				return err
			}
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := deleteStatuses(tx.Bucket(bucketStatus), id); err != nil {
			return err
		}
		return tx.Bucket(bucketMessageRooms).Delete([]byte(id))
	})
	return m, err
}

// ListMessages returns the messages of a room, newest first.
func (s *Storage) ListMessages(roomID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil // No messages for this room
		}
		status := tx.Bucket(bucketStatus)

		c := roomBucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			seen, err := seenByOthers(status, dbMsg.ID, dbMsg.UserID)
			if err != nil {
				return err
			}
			messages = append(messages, dbMsg.Message(seen))
		}
		return nil
	})
	return messages, err
}

// UpsertStatus stores a read marker. It reports whether the message turned from
// unseen to seen by someone other than its author.
func (s *Storage) UpsertStatus(st DBStatus) (DBMessage, bool, error) {
	var (
		m      DBMessage
		turned bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := messageBucket(tx, st.MessageID)
		if err != nil {
			return err
		}
		if err := get(b, []byte(st.MessageID), &m); err != nil {
			return err
		}

		status := tx.Bucket(bucketStatus)
		before, err := seenByOthers(status, m.ID, m.UserID)
		if err != nil {
			return err
		}
		if err := put(status, &st); err != nil {
			return err
		}
		after, err := seenByOthers(status, m.ID, m.UserID)
		if err != nil {
			return err
		}
		turned = !before && after
		return nil
	})
	return m, turned, err
}

func (s *Storage) UpsertFileMetadata(meta FileMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx.Bucket(bucketFiles), &meta); err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return nil
	})
}

func (s *Storage) GetFileMetadata(bucket, name string) (FileMetadata, error) {
	meta := FileMetadata{Bucket: bucket, Name: name}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketFiles), meta.Key(), &meta)
	})
	return meta, err
}

func messageBucket(tx *bbolt.Tx, id string) (*bbolt.Bucket, error) {
	roomID := tx.Bucket(bucketMessageRooms).Get([]byte(id))
	if roomID == nil {
		return nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	b := tx.Bucket(bucketMessages).Bucket(roomID)
	if b == nil {
		return nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return b, nil
}

func seenByOthers(status *bbolt.Bucket, messageID, authorID string) (bool, error) {
	prefix := []byte(messageID + "/")
	c := status.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var st DBStatus
		if err := st.UnmarshalBinary(v); err != nil {
			return false, err
		}
		if st.Seen && st.UserID != authorID {
			return true, nil
		}
	}
	return false, nil
}

func deleteStatuses(status *bbolt.Bucket, messageID string) error {
	prefix := []byte(messageID + "/")
	var keys [][]byte
	c := status.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := status.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Seen reports whether someone other than the author has read the message.
func (s *Storage) Seen(m DBMessage) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		seen, err = seenByOthers(tx.Bucket(bucketStatus), m.ID, m.UserID)
		return err
	})
	return seen, err
}
