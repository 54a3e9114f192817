// Package local is an embedded backend: bbolt for rows, the filesystem for objects
// and an in-process hub for the change feed. Several clients of one Server see
// each other's changes in real time.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/config"
	"roomsync/internal/content"
	"roomsync/internal/models"

	"github.com/google/uuid"
)

var ErrForbidden = errors.New("permission denied")

func init() {
	backend.Register(config.BackendLocal, func(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
		srv, err := NewServer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c := srv.Client()
		c.owned = true
		return c, nil
	})
}

// Server owns the shared state of the embedded backend.
type Server struct {
	storage *Storage
	hub     *Hub
	objects *ObjectStore
	auth    *Authenticator
	now     func() time.Time
}

func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	storage, err := NewStorage(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	objects, err := NewObjectStore(cfg.UploadsPath, cfg.PublicBaseURL)
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	return &Server{
		storage: storage,
		hub:     NewHub(),
		objects: objects,
		auth:    NewAuthenticator(ctx, storage, DefaultTokenExpiry),
		now:     time.Now,
	}, nil
}

// Storage exposes the row store, for seeding.
func (s *Server) Storage() *Storage {
	return s.storage
}

func (s *Server) Close() error {
	s.hub.Close()
	return s.storage.Close()
}

// Client returns a new signed-out client.
func (s *Server) Client() *Client {
	return &Client{
		srv:       s,
		listeners: make(map[int]func(*models.Session)),
	}
}

func (s *Server) publish(kind models.EventKind, table string, row, old any, attrs map[string]string) {
	ev, err := models.RowEvent(kind, table, row, old)
	if err != nil {
		slog.Error("failed to encode change event", "table", table, "error", err)
		return
	}
	s.hub.Publish(ev, attrs)
}

func (s *Server) message(m DBMessage) models.Message {
	seen, err := s.storage.Seen(m)
	if err != nil {
		slog.Warn("failed to read message status", "message_id", m.ID, "error", err)
	}
	return m.Message(seen)
}

// Client is one user session against a Server. It implements backend.Backend.
type Client struct {
	srv   *Server
	owned bool

	session      *models.Session
	listeners    map[int]func(*models.Session)
	nextListener int
	mu           sync.Mutex
}

var _ backend.Backend = (*Client)(nil)

func (c *Client) Close() error {
	if c.owned {
		return c.srv.Close()
	}
	return nil
}

func (c *Client) SignUp(ctx context.Context, email, password, username string) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}
	session, err := c.srv.auth.SignUp(email, password, username)
	if err != nil {
		return models.Session{}, err
	}
	c.setSession(&session)
	return session, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (models.Session, error) {
	if err := ctx.Err(); err != nil {
		return models.Session{}, err
	}
	session, err := c.srv.auth.SignIn(email, password)
	if err != nil {
		return models.Session{}, err
	}
	c.setSession(&session)
	return session, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	if err := c.srv.auth.SignOut(session.AccessToken); err != nil {
		slog.Debug("token already gone", "error", err)
	}
	c.setSession(nil)
	return nil
}

func (c *Client) CurrentUser(ctx context.Context) (models.Profile, error) {
	uid, err := c.userID()
	if err != nil {
		return models.Profile{}, err
	}
	p, err := c.srv.storage.GetProfile(uid)
	if err != nil {
		return models.Profile{}, err
	}
	return p.Profile(), nil
}

// UpdateProfile changes the fields that are not empty.
func (c *Client) UpdateProfile(ctx context.Context, username, avatarURL string) (models.Profile, error) {
	uid, err := c.userID()
	if err != nil {
		return models.Profile{}, err
	}
	if username != "" {
		if username, err = content.ValidateName(username); err != nil {
			return models.Profile{}, err
		}
	}

	p, err := c.srv.storage.UpdateProfile(uid, func(p *DBProfile) error {
		if username != "" {
			p.UserName = username
		}
		if avatarURL != "" {
			p.AvatarURL = avatarURL
		}
		return nil
	})
	if err != nil {
		return models.Profile{}, err
	}

	c.mu.Lock()
	if c.session != nil {
		c.session.User = p.Profile()
	}
	c.mu.Unlock()
	return p.Profile(), nil
}

func (c *Client) OnAuthStateChange(fn func(*models.Session)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) setSession(session *models.Session) {
	c.mu.Lock()
	c.session = session
	listeners := make([]func(*models.Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(session)
	}
}

func (c *Client) userID() (string, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return "", models.ErrUnauthorized
	}
	return c.srv.auth.UserID(session.AccessToken)
}

func (c *Client) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.srv.storage.ListMessages(roomID)
}

func (c *Client) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	uid, err := c.userID()
	if err != nil {
		return models.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if m.UserID != "" && m.UserID != uid {
		return models.Message{}, ErrForbidden
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	dbMsg := DBMessage{
		ID:        id.String(),
		RoomID:    m.RoomID,
		UserID:    uid,
		UserName:  m.UserName,
		Content:   m.Content,
		ImageURL:  m.ImageURL,
		AudioURL:  m.AudioURL,
		ClientKey: m.ClientKey,
		CreatedAt: c.srv.now().UnixNano(),
	}
	if dbMsg.UserName == "" {
		if p, err := c.srv.storage.GetProfile(uid); err == nil {
			dbMsg.UserName = p.Profile().DisplayName()
		}
	}

	if err := c.srv.storage.InsertMessage(dbMsg); err != nil {
		return models.Message{}, err
	}

	row := dbMsg.Message(false)
	c.srv.publish(models.EventInsert, models.TableMessages, row, nil, messageAttrs(row))
	return row, nil
}

func (c *Client) UpdateMessageContent(ctx context.Context, id, text string) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	old, updated, err := c.srv.storage.UpdateMessage(id, func(m *DBMessage) error {
		if m.UserID != uid {
			return ErrForbidden
		}
		m.Content = text
		return nil
	})
	if err != nil {
		return err
	}

	row := c.srv.message(updated)
	c.srv.publish(models.EventUpdate, models.TableMessages, row, old.Message(row.Seen), messageAttrs(row))
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	old, err := c.srv.storage.DeleteMessage(id, func(m DBMessage) error {
		if m.UserID != uid {
			return ErrForbidden
		}
		return nil
	})
	if err != nil {
		return err
	}

	row := old.Message(false)
	c.srv.publish(models.EventDelete, models.TableMessages, nil, row, messageAttrs(row))
	return nil
}

func (c *Client) UpsertMessageStatus(ctx context.Context, st models.MessageStatus) error {
	uid, err := c.userID()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.UserID != "" && st.UserID != uid {
		return ErrForbidden
	}

	m, turned, err := c.srv.storage.UpsertStatus(DBStatus{
		MessageID: st.MessageID,
		UserID:    uid,
		Seen:      st.Seen,
	})
	if err != nil {
		return err
	}
	if turned {
		row := m.Message(true)
		c.srv.publish(models.EventUpdate, models.TableMessages, row, m.Message(false), messageAttrs(row))
	}
	return nil
}

func (c *Client) ListRooms(ctx context.Context, isGroup *bool) ([]models.Room, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	rooms, err := c.srv.storage.ListRooms()
	if err != nil {
		return nil, err
	}
	result := make([]models.Room, 0, len(rooms))
	for _, r := range rooms {
		if isGroup != nil && r.IsGroup != *isGroup {
			continue
		}
		result = append(result, r.Room())
	}
	return result, nil
}

func (c *Client) FindRoomsByName(ctx context.Context, name string) ([]models.Room, error) {
	rooms, err := c.ListRooms(ctx, nil)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(rooms, func(r models.Room) bool {
		return r.Name != name
	}), nil
}

func (c *Client) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	if _, err := c.userID(); err != nil {
		return models.Room{}, err
	}
	name, err := content.ValidateName(room.Name)
	if err != nil {
		return models.Room{}, err
	}

	dbRoom := DBRoom{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   room.IsGroup,
		CreatedAt: c.srv.now().UnixNano(),
	}
	if err := c.srv.storage.PutRoom(dbRoom); err != nil {
		return models.Room{}, err
	}

	row := dbRoom.Room()
	c.srv.publish(models.EventInsert, models.TableRooms, row, nil, nil)
	return row, nil
}

func (c *Client) RenameRoom(ctx context.Context, id, name string) error {
	if _, err := c.userID(); err != nil {
		return err
	}
	name, err := content.ValidateName(name)
	if err != nil {
		return err
	}

	old, updated, err := c.srv.storage.RenameRoom(id, name)
	if err != nil {
		return err
	}
	c.srv.publish(models.EventUpdate, models.TableRooms, updated.Room(), old.Room(), nil)
	return nil
}

func (c *Client) DeleteRoom(ctx context.Context, id string) error {
	if _, err := c.userID(); err != nil {
		return err
	}
	old, err := c.srv.storage.DeleteRoom(id)
	if err != nil {
		return err
	}
	c.srv.publish(models.EventDelete, models.TableRooms, nil, old.Room(), nil)
	return nil
}

func (c *Client) ListProfiles(ctx context.Context, excludeID string) ([]models.Profile, error) {
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	profiles, err := c.srv.storage.ListProfiles()
	if err != nil {
		return nil, err
	}
	result := make([]models.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID == excludeID {
			continue
		}
		result = append(result, p.Profile())
	}
	return result, nil
}

func (c *Client) Subscribe(ctx context.Context, ch models.Channel) (backend.Subscription, error) {
	uid, err := c.userID()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.srv.hub.Subscribe(ch, uid)
}

func (c *Client) Upload(ctx context.Context, bucket, name, contentType string, body io.Reader, upsert bool) (string, error) {
	uid, err := c.userID()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	size, detected, err := c.srv.objects.Save(bucket, name, body, upsert)
	if err != nil {
		return "", err
	}
	if detected == "application/octet-stream" && contentType != "" {
		detected = contentType
	}

	err = c.srv.storage.UpsertFileMetadata(FileMetadata{
		Bucket:    bucket,
		Name:      name,
		MimeType:  detected,
		Size:      size,
		CreatedAt: c.srv.now().Unix(),
		UserID:    uid,
	})
	if err != nil {
		return "", err
	}

	return c.srv.objects.PublicURL(bucket, name), nil
}

func messageAttrs(m models.Message) map[string]string {
	return map[string]string{"room_id": m.RoomID}
}
