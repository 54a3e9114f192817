package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"roomsync/internal/models"
)

const (
	restPath = "/rest/v1/"

	tableStatus   = "message_status"
	tableProfiles = "profiles"
)

var (
	returnRow     = http.Header{"Prefer": {"return=representation"}}
	mergeDupes    = http.Header{"Prefer": {"resolution=merge-duplicates,return=minimal"}}
	returnMinimal = http.Header{"Prefer": {"return=minimal"}}
)

func eq(v string) string  { return "eq." + v }
func neq(v string) string { return "neq." + v }

// in builds an "in" filter. Values are quoted, so they may hold reserved characters.
func in(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

// nullable maps an empty string to a null column.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type messageRow struct {
	RoomID    string  `json:"room_id"`
	UserID    string  `json:"user_id"`
	UserName  string  `json:"user_name"`
	Content   *string `json:"content"`
	ImageURL  *string `json:"image_url"`
	AudioURL  *string `json:"audio_url"`
	ClientKey *string `json:"client_key"`
}

// dbMessage decodes null columns into empty strings.
type dbMessage struct {
	models.Message
	Content  *string `json:"content"`
	ImageURL *string `json:"image_url"`
	AudioURL *string `json:"audio_url"`
}

func (m dbMessage) message() models.Message {
	msg := m.Message
	msg.Content = deref(m.Content)
	msg.ImageURL = deref(m.ImageURL)
	msg.AudioURL = deref(m.AudioURL)
	return msg
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (c *Client) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var rows []dbMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPath + models.TableMessages,
		query: url.Values{
			"select":  {"*"},
			"room_id": {eq(roomID)},
			"order":   {"created_at.desc"},
		},
	}, &rows)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, len(rows))
	ids := make([]string, len(rows))
	for i, row := range rows {
		messages[i] = row.message()
		ids[i] = row.ID
	}
	if len(ids) == 0 {
		return messages, nil
	}

	seen, err := c.seenBy(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		for _, uid := range seen[messages[i].ID] {
			if uid != messages[i].UserID {
				messages[i].Seen = true
				break
			}
		}
	}
	return messages, nil
}

// seenBatch caps the ids per status query to keep URLs short.
const seenBatch = 100

// seenBy returns, per message id, the users that have seen it.
func (c *Client) seenBy(ctx context.Context, ids []string) (map[string][]string, error) {
	seen := make(map[string][]string)
	for batch := range slices.Chunk(ids, seenBatch) {
		var rows []models.MessageStatus
		err := c.do(ctx, request{
			method: http.MethodGet,
			path:   restPath + tableStatus,
			query: url.Values{
				"select":     {"message_id,user_id,seen"},
				"seen":       {"is.true"},
				"message_id": {in(batch)},
			},
		}, &rows)
		if err != nil {
			return nil, fmt.Errorf("failed to load message status: %w", err)
		}
		for _, st := range rows {
			seen[st.MessageID] = append(seen[st.MessageID], st.UserID)
		}
	}
	return seen, nil
}

func (c *Client) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.UserID == "" {
		uid, err := c.userID()
		if err != nil {
			return models.Message{}, err
		}
		m.UserID = uid
	}

	row := messageRow{
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		UserName:  m.UserName,
		Content:   nullable(m.Content),
		ImageURL:  nullable(m.ImageURL),
		AudioURL:  nullable(m.AudioURL),
		ClientKey: nullable(m.ClientKey),
	}
	var rows []dbMessage
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPath + models.TableMessages,
		header: returnRow,
		body:   []messageRow{row},
	}, &rows)
	if err != nil {
		return models.Message{}, err
	}
	if len(rows) == 0 {
		return models.Message{}, fmt.Errorf("insert returned no row")
	}
	return rows[0].message(), nil
}

func (c *Client) UpdateMessageContent(ctx context.Context, id, content string) error {
	return c.mutateOne(ctx, http.MethodPatch, models.TableMessages, id, map[string]string{"content": content})
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.mutateOne(ctx, http.MethodDelete, models.TableMessages, id, nil)
}

// mutateOne patches or deletes a row by id. Rows hidden by row level security look
// absent, so an empty result is reported as not found.
func (c *Client) mutateOne(ctx context.Context, method, table, id string, body any) error {
	var rows []map[string]any
	err := c.do(ctx, request{
		method: method,
		path:   restPath + table,
		query:  url.Values{"id": {eq(id)}},
		header: returnRow,
		body:   body,
	}, &rows)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s %s: %w", table, id, models.ErrNotFound)
	}
	return nil
}

func (c *Client) UpsertMessageStatus(ctx context.Context, st models.MessageStatus) error {
	if st.UserID == "" {
		uid, err := c.userID()
		if err != nil {
			return err
		}
		st.UserID = uid
	}
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   restPath + tableStatus,
		header: mergeDupes,
		body:   st,
	}, nil)
}

func (c *Client) ListRooms(ctx context.Context, isGroup *bool) ([]models.Room, error) {
	query := url.Values{
		"select": {"*"},
		"order":  {"created_at.desc"},
	}
	if isGroup != nil {
		query.Set("is_group", eq(strconv.FormatBool(*isGroup)))
	}
	return c.listRooms(ctx, query)
}

func (c *Client) FindRoomsByName(ctx context.Context, name string) ([]models.Room, error) {
	return c.listRooms(ctx, url.Values{
		"select": {"*"},
		"name":   {eq(name)},
	})
}

func (c *Client) listRooms(ctx context.Context, query url.Values) ([]models.Room, error) {
	var rooms []models.Room
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPath + models.TableRooms,
		query:  query,
	}, &rooms)
	return rooms, err
}

func (c *Client) CreateRoom(ctx context.Context, room models.Room) (models.Room, error) {
	var rows []models.Room
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPath + models.TableRooms,
		header: returnRow,
		body:   []map[string]any{{"name": room.Name, "is_group": room.IsGroup}},
	}, &rows)
	if err != nil {
		return models.Room{}, err
	}
	if len(rows) == 0 {
		return models.Room{}, fmt.Errorf("insert returned no row")
	}
	return rows[0], nil
}

func (c *Client) RenameRoom(ctx context.Context, id, name string) error {
	return c.mutateOne(ctx, http.MethodPatch, models.TableRooms, id, map[string]string{"name": name})
}

func (c *Client) DeleteRoom(ctx context.Context, id string) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   restPath + models.TableRooms,
		query:  url.Values{"id": {eq(id)}},
		header: returnMinimal,
	}, nil)
}

func (c *Client) ListProfiles(ctx context.Context, excludeID string) ([]models.Profile, error) {
	query := url.Values{"select": {"*"}}
	if excludeID != "" {
		query.Set("id", neq(excludeID))
	}
	var profiles []models.Profile
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPath + tableProfiles,
		query:  query,
	}, &profiles)
	return profiles, err
}
