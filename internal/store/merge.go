package store

import (
	"time"

	"roomsync/internal/models"
)

// MatchWindow bounds how far apart the local and server creation times of the same
// message may be for the content based match.
const MatchWindow = 10 * time.Second

// Merge combines a provisional local entry with the confirmed row the backend
// returned for it. Server fields win; the client key survives so later echoes of
// the same row still find the entry.
func Merge(local, remote models.Message) models.Message {
	merged := remote
	if merged.ClientKey == "" {
		merged.ClientKey = local.ClientKey
	}
	if merged.UserName == "" {
		merged.UserName = local.UserName
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	merged.State = models.StateSent
	return merged
}

// Matches reports whether remote is the backend copy of the provisional entry local.
// The client key decides when both carry one; otherwise author, payload and
// recency have to agree. That fallback cannot tell a keyless row that the same
// user sent with identical payload from another device within MatchWindow
// apart from our own; the pending entry then takes that row and our own insert
// shows up as a second copy once it is confirmed. Only pending entries are
// matched this way.
func Matches(local, remote models.Message) bool {
	if !local.Provisional() {
		return false
	}
	if local.ClientKey != "" && remote.ClientKey != "" {
		return local.ClientKey == remote.ClientKey
	}
	if local.State != models.StatePending {
		return false
	}
	if local.UserID != remote.UserID || local.RoomID != remote.RoomID {
		return false
	}
	if local.Content != remote.Content || local.ImageURL != remote.ImageURL || local.AudioURL != remote.AudioURL {
		return false
	}
	d := remote.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= MatchWindow
}
