package store

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"roomsync/internal/models"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, sec int) models.Message {
	return models.Message{
		ID:        id,
		RoomID:    "r1",
		UserID:    "u1",
		Content:   "message " + id,
		CreatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(s *Store) []string {
	var out []string
	for _, m := range s.Messages() {
		if m.ID == "" {
			out = append(out, "~"+m.ClientKey)
			continue
		}
		out = append(out, m.ID)
	}
	return out
}

func requireSorted(t *testing.T, s *Store) {
	t.Helper()
	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt),
			"entry %d (%s) is newer than entry %d (%s)", i, msgs[i].CreatedAt, i-1, msgs[i-1].CreatedAt)
	}
}

func TestStore_ResetSortsNewestFirst(t *testing.T) {
	s := New()
	s.Reset([]models.Message{msg("a", 1), msg("c", 3), msg("b", 2)})

	require.Equal(t, []string{"c", "b", "a"}, ids(s))
}

func TestStore_OptimisticSendGoesFirst(t *testing.T) {
	s := New()
	s.Reset([]models.Message{msg("b", 2), msg("a", 1)})

	s.AddProvisional(models.Message{ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "C", CreatedAt: t0.Add(3 * time.Second)})

	require.Equal(t, []string{"~k1", "b", "a"}, ids(s))
	m, ok := s.ByClientKey("k1")
	require.True(t, ok)
	require.Equal(t, models.StatePending, m.State)
}

func TestStore_EchoDedup(t *testing.T) {
	tests := []struct {
		name          string
		responseFirst bool
	}{
		{"response then echo", true},
		{"echo then response", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.Reset([]models.Message{msg("a", 1)})
			s.AddProvisional(models.Message{ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "hi", CreatedAt: t0.Add(5 * time.Second)})

			row := models.Message{ID: "srv-1", ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "hi", CreatedAt: t0.Add(6 * time.Second)}
			if tt.responseFirst {
				require.True(t, s.Confirm("k1", row))
				require.Equal(t, Duplicate, s.Insert(row))
			} else {
				require.Equal(t, Confirmed, s.Insert(row))
				require.True(t, s.Confirm("k1", row))
			}

			require.Equal(t, []string{"srv-1", "a"}, ids(s))
			m, _ := s.Get("srv-1")
			require.Equal(t, models.StateSent, m.State)
			require.Equal(t, "k1", m.ClientKey)
		})
	}
}

func TestStore_EchoWithoutClientKeyMatchesByContent(t *testing.T) {
	s := New()
	s.AddProvisional(models.Message{ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "ok", CreatedAt: t0})
	s.AddProvisional(models.Message{ClientKey: "k2", RoomID: "r1", UserID: "u1", Content: "ok", CreatedAt: t0.Add(time.Second)})

	// Older send is confirmed first.
	require.Equal(t, Confirmed, s.Insert(models.Message{ID: "x", RoomID: "r1", UserID: "u1", Content: "ok", CreatedAt: t0.Add(2 * time.Second)}))
	m, ok := s.Get("x")
	require.True(t, ok)
	require.Equal(t, "k1", m.ClientKey)

	// Another author with the same text is a different message.
	require.Equal(t, Inserted, s.Insert(models.Message{ID: "y", RoomID: "r1", UserID: "u2", Content: "ok", CreatedAt: t0.Add(3 * time.Second)}))
	require.Equal(t, 3, s.Len())

	// Too far apart in time.
	require.Equal(t, Inserted, s.Insert(models.Message{ID: "z", RoomID: "r1", UserID: "u1", Content: "ok", CreatedAt: t0.Add(time.Hour)}))
	_, stillPending := s.ByClientKey("k2")
	require.True(t, stillPending)
	requireSorted(t, s)
}

func TestStore_FailedEntryIsNotMatchedByContent(t *testing.T) {
	s := New()
	s.AddProvisional(models.Message{ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "ok", CreatedAt: t0})
	require.True(t, s.SetState("k1", models.StateFailed))

	require.Equal(t, Inserted, s.Insert(models.Message{ID: "x", RoomID: "r1", UserID: "u1", Content: "ok", CreatedAt: t0}))
	require.Equal(t, 2, s.Len())
}

func TestStore_UpdateInPlace(t *testing.T) {
	s := New()
	s.Reset([]models.Message{msg("a", 1), msg("b", 2), msg("c", 3)})

	b := msg("b", 2)
	b.Content = "edited"
	require.True(t, s.Update(b))
	require.Equal(t, []string{"c", "b", "a"}, ids(s))
	got, _ := s.Get("b")
	require.Equal(t, "edited", got.Content)

	require.False(t, s.Update(msg("missing", 9)))
	require.Equal(t, 3, s.Len())
}

func TestStore_UpdateRepositionsOnTimeChange(t *testing.T) {
	s := New()
	s.Reset([]models.Message{msg("a", 1), msg("b", 2), msg("c", 3)})

	require.True(t, s.Update(msg("a", 4)))
	require.Equal(t, []string{"a", "c", "b"}, ids(s))
}

func TestStore_DeleteTombstones(t *testing.T) {
	s := New()
	s.Reset([]models.Message{msg("a", 1), msg("b", 2)})

	require.True(t, s.Remove("b"))
	require.False(t, s.Remove("b"))
	require.Equal(t, Ignored, s.Insert(msg("b", 2)))
	require.False(t, s.Update(msg("b", 2)))
	require.Equal(t, []string{"a"}, ids(s))

	// History fetched later must not bring it back either.
	s.Reset([]models.Message{msg("a", 1), msg("b", 2)})
	require.Equal(t, []string{"a"}, ids(s))
}

func TestStore_ConfirmAfterRemoteDelete(t *testing.T) {
	s := New()
	s.AddProvisional(models.Message{ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "hi", CreatedAt: t0})

	// The delete event overtook the insert response.
	require.False(t, s.Remove("srv-1"))
	require.True(t, s.Confirm("k1", models.Message{ID: "srv-1", ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "hi", CreatedAt: t0}))
	require.Equal(t, 0, s.Len())
}

func TestStore_ResetKeepsProvisional(t *testing.T) {
	s := New()
	s.Reset([]models.Message{msg("a", 1)})
	s.AddProvisional(models.Message{ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "pending", CreatedAt: t0.Add(10 * time.Second)})
	s.AddProvisional(models.Message{ClientKey: "k2", RoomID: "r1", UserID: "u1", Content: "failed", CreatedAt: t0.Add(11 * time.Second)})
	s.SetState("k2", models.StateFailed)

	confirmed := models.Message{ID: "p", ClientKey: "k1", RoomID: "r1", UserID: "u1", Content: "pending", CreatedAt: t0.Add(12 * time.Second)}
	s.Reset([]models.Message{confirmed, msg("b", 2)})

	require.Equal(t, []string{"p", "~k2", "b"}, ids(s))
	m, _ := s.ByClientKey("k2")
	require.Equal(t, models.StateFailed, m.State)
}

func TestStore_OrderInvariantUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New()

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("m%d", rng.Intn(60))
		sec := rng.Intn(1000)
		switch rng.Intn(5) {
		case 0, 1:
			s.Insert(msg(id, sec))
		case 2:
			s.Update(msg(id, sec))
		case 3:
			s.Remove(id)
		case 4:
			key := fmt.Sprintf("k%d", i)
			s.AddProvisional(models.Message{ClientKey: key, RoomID: "r1", UserID: "u1", Content: key, CreatedAt: t0.Add(time.Duration(sec) * time.Second)})
			if rng.Intn(2) == 0 {
				s.Confirm(key, models.Message{ID: "c" + key, ClientKey: key, RoomID: "r1", UserID: "u1", Content: key, CreatedAt: t0.Add(time.Duration(sec+1) * time.Second)})
			}
		}
		requireSorted(t, s)
	}

	seen := make(map[string]bool)
	for _, m := range s.Messages() {
		if m.ID == "" {
			continue
		}
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}
