// Package store keeps the in-memory messages of one open conversation.
//
// Messages are held newest first. Every mutation keeps that order: inserts use a
// binary search for their position and only an update that changes the creation
// time moves an entry.
package store

import (
	"slices"
	"sort"

	"roomsync/internal/models"
)

// InsertResult tells what Insert did with a confirmed row.
type InsertResult int

const (
	Inserted InsertResult = iota
	// Duplicate means the id is already present.
	Duplicate
	// Confirmed means the row was merged into a matching provisional entry.
	Confirmed
	// Ignored means the row has no id or was deleted earlier.
	Ignored
)

type Store struct {
	msgs    []models.Message
	ids     map[string]struct{}
	deleted map[string]struct{}
}

func New() *Store {
	return &Store{
		ids:     make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

func (s *Store) Len() int {
	return len(s.msgs)
}

// Messages returns a copy of the messages, newest first.
func (s *Store) Messages() []models.Message {
	return slices.Clone(s.msgs)
}

func (s *Store) Get(id string) (models.Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.msgs[i], true
	}
	return models.Message{}, false
}

func (s *Store) ByClientKey(key string) (models.Message, bool) {
	if i := s.indexOfKey(key); i >= 0 {
		return s.msgs[i], true
	}
	return models.Message{}, false
}

// Deleted reports whether the id was removed from this store.
func (s *Store) Deleted(id string) bool {
	_, ok := s.deleted[id]
	return ok
}

// Reset replaces all confirmed entries with rows and keeps provisional ones.
// Provisional entries that rows already confirm are merged.
func (s *Store) Reset(rows []models.Message) {
	var provisional []models.Message
	for _, m := range s.msgs {
		if m.Provisional() {
			provisional = append(provisional, m)
		}
	}

	s.msgs = make([]models.Message, 0, len(rows)+len(provisional))
	s.ids = make(map[string]struct{}, len(rows))
	for _, m := range rows {
		if m.ID == "" || s.Deleted(m.ID) {
			continue
		}
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		m.State = models.StateSent
		s.msgs = append(s.msgs, m)
		s.ids[m.ID] = struct{}{}
	}
	sort.SliceStable(s.msgs, func(i, j int) bool {
		return s.msgs[i].CreatedAt.After(s.msgs[j].CreatedAt)
	})

	for _, p := range provisional {
		if i := s.confirmedMatch(p); i >= 0 {
			s.msgs[i] = Merge(p, s.msgs[i])
			continue
		}
		s.insertSorted(p)
	}
}

// Insert applies a confirmed row delivered by the backend.
func (s *Store) Insert(m models.Message) InsertResult {
	if m.ID == "" || s.Deleted(m.ID) {
		return Ignored
	}
	if _, ok := s.ids[m.ID]; ok {
		return Duplicate
	}
	if i := s.provisionalMatch(m); i >= 0 {
		s.replaceAt(i, Merge(s.msgs[i], m))
		return Confirmed
	}
	m.State = models.StateSent
	s.insertSorted(m)
	s.ids[m.ID] = struct{}{}
	return Inserted
}

// AddProvisional inserts a locally created message that has no id yet.
func (s *Store) AddProvisional(m models.Message) {
	m.ID = ""
	if m.State == models.StateSent {
		m.State = models.StatePending
	}
	s.insertSorted(m)
}

// Confirm merges the row the backend returned for the entry with the client key.
// It reports false when no such entry exists any more.
func (s *Store) Confirm(key string, row models.Message) bool {
	i := s.indexOfKey(key)
	if i < 0 || row.ID == "" {
		return false
	}
	if s.Deleted(row.ID) {
		s.removeAt(i)
		return true
	}
	if j := s.indexOf(row.ID); j >= 0 && j != i {
		// The echo was inserted on its own before the response arrived.
		s.removeAt(i)
		return true
	}
	s.replaceAt(i, Merge(s.msgs[i], row))
	return true
}

// SetState changes the delivery state of a provisional entry.
func (s *Store) SetState(key string, state models.DeliveryState) bool {
	i := s.indexOfKey(key)
	if i < 0 || !s.msgs[i].Provisional() {
		return false
	}
	s.msgs[i].State = state
	return true
}

// Update replaces a confirmed entry with a newer row of the same id.
func (s *Store) Update(m models.Message) bool {
	i := s.indexOf(m.ID)
	if i < 0 {
		return false
	}
	if m.ClientKey == "" {
		m.ClientKey = s.msgs[i].ClientKey
	}
	m.State = models.StateSent
	s.replaceAt(i, m)
	return true
}

// Remove deletes the entry with the id and remembers the id as deleted.
func (s *Store) Remove(id string) bool {
	if id == "" {
		return false
	}
	s.deleted[id] = struct{}{}
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.removeAt(i)
	return true
}

// RemoveProvisional drops a provisional entry by its client key.
func (s *Store) RemoveProvisional(key string) bool {
	i := s.indexOfKey(key)
	if i < 0 || !s.msgs[i].Provisional() {
		return false
	}
	s.removeAt(i)
	return true
}

func (s *Store) indexOf(id string) int {
	if id == "" {
		return -1
	}
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	return slices.IndexFunc(s.msgs, func(m models.Message) bool { return m.ID == id })
}

func (s *Store) indexOfKey(key string) int {
	if key == "" {
		return -1
	}
	return slices.IndexFunc(s.msgs, func(m models.Message) bool { return m.ClientKey == key })
}

// provisionalMatch finds the oldest provisional entry the row confirms.
// Echoes arrive in send order, so the oldest one goes first.
func (s *Store) provisionalMatch(row models.Message) int {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if Matches(s.msgs[i], row) {
			return i
		}
	}
	return -1
}

func (s *Store) confirmedMatch(p models.Message) int {
	for i, m := range s.msgs {
		if !m.Provisional() && Matches(p, m) {
			return i
		}
	}
	return -1
}

func (s *Store) insertSorted(m models.Message) {
	i := sort.Search(len(s.msgs), func(i int) bool {
		return !s.msgs[i].CreatedAt.After(m.CreatedAt)
	})
	s.msgs = slices.Insert(s.msgs, i, m)
}

func (s *Store) replaceAt(i int, m models.Message) {
	old := s.msgs[i]
	if old.ID != m.ID {
		delete(s.ids, old.ID)
	}
	if m.ID != "" {
		s.ids[m.ID] = struct{}{}
	}
	if old.CreatedAt.Equal(m.CreatedAt) {
		s.msgs[i] = m
		return
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	s.insertSorted(m)
}

func (s *Store) removeAt(i int) {
	if id := s.msgs[i].ID; id != "" {
		delete(s.ids, id)
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
}
