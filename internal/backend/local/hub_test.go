package local

import (
	"testing"

	"roomsync/internal/models"
)

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	h := NewHub()
	sub, err := h.Subscribe(models.RoomsChannel(), "u1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for range subscriptionBuffer + 1 {
		h.Publish(models.Event{Kind: models.EventInsert, Table: models.TableRooms}, nil)
	}

	n := 0
	for range sub.Events() {
		n++
	}
	if n != subscriptionBuffer {
		t.Errorf("expected %d buffered events, got %d", subscriptionBuffer, n)
	}
	if sub.Err() != ErrSlowSubscriber {
		t.Errorf("expected ErrSlowSubscriber, got %v", sub.Err())
	}
	if len(h.subs) != 0 {
		t.Errorf("expected subscription to be removed, %d left", len(h.subs))
	}
}

func TestHub_Filter(t *testing.T) {
	h := NewHub()
	roomA, _ := h.Subscribe(models.RoomChannel("a"), "u1")
	roomB, _ := h.Subscribe(models.RoomChannel("b"), "u1")
	rooms, _ := h.Subscribe(models.RoomsChannel(), "u1")

	h.Publish(models.Event{Kind: models.EventInsert, Table: models.TableMessages}, map[string]string{"room_id": "a"})

	if len(roomA.Events()) != 1 {
		t.Errorf("room a: expected 1 event, got %d", len(roomA.Events()))
	}
	if len(roomB.Events()) != 0 {
		t.Errorf("room b: expected no events, got %d", len(roomB.Events()))
	}
	if len(rooms.Events()) != 0 {
		t.Errorf("rooms: expected no events, got %d", len(rooms.Events()))
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	sub, _ := h.Subscribe(models.RoomsChannel(), "u1")

	h.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("expected events channel to be closed")
	}
	if sub.Err() != ErrHubClosed {
		t.Errorf("expected ErrHubClosed, got %v", sub.Err())
	}
	if _, err := h.Subscribe(models.RoomsChannel(), "u1"); err != ErrHubClosed {
		t.Errorf("expected ErrHubClosed on subscribe, got %v", err)
	}
}
