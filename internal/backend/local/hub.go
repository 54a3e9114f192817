package local

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"roomsync/internal/models"
)

const subscriptionBuffer = 256

var (
	ErrSlowSubscriber = errors.New("subscriber fell behind")
	ErrHubClosed      = errors.New("hub closed")
)

// Hub fans row changes and broadcasts out to the open subscriptions.
type Hub struct {
	subs   map[*Subscription]struct{}
	closed bool

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[*Subscription]struct{}),
	}
}

func (h *Hub) Subscribe(ch models.Channel, userID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	s := &Subscription{
		hub:     h,
		channel: ch,
		userID:  userID,
		events:  make(chan models.Event, subscriptionBuffer),
	}
	h.subs[s] = struct{}{}
	return s, nil
}

// Publish delivers a row change to every subscription on the event's table whose
// filter matches the row. attrs holds the filterable columns of the row.
func (h *Hub) Publish(ev models.Event, attrs map[string]string) {
	h.mu.RLock()
	var targets []*Subscription
	for s := range h.subs {
		if s.channel.Table != ev.Table {
			continue
		}
		if s.channel.FilterColumn != "" && attrs[s.channel.FilterColumn] != s.channel.FilterValue {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}

// broadcast delivers ev to all other subscriptions of the sender's channel.
func (h *Hub) broadcast(from *Subscription, ev models.Event) {
	h.mu.RLock()
	var targets []*Subscription
	for s := range h.subs {
		if s != from && s.channel.Name == from.channel.Name {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

// Close ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.end(ErrHubClosed)
	}
}

// Subscription is one open channel of a client.
type Subscription struct {
	hub     *Hub
	channel models.Channel
	userID  string
	events  chan models.Event

	closed bool
	err    error
	mu     sync.Mutex
}

func (s *Subscription) Events() <-chan models.Event {
	return s.events
}

func (s *Subscription) Broadcast(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("subscription closed")
	}

	s.hub.broadcast(s, models.Event{
		Kind:    models.EventBroadcast,
		Name:    event,
		Payload: data,
	})
	return nil
}

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *Subscription) deliver(ev models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.events <- ev:
		s.mu.Unlock()
	default:
		// A dropped event would leave the subscriber silently stale.
		// End the subscription instead, so it resubscribes and resyncs.
		s.mu.Unlock()
		s.end(ErrSlowSubscriber)
	}
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
	s.mu.Unlock()

	s.hub.remove(s)
}
