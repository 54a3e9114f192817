package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/models"
)

const (
	realtimePath = "/realtime/v1/websocket"
	eventBuffer  = 256

	phxJoin      = "phx_join"
	phxLeave     = "phx_leave"
	phxReply     = "phx_reply"
	phxError     = "phx_error"
	phxClose     = "phx_close"
	phxHeartbeat = "heartbeat"
	evChanges    = "postgres_changes"
	evBroadcast  = "broadcast"
	evSystem     = "system"
)

var (
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrSlowConsumer       = errors.New("change feed consumer fell behind")
)

// frame is a phoenix channel message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string `json:"status"`
	Response struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type      string          `json:"type"`
		Table     string          `json:"table"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Subscribe opens a realtime socket and joins the channel. Every subscription owns
// its socket, so a broken one never affects other views.
func (c *Client) Subscribe(ctx context.Context, ch models.Channel) (backend.Subscription, error) {
	token := c.accessToken()
	if token == "" {
		return nil, models.ErrUnauthorized
	}

	conn, _, err := c.dialer.DialContext(ctx, c.realtimeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime: %w", err)
	}

	s := newSubscription(conn, "realtime:"+ch.Name, c.heartbeat)
	joinCtx, cancel := context.WithTimeout(ctx, c.joinWait)
	defer cancel()
	if err := s.join(joinCtx, joinPayload(ch, token)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.run(context.WithoutCancel(ctx))
	return s, nil
}

func (c *Client) realtimeURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	q := url.Values{"apikey": {c.apiKey}, "vsn": {"1.0.0"}}
	return u + realtimePath + "?" + q.Encode()
}

func joinPayload(ch models.Channel, token string) map[string]any {
	change := map[string]string{
		"event":  "*",
		"schema": "public",
		"table":  ch.Table,
	}
	if ch.FilterColumn != "" {
		change["filter"] = ch.FilterColumn + "=" + eq(ch.FilterValue)
	}
	return map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]bool{"self": false},
			"postgres_changes": []map[string]string{change},
		},
		"access_token": token,
	}
}

type subscription struct {
	ws        wsConnection
	topic     string
	heartbeat time.Duration

	events     chan models.Event
	fromServer chan frame
	writes     chan frame
	errorCh    chan error
	done       chan struct{}

	ref       int
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   bool
	err       error
	mu        sync.Mutex
}

func newSubscription(ws wsConnection, topic string, heartbeat time.Duration) *subscription {
	return &subscription{
		ws:         ws,
		topic:      topic,
		heartbeat:  heartbeat,
		events:     make(chan models.Event, eventBuffer),
		fromServer: make(chan frame),
		writes:     make(chan frame),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
}

func (s *subscription) nextRef() string {
	s.ref++
	return strconv.Itoa(s.ref)
}

// join sends phx_join and waits for its reply. It runs before the loops start.
func (s *subscription) join(ctx context.Context, payload any) error {
	stop := context.AfterFunc(ctx, func() { _ = s.ws.Close() })
	defer stop()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ref := s.nextRef()
	if err := s.ws.WriteJSON(frame{Topic: s.topic, Event: phxJoin, Payload: data, Ref: ref}); err != nil {
		return joinError(ctx, err)
	}

	for {
		var f frame
		if err := s.ws.ReadJSON(&f); err != nil {
			return joinError(ctx, err)
		}
		if f.Event != phxReply || f.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(f.Payload, &reply); err != nil {
			return fmt.Errorf("bad join reply: %w", err)
		}
		if reply.Status != "ok" {
			reason := reply.Response.Reason
			if reason == "" {
				reason = reply.Response.Message
			}
			return fmt.Errorf("failed to join %s: %s", s.topic, reason)
		}
		return nil
	}
}

func joinError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("failed to join channel: %w", ctx.Err())
	}
	return fmt.Errorf("failed to join channel: %w", err)
}

func (s *subscription) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	closing := s.closing
	s.mu.Unlock()
	if closing {
		cancel()
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		s.errorCh <- s.pumpFrames(ctx)
		cancel()
	})

	wg.Go(func() {
		s.errorCh <- s.mainLoop(ctx)
		cancel()
	})

	// The loop that fails first reports before cancelling the other one.
	err := <-s.errorCh
	_ = s.ws.Close()
	wg.Wait()

	s.finish(err)
}

func (s *subscription) pumpFrames(ctx context.Context) error {
	for {
		var f frame
		if err := s.ws.ReadJSON(&f); err != nil {
			return err
		}
		select {
		case s.fromServer <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *subscription) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case f := <-s.fromServer:
			if err := s.processFrame(f); err != nil {
				return err
			}
		case f := <-s.writes:
			f.Ref = s.nextRef()
			if err := s.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-ticker.C:
			hb := frame{Topic: "phoenix", Event: phxHeartbeat, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
			if err := s.ws.WriteJSON(hb); err != nil {
				return err
			}
		case <-ctx.Done():
			leave := frame{Topic: s.topic, Event: phxLeave, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
			_ = s.ws.WriteJSON(leave)
			return nil
		}
	}
}

func (s *subscription) processFrame(f frame) error {
	if f.Topic != s.topic {
		return nil // heartbeat replies
	}

	switch f.Event {
	case evChanges:
		var p changesPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("bad change payload: %w", err)
		}
		return s.emit(models.Event{
			Kind:      models.EventKind(p.Data.Type),
			Table:     p.Data.Table,
			Record:    nullRow(p.Data.Record),
			OldRecord: nullRow(p.Data.OldRecord),
		})
	case evBroadcast:
		var p broadcastPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("bad broadcast payload: %w", err)
		}
		return s.emit(models.Event{
			Kind:    models.EventBroadcast,
			Name:    p.Event,
			Payload: p.Payload,
		})
	case phxError:
		return fmt.Errorf("channel %s errored", s.topic)
	case phxClose:
		return fmt.Errorf("channel %s closed by server", s.topic)
	case evSystem, phxReply:
	}
	return nil
}

func (s *subscription) emit(ev models.Event) error {
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *subscription) finish(err error) {
	s.mu.Lock()
	if s.closing {
		err = nil
	} else if err == nil {
		err = ErrSubscriptionClosed
	}
	s.err = err
	s.mu.Unlock()

	close(s.events)
	close(s.done)
}

func (s *subscription) Events() <-chan models.Event {
	return s.events
}

func (s *subscription) Broadcast(ctx context.Context, event string, payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(broadcastPayload{Type: evBroadcast, Event: event, Payload: inner})
	if err != nil {
		return err
	}

	select {
	case s.writes <- frame{Topic: s.topic, Event: evBroadcast, Payload: data}:
		return nil
	case <-s.done:
		return ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close leaves the channel and waits for the socket to shut down.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	<-s.done
	return nil
}

func nullRow(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil
	}
	return raw
}
