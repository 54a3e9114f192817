// Package remote talks to a hosted backend: the REST data API, the auth API,
// object storage and the realtime websocket.
package remote

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomsync/internal/backend"
	"roomsync/internal/config"
	"roomsync/internal/models"

	"github.com/c-pro/geche"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
)

const (
	DefaultHeartbeat = 25 * time.Second
	profileCacheTTL  = time.Minute
)

func init() {
	backend.Register(config.BackendRemote, func(ctx context.Context, cfg *config.Config) (backend.Backend, error) {
		return New(ctx, cfg), nil
	})
}

// Client is one user session against the hosted backend. It implements backend.Backend.
type Client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	dialer    *websocket.Dialer
	heartbeat time.Duration
	joinWait  time.Duration
	now       func() time.Time

	// Profiles of the signed-in user by access token.
	profiles geche.Geche[string, models.Profile]

	session      *models.Session
	listeners    map[int]func(*models.Session)
	nextListener int
	mu           sync.Mutex

	cancel context.CancelFunc
}

var _ backend.Backend = (*Client)(nil)

func New(ctx context.Context, cfg *config.Config) *Client {
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		baseURL: strings.TrimSuffix(cfg.RemoteURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "backend",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.ReconnectMax,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: isSuccessful,
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
			},
		}),
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout},
		heartbeat: DefaultHeartbeat,
		joinWait:  cfg.RequestTimeout,
		now:       time.Now,
		profiles:  geche.NewMapTTLCache[string, models.Profile](ctx, profileCacheTTL, profileCacheTTL),
		listeners: make(map[int]func(*models.Session)),
		cancel:    cancel,
	}
}

func (c *Client) Close() error {
	c.cancel()
	return nil
}

func (c *Client) accessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken
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

// userID returns the id of the signed-in user.
func (c *Client) userID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", models.ErrUnauthorized
	}
	return c.session.User.ID, nil
}
