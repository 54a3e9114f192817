package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"roomsync/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

type authUser struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	UserMetadata struct {
		UserName  string `json:"username"`
		AvatarURL string `json:"avatar_url"`
	} `json:"user_metadata"`
}

func (u authUser) profile() models.Profile {
	return models.Profile{
		ID:        u.ID,
		Email:     u.Email,
		UserName:  u.UserMetadata.UserName,
		AvatarURL: u.UserMetadata.AvatarURL,
	}
}

// authResponse is a session, or a bare user when sign-up awaits email confirmation.
type authResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"`
	User        *authUser `json:"user"`
	authUser
}

func (c *Client) SignUp(ctx context.Context, email, password, username string) (models.Session, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"username": username},
	}
	var resp authResponse
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/v1/signup",
		body:      body,
		anonymous: true,
	}, &resp)
	if err != nil {
		return models.Session{}, err
	}

	if resp.AccessToken == "" {
		// Email confirmation pending: there is a user but no session yet.
		return models.Session{User: resp.authUser.profile()}, nil
	}
	session := c.newSession(resp)
	c.setSession(&session)
	return session, nil
}

func (c *Client) SignIn(ctx context.Context, email, password string) (models.Session, error) {
	var resp authResponse
	err := c.do(ctx, request{
		method:    http.MethodPost,
		path:      "/auth/v1/token",
		query:     url.Values{"grant_type": {"password"}},
		body:      map[string]string{"email": email, "password": password},
		anonymous: true,
	}, &resp)
	if err != nil {
		return models.Session{}, err
	}

	session := c.newSession(resp)
	c.setSession(&session)
	return session, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	token := c.accessToken()
	if token == "" {
		return nil
	}
	err := c.do(ctx, request{method: http.MethodPost, path: "/auth/v1/logout"}, nil)
	if err != nil {
		// The local session ends anyway.
		slog.Warn("failed to revoke session", "error", err)
	}
	_ = c.profiles.Del(token)
	c.setSession(nil)
	return nil
}

func (c *Client) CurrentUser(ctx context.Context) (models.Profile, error) {
	token := c.accessToken()
	if token == "" {
		return models.Profile{}, models.ErrUnauthorized
	}
	if p, err := c.profiles.Get(token); err == nil {
		return p, nil
	}

	var u authUser
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user"}, &u); err != nil {
		return models.Profile{}, err
	}
	p := u.profile()
	c.profiles.Set(token, p)
	return p, nil
}

// UpdateProfile changes the user metadata fields that are not empty.
func (c *Client) UpdateProfile(ctx context.Context, username, avatarURL string) (models.Profile, error) {
	token := c.accessToken()
	if token == "" {
		return models.Profile{}, models.ErrUnauthorized
	}

	data := map[string]string{}
	if username != "" {
		data["username"] = username
	}
	if avatarURL != "" {
		data["avatar_url"] = avatarURL
	}

	var u authUser
	err := c.do(ctx, request{
		method: http.MethodPut,
		path:   "/auth/v1/user",
		body:   map[string]any{"data": data},
	}, &u)
	if err != nil {
		return models.Profile{}, err
	}

	p := u.profile()
	c.profiles.Set(token, p)
	c.mu.Lock()
	if c.session != nil {
		c.session.User = p
	}
	c.mu.Unlock()
	return p, nil
}

func (c *Client) newSession(resp authResponse) models.Session {
	session := models.Session{AccessToken: resp.AccessToken}
	if resp.User != nil {
		session.User = resp.User.profile()
	}
	if resp.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	// The access token is a JWT issued by the backend. The client only reads its
	// claims to fill what the response left out; the backend verifies it.
	token, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, jwt.MapClaims{})
	if err != nil {
		return session
	}
	if session.ExpiresAt.IsZero() {
		if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
			session.ExpiresAt = exp.Time
		}
	}
	if session.User.ID == "" {
		if sub, err := token.Claims.GetSubject(); err == nil {
			session.User.ID = sub
		}
	}
	return session
}
