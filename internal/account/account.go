// Package account signs users in and out and edits their profile.
package account

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"roomsync/internal/backend"
	"roomsync/internal/content"
	"roomsync/internal/media"
	"roomsync/internal/models"
)

var ErrMissingFields = errors.New("please fill in all fields")

// UserError is a failure with a message meant for the user.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// friendlyMessages maps fragments of backend auth errors to what the user is told.
var friendlyMessages = []struct {
	fragments []string
	message   string
}{
	{[]string{"invalid login credentials"}, "Incorrect email or password."},
	{[]string{"user already registered", "already been registered", "user_already_exists"}, "Email already in use. Login instead."},
	{[]string{"password should be at least"}, "Password must be 6+ characters."},
	{[]string{"invalid email", "validation failed", "unable to validate email"}, "Please enter a valid email."},
}

// Friendly translates known auth errors. Unknown errors are returned as is.
func Friendly(err error) error {
	if err == nil {
		return nil
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return err
	}
	text := strings.ToLower(err.Error())
	for _, fm := range friendlyMessages {
		for _, f := range fm.fragments {
			if strings.Contains(text, f) {
				return &UserError{Message: fm.message, Err: err}
			}
		}
	}
	return err
}

type authAPI interface {
	backend.Auth
	backend.Objects
}

type Account struct {
	auth     authAPI
	uploader *media.Uploader
}

func New(b authAPI) *Account {
	return &Account{auth: b, uploader: media.NewUploader(b)}
}

func (a *Account) SignIn(ctx context.Context, email, password string) (models.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return models.Session{}, &UserError{Message: "Please enter email and password.", Err: ErrMissingFields}
	}
	s, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return models.Session{}, Friendly(err)
	}
	return s, nil
}

// SignUp registers a user. When the backend wants the address confirmed first,
// the returned session has no access token.
func (a *Account) SignUp(ctx context.Context, email, password, username string) (models.Session, error) {
	email = strings.TrimSpace(email)
	username = content.SanitizeName(username)
	if email == "" || password == "" || username == "" {
		return models.Session{}, &UserError{Message: "Please fill in all fields.", Err: ErrMissingFields}
	}
	s, err := a.auth.SignUp(ctx, email, password, username)
	if err != nil {
		return models.Session{}, Friendly(err)
	}
	return s, nil
}

func (a *Account) SignOut(ctx context.Context) error {
	return a.auth.SignOut(ctx)
}

func (a *Account) CurrentUser(ctx context.Context) (models.Profile, error) {
	return a.auth.CurrentUser(ctx)
}

func (a *Account) UpdateUsername(ctx context.Context, name string) (models.Profile, error) {
	name, err := content.ValidateName(name)
	if err != nil {
		return models.Profile{}, err
	}
	p, err := a.auth.UpdateProfile(ctx, name, "")
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to update username: %w", err)
	}
	return p, nil
}

// UpdateAvatar stores the picture and points the profile at it.
func (a *Account) UpdateAvatar(ctx context.Context, body io.Reader) (models.Profile, error) {
	up, err := a.uploader.UploadAvatar(ctx, body)
	if err != nil {
		return models.Profile{}, err
	}
	p, err := a.auth.UpdateProfile(ctx, "", up.URL)
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to update avatar: %w", err)
	}
	return p, nil
}

// Gate reports sign-in and sign-out transitions. Only the latest session is kept
// when the reader falls behind.
type Gate struct {
	changes     chan *models.Session
	unsubscribe func()
	once        sync.Once
	mu          sync.Mutex
	closed      bool
}

func (a *Account) Gate() *Gate {
	g := &Gate{changes: make(chan *models.Session, 1)}
	g.unsubscribe = a.auth.OnAuthStateChange(g.deliver)
	return g
}

func (g *Gate) deliver(s *models.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	select {
	case <-g.changes:
	default:
	}
	g.changes <- s
}

// Changes delivers the new session after each transition, nil after sign-out.
func (g *Gate) Changes() <-chan *models.Session {
	return g.changes
}

func (g *Gate) Close() {
	g.once.Do(func() {
		g.unsubscribe()
		g.mu.Lock()
		g.closed = true
		close(g.changes)
		g.mu.Unlock()
	})
}
