package local

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"roomsync/internal/content"
	"roomsync/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrWeakPassword       = fmt.Errorf("password should be at least %d characters", content.MinPasswordChars)
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
)

// Authenticator signs users in against the profiles stored in Storage and keeps
// the live access tokens in memory.
type Authenticator struct {
	storage    *Storage
	liveTokens geche.Geche[string, string]
	expiry     time.Duration
	now        func() time.Time
}

func NewAuthenticator(ctx context.Context, storage *Storage, expiry time.Duration) *Authenticator {
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	return &Authenticator{
		storage:    storage,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, expiry, time.Minute),
		expiry:     expiry,
		now:        time.Now,
	}
}

func (a *Authenticator) SignUp(email, password, username string) (models.Session, error) {
	email = normalizeEmail(email)
	if err := content.ValidateEmail(email); err != nil {
		return models.Session{}, err
	}
	if len(password) < content.MinPasswordChars {
		return models.Session{}, ErrWeakPassword
	}
	username = content.SanitizeName(username)
	if username == "" {
		username = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to hash password: %w", err)
	}

	p := DBProfile{
		ID:           uuid.NewString(),
		Email:        email,
		UserName:     username,
		PasswordHash: hash,
		CreatedAt:    a.now().UnixNano(),
	}
	if err := a.storage.CreateProfile(p); err != nil {
		return models.Session{}, err
	}

	return a.issue(p)
}

func (a *Authenticator) SignIn(email, password string) (models.Session, error) {
	now := a.now()
	email = normalizeEmail(email)

	p, err := a.storage.GetProfileByEmail(email)
	if errors.Is(err, models.ErrNotFound) {
		return models.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.Session{}, err
	}

	// Check failed login attempts
	if p.FailedAttempts > 3 {
		nextAttempt := p.LastAttemptTime + 30*(p.FailedAttempts*p.FailedAttempts)
		if now.Unix() < nextAttempt {
			return models.Session{}, fmt.Errorf("%w, next attempt in %d seconds", ErrTooManyAttempts, nextAttempt-now.Unix())
		}
	}

	if err := bcrypt.CompareHashAndPassword(p.PasswordHash, []byte(password)); err != nil {
		_, uerr := a.storage.UpdateProfile(p.ID, func(p *DBProfile) error {
			p.FailedAttempts++
			p.LastAttemptTime = now.Unix()
			return nil
		})
		if uerr != nil {
			slog.Error("failed to record login attempt", "user_id", p.ID, "error", uerr)
		}
		return models.Session{}, ErrInvalidCredentials
	}

	if p.FailedAttempts > 0 {
		p, err = a.storage.UpdateProfile(p.ID, func(p *DBProfile) error {
			p.FailedAttempts = 0
			p.LastAttemptTime = now.Unix()
			return nil
		})
		if err != nil {
			return models.Session{}, err
		}
	}

	return a.issue(p)
}

func (a *Authenticator) SignOut(token string) error {
	return a.liveTokens.Del(token)
}

// UserID resolves a live access token.
func (a *Authenticator) UserID(token string) (string, error) {
	id, err := a.liveTokens.Get(token)
	if err != nil {
		return "", models.ErrUnauthorized
	}
	return id, nil
}

func (a *Authenticator) issue(p DBProfile) (models.Session, error) {
	token, err := generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", p.ID, "error", err)
		return models.Session{}, err
	}
	a.liveTokens.Set(token, p.ID)

	return models.Session{
		AccessToken: token,
		ExpiresAt:   a.now().Add(a.expiry),
		User:        p.Profile(),
	}, nil
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
