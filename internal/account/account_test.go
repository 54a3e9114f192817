package account

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"roomsync/internal/backend/local"
	"roomsync/internal/config"
	"roomsync/internal/models"

	"github.com/stretchr/testify/require"
)

func newAccount(t *testing.T) (*Account, *local.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBFile = filepath.Join(dir, "account.db")
	cfg.UploadsPath = filepath.Join(dir, "uploads")
	cfg.PublicBaseURL = "http://files.test"

	srv, err := local.NewServer(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return New(srv.Client()), srv
}

func userMessage(t *testing.T, err error) string {
	t.Helper()
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	return ue.Message
}

func TestFriendly(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("Invalid login credentials"), "Incorrect email or password."},
		{errors.New("User already registered"), "Email already in use. Login instead."},
		{errors.New("Password should be at least 6 characters"), "Password must be 6+ characters."},
		{errors.New("Unable to validate email address: invalid format"), "Please enter a valid email."},
		{errors.New("invalid email"), "Please enter a valid email."},
		{errors.New("connection reset"), "connection reset"},
	}
	for _, tt := range tests {
		if got := Friendly(tt.err).Error(); got != tt.want {
			t.Errorf("Friendly(%q) = %q, want %q", tt.err, got, tt.want)
		}
	}
	require.NoError(t, Friendly(nil))
}

func TestAccount_SignUpAndIn(t *testing.T) {
	a, _ := newAccount(t)
	ctx := t.Context()

	_, err := a.SignUp(ctx, "alice@example.com", "secret1", "  ")
	require.ErrorIs(t, err, ErrMissingFields)

	_, err = a.SignUp(ctx, "not-an-email", "secret1", "alice")
	require.Equal(t, "Please enter a valid email.", userMessage(t, err))

	_, err = a.SignUp(ctx, "alice@example.com", "123", "alice")
	require.Equal(t, "Password must be 6+ characters.", userMessage(t, err))

	s, err := a.SignUp(ctx, " alice@example.com ", "secret1", "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", s.User.UserName)

	_, err = a.SignUp(ctx, "alice@example.com", "secret1", "alice")
	require.Equal(t, "Email already in use. Login instead.", userMessage(t, err))

	require.NoError(t, a.SignOut(ctx))
	_, err = a.CurrentUser(ctx)
	require.ErrorIs(t, err, models.ErrUnauthorized)

	_, err = a.SignIn(ctx, "", "secret1")
	require.ErrorIs(t, err, ErrMissingFields)
	_, err = a.SignIn(ctx, "alice@example.com", "wrong-password")
	require.Equal(t, "Incorrect email or password.", userMessage(t, err))

	s, err = a.SignIn(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	me, err := a.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, s.User.ID, me.ID)
}

func TestAccount_Profile(t *testing.T) {
	a, _ := newAccount(t)
	ctx := t.Context()
	_, err := a.SignUp(ctx, "alice@example.com", "secret1", "alice")
	require.NoError(t, err)

	_, err = a.UpdateUsername(ctx, strings.Repeat("x", 65))
	require.Error(t, err)

	p, err := a.UpdateUsername(ctx, " <i>Alice</i> ")
	require.NoError(t, err)
	require.Equal(t, "Alice", p.UserName)

	png := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 64)...)
	p, err = a.UpdateAvatar(ctx, bytes.NewReader(png))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(p.AvatarURL, "http://files.test/chat-images/avatar_"), p.AvatarURL)
	require.True(t, strings.HasSuffix(p.AvatarURL, ".png"), p.AvatarURL)
	require.Equal(t, "Alice", p.UserName)

	_, err = a.UpdateAvatar(ctx, strings.NewReader("plain text"))
	require.Error(t, err)
}

func TestGate(t *testing.T) {
	a, _ := newAccount(t)
	ctx := t.Context()
	g := a.Gate()

	_, err := a.SignUp(ctx, "alice@example.com", "secret1", "alice")
	require.NoError(t, err)
	require.NoError(t, a.SignOut(ctx))

	// The reader fell behind: only the sign-out is left.
	select {
	case s := <-g.Changes():
		require.Nil(t, s)
	case <-time.After(time.Second):
		t.Fatal("no auth change delivered")
	}

	_, err = a.SignIn(ctx, "alice@example.com", "secret1")
	require.NoError(t, err)
	s := <-g.Changes()
	require.NotNil(t, s)
	require.Equal(t, "alice", s.User.UserName)

	g.Close()
	g.Close()
	require.NoError(t, a.SignOut(ctx))
	_, open := <-g.Changes()
	require.False(t, open)
}
