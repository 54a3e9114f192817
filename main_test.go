package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"roomsync/internal/chatview"
	"roomsync/internal/models"

	"github.com/stretchr/testify/require"
)

func script(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

func TestRun_LocalSession(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROOMSYNC_BACKEND", "local")
	t.Setenv("ROOMSYNC_DB", filepath.Join(dir, "chat.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	err := run(t.Context(), nil, script(
		"signup alice@example.com",
		"signup alice@example.com alice",
		"secret1",
		"/new Team",
		"/groups",
		"/join 1",
		"hello world",
		"/list",
		"/edit 7",
		"/back",
		"/name Alice Cooper",
		"/quit",
	), &out)
	require.NoError(t, err)

	got := out.String()
	require.Contains(t, got, authHelp)
	require.Contains(t, got, "Welcome, alice.")
	require.Contains(t, got, "created Team")
	require.Contains(t, got, "1. Team")
	require.Contains(t, got, "== Team ==")
	require.Contains(t, got, "you: hello world")
	require.Contains(t, got, "! pick a number between 1 and 1")
	require.Contains(t, got, "you are now Alice Cooper")

	// Users and rooms survive a restart.
	out.Reset()
	err = run(t.Context(), nil, script(
		"login alice@example.com",
		"wrong-password",
		"login alice@example.com",
		"secret1",
		"/groups",
		"/logout",
		"quit",
	), &out)
	require.NoError(t, err)

	got = out.String()
	require.Contains(t, got, "Incorrect email or password.")
	require.Contains(t, got, "Welcome, Alice Cooper.")
	require.Contains(t, got, "1. Team")
	require.Contains(t, got, "Signed out.")
}

func TestRun_BadFlags(t *testing.T) {
	var out bytes.Buffer
	err := run(t.Context(), []string{"-backend"}, strings.NewReader(""), &out)
	require.Error(t, err)

	t.Setenv("ROOMSYNC_DB", filepath.Join(t.TempDir(), "chat.db"))
	err = run(t.Context(), []string{"-backend", "carrier-pigeon"}, strings.NewReader(""), &out)
	require.ErrorContains(t, err, "unknown backend")
}

func TestCommand(t *testing.T) {
	tests := []struct {
		line, name, rest string
	}{
		{"hello", "", "hello"},
		{"/join 2", "join", "2"},
		{"/IMG cat.png  a cat ", "img", "cat.png  a cat"},
		{"/back", "back", ""},
	}
	for _, tt := range tests {
		name, rest := command(tt.line)
		if name != tt.name || rest != tt.rest {
			t.Errorf("command(%q) = %q, %q; want %q, %q", tt.line, name, rest, tt.name, tt.rest)
		}
	}
}

func TestRenderer(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(newTerminal(strings.NewReader(""), &out), "me")

	mine := models.Message{ClientKey: "k1", UserID: "me", UserName: "alice", Content: "hi", State: models.StatePending}
	theirs := models.Message{ID: "m1", UserID: "u2", UserName: "bob", Content: "yo"}
	r.render(chatview.Snapshot{Messages: []models.Message{mine, theirs}})
	require.Contains(t, out.String(), "you: hi (sending)")
	require.Contains(t, out.String(), "bob: yo")

	// Confirming the pending entry prints nothing new.
	out.Reset()
	mine.ID, mine.State = "m2", models.StateSent
	r.render(chatview.Snapshot{Messages: []models.Message{mine, theirs}})
	require.Empty(t, out.String())

	mine.Content = "hi there"
	r.render(chatview.Snapshot{
		Messages: []models.Message{mine},
		Typing:   &models.TypingSignal{UserID: "u2", UserName: "bob"},
	})
	require.Contains(t, out.String(), "edited: [")
	require.Contains(t, out.String(), "you: hi there")
	require.Contains(t, out.String(), "deleted: yo")
	require.Contains(t, out.String(), "bob is typing...")

	out.Reset()
	r.render(chatview.Snapshot{Messages: []models.Message{mine}, Uploading: true})
	r.render(chatview.Snapshot{Messages: []models.Message{mine}, Uploading: true})
	require.Equal(t, 1, strings.Count(out.String(), "uploading..."))
}

func TestPick(t *testing.T) {
	i, err := pick(" 2 ", 3)
	require.NoError(t, err)
	require.Equal(t, 1, i)

	for _, arg := range []string{"0", "4", "x", ""} {
		if _, err := pick(arg, 3); err == nil {
			t.Errorf("pick(%q, 3) succeeded", arg)
		}
	}
}
