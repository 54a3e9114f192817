package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"roomsync/internal/account"
	"roomsync/internal/backend"
	"roomsync/internal/chatview"
	"roomsync/internal/config"
	"roomsync/internal/media"
	"roomsync/internal/models"
	"roomsync/internal/rooms"

	"golang.org/x/sync/errgroup"
)

var (
	errQuit      = errors.New("quit")
	errSignedOut = errors.New("signed out")
)

const (
	authHelp = `Commands: login <email> | signup <email> <username> | quit
`
	lobbyHelp = `Commands:
  /groups                 list group rooms
  /join <n>               open group n
  /new <name>             create a group
  /rename <n> <name>      rename group n
  /delete <n>             delete group n
  /contacts               list other users
  /dm <n>                 chat with contact n
  /name <name>            change your username
  /avatar <file>          upload a profile picture
  /logout | /quit
`
	chatHelp = `Type a line to send it. Commands:
  /img <file> [caption]   send a picture
  /voice <file>           send a voice message
  /list                   show the conversation, numbered newest first
  /edit <n>               edit message n, the next line is the new text
  /cancel                 stop editing
  /del <n>                delete message n
  /retry <n> | /discard <n>   handle a message that failed to send
  /back | /quit
`
)

type app struct {
	cfg     *config.Config
	backend backend.Backend
	account *account.Account
	t       *terminal
}

func (a *app) run(ctx context.Context) error {
	for {
		me, err := a.signIn(ctx)
		if err == nil {
			err = a.lobby(ctx, me)
		}
		switch {
		case errors.Is(err, errSignedOut):
			a.t.printf("Signed out.\n")
			continue
		case errors.Is(err, errQuit), errors.Is(err, io.EOF):
			return nil
		}
		return err
	}
}

func (a *app) signIn(ctx context.Context) (models.Profile, error) {
	if me, err := a.account.CurrentUser(ctx); err == nil {
		return me, nil
	}

	a.t.printf("%s", authHelp)
	for {
		line, err := a.t.readLine(ctx, "> ", false)
		if err != nil {
			return models.Profile{}, err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var s models.Session
		switch {
		case fields[0] == "login" && len(fields) == 2:
			pw, err := a.t.readLine(ctx, "password: ", true)
			if err != nil {
				return models.Profile{}, err
			}
			s, err = a.account.SignIn(ctx, fields[1], pw)
			if err != nil {
				a.t.printf("%v\n", err)
				continue
			}
		case fields[0] == "signup" && len(fields) >= 3:
			pw, err := a.t.readLine(ctx, "password: ", true)
			if err != nil {
				return models.Profile{}, err
			}
			s, err = a.account.SignUp(ctx, fields[1], pw, strings.Join(fields[2:], " "))
			if err != nil {
				a.t.printf("%v\n", err)
				continue
			}
			if s.AccessToken == "" {
				a.t.printf("Check your inbox to confirm the address, then login.\n")
				continue
			}
		case fields[0] == "quit" || fields[0] == "/quit":
			return models.Profile{}, errQuit
		default:
			a.t.printf("%s", authHelp)
			continue
		}

		a.t.printf("Welcome, %s.\n", s.User.DisplayName())
		return s.User, nil
	}
}

func (a *app) lobby(ctx context.Context, me models.Profile) error {
	dir := rooms.NewDirectory(a.backend, me)
	dir.SetRetry(a.cfg.ReconnectMin, a.cfg.ReconnectMax)
	gate := a.account.Gate()
	defer gate.Close()

	var (
		mu       sync.Mutex
		groups   []models.Room
		contacts []models.Profile
	)
	watcher, err := dir.Watch(ctx, func(list []models.Room) {
		mu.Lock()
		changed := !slices.EqualFunc(groups, list, func(x, y models.Room) bool { return x.ID == y.ID && x.Name == y.Name })
		groups = list
		mu.Unlock()
		if changed {
			a.t.printf("  %d group(s) available, /groups to list\n", len(list))
		}
	})
	if err != nil {
		a.t.printf("! live room list unavailable: %v\n", err)
	} else {
		defer func() { _ = watcher.Close() }()
	}

	group := func(arg string) (models.Room, error) {
		mu.Lock()
		defer mu.Unlock()
		i, err := pick(arg, len(groups))
		if err != nil {
			return models.Room{}, err
		}
		return groups[i], nil
	}

	a.t.printf("%s", lobbyHelp)
	for {
		line, err := a.t.readLine(ctx, "lobby> ", false)
		if err != nil {
			return err
		}
		select {
		case s, ok := <-gate.Changes():
			if ok && s == nil {
				return errSignedOut
			}
		default:
		}

		name, rest := command(line)
		switch name {
		case "":
			if rest != "" {
				a.t.printf("%s", lobbyHelp)
			}
		case "groups":
			list, err := dir.ListGroups(ctx)
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			mu.Lock()
			groups = list
			mu.Unlock()
			for i, r := range list {
				a.t.printf("  %d. %s\n", i+1, r.Name)
			}
			if len(list) == 0 {
				a.t.printf("  no groups yet, /new <name> creates one\n")
			}
		case "join":
			room, err := group(rest)
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			if err := a.conversation(ctx, me, room); err != nil {
				return err
			}
		case "new":
			room, err := dir.CreateGroup(ctx, rest)
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			a.t.printf("  created %s\n", room.Name)
		case "rename":
			n, newName, _ := strings.Cut(rest, " ")
			room, err := group(n)
			if err == nil {
				err = dir.RenameGroup(ctx, room.ID, newName)
			}
			if err != nil {
				a.t.printf("! %v\n", err)
			}
		case "delete":
			room, err := group(rest)
			if err == nil {
				err = dir.DeleteGroup(ctx, room.ID)
			}
			if err != nil {
				a.t.printf("! %v\n", err)
			}
		case "contacts":
			list, err := dir.ListContacts(ctx)
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			contacts = list
			for i, p := range list {
				a.t.printf("  %d. %s\n", i+1, p.DisplayName())
			}
		case "dm":
			i, err := pick(rest, len(contacts))
			if err != nil {
				a.t.printf("! %v, /contacts first\n", err)
				continue
			}
			room, err := dir.OpenDirect(ctx, contacts[i])
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			if err := a.conversation(ctx, me, room); err != nil {
				return err
			}
		case "name":
			p, err := a.account.UpdateUsername(ctx, rest)
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			me = p
			a.t.printf("  you are now %s\n", p.DisplayName())
		case "avatar":
			p, err := a.updateAvatar(ctx, rest)
			if err != nil {
				a.t.printf("! %v\n", err)
				continue
			}
			me = p
			a.t.printf("  avatar set: %s\n", p.AvatarURL)
		case "logout":
			if err := a.account.SignOut(ctx); err != nil {
				a.t.printf("! %v\n", err)
			}
			return errSignedOut
		case "quit":
			return errQuit
		default:
			a.t.printf("%s", lobbyHelp)
		}
	}
}

func (a *app) updateAvatar(ctx context.Context, path string) (models.Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Profile{}, err
	}
	defer func() { _ = f.Close() }()
	return a.account.UpdateAvatar(ctx, f)
}

// conversation runs one open room until /back. Updates and input are handled
// concurrently; the view serializes the mutations.
func (a *app) conversation(ctx context.Context, me models.Profile, room models.Room) error {
	v, err := chatview.Open(ctx, a.backend, chatview.Config{
		RoomID:         room.ID,
		Self:           me,
		TypingTimeout:  a.cfg.TypingTimeout,
		TypingDebounce: a.cfg.TypingDebounce,
		ReconnectMin:   a.cfg.ReconnectMin,
		ReconnectMax:   a.cfg.ReconnectMax,
	})
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	a.t.printf("== %s ==\n%s", room.Name, chatHelp)
	r := newRenderer(a.t, me.ID)
	var (
		mu   sync.Mutex
		last chatview.Snapshot
	)

	g, gCtx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		for {
			select {
			case snap, ok := <-v.Updates():
				if !ok {
					return nil
				}
				mu.Lock()
				last = snap
				r.render(snap)
				mu.Unlock()
				if snap.Ready {
					_ = v.MarkAllSeen()
				}
			case n, ok := <-v.Notices():
				if ok {
					a.t.printf("! %v\n", n)
				}
			case <-done:
				return nil
			case <-gCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		defer close(done)
		for {
			line, err := a.t.readLine(gCtx, "", false)
			if err != nil {
				return err
			}
			mu.Lock()
			snap := last
			mu.Unlock()

			leave, err := a.handle(ctx, v, r, snap, line)
			if leave || err != nil {
				return err
			}
			if snap, err := v.Snapshot(); err == nil {
				mu.Lock()
				last = snap
				r.render(snap)
				mu.Unlock()
			}
		}
	})

	return g.Wait()
}

// handle runs one input line of a conversation. It reports true when the user
// leaves the room.
func (a *app) handle(ctx context.Context, v *chatview.View, r *renderer, snap chatview.Snapshot, line string) (bool, error) {
	name, rest := command(line)
	var err error
	switch name {
	case "":
		if rest == "" {
			return false, nil
		}
		if snap.Editing != "" {
			err = v.SubmitEdit(rest)
			break
		}
		_ = v.InputChanged(rest)
		err = v.Send(ctx, rest, nil)
	case "img", "voice":
		kind := media.KindImage
		if name == "voice" {
			kind = media.KindAudio
		}
		path, caption, _ := strings.Cut(rest, " ")
		err = a.sendFile(ctx, v, kind, path, caption)
	case "list":
		r.list(snap)
	case "edit":
		var m models.Message
		if m, err = message(snap, rest); err == nil {
			var draft string
			if draft, err = v.BeginEdit(m.ID); err == nil {
				a.t.printf("  editing: %s\n  type the new text, /cancel to stop\n", draft)
			}
		}
	case "cancel":
		err = v.CancelEdit()
	case "del":
		var m models.Message
		if m, err = message(snap, rest); err == nil {
			err = v.Delete(ref(m))
		}
	case "retry":
		var m models.Message
		if m, err = message(snap, rest); err == nil {
			err = v.Resend(m.ClientKey)
		}
	case "discard":
		var m models.Message
		if m, err = message(snap, rest); err == nil {
			err = v.Discard(m.ClientKey)
		}
	case "back":
		return true, nil
	case "quit":
		return true, errQuit
	default:
		a.t.printf("%s", chatHelp)
	}

	if errors.Is(err, chatview.ErrClosed) {
		return true, err
	}
	if err != nil {
		a.t.printf("! %v\n", err)
	}
	return false, nil
}

func (a *app) sendFile(ctx context.Context, v *chatview.View, kind media.Kind, path, caption string) error {
	if path == "" {
		return fmt.Errorf("file name missing")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return v.Send(ctx, caption, &media.Attachment{Kind: kind, Name: filepath.Base(path), Body: f})
}

// ref is what Delete accepts for the message: its id, or the client key while
// it has none.
func ref(m models.Message) string {
	if m.Provisional() {
		return m.ClientKey
	}
	return m.ID
}

func message(snap chatview.Snapshot, arg string) (models.Message, error) {
	i, err := pick(arg, len(snap.Messages))
	if err != nil {
		return models.Message{}, err
	}
	return snap.Messages[i], nil
}

// pick turns a 1-based number typed by the user into an index.
func pick(arg string, n int) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || i < 1 || i > n {
		return 0, fmt.Errorf("pick a number between 1 and %d", n)
	}
	return i - 1, nil
}
