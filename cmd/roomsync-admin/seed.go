package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"roomsync/internal/backend/local"
	"roomsync/internal/config"
	"roomsync/internal/models"

	"github.com/spf13/cobra"
)

type seedOptions struct {
	password string
	domain   string
	room     string
	welcome  string
}

func newSeedCmd() *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed [username...]",
		Short: "Create users and a shared group room in the local database",
		Long: `Signs up every named user as <username>@<domain> with the given password,
then makes sure the group room exists. Existing users are signed in instead,
so running seed twice is harmless.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return seed(cmd.Context(), cfg, args, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.password, "password", "password", "password for every seeded user")
	cmd.Flags().StringVar(&opts.domain, "domain", "example.com", "email domain of seeded users")
	cmd.Flags().StringVar(&opts.room, "room", "General", "group room to create")
	cmd.Flags().StringVar(&opts.welcome, "welcome", "Welcome!", "first message posted in a newly created room (empty to skip)")
	return cmd
}

func seed(ctx context.Context, cfg *config.Config, users []string, opts seedOptions, out io.Writer) error {
	srv, err := local.NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = srv.Close()
	}()

	var owner *local.Client
	for _, name := range users {
		c := srv.Client()
		email := strings.ToLower(name) + "@" + opts.domain
		_, err := c.SignUp(ctx, email, opts.password, name)
		switch {
		case errors.Is(err, local.ErrEmailTaken):
			if _, err := c.SignIn(ctx, email, opts.password); err != nil {
				return fmt.Errorf("failed to sign in existing user %s: %w", email, err)
			}
			_, _ = fmt.Fprintf(out, "exists  %s\n", email)
		case err != nil:
			return fmt.Errorf("failed to create user %s: %w", email, err)
		default:
			_, _ = fmt.Fprintf(out, "created %s\n", email)
		}
		if owner == nil {
			owner = c
		}
	}

	if err := seedRoom(ctx, owner, opts, out); err != nil {
		return err
	}

	profiles, err := srv.Storage().ListProfiles()
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%d user(s) in %s\n", len(profiles), cfg.DBFile)
	return nil
}

func seedRoom(ctx context.Context, c *local.Client, opts seedOptions, out io.Writer) error {
	rooms, err := c.FindRoomsByName(ctx, opts.room)
	if err != nil {
		return err
	}
	for _, r := range rooms {
		if r.IsGroup {
			_, _ = fmt.Fprintf(out, "exists  room %s\n", r.Name)
			return nil
		}
	}

	room, err := c.CreateRoom(ctx, models.Room{Name: opts.room, IsGroup: true})
	if err != nil {
		return fmt.Errorf("failed to create room %q: %w", opts.room, err)
	}
	_, _ = fmt.Fprintf(out, "created room %s\n", room.Name)

	if opts.welcome == "" {
		return nil
	}
	_, err = c.InsertMessage(ctx, models.Message{RoomID: room.ID, Content: opts.welcome})
	return err
}
