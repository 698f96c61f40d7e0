package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipico/breadbox/internal/credentials"
	"github.com/sipico/breadbox/internal/permission"
	"github.com/sipico/breadbox/internal/storage"
)

// userView is the JSON shape of a user. Key material is never included.
type userView struct {
	ID        string                      `json:"id"`
	Name      string                      `json:"name"`
	Grants    map[string]permission.Level `json:"grants"`
	CreatedAt time.Time                   `json:"created_at"`
	RevokedAt *time.Time                  `json:"revoked_at,omitempty"`
	Key       string                      `json:"key,omitempty"`
}

func viewOf(u *storage.User) userView {
	grants := u.Grants
	if grants == nil {
		grants = map[string]permission.Level{}
	}
	return userView{ID: u.ID, Name: u.Name, Grants: grants, CreatedAt: u.CreatedAt, RevokedAt: u.RevokedAt}
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and their archive grants",
	}
	cmd.AddCommand(
		newUserAddCmd(a),
		newUserListCmd(a),
		newUserRevokeCmd(a),
		newUserResetCmd(a),
		newUserGrantCmd(a),
		newUserUngrantCmd(a),
		newUserRemoveCmd(a),
	)
	return cmd
}

func newUserAddCmd(a *app) *cobra.Command {
	var (
		name   string
		grants []string
	)
	cmd := &cobra.Command{
		Use:   "add --name NAME [--grant ARCHIVE=LEVEL ...]",
		Short: "Create a user and print its API key",
		Long: `Create a user and print its API key. The key is shown only once;
only its hash is stored.

Levels are none, read, readwrite and admin.`,
		Example: "  breadctl user add --name alice --grant Anime=read --grant Games=readwrite",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := parseGrants(grants)
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				u, key, err := store.Create(ctx, name, parsed)
				if err != nil {
					return err
				}
				if a.jsonOut {
					v := viewOf(u)
					v.Key = key
					return writeJSON(cmd.OutOrStdout(), v)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created user %s (%s)\n", u.Name, u.ID)
				fmt.Fprintf(out, "API key: %s\n", key)
				fmt.Fprintln(out, "Store this key now; it cannot be shown again.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unique user name")
	cmd.Flags().StringArrayVar(&grants, "grant", nil, "archive grant as ARCHIVE=LEVEL (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUserListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				users := store.List(ctx)
				if a.jsonOut {
					views := make([]userView, 0, len(users))
					for _, u := range users {
						views = append(views, viewOf(u))
					}
					return writeJSON(cmd.OutOrStdout(), views)
				}
				if len(users) == 0 {
					fmt.Fprintln(cmd.ErrOrStderr(), "No users.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tGRANTS\tCREATED")
				for _, u := range users {
					status := "active"
					if u.Revoked() {
						status = "revoked"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						u.ID, u.Name, status, formatGrants(u.Grants), u.CreatedAt.Format(time.DateOnly))
				}
				return w.Flush()
			})
		},
	}
}

func newUserRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke USER",
		Short: "Revoke a user's API key",
		Long:  "Revoke a user. USER is an ID or a name. The record is kept for auditing.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				u, err := resolveUser(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.Revoke(ctx, u.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked user %s (%s)\n", u.Name, u.ID)
				return nil
			})
		},
	}
}

func newUserResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset USER",
		Short: "Issue a new API key for a user",
		Long:  "Issue a new API key. The old key stops working once the server reloads.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				u, err := resolveUser(ctx, store, args[0])
				if err != nil {
					return err
				}
				key, err := store.ReissueKey(ctx, u.ID)
				if err != nil {
					return err
				}
				if a.jsonOut {
					fresh, err := store.Get(ctx, u.ID)
					if err != nil {
						return err
					}
					v := viewOf(fresh)
					v.Key = key
					return writeJSON(cmd.OutOrStdout(), v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "New API key for %s: %s\n", u.Name, key)
				return nil
			})
		},
	}
}

func newUserGrantCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "grant USER ARCHIVE LEVEL",
		Short:   "Set a user's level on an archive",
		Example: "  breadctl user grant alice Anime readwrite",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := permission.ParseLevel(args[2])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				u, err := resolveUser(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.SetGrant(ctx, u.ID, args[1], level); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Granted %s %s on %s\n", u.Name, level, args[1])
				return nil
			})
		},
	}
}

func newUserUngrantCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ungrant USER ARCHIVE",
		Short: "Remove a user's grant so the archive default applies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				u, err := resolveUser(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.RemoveGrant(ctx, u.ID, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s's grant on %s\n", u.Name, args[1])
				return nil
			})
		},
	}
}

func newUserRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm USER",
		Aliases: []string{"delete"},
		Short:   "Delete a user and its grants",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store *credentials.Store) error {
				u, err := resolveUser(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.Delete(ctx, u.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted user %s (%s)\n", u.Name, u.ID)
				return nil
			})
		},
	}
}

// resolveUser finds a user by ID, then by name.
func resolveUser(ctx context.Context, store *credentials.Store, ref string) (*storage.User, error) {
	u, err := store.Get(ctx, ref)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, credentials.ErrUserNotFound) {
		return nil, err
	}
	for _, u := range store.List(ctx) {
		if u.Name == ref {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", credentials.ErrUserNotFound, ref)
}

// parseGrants parses ARCHIVE=LEVEL pairs. A repeated archive is an error.
func parseGrants(pairs []string) (map[string]permission.Level, error) {
	grants := make(map[string]permission.Level, len(pairs))
	for _, pair := range pairs {
		archive, raw, ok := strings.Cut(pair, "=")
		if !ok || archive == "" {
			return nil, fmt.Errorf("invalid grant %q: want ARCHIVE=LEVEL", pair)
		}
		if _, dup := grants[archive]; dup {
			return nil, fmt.Errorf("archive %s granted twice", archive)
		}
		level, err := permission.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid grant %q: %w", pair, err)
		}
		grants[archive] = level
	}
	return grants, nil
}

func formatGrants(grants map[string]permission.Level) string {
	if len(grants) == 0 {
		return "-"
	}
	archives := make([]string, 0, len(grants))
	for archive := range grants {
		archives = append(archives, archive)
	}
	sort.Strings(archives)

	parts := make([]string, len(archives))
	for i, archive := range archives {
		parts[i] = archive + "=" + grants[archive].String()
	}
	return strings.Join(parts, ",")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
