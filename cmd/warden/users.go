package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-warden/v1/adapter"
	"github.com/mirkobrombin/go-warden/v1/users"
	"github.com/mirkobrombin/go-warden/v1/validator"
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

func newUsersCmd(a *app) *cobra.Command {
	usersCmd := &cobra.Command{Use: "users", Short: "Drive the users service"}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a user through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			u, err := w.Users.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.print(u)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users through the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			us, err := w.Users.List(cmd.Context())
			if err != nil {
				return err
			}
			a.print(us)
			return nil
		},
	}

	var name, email, identity string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user, rate limited per identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || email == "" {
				return fmt.Errorf("--name and --email are required")
			}
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			u, err := w.Users.Create(cmd.Context(), adapter.User{Name: name, Email: email}, identity)
			if err != nil {
				return err
			}
			a.print(u)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "User name")
	create.Flags().StringVar(&email, "email", "", "User email")
	create.Flags().StringVar(&identity, "identity", "cli", "Caller identity charged by the rate limiter")

	var leaky bool
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a user under its update lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var ch users.Changes
			if cmd.Flags().Changed("name") {
				ch.Name = &name
			}
			if cmd.Flags().Changed("email") {
				ch.Email = &email
			}
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var u adapter.User
			if leaky {
				u, err = w.Users.UpdateWithoutUnlock(cmd.Context(), id, ch)
			} else {
				u, err = w.Users.Update(cmd.Context(), id, ch)
			}
			if err != nil {
				return err
			}
			a.print(u)
			return nil
		},
	}
	update.Flags().StringVar(&name, "name", "", "New name")
	update.Flags().StringVar(&email, "email", "", "New email")
	update.Flags().BoolVar(&leaky, "leaky", false, "Leave the lock to expire (needs locks.allow_leaky_updates)")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user under its update lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := w.Users.Delete(cmd.Context(), id); err != nil {
				return err
			}
			a.print(map[string]any{"id": id, "deleted": true})
			return nil
		},
	}

	var heal bool
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Compare cached users with the repository once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			mode := validator.ModeAlert
			if heal {
				mode = validator.ModeAutoHeal
			}
			n, err := w.Users.Validator(mode, time.Minute).Scan(cmd.Context())
			if err != nil {
				return err
			}
			a.print(map[string]any{"mismatches": n, "healed": heal && n > 0})
			return nil
		},
	}
	validate.Flags().BoolVar(&heal, "heal", false, "Evict cached users that differ from the repository")

	usersCmd.AddCommand(get, list, create, update, del, validate)
	return usersCmd
}
