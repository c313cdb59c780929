package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

func newLockCmd(a *app) *cobra.Command {
	lockCmd := &cobra.Command{Use: "lock", Short: "Take and release locks"}

	var ttl time.Duration
	acquire := &cobra.Command{
		Use:   "acquire <key>",
		Short: "Make one attempt to take key and print the lease token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = w.Config.Locks.LeaseTTL
			}
			lease, ok, err := w.Locks.Acquire(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("lock %s: %w", args[0], wardenerrors.ErrLockUnavailable)
			}
			a.print(map[string]any{
				"key":        lease.Key,
				"token":      lease.Token,
				"ttl":        lease.TTL.String(),
				"expires_at": lease.ExpiresAt,
			})
			return nil
		},
	}
	acquire.Flags().DurationVar(&ttl, "ttl", 0, "Lease TTL (default locks.lease_ttl)")

	release := &cobra.Command{
		Use:   "release <key> <token>",
		Short: "Release key if token still holds it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			ok, err := w.Locks.Release(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("lock %s: %w", args[0], wardenerrors.ErrNotHeldByCaller)
			}
			a.print(map[string]any{"key": args[0], "released": true})
			return nil
		},
	}

	lockCmd.AddCommand(acquire, release)
	return lockCmd
}

func newRateLimitCmd(a *app) *cobra.Command {
	rlCmd := &cobra.Command{Use: "ratelimit", Short: "Inspect rate limit counters"}

	check := &cobra.Command{
		Use:   "check <identity>",
		Short: "Record one attempt for identity and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			d, err := w.Limiter.Allow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.print(map[string]any{
				"identity":    args[0],
				"allowed":     d.Allowed,
				"count":       d.Count,
				"limit":       d.Limit,
				"retry_after": d.RetryAfter.String(),
			})
			return nil
		},
	}

	reset := &cobra.Command{
		Use:   "reset <identity>",
		Short: "Clear the counter of identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			if err := w.Limiter.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.print(map[string]any{"identity": args[0], "reset": true})
			return nil
		},
	}

	rlCmd.AddCommand(check, reset)
	return rlCmd
}
